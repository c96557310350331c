package align

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bini59/scriptsync/internal/schema"
	"github.com/bini59/scriptsync/internal/store"
)

// JobState is the lifecycle state of an alignment job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCanceled  JobState = "canceled"
)

// ErrJobNotFound is returned when a job ID is unknown to the runner.
var ErrJobNotFound = errors.New("alignment job not found")

// Job is a point-in-time snapshot of an alignment job's progress.
type Job struct {
	ID         string       `json:"id"`
	ScriptID   string       `json:"script_id"`
	State      JobState     `json:"state"`
	Threshold  float64      `json:"threshold"`
	Candidates []*Candidate `json:"candidates,omitempty"`
	Activated  int          `json:"activated"`
	Flagged    int          `json:"flagged_for_review"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// JobRequest describes one alignment run.
type JobRequest struct {
	ScriptID  string
	Segments  []Segment
	Threshold float64
	Actor     string // recorded as the creator of activated mappings
}

// Runner executes alignment jobs in the background.
//
// Candidates at or above the job's threshold are activated through the
// store one at a time; below-threshold candidates are only flagged and
// never written. Cancellation stops activation between sentences, so a
// canceled job leaves no candidate partially applied.
type Runner struct {
	engine *Engine
	store  *store.Store
	logger *log.Logger

	mu      sync.Mutex
	jobs    map[string]*Job
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a runner backed by the given engine and store.
func NewRunner(engine *Engine, st *store.Store, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.New(os.Stderr, "[align] ", log.LstdFlags)
	}
	return &Runner{
		engine:  engine,
		store:   st,
		logger:  logger,
		jobs:    make(map[string]*Job),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start queues an alignment job and returns its ID immediately.
func (r *Runner) Start(ctx context.Context, req JobRequest) (string, error) {
	if req.ScriptID == "" {
		return "", fmt.Errorf("script_id is required")
	}
	if req.Threshold < 0 || req.Threshold > 1 {
		return "", fmt.Errorf("threshold must be within [0, 1] (got %g)", req.Threshold)
	}

	script, err := r.store.GetScript(ctx, req.ScriptID)
	if err != nil {
		return "", err
	}

	job := &Job{
		ID:        uuid.NewString(),
		ScriptID:  req.ScriptID,
		State:     JobQueued,
		Threshold: req.Threshold,
		StartedAt: time.Now().UTC(),
	}

	jobCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.cancels[job.ID] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(jobCtx, job.ID, script, req)

	r.logger.Printf("Queued alignment job %s for script %s", job.ID, req.ScriptID)
	return job.ID, nil
}

// Status returns a snapshot of a job. Returns ErrJobNotFound for
// unknown IDs.
func (r *Runner) Status(jobID string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}

	snapshot := *job
	snapshot.Candidates = append([]*Candidate(nil), job.Candidates...)
	return &snapshot, nil
}

// Cancel requests cancellation of a running job. Completed jobs are
// unaffected.
func (r *Runner) Cancel(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cancel, ok := r.cancels[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}
	cancel()
	return nil
}

// Shutdown cancels all running jobs and waits for them to finish.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, jobID string, script *schema.Script, req JobRequest) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if cancel, ok := r.cancels[jobID]; ok {
			cancel()
			delete(r.cancels, jobID)
		}
		r.mu.Unlock()
	}()

	r.setState(jobID, JobRunning)

	sentences, err := r.store.ListSentences(ctx, req.ScriptID)
	if err != nil {
		r.fail(jobID, fmt.Errorf("failed to list sentences: %w", err))
		return
	}
	if len(sentences) == 0 {
		r.fail(jobID, fmt.Errorf("script %s has no sentences", req.ScriptID))
		return
	}

	candidates, err := r.engine.Align(ctx, script, sentences, req.Segments, req.Threshold)
	if err != nil {
		if ctx.Err() != nil {
			r.finish(jobID, JobCanceled, nil, 0, 0, "")
			return
		}
		r.fail(jobID, err)
		return
	}

	activated, flagged := 0, 0
	for _, cand := range candidates {
		if cand.NeedsReview {
			flagged++
			continue
		}
		if err := ctx.Err(); err != nil {
			r.finish(jobID, JobCanceled, candidates, activated, flagged, "")
			return
		}

		_, err := r.store.CreateMapping(ctx, store.CreateMappingParams{
			SentenceID: cand.SentenceID,
			StartTime:  cand.StartTime,
			EndTime:    cand.EndTime,
			Confidence: cand.Confidence,
			Kind:       schema.MappingAIGenerated,
			Actor:      req.Actor,
			Reason:     "automatic alignment",
		})
		if err != nil {
			// A conflict means a human edited this sentence mid-job;
			// their mapping wins and the candidate is skipped.
			if errors.Is(err, store.ErrConflict) {
				r.logger.Printf("Job %s: sentence %s edited concurrently, skipping", jobID, cand.SentenceID)
				flagged++
				continue
			}
			r.fail(jobID, fmt.Errorf("failed to activate mapping for %s: %w", cand.SentenceID, err))
			return
		}
		activated++
	}

	r.finish(jobID, JobCompleted, candidates, activated, flagged, "")
	r.logger.Printf("Job %s completed: %d activated, %d flagged for review", jobID, activated, flagged)
}

func (r *Runner) setState(jobID string, state JobState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[jobID]; ok {
		job.State = state
	}
}

func (r *Runner) fail(jobID string, err error) {
	r.logger.Printf("Job %s failed: %v", jobID, err)
	r.finish(jobID, JobFailed, nil, 0, 0, err.Error())
}

func (r *Runner) finish(jobID string, state JobState, candidates []*Candidate, activated, flagged int, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	job.State = state
	job.Candidates = candidates
	job.Activated = activated
	job.Flagged = flagged
	job.Error = errMsg
	job.FinishedAt = &now
}
