package align

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/bini59/scriptsync/internal/schema"
	"github.com/bini59/scriptsync/internal/store"
)

func newRunnerFixture(t *testing.T) (*Runner, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}

	script := &schema.Script{
		ID: "script-1", Title: "Runner test", Duration: 20.0,
		Sentences: []schema.Sentence{
			{ID: "sent-1", ScriptID: "script-1", OrderIndex: 0, Text: "First sentence here.", NominalStart: 0, NominalEnd: 10},
			{ID: "sent-2", ScriptID: "script-1", OrderIndex: 1, Text: "Second sentence here.", NominalStart: 10, NominalEnd: 20},
		},
	}
	if err := st.UpsertScript(context.Background(), script); err != nil {
		t.Fatalf("UpsertScript: %v", err)
	}

	r := NewRunner(NewEngine(DefaultParams()), st, log.New(io.Discard, "", 0))
	t.Cleanup(r.Shutdown)
	return r, st
}

func waitForJob(t *testing.T, r *Runner, jobID string) *Job {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		job, err := r.Status(jobID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		switch job.State {
		case JobCompleted, JobFailed, JobCanceled:
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s still %s after deadline", jobID, job.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRunnerActivatesAboveThreshold(t *testing.T) {
	r, st := newRunnerFixture(t)
	ctx := context.Background()

	jobID, err := r.Start(ctx, JobRequest{
		ScriptID:  "script-1",
		Segments:  []Segment{{Start: 0, End: 10}, {Start: 10, End: 20}},
		Threshold: 0.5,
		Actor:     "aligner",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	job := waitForJob(t, r, jobID)
	if job.State != JobCompleted {
		t.Fatalf("job state = %s, want completed (error: %s)", job.State, job.Error)
	}
	if job.Activated != 2 {
		t.Errorf("activated = %d, want 2", job.Activated)
	}
	if job.Flagged != 0 {
		t.Errorf("flagged = %d, want 0", job.Flagged)
	}

	for _, sentenceID := range []string{"sent-1", "sent-2"} {
		m, err := st.GetActiveMapping(ctx, sentenceID)
		if err != nil {
			t.Fatalf("GetActiveMapping(%s): %v", sentenceID, err)
		}
		if m.Kind != schema.MappingAIGenerated {
			t.Errorf("mapping kind = %s, want ai_generated", m.Kind)
		}
		if m.CreatedBy != "aligner" {
			t.Errorf("created_by = %q, want aligner", m.CreatedBy)
		}
	}
}

func TestRunnerDoesNotActivateBelowThreshold(t *testing.T) {
	r, st := newRunnerFixture(t)
	ctx := context.Background()

	// No segments: everything sits at the 0.3 fallback, below 0.6.
	jobID, err := r.Start(ctx, JobRequest{ScriptID: "script-1", Threshold: 0.6})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	job := waitForJob(t, r, jobID)
	if job.State != JobCompleted {
		t.Fatalf("job state = %s, want completed", job.State)
	}
	if job.Activated != 0 {
		t.Errorf("activated = %d, want 0", job.Activated)
	}
	if job.Flagged != 2 {
		t.Errorf("flagged = %d, want 2", job.Flagged)
	}

	if _, err := st.GetActiveMapping(ctx, "sent-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("below-threshold candidate was activated: %v", err)
	}
}

func TestRunnerUnknownScript(t *testing.T) {
	r, _ := newRunnerFixture(t)

	_, err := r.Start(context.Background(), JobRequest{ScriptID: "no-such", Threshold: 0.5})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Start() error = %v, want ErrNotFound", err)
	}
}

func TestRunnerInvalidThreshold(t *testing.T) {
	r, _ := newRunnerFixture(t)

	if _, err := r.Start(context.Background(), JobRequest{ScriptID: "script-1", Threshold: 1.5}); err == nil {
		t.Error("expected error for threshold above 1")
	}
	if _, err := r.Start(context.Background(), JobRequest{ScriptID: "script-1", Threshold: -0.1}); err == nil {
		t.Error("expected error for negative threshold")
	}
}

func TestRunnerStatusUnknownJob(t *testing.T) {
	r, _ := newRunnerFixture(t)

	if _, err := r.Status("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Status() error = %v, want ErrJobNotFound", err)
	}
	if err := r.Cancel("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Cancel() error = %v, want ErrJobNotFound", err)
	}
}

func TestRunnerCancel(t *testing.T) {
	r, _ := newRunnerFixture(t)

	jobID, err := r.Start(context.Background(), JobRequest{
		ScriptID:  "script-1",
		Segments:  []Segment{{Start: 0, End: 10}, {Start: 10, End: 20}},
		Threshold: 0.5,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The job may already have finished; both completed and canceled are
	// acceptable terminal states, but a cancel must never leave the job
	// stuck in running.
	if err := r.Cancel(jobID); err != nil && !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Cancel: %v", err)
	}
	job := waitForJob(t, r, jobID)
	if job.State != JobCanceled && job.State != JobCompleted {
		t.Errorf("job state = %s, want canceled or completed", job.State)
	}
}
