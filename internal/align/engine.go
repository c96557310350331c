// Package align produces candidate sentence mappings from a script's
// duration, sentence lengths, and speech segments detected by an
// external voice-activity detector.
package align

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/bini59/scriptsync/internal/schema"
)

// Segment is one detected speech interval, in seconds from the start of
// the audio.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Validate checks segment bounds.
func (s Segment) Validate() error {
	if s.Start < 0 {
		return fmt.Errorf("segment start must be non-negative (got %g)", s.Start)
	}
	if s.End <= s.Start {
		return fmt.Errorf("segment end must be greater than start (got [%g, %g])", s.Start, s.End)
	}
	return nil
}

// Candidate is one proposed mapping for a sentence. Candidates are not
// activated by the engine; callers filter by confidence and store the
// survivors.
type Candidate struct {
	SentenceID  string  `json:"sentence_id"`
	StartTime   float64 `json:"start_time"`
	EndTime     float64 `json:"end_time"`
	Confidence  float64 `json:"confidence_score"`
	NeedsReview bool    `json:"needs_review"`
}

// Params are the tunable constants of the alignment heuristic.
type Params struct {
	// SnapTolerance is how far a proportional boundary may move to meet
	// a detected segment boundary, in seconds.
	SnapTolerance float64

	// BaseConfidence is the starting confidence before penalties.
	BaseConfidence float64

	// DistancePenaltyPerSecond is subtracted per second of snap distance.
	DistancePenaltyPerSecond float64

	// ShortSentenceSecs is the duration below which a sentence is
	// considered too short to align reliably.
	ShortSentenceSecs float64

	// ShortSentencePenalty is subtracted from short sentences' confidence.
	ShortSentencePenalty float64

	// FallbackConfidence is assigned uniformly when no speech segments
	// were detected. Kept above zero: zero means manually rejected,
	// which is a different signal.
	FallbackConfidence float64
}

// DefaultParams returns the tuned defaults.
func DefaultParams() Params {
	return Params{
		SnapTolerance:            0.75,
		BaseConfidence:           0.9,
		DistancePenaltyPerSecond: 0.3,
		ShortSentenceSecs:        1.5,
		ShortSentencePenalty:     0.25,
		FallbackConfidence:       0.3,
	}
}

// Engine computes candidate mappings. Engines are stateless and safe
// for concurrent use.
type Engine struct {
	params Params
}

// NewEngine creates an engine with the given parameters. Zero-valued
// params fields fall back to the defaults.
func NewEngine(params Params) *Engine {
	def := DefaultParams()
	if params.SnapTolerance <= 0 {
		params.SnapTolerance = def.SnapTolerance
	}
	if params.BaseConfidence <= 0 {
		params.BaseConfidence = def.BaseConfidence
	}
	if params.DistancePenaltyPerSecond <= 0 {
		params.DistancePenaltyPerSecond = def.DistancePenaltyPerSecond
	}
	if params.ShortSentenceSecs <= 0 {
		params.ShortSentenceSecs = def.ShortSentenceSecs
	}
	if params.ShortSentencePenalty <= 0 {
		params.ShortSentencePenalty = def.ShortSentencePenalty
	}
	if params.FallbackConfidence <= 0 {
		params.FallbackConfidence = def.FallbackConfidence
	}
	return &Engine{params: params}
}

// Align produces one candidate per sentence.
//
// The proposal starts as a proportional split of the detected speech
// time weighted by sentence text length — silence between segments is
// never allocated to a sentence — then each boundary snaps to the
// nearest detected segment boundary within SnapTolerance. Confidence
// falls with snap distance and for very short sentences, clamped to
// [0, 1]; a boundary with no segment edge in reach keeps its
// proportional position and is charged the full tolerance as its snap
// distance. With no segments at all, every candidate is a pure
// proportional split of the script duration at FallbackConfidence.
//
// threshold marks candidates below it NeedsReview; the engine never
// activates anything itself.
func (e *Engine) Align(ctx context.Context, script *schema.Script, sentences []*schema.Sentence, segments []Segment, threshold float64) ([]*Candidate, error) {
	if script == nil {
		return nil, fmt.Errorf("script is required")
	}
	if script.Duration <= 0 {
		return nil, fmt.Errorf("script duration must be positive (got %g)", script.Duration)
	}
	if len(sentences) == 0 {
		return nil, fmt.Errorf("no sentences to align")
	}
	for i, seg := range segments {
		if err := seg.Validate(); err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
	}

	merged := mergeSegments(segments)
	boundaries := segmentBoundaries(merged)

	speechTotal := 0.0
	for _, seg := range merged {
		speechTotal += seg.End - seg.Start
	}
	span := script.Duration
	if len(merged) > 0 {
		span = speechTotal
	}

	totalWeight := 0.0
	for _, sent := range sentences {
		totalWeight += sentenceWeight(sent)
	}

	candidates := make([]*Candidate, 0, len(sentences))
	cursor := 0.0
	for _, sent := range sentences {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("alignment canceled: %w", err)
		}

		share := sentenceWeight(sent) / totalWeight * span
		propStart := cursor
		propEnd := cursor + share
		cursor = propEnd
		if len(merged) > 0 {
			propStart = speechToAudio(merged, propStart)
			propEnd = speechToAudio(merged, cursor)
		}

		start, startDist := snap(propStart, boundaries, e.params.SnapTolerance)
		end, endDist := snap(propEnd, boundaries, e.params.SnapTolerance)

		// Snapping both ends to the same boundary collapses the
		// interval; fall back to the proportional estimate, charged
		// as two failed snaps.
		if end <= start {
			start, startDist = propStart, e.params.SnapTolerance
			end, endDist = propEnd, e.params.SnapTolerance
		}

		var confidence float64
		if len(boundaries) == 0 {
			confidence = e.params.FallbackConfidence
		} else {
			confidence = e.params.BaseConfidence
			confidence -= (startDist + endDist) * e.params.DistancePenaltyPerSecond
			if end-start < e.params.ShortSentenceSecs {
				confidence -= e.params.ShortSentencePenalty
			}
		}
		confidence = clamp(confidence, 0, 1)

		candidates = append(candidates, &Candidate{
			SentenceID:  sent.ID,
			StartTime:   start,
			EndTime:     end,
			Confidence:  confidence,
			NeedsReview: confidence < threshold,
		})
	}

	return candidates, nil
}

// sentenceWeight is the proportional-share weight of a sentence. Text
// length approximates speaking time; empty text still gets a minimal
// share so the split never divides by zero.
func sentenceWeight(sent *schema.Sentence) float64 {
	n := len([]rune(sent.Text))
	if n < 1 {
		n = 1
	}
	return float64(n)
}

// mergeSegments sorts segments by start and merges overlapping or
// touching intervals, so speech time is never counted twice.
func mergeSegments(segments []Segment) []Segment {
	if len(segments) == 0 {
		return nil
	}
	sorted := make([]Segment, len(segments))
	copy(sorted, segments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	merged := sorted[:1]
	for _, seg := range sorted[1:] {
		last := &merged[len(merged)-1]
		if seg.Start <= last.End {
			if seg.End > last.End {
				last.End = seg.End
			}
			continue
		}
		merged = append(merged, seg)
	}
	return merged
}

// speechToAudio maps an offset into cumulative speech time onto the
// audio timeline, skipping the silence between segments.
func speechToAudio(merged []Segment, offset float64) float64 {
	for _, seg := range merged {
		d := seg.End - seg.Start
		if offset <= d {
			return seg.Start + offset
		}
		offset -= d
	}
	return merged[len(merged)-1].End
}

// segmentBoundaries flattens segments into a sorted list of candidate
// snap points.
func segmentBoundaries(segments []Segment) []float64 {
	if len(segments) == 0 {
		return nil
	}
	boundaries := make([]float64, 0, len(segments)*2)
	for _, seg := range segments {
		boundaries = append(boundaries, seg.Start, seg.End)
	}
	sort.Float64s(boundaries)
	return boundaries
}

// snap moves t to the nearest boundary within tolerance. Returns the
// (possibly unchanged) time and the distance to charge against
// confidence: the distance moved on success, the full tolerance when
// nothing is in reach.
func snap(t float64, boundaries []float64, tolerance float64) (float64, float64) {
	if len(boundaries) == 0 {
		return t, 0
	}

	i := sort.SearchFloat64s(boundaries, t)
	best := math.Inf(1)
	snapped := t
	for _, j := range []int{i - 1, i} {
		if j < 0 || j >= len(boundaries) {
			continue
		}
		if d := math.Abs(boundaries[j] - t); d < best {
			best = d
			snapped = boundaries[j]
		}
	}

	if best > tolerance {
		return t, tolerance
	}
	return snapped, best
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
