package schema

import (
	"encoding/json"
	"fmt"
	"os"
)

// Script is a piece of spoken content with a known total audio duration.
// Scripts and their sentences are owned by the content catalog; scriptsync
// reads them for duration validation and nominal-range fallback.
type Script struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Duration float64 `json:"duration"` // seconds

	Sentences []Sentence `json:"sentences,omitempty"`
}

// Sentence is one transcript sentence within a script. NominalStart and
// NominalEnd are the catalog's rough estimate, used only when no mapping
// exists for the sentence.
type Sentence struct {
	ID           string  `json:"id"`
	ScriptID     string  `json:"script_id"`
	OrderIndex   int     `json:"order_index"`
	Text         string  `json:"text"`
	NominalStart float64 `json:"nominal_start"`
	NominalEnd   float64 `json:"nominal_end"`
}

// Validate checks the Script and all embedded sentences.
func (s *Script) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("script id is required")
	}
	if s.Duration <= 0 {
		return fmt.Errorf("script duration must be positive (got %g)", s.Duration)
	}
	seen := make(map[string]bool, len(s.Sentences))
	for i := range s.Sentences {
		sent := &s.Sentences[i]
		if sent.ScriptID == "" {
			sent.ScriptID = s.ID
		}
		if err := sent.Validate(); err != nil {
			return fmt.Errorf("sentence %d: %w", i, err)
		}
		if sent.ScriptID != s.ID {
			return fmt.Errorf("sentence %s belongs to script %s, not %s", sent.ID, sent.ScriptID, s.ID)
		}
		if seen[sent.ID] {
			return fmt.Errorf("duplicate sentence id %s", sent.ID)
		}
		seen[sent.ID] = true
	}
	return nil
}

// Validate checks a single sentence.
func (s *Sentence) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("sentence id is required")
	}
	if s.ScriptID == "" {
		return fmt.Errorf("sentence script_id is required")
	}
	if s.OrderIndex < 0 {
		return fmt.Errorf("order_index must be non-negative (got %d)", s.OrderIndex)
	}
	if s.Text == "" {
		return fmt.Errorf("sentence text is required")
	}
	if s.NominalStart < 0 || s.NominalEnd < s.NominalStart {
		return fmt.Errorf("nominal range [%g, %g] is invalid", s.NominalStart, s.NominalEnd)
	}
	return nil
}

// ReadScriptFile reads and validates a script JSON document from disk.
func ReadScriptFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script file %s: %w", path, err)
	}

	var script Script
	if err := json.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("failed to parse script file %s: %w", path, err)
	}

	if err := script.Validate(); err != nil {
		return nil, fmt.Errorf("invalid script file %s: %w", path, err)
	}

	return &script, nil
}
