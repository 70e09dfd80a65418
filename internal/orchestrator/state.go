package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/element-hq/element-builder/internal/builder"
)

// State is what the orchestrator remembers between cycles, kept in a small
// JSON file under the config directory. It is loaded once at startup,
// mutated only inside a cycle and persisted after every attempt.
type State struct {
	// LastDate and LastCounter drive nightly version allocation: versions
	// are YYYYMMDDNN, where NN counts builds within the day.
	LastDate    string `json:"last_date,omitempty"`
	LastCounter int    `json:"last_counter,omitempty"`

	LastVersion string `json:"last_version,omitempty"`

	// LastRevision is the commit of the last published nightly. A cycle
	// whose fresh checkout still points at it has nothing to build.
	LastRevision string `json:"last_revision,omitempty"`

	LastAttempt time.Time `json:"last_attempt"`
	LastSuccess time.Time `json:"last_success"`

	// Outcomes are the per-target results of the most recent cycle.
	Outcomes []builder.Outcome `json:"outcomes,omitempty"`
}

// LoadState reads the state file. A missing file is a fresh state, not an
// error.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &s, nil
}

// Save persists the state.
func (s *State) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// NextVersion allocates the next nightly version for now's date, advancing
// the within-day counter.
func (s *State) NextVersion(now time.Time) string {
	date := now.Format("20060102")
	if date == s.LastDate {
		s.LastCounter++
	} else {
		s.LastDate = date
		s.LastCounter = 1
	}
	s.LastVersion = fmt.Sprintf("%s%02d", date, s.LastCounter)
	return s.LastVersion
}
