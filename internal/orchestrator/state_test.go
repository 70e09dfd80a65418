package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/element-builder/internal/builder"
)

func TestNextVersion(t *testing.T) {
	s := &State{}

	june1 := time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024060101", s.NextVersion(june1))
	assert.Equal(t, "2024060102", s.NextVersion(june1), "same day advances the counter")
	assert.Equal(t, "2024060102", s.LastVersion)

	june2 := june1.AddDate(0, 0, 1)
	assert.Equal(t, "2024060201", s.NextVersion(june2), "new day resets the counter")
}

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "state.json")

	s := &State{
		LastDate:     "20240601",
		LastCounter:  2,
		LastVersion:  "2024060102",
		LastRevision: "abc123",
		LastAttempt:  time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC),
		Outcomes: []builder.Outcome{
			{Target: "macos-universal", Success: true},
		},
	}
	require.NoError(t, s.Save(path))

	loaded, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}

func TestLoadStateMissingFile(t *testing.T) {
	s, err := LoadState(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, &State{}, s)
}

func TestLoadStateCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0644))

	_, err := LoadState(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse state file")
}
