package publish

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/element-hq/element-builder/internal/config"
)

func TestPruneRemovesOldNightlies(t *testing.T) {
	staging := t.TempDir()
	for _, v := range []string{"2024060101", "2024060201", "2024060301", "2024060401", "1.11.8"} {
		stageVersion(t, staging, v, "a.deb")
	}

	run := &fakeCommandRunner{}
	p := &Publisher{
		cfg: config.Publish{StagingDir: staging, RsyncDest: "host:/srv/packages", Keep: 2},
		run: run,
		log: zap.NewNop(),
	}

	require.NoError(t, p.Prune(context.Background()))

	var kept []string
	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	for _, e := range entries {
		kept = append(kept, e.Name())
	}
	assert.ElementsMatch(t, []string{"2024060301", "2024060401", "1.11.8"}, kept,
		"newest nightlies and releases survive")

	// The whole tree is re-synced so the mirror drops them too.
	require.Len(t, run.commands, 1)
	assert.Equal(t, []string{
		"-av", "--delete",
		filepath.Clean(staging) + "/",
		"host:/srv/packages",
	}, run.commands[0].Args)
}

func TestPruneUnderRetentionIsNoop(t *testing.T) {
	staging := t.TempDir()
	stageVersion(t, staging, "2024060101", "a.deb")

	run := &fakeCommandRunner{}
	p := &Publisher{
		cfg: config.Publish{StagingDir: staging, RsyncDest: "host:/srv", Keep: 14},
		run: run,
		log: zap.NewNop(),
	}

	require.NoError(t, p.Prune(context.Background()))
	assert.Empty(t, run.commands, "nothing pruned, nothing synced")

	_, err := os.Stat(filepath.Join(staging, "2024060101"))
	assert.NoError(t, err)
}

func TestPruneMissingStagingDir(t *testing.T) {
	p := &Publisher{
		cfg: config.Publish{StagingDir: filepath.Join(t.TempDir(), "absent"), Keep: 2},
		run: &fakeCommandRunner{},
		log: zap.NewNop(),
	}
	require.NoError(t, p.Prune(context.Background()))
}

func TestNightlyVersionPattern(t *testing.T) {
	assert.True(t, nightlyVersion.MatchString("2024060101"))
	assert.False(t, nightlyVersion.MatchString("1.11.8"))
	assert.False(t, nightlyVersion.MatchString("20240601"))
	assert.False(t, nightlyVersion.MatchString("2024060101-beta"))
}
