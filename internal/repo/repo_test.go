package repo

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fixture is a local source repository built commit by commit.
type fixture struct {
	t    *testing.T
	dir  string
	repo *git.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	r, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return &fixture{t: t, dir: dir, repo: r}
}

func (f *fixture) commit(file, content, message string) plumbing.Hash {
	f.t.Helper()
	require.NoError(f.t, os.WriteFile(filepath.Join(f.dir, file), []byte(content), 0644))

	wt, err := f.repo.Worktree()
	require.NoError(f.t, err)
	_, err = wt.Add(file)
	require.NoError(f.t, err)

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "Build Fixture",
			Email: "fixture@example.com",
			When:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(f.t, err)
	return hash
}

func (f *fixture) branch(name string) {
	f.t.Helper()
	wt, err := f.repo.Worktree()
	require.NoError(f.t, err)
	require.NoError(f.t, wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Create: true,
	}))
}

func (f *fixture) tag(name string, hash plumbing.Hash) {
	f.t.Helper()
	_, err := f.repo.CreateTag(name, hash, nil)
	require.NoError(f.t, err)
}

func TestCloneDefaultBranch(t *testing.T) {
	f := newFixture(t)
	head := f.commit("README.md", "element-desktop\n", "initial commit")

	dest := t.TempDir()
	checkout, err := Clone(context.Background(), zap.NewNop(), f.dir, "", filepath.Join(dest, "src"))
	require.NoError(t, err)

	assert.Equal(t, head.String(), checkout.Revision)
	data, err := os.ReadFile(filepath.Join(checkout.Dir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "element-desktop\n", string(data))
}

func TestCloneBranch(t *testing.T) {
	f := newFixture(t)
	f.commit("README.md", "main\n", "initial commit")
	f.branch("develop")
	tip := f.commit("feature.txt", "new\n", "develop work")

	checkout, err := Clone(context.Background(), zap.NewNop(), f.dir, "develop", filepath.Join(t.TempDir(), "src"))
	require.NoError(t, err)

	assert.Equal(t, tip.String(), checkout.Revision)
	_, statErr := os.Stat(filepath.Join(checkout.Dir, "feature.txt"))
	assert.NoError(t, statErr)
}

func TestCloneTag(t *testing.T) {
	f := newFixture(t)
	tagged := f.commit("README.md", "v1\n", "release commit")
	f.tag("v1.0.0", tagged)
	f.commit("README.md", "v2 wip\n", "post-release work")

	checkout, err := Clone(context.Background(), zap.NewNop(), f.dir, "v1.0.0", filepath.Join(t.TempDir(), "src"))
	require.NoError(t, err)

	assert.Equal(t, tagged.String(), checkout.Revision)
	data, err := os.ReadFile(filepath.Join(checkout.Dir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "v1\n", string(data))
}

func TestCloneCommitHash(t *testing.T) {
	f := newFixture(t)
	first := f.commit("README.md", "first\n", "first")
	f.commit("README.md", "second\n", "second")

	checkout, err := Clone(context.Background(), zap.NewNop(), f.dir, first.String(), filepath.Join(t.TempDir(), "src"))
	require.NoError(t, err)

	assert.Equal(t, first.String(), checkout.Revision)
	data, err := os.ReadFile(filepath.Join(checkout.Dir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(data))
}

func TestCloneUnknownRevision(t *testing.T) {
	f := newFixture(t)
	f.commit("README.md", "content\n", "initial commit")

	_, err := Clone(context.Background(), zap.NewNop(), f.dir, "does-not-exist", filepath.Join(t.TempDir(), "src"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does-not-exist")
}

func TestCloneBadURL(t *testing.T) {
	_, err := Clone(context.Background(), zap.NewNop(), filepath.Join(t.TempDir(), "nope"), "", filepath.Join(t.TempDir(), "src"))
	require.Error(t, err)
}
