// Package repo manages the source checkout a build runs against.
package repo

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

// Checkout is a working tree pinned to a resolved commit.
type Checkout struct {
	Dir      string
	Revision string
}

// Clone clones url into dir and checks out revision, which may be a branch,
// a tag or a commit hash. An empty revision stays on the default branch
// head. The resolved commit hash is returned so callers can record exactly
// what was built.
func Clone(ctx context.Context, log *zap.Logger, url, revision, dir string) (*Checkout, error) {
	log.Info("cloning repository",
		zap.String("url", url),
		zap.String("revision", revision),
		zap.String("dir", dir))

	r, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:  url,
		Tags: git.AllTags,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clone %s: %w", url, err)
	}

	hash, err := resolve(r, revision)
	if err != nil {
		return nil, err
	}

	if revision != "" {
		wt, err := r.Worktree()
		if err != nil {
			return nil, fmt.Errorf("failed to get worktree: %w", err)
		}
		if err := wt.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
			return nil, fmt.Errorf("failed to check out %q: %w", revision, err)
		}
	}

	log.Info("checkout ready", zap.String("commit", hash.String()))
	return &Checkout{Dir: dir, Revision: hash.String()}, nil
}

// resolve maps a revision name onto a commit hash. Branch names refer to
// the remote's branches, so "develop" is tried as origin/develop too.
func resolve(r *git.Repository, revision string) (*plumbing.Hash, error) {
	if revision == "" {
		head, err := r.Head()
		if err != nil {
			return nil, fmt.Errorf("failed to get repository HEAD: %w", err)
		}
		hash := head.Hash()
		return &hash, nil
	}

	var lastErr error
	for _, candidate := range []string{revision, "origin/" + revision} {
		hash, err := r.ResolveRevision(plumbing.Revision(candidate))
		if err == nil {
			return hash, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to resolve revision %q: %w", revision, lastErr)
}
