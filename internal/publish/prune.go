package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// nightlyVersion matches the YYYYMMDDNN version scheme. Release versions
// never match, so pruning cannot touch them.
var nightlyVersion = regexp.MustCompile(`^\d{10}$`)

// Prune drops nightly versions beyond the retention count from the staging
// tree and the mirrors. Failures are collected rather than aborting; a
// mirror that refuses one delete should not stop the rest of the cleanup.
func (p *Publisher) Prune(ctx context.Context) error {
	var errs *multierror.Error

	pruned, err := p.pruneLocal()
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	// The rsync mirror follows the staging tree, so a full sync with
	// --delete is what removes pruned versions from it.
	if pruned > 0 && p.cfg.RsyncDest != "" {
		src := filepath.Clean(p.cfg.StagingDir) + "/"
		dest := p.cfg.RsyncDest
		if err := p.rsync(ctx, src, dest); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if p.mirror != nil {
		if err := p.mirror.Prune(ctx, p.cfg.Keep); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// pruneLocal removes old nightly version directories from the staging tree
// and reports how many it deleted.
func (p *Publisher) pruneLocal() (int, error) {
	entries, err := os.ReadDir(p.cfg.StagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read staging directory: %w", err)
	}

	var versions []string
	for _, e := range entries {
		if e.IsDir() && nightlyVersion.MatchString(e.Name()) {
			versions = append(versions, e.Name())
		}
	}
	if len(versions) <= p.cfg.Keep {
		return 0, nil
	}
	sortDescending(versions)

	pruned := 0
	var errs *multierror.Error
	for _, v := range versions[p.cfg.Keep:] {
		if err := os.RemoveAll(filepath.Join(p.cfg.StagingDir, v)); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to prune %s: %w", v, err))
			continue
		}
		pruned++
		p.log.Info("pruned old nightly", zap.String("version", v))
	}
	return pruned, errs.ErrorOrNil()
}

func sortDescending(versions []string) {
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))
}
