package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/element-hq/element-builder/internal/config"
	"github.com/element-hq/element-builder/internal/proc"
)

// commandRunner is the slice of proc.Runner the publisher needs for rsync.
type commandRunner interface {
	Run(ctx context.Context, cmd proc.Command) (string, error)
}

// Publisher syncs staged artifacts to the distribution mirror. Either leg
// can be configured on its own: rsync for the classic packages host, S3 for
// an object-storage mirror.
type Publisher struct {
	cfg    config.Publish
	run    commandRunner
	mirror *Mirror
	log    *zap.Logger
}

// New creates a publisher for the configured mirrors. S3 credentials come
// from the SDK's default chain, so they live in the environment rather than
// the config file.
func New(ctx context.Context, cfg config.Publish, run *proc.Runner, log *zap.Logger) (*Publisher, error) {
	p := &Publisher{cfg: cfg, run: run, log: log}
	if cfg.S3.Bucket != "" {
		m, err := NewMirror(ctx, cfg.S3, log)
		if err != nil {
			return nil, err
		}
		p.mirror = m
	}
	return p, nil
}

// Publish pushes one version's staged artifacts to every configured mirror.
func (p *Publisher) Publish(ctx context.Context, version string) error {
	dir := filepath.Join(p.cfg.StagingDir, version)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("nothing staged for version %s: %w", version, err)
	}

	if p.cfg.RsyncDest == "" && p.mirror == nil {
		p.log.Warn("no mirror configured, artifacts stay local",
			zap.String("dir", dir))
		return nil
	}

	if p.cfg.RsyncDest != "" {
		if err := p.rsync(ctx, dir+"/", p.versionDest(version)); err != nil {
			return err
		}
	}
	if p.mirror != nil {
		if err := p.mirror.Upload(ctx, dir, version); err != nil {
			return err
		}
	}

	p.log.Info("published version", zap.String("version", version))
	return nil
}

// versionDest is the rsync destination for one version's directory.
func (p *Publisher) versionDest(version string) string {
	return strings.TrimRight(p.cfg.RsyncDest, "/") + "/" + version + "/"
}

// rsync mirrors src onto dest. --delete keeps a re-published version exact:
// anything removed from staging disappears from the mirror too.
func (p *Publisher) rsync(ctx context.Context, src, dest string) error {
	p.log.Info("syncing to mirror",
		zap.String("src", src),
		zap.String("dest", dest))

	_, err := p.run.Run(ctx, proc.Command{
		Name: "rsync",
		Args: []string{"-av", "--delete", src, dest},
	})
	if err != nil {
		return fmt.Errorf("rsync to %s failed: %w", dest, err)
	}
	return nil
}
