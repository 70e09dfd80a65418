// Package orchestrator sequences complete build cycles: check out the
// source, build every configured target in order, collect and publish the
// artifacts, and keep the build room informed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/element-hq/element-builder/internal/artifacts"
	"github.com/element-hq/element-builder/internal/builder"
	"github.com/element-hq/element-builder/internal/config"
	"github.com/element-hq/element-builder/internal/notify"
	"github.com/element-hq/element-builder/internal/proc"
	"github.com/element-hq/element-builder/internal/publish"
	"github.com/element-hq/element-builder/internal/repo"
)

// ErrBuildInFlight reports a cycle attempted while another is running.
var ErrBuildInFlight = errors.New("a build cycle is already in flight")

// publisher is the slice of publish.Publisher a cycle drives.
type publisher interface {
	Publish(ctx context.Context, version string) error
	Prune(ctx context.Context) error
}

// collector is the slice of artifacts.Manager a cycle drives.
type collector interface {
	Collect(distDir, product, version string, target config.Target) ([]artifacts.Collected, error)
	WriteChecksums(version string) error
}

// Recorder receives build metrics. The status server wires a prometheus
// implementation; nil disables recording.
type Recorder interface {
	RecordBuild(target string, success bool)
	RecordCycle(d time.Duration, success bool)
}

type cloneFunc func(ctx context.Context, log *zap.Logger, url, revision, dir string) (*repo.Checkout, error)

// Orchestrator owns everything a build cycle touches. All cross-cycle state
// lives in its State field, loaded at startup and persisted after each
// attempt; there are no package globals.
type Orchestrator struct {
	cfg      *config.Config
	runners  map[string]builder.Runner
	collect  collector
	publish  publisher
	notifier *notify.Notifier
	metrics  Recorder
	log      *zap.Logger

	clone cloneFunc
	now   func() time.Time

	statePath string

	mu      sync.Mutex
	running bool
	state   *State
}

// New assembles an orchestrator and loads its persisted state.
func New(cfg *config.Config, runners map[string]builder.Runner, collect *artifacts.Manager, pub *publish.Publisher, notifier *notify.Notifier, metrics Recorder, log *zap.Logger) (*Orchestrator, error) {
	statePath, err := cfg.StateFile()
	if err != nil {
		return nil, err
	}
	state, err := LoadState(statePath)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		cfg:       cfg,
		runners:   runners,
		collect:   collect,
		publish:   pub,
		notifier:  notifier,
		metrics:   metrics,
		log:       log,
		clone:     repo.Clone,
		now:       time.Now,
		statePath: statePath,
		state:     state,
	}, nil
}

// RunOnce executes one complete build cycle. job narrows the cycle to a
// specific mode, revision and target set; nil means a scheduled nightly of
// every configured target. Targets build sequentially and the first failure
// aborts the remaining queue: a partial artifact set across platforms is
// worse than a fully stale but consistent one.
func (o *Orchestrator) RunOnce(ctx context.Context, job *config.Job) error {
	if !o.begin() {
		return ErrBuildInFlight
	}
	defer o.end()

	started := o.now()

	mode := config.ModeNightly
	revision := o.cfg.Repo.Branch
	targets := o.cfg.Targets
	if job != nil {
		mode = job.Mode
		if job.Revision != "" {
			revision = job.Revision
		}
		var err error
		targets, err = job.ResolveTargets(o.cfg)
		if err != nil {
			return err
		}
	}

	o.setAttempt(started)
	defer o.persist()

	checkoutDir := filepath.Join(o.cfg.BuildDir, "checkout")
	if err := os.RemoveAll(checkoutDir); err != nil {
		return fmt.Errorf("failed to clear previous checkout: %w", err)
	}
	co, err := o.clone(ctx, o.log, o.cfg.Repo.URL, revision, checkoutDir)
	if err != nil {
		return fmt.Errorf("failed to check out %s: %w", o.cfg.Repo.URL, err)
	}

	// Scheduled nightlies skip when nothing landed since the last one.
	// Explicit jobs always build.
	if job == nil && co.Revision == o.lastRevision() {
		o.log.Info("nothing new to build", zap.String("revision", co.Revision))
		return nil
	}

	var version string
	if mode == config.ModeRelease {
		version = job.Version
	} else {
		version = o.nextVersion(started)
	}

	log := o.log.With(zap.String("mode", mode), zap.String("version", version))
	log.Info("starting build cycle",
		zap.String("revision", co.Revision),
		zap.Int("targets", len(targets)))

	rootID := o.announce(ctx, fmt.Sprintf("Starting %s build %s (%s)", mode, version, shortRev(co.Revision)))
	env := o.buildEnv(version)

	outcomes := make([]builder.Outcome, 0, len(targets))
	var firstErr error
	for _, target := range targets {
		out, err := o.buildTarget(ctx, target, version, mode, co, env)
		outcomes = append(outcomes, out)
		o.recordBuild(target.Name(), out.Success)
		if err != nil {
			firstErr = fmt.Errorf("%s: %w", target.Name(), err)
			log.Error("target build failed, aborting remaining targets",
				zap.String("target", target.Name()),
				zap.Error(err))
			o.report(ctx, rootID, failureMessage(target, err))
			break
		}
		o.report(ctx, rootID, fmt.Sprintf("%s built", target.Name()))
	}
	o.setOutcomes(outcomes)

	skipPublish := job != nil && job.SkipPublish

	if firstErr == nil {
		if err := o.collect.WriteChecksums(version); err != nil {
			firstErr = err
		}
	}
	if firstErr == nil && !skipPublish {
		if err := o.publish.Publish(ctx, version); err != nil {
			firstErr = fmt.Errorf("failed to publish %s: %w", version, err)
			o.report(ctx, rootID, fmt.Sprintf("publishing %s failed: %v", version, err))
		}
	}

	if firstErr == nil {
		if skipPublish {
			// The built revision never reached the mirrors, so it must
			// not count as published for the freshness check.
			log.Info("publish skipped, artifacts staged only")
		} else {
			o.markSuccess(co.Revision, o.now())
			// Retention cleanup is best effort; a mirror that refuses a
			// delete should not fail a published build.
			if err := o.publish.Prune(ctx); err != nil {
				log.Warn("failed to prune old nightlies", zap.Error(err))
			}
		}
		o.react(ctx, rootID, "✅")
		log.Info("build cycle complete", zap.Duration("elapsed", o.now().Sub(started)))
	} else {
		o.react(ctx, rootID, "❌")
	}
	o.recordCycle(o.now().Sub(started), firstErr == nil)

	return firstErr
}

// buildTarget runs one target's build and collects its artifacts. The
// returned Outcome is recorded either way; the error signals the caller to
// abort the queue.
func (o *Orchestrator) buildTarget(ctx context.Context, target config.Target, version, mode string, co *repo.Checkout, env map[string]string) (builder.Outcome, error) {
	out := builder.Outcome{Target: target.Name(), StartedAt: o.now()}

	run, ok := o.runners[target.Platform]
	if !ok {
		err := fmt.Errorf("no runner for platform %q", target.Platform)
		out.FinishedAt = o.now()
		out.Error = err.Error()
		return out, err
	}

	o.log.Info("building target",
		zap.String("target", target.Name()),
		zap.String("version", version))

	b := builder.Build{
		Product:     o.cfg.Product,
		Version:     version,
		Mode:        mode,
		Target:      target,
		RepoURL:     o.cfg.Repo.URL,
		Revision:    co.Revision,
		CheckoutDir: co.Dir,
		WorkDir:     filepath.Join(o.cfg.BuildDir, target.Name()),
		ConfigFile:  o.cfg.Repo.ConfigFile,
		Env:         env,
	}

	dist, err := run.Run(ctx, b)
	if err == nil {
		out.DistDir = dist
		_, err = o.collect.Collect(dist, o.cfg.Product, version, target)
	}
	out.FinishedAt = o.now()
	if err != nil {
		out.Error = err.Error()
		return out, err
	}
	out.Success = true
	return out, nil
}

// buildEnv assembles the environment injected into every build. Secrets
// ride the process environment only; nothing writes them to disk.
func (o *Orchestrator) buildEnv(version string) map[string]string {
	env := map[string]string{
		"ELEMENT_VERSION": version,
	}
	if o.cfg.Signing.KeyID != "" {
		env["SIGNING_KEY_ID"] = o.cfg.Signing.KeyID
	}
	if o.cfg.Signing.APIKey != "" {
		env["SIGNING_API_KEY"] = o.cfg.Signing.APIKey
	}
	return env
}

// Status is a point-in-time snapshot for the status surfaces.
type Status struct {
	Running      bool              `json:"running"`
	LastVersion  string            `json:"last_version,omitempty"`
	LastRevision string            `json:"last_revision,omitempty"`
	LastAttempt  time.Time         `json:"last_attempt"`
	LastSuccess  time.Time         `json:"last_success"`
	Outcomes     []builder.Outcome `json:"outcomes,omitempty"`
}

// Status reports the orchestrator's current state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Running:      o.running,
		LastVersion:  o.state.LastVersion,
		LastRevision: o.state.LastRevision,
		LastAttempt:  o.state.LastAttempt,
		LastSuccess:  o.state.LastSuccess,
		Outcomes:     append([]builder.Outcome(nil), o.state.Outcomes...),
	}
}

func (o *Orchestrator) begin() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return false
	}
	o.running = true
	return true
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = false
}

func (o *Orchestrator) setAttempt(t time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.LastAttempt = t
}

func (o *Orchestrator) nextVersion(t time.Time) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.NextVersion(t)
}

func (o *Orchestrator) lastRevision() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.LastRevision
}

func (o *Orchestrator) setOutcomes(outcomes []builder.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.Outcomes = outcomes
}

func (o *Orchestrator) markSuccess(revision string, t time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.LastRevision = revision
	o.state.LastSuccess = t
}

func (o *Orchestrator) persist() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.state.Save(o.statePath); err != nil {
		o.log.Warn("failed to persist state", zap.Error(err))
	}
}

// announce posts the cycle's root message and returns its event ID.
// Notification failures never fail a build.
func (o *Orchestrator) announce(ctx context.Context, message string) string {
	eventID, err := o.notifier.Notify(ctx, message)
	if err != nil {
		o.log.Warn("failed to post build notification", zap.Error(err))
	}
	return eventID
}

// report posts a thread reply under the cycle's root message.
func (o *Orchestrator) report(ctx context.Context, rootID, message string) {
	n := o.notifier
	if rootID != "" {
		n = n.WithRelation(notify.InThread(rootID))
	}
	if _, err := n.Notify(ctx, message); err != nil {
		o.log.Warn("failed to post build notification", zap.Error(err))
	}
}

// react drops a status emoji onto the cycle's root message.
func (o *Orchestrator) react(ctx context.Context, rootID, key string) {
	if rootID == "" {
		return
	}
	if _, err := o.notifier.WithRelation(notify.Reacts(rootID)).Notify(ctx, key); err != nil {
		o.log.Warn("failed to post build notification", zap.Error(err))
	}
}

func (o *Orchestrator) recordBuild(target string, success bool) {
	if o.metrics != nil {
		o.metrics.RecordBuild(target, success)
	}
}

func (o *Orchestrator) recordCycle(d time.Duration, success bool) {
	if o.metrics != nil {
		o.metrics.RecordCycle(d, success)
	}
}

// failureMessage renders a target failure for the build room, attaching the
// captured output when the failure was a build step exiting non-zero.
func failureMessage(target config.Target, err error) string {
	msg := fmt.Sprintf("%s failed: %v", target.Name(), err)
	var exitErr *proc.ExitError
	if errors.As(err, &exitErr) && exitErr.Output != "" {
		msg += "\n" + notify.CodeBlock(exitErr.Output)
	}
	return msg
}

func shortRev(revision string) string {
	if len(revision) > 10 {
		return revision[:10]
	}
	return revision
}
