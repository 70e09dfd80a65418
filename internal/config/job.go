package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Build modes accepted in job manifests.
const (
	ModeNightly = "nightly"
	ModeRelease = "release"
)

// Job describes a one-shot build request. Scheduled nightlies are driven by
// the main config; a job manifest overrides what to build for a single run,
// which is how releases are cut.
type Job struct {
	Mode string `yaml:"mode"`

	// Version names the build. Required for releases; nightlies compute
	// their own date-based version when left empty.
	Version string `yaml:"version"`

	// Revision is the branch, tag or commit to build. Defaults to the
	// configured repo branch.
	Revision string `yaml:"revision"`

	// Targets restricts the run to the named "platform-arch" targets.
	// Empty means every configured target.
	Targets []string `yaml:"targets"`

	// SkipPublish builds and stages artifacts without touching the
	// mirrors. For trying out build changes.
	SkipPublish bool `yaml:"skip_publish"`
}

// LoadJob reads and validates a job manifest. Unknown fields are rejected so
// a typo in a release manifest fails loudly instead of silently building the
// wrong thing.
func LoadJob(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job manifest: %w", err)
	}
	return ParseJob(data)
}

// ParseJob parses a job manifest from raw YAML.
func ParseJob(data []byte) (*Job, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("job manifest is empty")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var job Job
	if err := dec.Decode(&job); err != nil {
		return nil, fmt.Errorf("invalid job manifest: %w", err)
	}

	if job.Mode == "" {
		job.Mode = ModeNightly
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

// Validate checks the manifest for contradictions before any work starts.
func (j *Job) Validate() error {
	switch j.Mode {
	case ModeNightly, ModeRelease:
	default:
		return fmt.Errorf("unsupported job mode %q, must be %q or %q", j.Mode, ModeNightly, ModeRelease)
	}
	if j.Mode == ModeRelease && j.Version == "" {
		return fmt.Errorf("release jobs must specify a version")
	}
	return nil
}

// ResolveTargets maps the manifest's target names onto the configured
// targets, preserving config order. An unknown name is an error.
func (j *Job) ResolveTargets(cfg *Config) ([]Target, error) {
	if len(j.Targets) == 0 {
		return cfg.Targets, nil
	}

	wanted := make(map[string]bool, len(j.Targets))
	for _, name := range j.Targets {
		if _, ok := cfg.TargetByName(name); !ok {
			return nil, fmt.Errorf("job names unknown target %q", name)
		}
		wanted[name] = true
	}

	var targets []Target
	for _, t := range cfg.Targets {
		if wanted[t.Name()] {
			targets = append(targets, t)
		}
	}
	return targets, nil
}
