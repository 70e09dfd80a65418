package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	// Comment-only file, so everything comes from defaults
	cfg, err := Load(writeConfig(t, "# element-builder test config\n"))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "element-desktop", cfg.Product)
	assert.Equal(t, "https://github.com/element-hq/element-desktop.git", cfg.Repo.URL)
	assert.Equal(t, "develop", cfg.Repo.Branch)
	assert.Equal(t, "0 9 * * *", cfg.Schedule)

	// Default targets cover the platforms that need no extra machinery
	require.Len(t, cfg.Targets, 2)
	assert.Equal(t, "macos-universal", cfg.Targets[0].Name())
	assert.Equal(t, "linux-amd64", cfg.Targets[1].Name())
	assert.NotEmpty(t, cfg.Targets[1].Image)

	// Driver timing defaults
	assert.Equal(t, 3*time.Second, cfg.Windows.SettleDelay)
	assert.Equal(t, 90*time.Second, cfg.Windows.BootTimeout)
	assert.Equal(t, 2*time.Second, cfg.Windows.BootPollInterval)
	assert.Equal(t, 5, cfg.Windows.MapAttempts)
	assert.Equal(t, 20*time.Second, cfg.Windows.StopTimeout)
	assert.Equal(t, "Z:", cfg.Windows.Drive)
	assert.Equal(t, "builds", cfg.Windows.ShareName)
	assert.Equal(t, "clean", cfg.Windows.Snapshot)

	assert.Equal(t, 14, cfg.Publish.Keep)
	assert.Contains(t, cfg.Publish.Patterns, "**/*.exe")
	assert.Contains(t, cfg.Publish.Patterns, "**/*.dmg")
	assert.Contains(t, cfg.Publish.Patterns, "**/RELEASES")

	// Paths are expanded
	assert.False(t, filepath.IsAbs("~"), "sanity")
	assert.True(t, filepath.IsAbs(cfg.BuildDir))
	assert.True(t, filepath.IsAbs(cfg.Publish.StagingDir))
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
product: element-desktop
repo:
  url: https://github.com/element-hq/element-desktop.git
  branch: master
schedule: "30 4 * * *"
targets:
  - platform: windows
    arch: x64
    vcvars: amd64
  - platform: macos
    arch: universal
  - platform: linux
    arch: amd64
    image: ghcr.io/element-hq/element-desktop-dockerbuild:latest
windows:
  vm: element-builder-win11
  snapshot: pristine
  username: builder
  boot_timeout: 2m30s
  map_attempts: 3
publish:
  rsync_dest: packages@packages.element.io:/srv/packages/nightly
  s3:
    bucket: packages-element-io
    prefix: nightly/
    region: eu-west-1
  keep: 7
notify:
  homeserver: https://matrix-client.matrix.org
  room_id: "!builds:matrix.org"
server:
  listen: 127.0.0.1:8093
`))
	require.NoError(t, err)

	assert.Equal(t, "master", cfg.Repo.Branch)
	assert.Equal(t, "30 4 * * *", cfg.Schedule)

	require.Len(t, cfg.Targets, 3)
	assert.Equal(t, "windows-x64", cfg.Targets[0].Name())
	assert.Equal(t, "amd64", cfg.Targets[0].VCVars)

	assert.Equal(t, "element-builder-win11", cfg.Windows.VM)
	assert.Equal(t, "pristine", cfg.Windows.Snapshot)
	assert.Equal(t, 150*time.Second, cfg.Windows.BootTimeout)
	assert.Equal(t, 3, cfg.Windows.MapAttempts)
	// Unset knobs keep their defaults
	assert.Equal(t, 2*time.Second, cfg.Windows.BootPollInterval)

	assert.Equal(t, "packages@packages.element.io:/srv/packages/nightly", cfg.Publish.RsyncDest)
	assert.Equal(t, "packages-element-io", cfg.Publish.S3.Bucket)
	assert.Equal(t, "eu-west-1", cfg.Publish.S3.Region)
	assert.Equal(t, 7, cfg.Publish.Keep)

	assert.Equal(t, "!builds:matrix.org", cfg.Notify.RoomID)
	assert.Equal(t, "127.0.0.1:8093", cfg.Server.Listen)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("ELEMENT_BUILDER_VM_PASSWORD", "hunter2")
	t.Setenv("ELEMENT_BUILDER_SIGNING_KEY_ID", "key-123")
	t.Setenv("ELEMENT_BUILDER_MATRIX_TOKEN", "syt_secret")

	cfg, err := Load(writeConfig(t, "# empty\n"))
	require.NoError(t, err)

	assert.Equal(t, "hunter2", cfg.Windows.Password)
	assert.Equal(t, "key-123", cfg.Signing.KeyID)
	assert.Equal(t, "syt_secret", cfg.Notify.AccessToken)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Product: "element-desktop",
			Repo:    Repo{URL: "https://example.com/repo.git", Branch: "develop"},
			Targets: []Target{
				{Platform: PlatformWindows, Arch: "x64", VCVars: "amd64"},
				{Platform: PlatformLinux, Arch: "amd64", Image: "builder:latest"},
			},
			Windows: Windows{VM: "win11"},
			Publish: Publish{Keep: 14},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing product",
			mutate:  func(c *Config) { c.Product = "" },
			wantErr: "product",
		},
		{
			name:    "missing repo url",
			mutate:  func(c *Config) { c.Repo.URL = "" },
			wantErr: "repo.url",
		},
		{
			name:    "no targets",
			mutate:  func(c *Config) { c.Targets = nil },
			wantErr: "at least one build target",
		},
		{
			name:    "unknown platform",
			mutate:  func(c *Config) { c.Targets[0].Platform = "solaris" },
			wantErr: "unsupported platform",
		},
		{
			name:    "target without arch",
			mutate:  func(c *Config) { c.Targets[1].Arch = "" },
			wantErr: "arch",
		},
		{
			name:    "windows target without vcvars",
			mutate:  func(c *Config) { c.Targets[0].VCVars = "" },
			wantErr: "vcvars",
		},
		{
			name:    "linux target without image",
			mutate:  func(c *Config) { c.Targets[1].Image = "" },
			wantErr: "build image",
		},
		{
			name:    "windows target without vm",
			mutate:  func(c *Config) { c.Windows.VM = "" },
			wantErr: "windows.vm",
		},
		{
			name:    "non-positive retention",
			mutate:  func(c *Config) { c.Publish.Keep = 0 },
			wantErr: "publish.keep",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestTargetByName(t *testing.T) {
	cfg := &Config{Targets: []Target{
		{Platform: PlatformMacOS, Arch: "universal"},
		{Platform: PlatformWindows, Arch: "x64", VCVars: "amd64"},
	}}

	target, ok := cfg.TargetByName("windows-x64")
	require.True(t, ok)
	assert.Equal(t, "amd64", target.VCVars)

	_, ok = cfg.TargetByName("linux-arm64")
	assert.False(t, ok)
}

func TestConfigDir(t *testing.T) {
	home, err := homedir.Dir()
	require.NoError(t, err)

	configDir, err := ConfigDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".element-builder"), configDir)
}
