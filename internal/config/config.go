package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Platform names accepted in target definitions.
const (
	PlatformWindows = "windows"
	PlatformMacOS   = "macos"
	PlatformLinux   = "linux"
)

// Config represents the element-builder configuration
type Config struct {
	Product  string   `mapstructure:"product"`
	Repo     Repo     `mapstructure:"repo"`
	Schedule string   `mapstructure:"schedule"`
	BuildDir string   `mapstructure:"build_dir"`
	Targets  []Target `mapstructure:"targets"`
	Windows  Windows  `mapstructure:"windows"`
	Signing  Signing  `mapstructure:"signing"`
	Publish  Publish  `mapstructure:"publish"`
	Notify   Notify   `mapstructure:"notify"`
	Server   Server   `mapstructure:"server"`
}

// Repo identifies the source repository being built.
type Repo struct {
	URL    string `mapstructure:"url"`
	Branch string `mapstructure:"branch"`

	// ConfigFile is an optional product config copied into the checkout
	// (and onto the shared drive for Windows builds) before building.
	ConfigFile string `mapstructure:"config_file"`
}

// Target is one platform/architecture combination to build.
type Target struct {
	Platform string `mapstructure:"platform"`
	Arch     string `mapstructure:"arch"`

	// VCVars selects the native compiler environment inside the Windows
	// guest (vcvarsall.bat argument). Windows targets only.
	VCVars string `mapstructure:"vcvars"`

	// Image is the container image used for Linux builds.
	Image string `mapstructure:"image"`
}

// Name returns the canonical "platform-arch" identifier for a target.
func (t Target) Name() string {
	return t.Platform + "-" + t.Arch
}

// Windows contains the remote VM build settings.
type Windows struct {
	VM       string `mapstructure:"vm"`
	Snapshot string `mapstructure:"snapshot"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// ShareName and Drive describe the shared-folder mapping: the host
	// build directory is exported under ShareName and addressed inside
	// the guest as Drive.
	ShareName string `mapstructure:"share_name"`
	Drive     string `mapstructure:"drive"`

	VCVarsPath string `mapstructure:"vcvars_path"`

	// Timing knobs for the VM driver. The defaults are tuned for
	// VirtualBox on the production build host.
	SettleDelay      time.Duration `mapstructure:"settle_delay"`
	BootTimeout      time.Duration `mapstructure:"boot_timeout"`
	BootPollInterval time.Duration `mapstructure:"boot_poll_interval"`
	MapAttempts      int           `mapstructure:"map_attempts"`
	MapSettleDelay   time.Duration `mapstructure:"map_settle_delay"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout"`
	StopPollInterval time.Duration `mapstructure:"stop_poll_interval"`
}

// Signing holds identifiers handed to the build tooling as environment
// variables. Values come from the environment only, never from the file.
type Signing struct {
	KeyID  string `mapstructure:"key_id"`
	APIKey string `mapstructure:"api_key"`
}

// Publish configures the artifact mirror.
type Publish struct {
	StagingDir string   `mapstructure:"staging_dir"`
	Patterns   []string `mapstructure:"patterns"`
	RsyncDest  string   `mapstructure:"rsync_dest"`
	S3         S3       `mapstructure:"s3"`

	// Keep is the number of nightly versions retained when pruning.
	Keep int `mapstructure:"keep"`
}

// S3 configures the optional object-storage mirror.
type S3 struct {
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// Notify configures the build-status room notifier.
type Notify struct {
	Homeserver  string `mapstructure:"homeserver"`
	RoomID      string `mapstructure:"room_id"`
	AccessToken string `mapstructure:"access_token"`
}

// Server configures the status HTTP listener. An empty address disables it.
type Server struct {
	Listen string `mapstructure:"listen"`
}

// Load loads the configuration from path, or from
// ~/.element-builder/config.yaml when path is empty. A missing config file
// is not an error; defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		configDir, err := ConfigDir()
		if err != nil {
			return nil, err
		}
		v.SetConfigName("config")
		v.AddConfigPath(configDir)
	}

	setDefaults(v)
	bindEnv(v)

	// Try to read the config file, but don't fail if it doesn't exist
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("product", "element-desktop")
	v.SetDefault("repo.url", "https://github.com/element-hq/element-desktop.git")
	v.SetDefault("repo.branch", "develop")

	v.SetDefault("schedule", "0 9 * * *")
	v.SetDefault("build_dir", "~/.element-builder/builds")

	// Windows is deliberately absent from the default target set because it
	// cannot work without a configured VM.
	v.SetDefault("targets", []map[string]string{
		{"platform": PlatformMacOS, "arch": "universal"},
		{"platform": PlatformLinux, "arch": "amd64", "image": "ghcr.io/element-hq/element-desktop-dockerbuild:latest"},
	})

	v.SetDefault("windows.snapshot", "clean")
	v.SetDefault("windows.share_name", "builds")
	v.SetDefault("windows.drive", "Z:")
	v.SetDefault("windows.vcvars_path",
		`C:\Program Files (x86)\Microsoft Visual Studio\2019\BuildTools\VC\Auxiliary\Build\vcvarsall.bat`)
	v.SetDefault("windows.settle_delay", "3s")
	v.SetDefault("windows.boot_timeout", "90s")
	v.SetDefault("windows.boot_poll_interval", "2s")
	v.SetDefault("windows.map_attempts", 5)
	v.SetDefault("windows.map_settle_delay", "2s")
	v.SetDefault("windows.stop_timeout", "20s")
	v.SetDefault("windows.stop_poll_interval", "1s")

	v.SetDefault("publish.staging_dir", "~/.element-builder/packages")
	v.SetDefault("publish.patterns", []string{
		"**/*.dmg",
		"**/*.exe", "**/*.nupkg", "**/RELEASES",
		"**/*.deb", "**/*.tar.gz",
	})
	v.SetDefault("publish.keep", 14)

	v.SetDefault("server.listen", "")
}

// bindEnv wires secret-bearing keys to environment variables so they never
// have to appear in the config file.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("windows.password", "ELEMENT_BUILDER_VM_PASSWORD")
	_ = v.BindEnv("signing.key_id", "ELEMENT_BUILDER_SIGNING_KEY_ID")
	_ = v.BindEnv("signing.api_key", "ELEMENT_BUILDER_SIGNING_API_KEY")
	_ = v.BindEnv("notify.access_token", "ELEMENT_BUILDER_MATRIX_TOKEN")
}

// expandPaths expands ~ in path-valued settings
func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.BuildDir,
		&c.Publish.StagingDir,
		&c.Repo.ConfigFile,
	} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = filepath.Clean(expanded)
	}
	return nil
}

// Validate checks the settings every command relies on. Settings only some
// commands need (notify credentials, publish destinations) are checked at
// point of use instead.
func (c *Config) Validate() error {
	if c.Product == "" {
		return fmt.Errorf("product must not be empty")
	}
	if c.Repo.URL == "" {
		return fmt.Errorf("repo.url must not be empty")
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one build target must be configured")
	}
	for _, t := range c.Targets {
		switch t.Platform {
		case PlatformWindows, PlatformMacOS, PlatformLinux:
		default:
			return fmt.Errorf("unsupported platform %q, must be one of: windows, macos, linux", t.Platform)
		}
		if t.Arch == "" {
			return fmt.Errorf("target %q must specify an arch", t.Platform)
		}
		if t.Platform == PlatformWindows && t.VCVars == "" {
			return fmt.Errorf("windows target %q must specify vcvars", t.Name())
		}
		if t.Platform == PlatformLinux && t.Image == "" {
			return fmt.Errorf("linux target %q must specify a build image", t.Name())
		}
	}
	if c.hasPlatform(PlatformWindows) && c.Windows.VM == "" {
		return fmt.Errorf("windows targets require windows.vm to be set")
	}
	if c.Publish.Keep < 1 {
		return fmt.Errorf("publish.keep must be at least 1")
	}
	return nil
}

func (c *Config) hasPlatform(platform string) bool {
	for _, t := range c.Targets {
		if t.Platform == platform {
			return true
		}
	}
	return false
}

// TargetByName returns the configured target named "platform-arch".
func (c *Config) TargetByName(name string) (Target, bool) {
	for _, t := range c.Targets {
		if t.Name() == name {
			return t, true
		}
	}
	return Target{}, false
}

// StateFile returns the orchestrator state file path.
func (c *Config) StateFile() (string, error) {
	configDir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "state.json"), nil
}

// ConfigDir returns the element-builder configuration directory path
func ConfigDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".element-builder"), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	configDir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(configDir, 0755)
}
