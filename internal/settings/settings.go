// Package settings loads nvrpanel's own settings from file and environment.
package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. NVRPANEL_CONTAINER_IMAGE.
const EnvPrefix = "NVRPANEL"

// Settings is the application configuration.
type Settings struct {
	DataDir     string `mapstructure:"data_dir" yaml:"data_dir"`
	RecorderDir string `mapstructure:"recorder_dir" yaml:"recorder_dir"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
	Privilege   string `mapstructure:"privilege" yaml:"privilege"`

	Install   Install   `mapstructure:"install" yaml:"install"`
	Container Container `mapstructure:"container" yaml:"container"`
	API       API       `mapstructure:"api" yaml:"api"`
	Scheduler Scheduler `mapstructure:"scheduler" yaml:"scheduler"`
}

// Install tunes the installer and its step catalog.
type Install struct {
	Retries         int           `mapstructure:"retries" yaml:"retries"`
	BaseDelay       time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	StepTimeout     time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	BuildTimeout    time.Duration `mapstructure:"build_timeout" yaml:"build_timeout"`
	SDKVersion      string        `mapstructure:"sdk_version" yaml:"sdk_version"`
	HWAccel         bool          `mapstructure:"hwaccel" yaml:"hwaccel"`
	RepoURL         string        `mapstructure:"repo_url" yaml:"repo_url"`
	RecorderVersion string        `mapstructure:"recorder_version" yaml:"recorder_version"`
}

// Container tunes the lifecycle controller.
type Container struct {
	Image          string        `mapstructure:"image" yaml:"image"`
	Name           string        `mapstructure:"name" yaml:"name"`
	Project        string        `mapstructure:"project" yaml:"project"`
	HealthAttempts int           `mapstructure:"health_attempts" yaml:"health_attempts"`
	HealthInterval time.Duration `mapstructure:"health_interval" yaml:"health_interval"`
	HealthURL      string        `mapstructure:"health_url" yaml:"health_url"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	UpTimeout      time.Duration `mapstructure:"up_timeout" yaml:"up_timeout"`
	RTSPPassword   string        `mapstructure:"rtsp_password" yaml:"rtsp_password"`
}

// API configures the HTTP daemon.
type API struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Scheduler limits background jobs run by the daemon.
type Scheduler struct {
	MaxConcurrent int            `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	Lanes         map[string]int `mapstructure:"lanes" yaml:"lanes"`
	PollInterval  time.Duration  `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// DefaultDir is ~/.nvrpanel.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nvrpanel"
	}
	return filepath.Join(home, ".nvrpanel")
}

// DefaultPath is the settings file used when none is given.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "settings.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDir())
	v.SetDefault("recorder_dir", filepath.Join(DefaultDir(), "recorder"))
	v.SetDefault("log_level", "info")
	v.SetDefault("privilege", "sudo")

	v.SetDefault("install.retries", 3)
	v.SetDefault("install.base_delay", time.Second)
	v.SetDefault("install.max_delay", 8*time.Second)
	v.SetDefault("install.step_timeout", 30*time.Minute)
	v.SetDefault("install.build_timeout", 120*time.Minute)
	v.SetDefault("install.sdk_version", "2.1")
	v.SetDefault("install.hwaccel", false)
	v.SetDefault("install.repo_url", "https://github.com/blakeblackshear/frigate.git")
	v.SetDefault("install.recorder_version", "0.16.0-2458f667")

	v.SetDefault("container.image", "frigate")
	v.SetDefault("container.name", "frigate")
	v.SetDefault("container.project", "frigate")
	v.SetDefault("container.health_attempts", 30)
	v.SetDefault("container.health_interval", 2*time.Second)
	v.SetDefault("container.health_url", "http://127.0.0.1:5000/api/version")
	v.SetDefault("container.probe_timeout", 10*time.Second)
	v.SetDefault("container.command_timeout", 2*time.Minute)
	v.SetDefault("container.up_timeout", 15*time.Minute)
	v.SetDefault("container.rtsp_password", "password")

	v.SetDefault("api.addr", "127.0.0.1:8765")

	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.lanes", map[string]int{"install": 1, "lifecycle": 1})
	v.SetDefault("scheduler.poll_interval", 10*time.Second)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads settings from path, or from DefaultPath when path is empty.
// A missing default file is fine; a missing explicit file is an error.
func Load(path string) (*Settings, error) {
	v := newViper()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if explicit || !missing {
			return nil, fmt.Errorf("reading settings %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	s.DataDir = expandHome(s.DataDir)
	s.RecorderDir = expandHome(s.RecorderDir)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// WriteDefaults writes the default settings to path. It refuses to
// overwrite an existing file.
func WriteDefaults(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	v := viper.New()
	setDefaults(v)
	return v.SafeWriteConfigAs(path)
}

// Validate checks the settings for values nvrpanel cannot run with.
func (s *Settings) Validate() error {
	var errs []error
	switch s.Privilege {
	case "sudo", "pkexec", "none":
	default:
		errs = append(errs, fmt.Errorf("privilege must be sudo, pkexec or none, got %q", s.Privilege))
	}
	if _, err := parseLevel(s.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if s.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if s.RecorderDir == "" {
		errs = append(errs, errors.New("recorder_dir is required"))
	}
	if s.Install.Retries < 0 || s.Install.Retries > 10 {
		errs = append(errs, fmt.Errorf("install.retries must be between 0 and 10, got %d", s.Install.Retries))
	}
	if s.Install.BaseDelay <= 0 || s.Install.MaxDelay < s.Install.BaseDelay {
		errs = append(errs, errors.New("install.base_delay must be positive and not exceed install.max_delay"))
	}
	if s.Install.StepTimeout <= 0 || s.Install.BuildTimeout <= 0 {
		errs = append(errs, errors.New("install timeouts must be positive"))
	}
	if s.Container.Image == "" || s.Container.Name == "" || s.Container.Project == "" {
		errs = append(errs, errors.New("container image, name and project are required"))
	}
	if s.Container.HealthAttempts < 1 || s.Container.HealthInterval <= 0 {
		errs = append(errs, errors.New("container health checks need at least one attempt and a positive interval"))
	}
	if s.API.Addr == "" {
		errs = append(errs, errors.New("api.addr is required"))
	}
	if s.Scheduler.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_concurrent must be at least 1, got %d", s.Scheduler.MaxConcurrent))
	}
	for lane, n := range s.Scheduler.Lanes {
		if n < 1 {
			errs = append(errs, fmt.Errorf("scheduler lane %s must allow at least 1 job", lane))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid settings: %w", errors.Join(errs...))
	}
	return nil
}

// Level returns the configured log level.
func (s *Settings) Level() slog.Level {
	l, _ := parseLevel(s.LogLevel)
	return l
}

// DBPath is the SQLite state database.
func (s *Settings) DBPath() string { return filepath.Join(s.DataDir, "nvrpanel.db") }

// LogPath is where the panel writes its log.
func (s *Settings) LogPath() string { return filepath.Join(s.DataDir, "nvrpanel.log") }

// ConfigPath is the recorder configuration file.
func (s *Settings) ConfigPath() string {
	return filepath.Join(s.RecorderDir, "config", "config.yaml")
}

// ComposeFile is the generated compose file.
func (s *Settings) ComposeFile() string {
	return filepath.Join(s.RecorderDir, "docker-compose.yml")
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
