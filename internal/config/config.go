package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/wearable-pin/pindeploy/internal/scheduler"
)

// DefaultConfigPath is where the device agent looks for its configuration.
const DefaultConfigPath = "/etc/pindeploy/pindeploy.yaml"

// EnvConfigPath names the environment variable that overrides the path.
const EnvConfigPath = "PINDEPLOY_CONFIG"

// EnvPrefix prefixes every environment override (PINDEPLOY_REPOSITORY_BRANCH, ...).
const EnvPrefix = "PINDEPLOY_"

// Config is the main configuration structure shared by pindeploy and pinpush.
type Config struct {
	Version    int              `yaml:"version" env:"VERSION"`
	Repository RepositoryConfig `yaml:"repository" envPrefix:"REPOSITORY_"`
	Schedule   ScheduleConfig   `yaml:"schedule" envPrefix:"SCHEDULE_"`
	Service    ServiceConfig    `yaml:"service" envPrefix:"SERVICE_"`
	Trigger    TriggerConfig    `yaml:"trigger" envPrefix:"TRIGGER_"`
	Logging    LoggingConfig    `yaml:"logging" envPrefix:"LOGGING_"`
	Tracing    TracingConfig    `yaml:"tracing" envPrefix:"TRACING_"`
	Push       PushConfig       `yaml:"push" envPrefix:"PUSH_"`

	// StateDir holds the last-cycle record read by "pindeploy status".
	StateDir string `yaml:"state_dir" env:"STATE_DIR"`
}

// RepositoryConfig describes the deployed working copy on the device.
type RepositoryConfig struct {
	Dir          string        `yaml:"dir" env:"DIR"`
	URL          string        `yaml:"url" env:"URL"`
	Remote       string        `yaml:"remote" env:"REMOTE"`
	Branch       string        `yaml:"branch" env:"BRANCH"`
	Backend      string        `yaml:"backend" env:"BACKEND"`
	SSHKey       string        `yaml:"ssh_key" env:"SSH_KEY"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
	PullTimeout  time.Duration `yaml:"pull_timeout" env:"PULL_TIMEOUT"`
}

// ScheduleConfig controls when update cycles run.
type ScheduleConfig struct {
	Interval       time.Duration `yaml:"interval" env:"INTERVAL"`
	Cron           string        `yaml:"cron" env:"CRON"`
	Timezone       string        `yaml:"timezone" env:"TIMEZONE"`
	SkipStartupRun bool          `yaml:"skip_startup_run" env:"SKIP_STARTUP_RUN"`
}

// ServiceConfig names the supervised systemd unit.
type ServiceConfig struct {
	Unit    string        `yaml:"unit" env:"UNIT"`
	User    bool          `yaml:"user" env:"USER"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// TriggerConfig configures the local immediate-trigger surfaces.
type TriggerConfig struct {
	// Listen is the admin HTTP address. "off" disables the listener.
	Listen        string `yaml:"listen" env:"LISTEN"`
	File          string `yaml:"file" env:"FILE"`
	DisableSignal bool   `yaml:"disable_signal" env:"DISABLE_SIGNAL"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
	Syslog bool   `yaml:"syslog" env:"SYSLOG"`
	Tag    string `yaml:"tag" env:"TAG"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint" env:"ENDPOINT"`
	Insecure     bool    `yaml:"insecure" env:"INSECURE"`
	SamplingRate float64 `yaml:"sampling_rate" env:"SAMPLING_RATE"`
}

// PushConfig is read by pinpush on the operator's machine.
type PushConfig struct {
	Dir         string            `yaml:"dir" env:"DIR"`
	Remote      string            `yaml:"remote" env:"REMOTE"`
	Branch      string            `yaml:"branch" env:"BRANCH"`
	Backend     string            `yaml:"backend" env:"BACKEND"`
	SSHKey      string            `yaml:"ssh_key" env:"SSH_KEY"`
	AuthorName  string            `yaml:"author_name" env:"AUTHOR_NAME"`
	AuthorEmail string            `yaml:"author_email" env:"AUTHOR_EMAIL"`
	Timeout     time.Duration     `yaml:"timeout" env:"TIMEOUT"`
	Trigger     PushTriggerConfig `yaml:"trigger" envPrefix:"TRIGGER_"`
}

// PushTriggerConfig describes how pinpush reaches the device over SSH.
type PushTriggerConfig struct {
	Mode       string        `yaml:"mode" env:"MODE"`
	Host       string        `yaml:"host" env:"HOST"`
	Port       int           `yaml:"port" env:"PORT"`
	User       string        `yaml:"user" env:"USER"`
	KeyFile    string        `yaml:"key_file" env:"KEY_FILE"`
	KnownHosts string        `yaml:"known_hosts" env:"KNOWN_HOSTS"`
	Command    string        `yaml:"command" env:"COMMAND"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Attempts   int           `yaml:"attempts" env:"ATTEMPTS"`
}

// Backends accepted in repository.backend and push.backend.
const (
	BackendCLI    = "cli"
	BackendNative = "native"
)

// Trigger modes accepted in push.trigger.mode.
const (
	TriggerAsk    = "ask"
	TriggerAlways = "always"
	TriggerNever  = "never"
)

// ListenOff disables the admin listener.
const ListenOff = "off"

// ResolvePath returns the configuration path to load. An explicit flag wins,
// then $PINDEPLOY_CONFIG, then DefaultConfigPath if it exists. An empty
// result means "defaults and environment only".
func ResolvePath(flag string) string {
	if p := strings.TrimSpace(flag); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	if _, err := os.Stat(DefaultConfigPath); err == nil {
		return DefaultConfigPath
	}
	return ""
}

// Load reads and parses the configuration file, applies environment
// overrides and defaults, and validates the result. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		cfg, err = decodeRawConfig(raw)
		if err != nil {
			return nil, err
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration holding only defaults.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}

	if cfg.Repository.Dir == "" {
		cfg.Repository.Dir = "/home/pi/wearable-pin"
	}
	if cfg.Repository.Remote == "" {
		cfg.Repository.Remote = "origin"
	}
	if cfg.Repository.Branch == "" {
		cfg.Repository.Branch = "main"
	}
	if cfg.Repository.Backend == "" {
		cfg.Repository.Backend = BackendCLI
	}
	if cfg.Repository.FetchTimeout == 0 {
		cfg.Repository.FetchTimeout = 30 * time.Second
	}
	if cfg.Repository.PullTimeout == 0 {
		cfg.Repository.PullTimeout = 60 * time.Second
	}

	if cfg.Schedule.Interval == 0 && cfg.Schedule.Cron == "" {
		cfg.Schedule.Interval = 60 * time.Second
	}

	if cfg.Service.Unit == "" {
		cfg.Service.Unit = "pin-camera.service"
	}
	if cfg.Service.Timeout == 0 {
		cfg.Service.Timeout = 30 * time.Second
	}

	if cfg.Trigger.Listen == "" {
		cfg.Trigger.Listen = "127.0.0.1:9470"
	}
	if cfg.Trigger.File == "" {
		cfg.Trigger.File = "/run/pindeploy/trigger"
	}

	if cfg.StateDir == "" {
		cfg.StateDir = "/var/lib/pindeploy"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Tag == "" {
		cfg.Logging.Tag = "pindeploy"
	}

	if cfg.Push.Dir == "" {
		cfg.Push.Dir = "."
	}
	if cfg.Push.Remote == "" {
		cfg.Push.Remote = cfg.Repository.Remote
	}
	if cfg.Push.Branch == "" {
		cfg.Push.Branch = cfg.Repository.Branch
	}
	if cfg.Push.Backend == "" {
		cfg.Push.Backend = BackendCLI
	}
	if cfg.Push.Timeout == 0 {
		cfg.Push.Timeout = 60 * time.Second
	}
	if cfg.Push.Trigger.Mode == "" {
		cfg.Push.Trigger.Mode = TriggerAsk
	}
	if cfg.Push.Trigger.Port == 0 {
		cfg.Push.Trigger.Port = 22
	}
	if cfg.Push.Trigger.User == "" {
		cfg.Push.Trigger.User = "pi"
	}
	if cfg.Push.Trigger.Command == "" {
		cfg.Push.Trigger.Command = "pindeploy trigger"
	}
	if cfg.Push.Trigger.Timeout == 0 {
		cfg.Push.Trigger.Timeout = 15 * time.Second
	}
	if cfg.Push.Trigger.Attempts == 0 {
		cfg.Push.Trigger.Attempts = 3
	}
}

// Validate checks the configuration for values no component can work with.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}

	if strings.TrimSpace(c.Repository.Dir) == "" {
		errs = append(errs, errors.New("repository.dir is required"))
	}
	if strings.TrimSpace(c.Repository.Branch) == "" {
		errs = append(errs, errors.New("repository.branch is required"))
	}
	if !validBackend(c.Repository.Backend) {
		errs = append(errs, fmt.Errorf("repository.backend must be %q or %q, got %q", BackendCLI, BackendNative, c.Repository.Backend))
	}
	if c.Repository.FetchTimeout < 0 || c.Repository.PullTimeout < 0 {
		errs = append(errs, errors.New("repository timeouts must be positive"))
	}

	if c.Schedule.Interval < 0 {
		errs = append(errs, errors.New("schedule.interval must be positive"))
	}
	if c.Schedule.Interval > 0 && c.Schedule.Interval < time.Second {
		errs = append(errs, fmt.Errorf("schedule.interval %s is below the 1s minimum", c.Schedule.Interval))
	}
	if strings.TrimSpace(c.Schedule.Cron) != "" {
		if _, err := scheduler.ParseSchedule(c.Schedule.Interval, c.Schedule.Cron, c.Schedule.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("schedule.cron: %w", err))
		}
	}

	if strings.TrimSpace(c.Service.Unit) == "" {
		errs = append(errs, errors.New("service.unit is required"))
	}
	if c.Service.Timeout < 0 {
		errs = append(errs, errors.New("service.timeout must be positive"))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sampling_rate must be within [0, 1], got %v", c.Tracing.SamplingRate))
	}

	if !validBackend(c.Push.Backend) {
		errs = append(errs, fmt.Errorf("push.backend must be %q or %q, got %q", BackendCLI, BackendNative, c.Push.Backend))
	}
	switch c.Push.Trigger.Mode {
	case TriggerAsk, TriggerAlways, TriggerNever:
	default:
		errs = append(errs, fmt.Errorf("push.trigger.mode must be ask, always or never, got %q", c.Push.Trigger.Mode))
	}
	if c.Push.Trigger.Port < 1 || c.Push.Trigger.Port > 65535 {
		errs = append(errs, fmt.Errorf("push.trigger.port %d is out of range", c.Push.Trigger.Port))
	}
	if c.Push.Trigger.Attempts < 1 {
		errs = append(errs, errors.New("push.trigger.attempts must be at least 1"))
	}

	return errors.Join(errs...)
}

// ListenEnabled reports whether the admin listener should run.
func (c TriggerConfig) ListenEnabled() bool {
	listen := strings.TrimSpace(c.Listen)
	return listen != "" && !strings.EqualFold(listen, ListenOff)
}

func validBackend(backend string) bool {
	return backend == BackendCLI || backend == BackendNative
}
