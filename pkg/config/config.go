package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/flamewire/agent/pkg/client"
)

// Environment variables recognized by the overlay.
const (
	EnvProject    = "GCLOUD_PROJECT"
	EnvService    = "GAE_SERVICE"
	EnvVersion    = "GAE_VERSION"
	EnvLogLevel   = "GCLOUD_PROFILER_LOGLEVEL"
	EnvConfigPath = "GCLOUD_PROFILER_CONFIG"
)

const (
	DefaultTimeIntervalMicros         = 1000
	DefaultHeapIntervalBytes          = 512 * 1024
	DefaultHeapMaxStackDepth          = 32
	DefaultMinProfilingIntervalMillis = 60000
	DefaultBackoffMillis              = 1000
	DefaultLogLevel                   = 2
)

var serviceRegexp = regexp.MustCompile(`^[a-z]([-a-z0-9_.]{0,253}[a-z0-9])?$`)

type ServiceContext struct {
	// Deployment target. Required.
	Service string `yaml:"service"`

	// Deployment version, sent as a label.
	Version string `yaml:"version"`
}

type Config struct {
	// Cloud project the deployment reports under. Required unless
	// discoverable from the metadata service.
	ProjectID string `yaml:"project_id"`

	ServiceContext ServiceContext `yaml:"service_context"`

	// Zone and instance labels; discovered from metadata when unset.
	Zone     string `yaml:"zone"`
	Instance string `yaml:"instance"`

	// Suppress the corresponding profile kind in the poll request and
	// skip sampler setup.
	DisableTime bool `yaml:"disable_time"`
	DisableHeap bool `yaml:"disable_heap"`

	// CPU sampling period.
	TimeIntervalMicros int64 `yaml:"time_interval_micros"`

	// Bytes between heap samples and the recorded stack depth.
	HeapIntervalBytes int64 `yaml:"heap_interval_bytes"`
	HeapMaxStackDepth int   `yaml:"heap_max_stack_depth"`

	// Lower bound between consecutive profiles.
	MinProfilingIntervalMillis int64 `yaml:"min_profiling_interval_millis"`

	// Delay after a retriable poll error when the server gave no hint.
	BackoffMillis int64 `yaml:"backoff_millis"`

	// 0 (silent) through 5 (verbose). Pointer so an explicit 0 survives
	// the overlay.
	LogLevel *int `yaml:"log_level"`

	// Control-plane endpoint.
	BaseURL string `yaml:"base_url"`
}

func defaultValue[T comparable](ptr *T, value T) {
	var zero T
	if *ptr == zero {
		*ptr = value
	}
}

func (c *Config) FillDefault() {
	defaultValue(&c.TimeIntervalMicros, int64(DefaultTimeIntervalMicros))
	defaultValue(&c.HeapIntervalBytes, int64(DefaultHeapIntervalBytes))
	defaultValue(&c.HeapMaxStackDepth, DefaultHeapMaxStackDepth)
	defaultValue(&c.MinProfilingIntervalMillis, int64(DefaultMinProfilingIntervalMillis))
	defaultValue(&c.BackoffMillis, int64(DefaultBackoffMillis))
	defaultValue(&c.BaseURL, client.DefaultBaseURL)
	if c.LogLevel == nil {
		level := DefaultLogLevel
		c.LogLevel = &level
	}
}

// Resolve builds the effective configuration. Precedence, lowest first:
// built-in defaults, the config file named by GCLOUD_PROFILER_CONFIG,
// environment variables, the explicit config.
func Resolve(explicit *Config) (*Config, error) {
	conf := &Config{}
	if path := os.Getenv(EnvConfigPath); path != "" {
		if err := conf.loadFile(path); err != nil {
			return nil, fmt.Errorf("load %s: %w", EnvConfigPath, err)
		}
	}
	if err := conf.applyEnv(); err != nil {
		return nil, err
	}
	if explicit != nil {
		conf.merge(explicit)
	}
	conf.FillDefault()
	return conf, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, c)
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvProject); v != "" {
		c.ProjectID = v
	}
	if v := os.Getenv(EnvService); v != "" {
		c.ServiceContext.Service = v
	}
	if v := os.Getenv(EnvVersion); v != "" {
		c.ServiceContext.Version = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		level, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvLogLevel, err)
		}
		c.LogLevel = &level
	}
	return nil
}

// merge copies every set field of other over c.
func (c *Config) merge(other *Config) {
	if other.ProjectID != "" {
		c.ProjectID = other.ProjectID
	}
	if other.ServiceContext.Service != "" {
		c.ServiceContext.Service = other.ServiceContext.Service
	}
	if other.ServiceContext.Version != "" {
		c.ServiceContext.Version = other.ServiceContext.Version
	}
	if other.Zone != "" {
		c.Zone = other.Zone
	}
	if other.Instance != "" {
		c.Instance = other.Instance
	}
	if other.DisableTime {
		c.DisableTime = true
	}
	if other.DisableHeap {
		c.DisableHeap = true
	}
	if other.TimeIntervalMicros != 0 {
		c.TimeIntervalMicros = other.TimeIntervalMicros
	}
	if other.HeapIntervalBytes != 0 {
		c.HeapIntervalBytes = other.HeapIntervalBytes
	}
	if other.HeapMaxStackDepth != 0 {
		c.HeapMaxStackDepth = other.HeapMaxStackDepth
	}
	if other.MinProfilingIntervalMillis != 0 {
		c.MinProfilingIntervalMillis = other.MinProfilingIntervalMillis
	}
	if other.BackoffMillis != 0 {
		c.BackoffMillis = other.BackoffMillis
	}
	if other.LogLevel != nil {
		c.LogLevel = other.LogLevel
	}
	if other.BaseURL != "" {
		c.BaseURL = other.BaseURL
	}
}

// Validate reports startup-fatal problems. Call after metadata discovery
// had its chance to fill project and labels.
func (c *Config) Validate() error {
	if c.ServiceContext.Service == "" {
		return errors.New("service name must be configured")
	}
	if !serviceRegexp.MatchString(c.ServiceContext.Service) {
		return fmt.Errorf("service name %q does not match %q", c.ServiceContext.Service, serviceRegexp.String())
	}
	if c.ProjectID == "" {
		return errors.New("project ID must be configured when not discoverable from metadata")
	}
	if c.DisableTime && c.DisableHeap {
		return errors.New("all profile types are disabled")
	}
	return nil
}

func (c *Config) Level() int {
	if c.LogLevel == nil {
		return DefaultLogLevel
	}
	return *c.LogLevel
}

// ZapLevel maps the numeric log level onto zap levels. Level 0 keeps only
// fatals; callers wanting full silence should install a nop logger.
func (c *Config) ZapLevel() zapcore.Level {
	switch c.Level() {
	case 0:
		return zapcore.FatalLevel
	case 1:
		return zapcore.ErrorLevel
	case 2:
		return zapcore.WarnLevel
	case 3:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func (c *Config) Backoff() time.Duration {
	return time.Duration(c.BackoffMillis) * time.Millisecond
}

func (c *Config) MinProfilingInterval() time.Duration {
	return time.Duration(c.MinProfilingIntervalMillis) * time.Millisecond
}
