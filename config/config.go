// Package config centralises runtime configuration for termconnect.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment termconnect operates in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// RetryInterval bounds the synchronization engine's exponential backoff.
type RetryInterval struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

// HealthMonitor configures the uptime sampler.
type HealthMonitor struct {
	SamplePeriod time.Duration `yaml:"samplePeriod"`
}

// Settings contains the termconnect configuration tree loaded from
// defaults and overrides. Field names and defaults follow spec §6.
type Settings struct {
	Environment Environment `yaml:"environment"`

	// Application tags requests and seeds the default applicationPattern
	// used by waitSynchronized.
	Application string `yaml:"application"`

	RequestTimeout        time.Duration `yaml:"requestTimeout"`
	ConnectTimeout        time.Duration `yaml:"connectTimeout"`
	PacketOrderingTimeout time.Duration `yaml:"packetOrderingTimeout"`
	StatusTimerTimeout    time.Duration `yaml:"statusTimerTimeout"`
	SynchronizationRetry  RetryInterval `yaml:"synchronizationRetry"`
	HealthMonitor         HealthMonitor `yaml:"healthMonitor"`

	// PacketOrderingMaxBuffer bounds the orderer's per-account buffer.
	PacketOrderingMaxBuffer int `yaml:"packetOrderingMaxBuffer"`
}

// Default returns the default termconnect configuration, matching the
// literal defaults enumerated in spec §6.
func Default() Settings {
	return Settings{
		Environment:             EnvProd,
		Application:             "MetaApi",
		RequestTimeout:          60 * time.Second,
		ConnectTimeout:          60 * time.Second,
		PacketOrderingTimeout:   60 * time.Second,
		StatusTimerTimeout:      60 * time.Second,
		SynchronizationRetry:    RetryInterval{Initial: time.Second, Max: 300 * time.Second},
		HealthMonitor:           HealthMonitor{SamplePeriod: time.Second},
		PacketOrderingMaxBuffer: 1000,
	}
}

// FromEnv loads configuration values from environment variables,
// overriding the defaults. Unset variables leave the default in place.
func FromEnv() Settings {
	cfg := Default()
	if v := strings.TrimSpace(os.Getenv("TERMCONNECT_ENV")); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("TERMCONNECT_APPLICATION")); v != "" {
		cfg.Application = v
	}
	if d, ok := envDuration("TERMCONNECT_REQUEST_TIMEOUT_SECONDS"); ok {
		cfg.RequestTimeout = d
	}
	if d, ok := envDuration("TERMCONNECT_CONNECT_TIMEOUT_SECONDS"); ok {
		cfg.ConnectTimeout = d
	}
	if d, ok := envDuration("TERMCONNECT_PACKET_ORDERING_TIMEOUT_SECONDS"); ok {
		cfg.PacketOrderingTimeout = d
	}
	if d, ok := envDurationMillis("TERMCONNECT_STATUS_TIMER_TIMEOUT_MS"); ok {
		cfg.StatusTimerTimeout = d
	}
	if d, ok := envDuration("TERMCONNECT_SYNC_RETRY_INITIAL_SECONDS"); ok {
		cfg.SynchronizationRetry.Initial = d
	}
	if d, ok := envDuration("TERMCONNECT_SYNC_RETRY_MAX_SECONDS"); ok {
		cfg.SynchronizationRetry.Max = d
	}
	if d, ok := envDurationMillis("TERMCONNECT_HEALTH_SAMPLE_PERIOD_MS"); ok {
		cfg.HealthMonitor.SamplePeriod = d
	}
	if n, ok := envInt("TERMCONNECT_PACKET_ORDERING_MAX_BUFFER"); ok {
		cfg.PacketOrderingMaxBuffer = n
	}
	return cfg
}

// LoadFile reads a YAML document at path and overlays its fields onto the
// default configuration; keys absent from the document leave the default
// in place.
func LoadFile(path string) (Settings, error) {
	f, err := os.Open(path)
	if err != nil {
		return Settings{}, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	bytes, err := io.ReadAll(f)
	if err != nil {
		return Settings{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return Settings{}, fmt.Errorf("unmarshal config file: %w", err)
	}
	return cfg, nil
}

func envDuration(name string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func envDurationMillis(name string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func envInt(name string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithApplication overrides the application tag.
func WithApplication(app string) Option {
	app = strings.TrimSpace(app)
	return func(s *Settings) {
		if app != "" {
			s.Application = app
		}
	}
}

// WithRequestTimeout overrides the transport request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Settings) {
		if d > 0 {
			s.RequestTimeout = d
		}
	}
}

// WithConnectTimeout overrides the initial-connect deadline.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Settings) {
		if d > 0 {
			s.ConnectTimeout = d
		}
	}
}

// WithPacketOrderingTimeout overrides the packet orderer's gap timeout.
func WithPacketOrderingTimeout(d time.Duration) Option {
	return func(s *Settings) {
		if d > 0 {
			s.PacketOrderingTimeout = d
		}
	}
}

// WithStatusTimerTimeout overrides the broker-status watchdog timeout.
func WithStatusTimerTimeout(d time.Duration) Option {
	return func(s *Settings) {
		if d > 0 {
			s.StatusTimerTimeout = d
		}
	}
}

// WithSynchronizationRetry overrides the sync engine's backoff bounds.
func WithSynchronizationRetry(initial, max time.Duration) Option {
	return func(s *Settings) {
		if initial > 0 {
			s.SynchronizationRetry.Initial = initial
		}
		if max > 0 {
			s.SynchronizationRetry.Max = max
		}
	}
}

// WithHealthMonitorSamplePeriod overrides the health monitor sample period.
func WithHealthMonitorSamplePeriod(d time.Duration) Option {
	return func(s *Settings) {
		if d > 0 {
			s.HealthMonitor.SamplePeriod = d
		}
	}
}

// ApplicationPattern returns the default regex used by waitSynchronized
// to match the server-side application stream, per spec §4.F: CopyFactory
// accounts additionally wait on "CopyFactory.*|RPC".
func (s Settings) ApplicationPattern(isCopyFactory bool) string {
	if isCopyFactory {
		return "CopyFactory.*|RPC"
	}
	return "RPC"
}
