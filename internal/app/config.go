package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"tether/internal/util/backoff"
)

// Executor kinds.
const (
	ExecutorEcho = "echo"
	ExecutorExec = "exec"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultMissedHeartbeats  = 3
	DefaultHelloTimeout      = 10 * time.Second
	DefaultAckTimeout        = 10 * time.Second
	DefaultLogLevel          = "info"
	DefaultConfigName        = "config.toml"
	DefaultHomeName          = ".tether"
)

// Duration is a time.Duration written as a string in TOML ("15s", "1m").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds runtime wiring options for building the app.
type Config struct {
	Home     string `toml:"home"`      // state directory, e.g. $HOME/.tether
	RelayURL string `toml:"relay_url"` // relay base URL, e.g. http://127.0.0.1:8080
	DeviceID string `toml:"device_id"` // optional; must match the stored identity

	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	MissedHeartbeats  int      `toml:"missed_heartbeats"`
	HelloTimeout      Duration `toml:"hello_timeout"`
	AckTimeout        Duration `toml:"ack_timeout"`
	SessionTTL        Duration `toml:"session_ttl"` // zero disables expiry

	Backoff  BackoffConfig  `toml:"backoff"`
	Executor ExecutorConfig `toml:"executor"`

	LogLevel    string `toml:"log_level"`
	MetricsAddr string `toml:"metrics_addr"` // empty disables /metrics
}

// BackoffConfig is the [backoff] table.
type BackoffConfig struct {
	Min         Duration `toml:"min"`
	Max         Duration `toml:"max"`
	Jitter      float64  `toml:"jitter"`
	StableAfter Duration `toml:"stable_after"`
}

// Policy converts the table into a backoff policy.
func (b BackoffConfig) Policy() backoff.Policy {
	return backoff.Policy{
		Min:         b.Min.Duration,
		Max:         b.Max.Duration,
		Jitter:      b.Jitter,
		StableAfter: b.StableAfter.Duration,
	}
}

// ExecutorConfig is the [executor] table.
type ExecutorConfig struct {
	Kind    string   `toml:"kind"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Timeout Duration `toml:"timeout"`
}

// Load decodes a TOML document and applies defaults.
func Load(b []byte) (*Config, error) {
	cfg := &Config{}
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		keys := make([]string, 0, len(undec))
		for _, k := range undec {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("config: unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads and decodes the config file at path. A missing file yields
// the defaults.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Load(nil)
	}
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// FixupAndValidate fills in defaults and rejects inconsistent settings.
func (c *Config) FixupAndValidate() error {
	if c.HeartbeatInterval.Duration == 0 {
		c.HeartbeatInterval.Duration = DefaultHeartbeatInterval
	}
	if c.MissedHeartbeats == 0 {
		c.MissedHeartbeats = DefaultMissedHeartbeats
	}
	if c.HelloTimeout.Duration == 0 {
		c.HelloTimeout.Duration = DefaultHelloTimeout
	}
	if c.AckTimeout.Duration == 0 {
		c.AckTimeout.Duration = DefaultAckTimeout
	}
	if c.Backoff.Min.Duration == 0 {
		c.Backoff.Min.Duration = backoff.DefaultMin
	}
	if c.Backoff.Max.Duration == 0 {
		c.Backoff.Max.Duration = backoff.DefaultMax
	}
	if c.Backoff.Jitter == 0 {
		c.Backoff.Jitter = backoff.DefaultJitter
	}
	if c.Backoff.StableAfter.Duration == 0 {
		c.Backoff.StableAfter.Duration = backoff.DefaultStableAfter
	}
	if c.Executor.Kind == "" {
		c.Executor.Kind = ExecutorEcho
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	switch {
	case c.HeartbeatInterval.Duration < 0:
		return errors.New("config: heartbeat_interval must be positive")
	case c.MissedHeartbeats < 0:
		return errors.New("config: missed_heartbeats must be positive")
	case c.HelloTimeout.Duration < 0 || c.AckTimeout.Duration < 0:
		return errors.New("config: timeouts must be positive")
	case c.SessionTTL.Duration < 0:
		return errors.New("config: session_ttl must not be negative")
	case c.Backoff.Min.Duration < 0 || c.Backoff.Max.Duration < c.Backoff.Min.Duration:
		return errors.New("config: backoff requires 0 < min <= max")
	case c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1:
		return errors.New("config: backoff jitter must be within [0, 1]")
	}

	switch c.Executor.Kind {
	case ExecutorEcho:
	case ExecutorExec:
		if strings.TrimSpace(c.Executor.Command) == "" {
			return errors.New("config: executor kind \"exec\" requires command")
		}
	default:
		return fmt.Errorf("config: unknown executor kind %q", c.Executor.Kind)
	}

	if c.RelayURL != "" {
		u, err := url.Parse(c.RelayURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("config: invalid relay_url %q", c.RelayURL)
		}
	}
	return nil
}

// DefaultHome returns $HOME/.tether.
func DefaultHome() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultHomeName), nil
}
