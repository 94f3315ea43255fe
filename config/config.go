// Package config loads jute engine configuration from YAML, TOML or JSON
// files and the environment.
//
//	# jute.yaml
//	kernel:
//	  startup_timeout: 30s
//	  heartbeat:
//	    interval: 2s
//	logging:
//	  level: debug
//
// Durations are written as Go duration strings ("1.5s", "2m").
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jlaneve/jute/kernel"
)

// Config is the engine configuration.
type Config struct {
	Kernel  KernelConfig  `json:"kernel" yaml:"kernel" toml:"kernel"`
	Logging LoggingConfig `json:"logging" yaml:"logging" toml:"logging"`
}

// KernelConfig configures how kernels are started and supervised.
type KernelConfig struct {
	// IP is the address kernels bind their sockets on.
	// Default: "127.0.0.1"
	IP string `json:"ip,omitempty" yaml:"ip,omitempty" toml:"ip,omitempty" jsonschema:"description=Address kernels bind on"`

	// SignatureScheme signs every message. Default: "hmac-sha256"
	SignatureScheme string `json:"signature_scheme,omitempty" yaml:"signature_scheme,omitempty" toml:"signature_scheme,omitempty" jsonschema:"description=Message signing scheme"`

	// StartupTimeout bounds launching a kernel until it answers.
	// Default: 60s
	StartupTimeout Duration `json:"startup_timeout,omitempty" yaml:"startup_timeout,omitempty" toml:"startup_timeout,omitempty"`

	// ShutdownGrace is how long a kernel may take to exit before it is
	// killed. Default: 5s
	ShutdownGrace Duration `json:"shutdown_grace,omitempty" yaml:"shutdown_grace,omitempty" toml:"shutdown_grace,omitempty"`

	// RuntimeDir holds connection files.
	// Default: $JUPYTER_RUNTIME_DIR or <user data dir>/runtime
	RuntimeDir string `json:"runtime_dir,omitempty" yaml:"runtime_dir,omitempty" toml:"runtime_dir,omitempty"`

	// SpecPaths are searched for kernel specs in order.
	// Default: $JUPYTER_PATH, the user data dir, then system dirs.
	SpecPaths []string `json:"spec_paths,omitempty" yaml:"spec_paths,omitempty" toml:"spec_paths,omitempty"`

	Heartbeat HeartbeatConfig `json:"heartbeat" yaml:"heartbeat" toml:"heartbeat"`
}

// HeartbeatConfig configures liveness probing.
type HeartbeatConfig struct {
	// Interval between probes. Default: 1s
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty" toml:"interval,omitempty"`

	// Timeout for one probe. Default: 1s
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"`

	// MaxFailures is the number of consecutive failed probes after which
	// the kernel is dead. Default: 3
	MaxFailures int `json:"max_failures,omitempty" yaml:"max_failures,omitempty" toml:"max_failures,omitempty" jsonschema:"minimum=0"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string `json:"level,omitempty" yaml:"level,omitempty" toml:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`

	// Format is text or json. Default: text
	Format string `json:"format,omitempty" yaml:"format,omitempty" toml:"format,omitempty" jsonschema:"enum=text,enum=json"`
}

// Default returns a Config with sensible defaults. Search paths and the
// runtime dir are left empty and resolved from the environment when the
// kernel manager starts.
func Default() Config {
	k := kernel.DefaultConfig()
	return Config{
		Kernel: KernelConfig{
			IP:              k.IP,
			SignatureScheme: k.SignatureScheme,
			StartupTimeout:  Duration(k.StartupTimeout),
			ShutdownGrace:   Duration(k.ShutdownGrace),
			Heartbeat: HeartbeatConfig{
				Interval:    Duration(k.HeartbeatInterval),
				Timeout:     Duration(k.HeartbeatTimeout),
				MaxFailures: k.MaxHeartbeatFails,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WithDefaults returns a copy of the config with defaults applied for
// unset fields.
func (c Config) WithDefaults() Config {
	defaults := Default()

	if c.Kernel.IP == "" {
		c.Kernel.IP = defaults.Kernel.IP
	}
	if c.Kernel.SignatureScheme == "" {
		c.Kernel.SignatureScheme = defaults.Kernel.SignatureScheme
	}
	if c.Kernel.StartupTimeout == 0 {
		c.Kernel.StartupTimeout = defaults.Kernel.StartupTimeout
	}
	if c.Kernel.ShutdownGrace == 0 {
		c.Kernel.ShutdownGrace = defaults.Kernel.ShutdownGrace
	}
	if c.Kernel.Heartbeat.Interval == 0 {
		c.Kernel.Heartbeat.Interval = defaults.Kernel.Heartbeat.Interval
	}
	if c.Kernel.Heartbeat.Timeout == 0 {
		c.Kernel.Heartbeat.Timeout = defaults.Kernel.Heartbeat.Timeout
	}
	if c.Kernel.Heartbeat.MaxFailures == 0 {
		c.Kernel.Heartbeat.MaxFailures = defaults.Kernel.Heartbeat.MaxFailures
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaults.Logging.Format
	}

	return c
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	kc := c.KernelConfig()
	if err := kc.Validate(); err != nil {
		return fmt.Errorf("kernel: %w", err)
	}
	if c.Logging.Level != "" {
		if _, err := parseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging: %w", err)
		}
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging: unknown format %q, expected text or json", c.Logging.Format)
	}
	return nil
}

// KernelConfig converts the kernel section to a kernel.Config.
func (c Config) KernelConfig() kernel.Config {
	return kernel.Config{
		IP:                c.Kernel.IP,
		SignatureScheme:   c.Kernel.SignatureScheme,
		StartupTimeout:    time.Duration(c.Kernel.StartupTimeout),
		ShutdownGrace:     time.Duration(c.Kernel.ShutdownGrace),
		RuntimeDir:        c.Kernel.RuntimeDir,
		SpecPaths:         c.Kernel.SpecPaths,
		HeartbeatInterval: time.Duration(c.Kernel.Heartbeat.Interval),
		HeartbeatTimeout:  time.Duration(c.Kernel.Heartbeat.Timeout),
		MaxHeartbeatFails: c.Kernel.Heartbeat.MaxFailures,
	}
}

// LoadFromEnv populates config fields from environment variables.
// Environment variables use the JUTE_ prefix and take precedence over
// existing values.
//
// Supported variables:
//   - JUTE_IP: Kernel bind address
//   - JUTE_SIGNATURE_SCHEME: Message signing scheme
//   - JUTE_STARTUP_TIMEOUT: Startup timeout (e.g., "30s")
//   - JUTE_SHUTDOWN_GRACE: Shutdown grace period
//   - JUTE_RUNTIME_DIR: Connection file directory
//   - JUTE_HEARTBEAT_INTERVAL, JUTE_HEARTBEAT_TIMEOUT: Probe timing
//   - JUTE_HEARTBEAT_MAX_FAILURES: Failed probes before a kernel is dead
//   - JUTE_LOG_LEVEL, JUTE_LOG_FORMAT: Logging
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("JUTE_IP"); v != "" {
		c.Kernel.IP = v
	}
	if v := os.Getenv("JUTE_SIGNATURE_SCHEME"); v != "" {
		c.Kernel.SignatureScheme = v
	}
	envDuration("JUTE_STARTUP_TIMEOUT", &c.Kernel.StartupTimeout)
	envDuration("JUTE_SHUTDOWN_GRACE", &c.Kernel.ShutdownGrace)
	if v := os.Getenv("JUTE_RUNTIME_DIR"); v != "" {
		c.Kernel.RuntimeDir = v
	}
	envDuration("JUTE_HEARTBEAT_INTERVAL", &c.Kernel.Heartbeat.Interval)
	envDuration("JUTE_HEARTBEAT_TIMEOUT", &c.Kernel.Heartbeat.Timeout)
	if v := os.Getenv("JUTE_HEARTBEAT_MAX_FAILURES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Kernel.Heartbeat.MaxFailures = n
		}
	}
	if v := os.Getenv("JUTE_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("JUTE_LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
}

func envDuration(name string, d *Duration) {
	if v := os.Getenv(name); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*d = Duration(parsed)
		}
	}
}

// FromEnv creates a Config from environment variables with defaults.
func FromEnv() Config {
	cfg := Default()
	cfg.LoadFromEnv()
	return cfg
}
