package kernel

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jlaneve/jute/kernelspec"
	"github.com/jlaneve/jute/router"
	"github.com/jlaneve/jute/wire"
)

// Config holds kernel manager configuration.
type Config struct {
	// IP is the address kernels bind their sockets on.
	// Default: "127.0.0.1"
	IP string `json:"ip" yaml:"ip" toml:"ip"`

	// SignatureScheme signs messages. Default: "hmac-sha256"
	SignatureScheme string `json:"signature_scheme" yaml:"signature_scheme" toml:"signature_scheme"`

	// StartupTimeout bounds spawning, connecting, the first heartbeat and
	// the kernel_info handshake. Default: 60 seconds.
	StartupTimeout time.Duration `json:"startup_timeout" yaml:"startup_timeout" toml:"startup_timeout"`

	// ShutdownGrace is how long a kernel may take to exit after a shutdown
	// request before it is killed. Default: 5 seconds.
	ShutdownGrace time.Duration `json:"shutdown_grace" yaml:"shutdown_grace" toml:"shutdown_grace"`

	// RuntimeDir holds connection files.
	// Default: $JUPYTER_RUNTIME_DIR or <user data dir>/runtime.
	RuntimeDir string `json:"runtime_dir" yaml:"runtime_dir" toml:"runtime_dir"`

	// SpecPaths are the kernel spec search paths, in priority order.
	// Default: kernelspec.DefaultPaths().
	SpecPaths []string `json:"spec_paths" yaml:"spec_paths" toml:"spec_paths"`

	// Heartbeat probing. Defaults: 1s interval, 1s timeout, 3 failures.
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	MaxHeartbeatFails int           `json:"max_heartbeat_failures" yaml:"max_heartbeat_failures" toml:"max_heartbeat_failures"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		IP:                "127.0.0.1",
		SignatureScheme:   wire.DefaultScheme,
		StartupTimeout:    60 * time.Second,
		ShutdownGrace:     5 * time.Second,
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  time.Second,
		MaxHeartbeatFails: 3,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.IP != "" && net.ParseIP(c.IP) == nil {
		return fmt.Errorf("ip %q is not an IP address", c.IP)
	}
	if c.SignatureScheme != "" && !wire.IsScheme(c.SignatureScheme) {
		return fmt.Errorf("unknown signature_scheme %q, expected one of: %v", c.SignatureScheme, wire.Schemes())
	}
	if c.StartupTimeout < 0 {
		return fmt.Errorf("startup_timeout must be >= 0")
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("shutdown_grace must be >= 0")
	}
	if c.HeartbeatInterval < 0 || c.HeartbeatTimeout < 0 {
		return fmt.Errorf("heartbeat durations must be >= 0")
	}
	if c.MaxHeartbeatFails < 0 {
		return fmt.Errorf("max_heartbeat_failures must be >= 0")
	}
	return nil
}

// WithDefaults returns a copy of the config with defaults applied for unset fields.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.IP == "" {
		c.IP = defaults.IP
	}
	if c.SignatureScheme == "" {
		c.SignatureScheme = defaults.SignatureScheme
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = defaults.StartupTimeout
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = defaults.ShutdownGrace
	}
	if c.RuntimeDir == "" {
		c.RuntimeDir = RuntimeDir(kernelspec.UserDataDir())
	}
	if len(c.SpecPaths) == 0 {
		c.SpecPaths = kernelspec.DefaultPaths()
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	if c.MaxHeartbeatFails == 0 {
		c.MaxHeartbeatFails = defaults.MaxHeartbeatFails
	}

	return c
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig replaces the manager configuration. Unset fields get defaults.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithIP sets the address kernels bind on.
func WithIP(ip string) Option {
	return func(m *Manager) { m.cfg.IP = ip }
}

// WithSignatureScheme sets the message signing scheme.
func WithSignatureScheme(scheme string) Option {
	return func(m *Manager) { m.cfg.SignatureScheme = scheme }
}

// WithStartupTimeout sets the kernel startup timeout.
func WithStartupTimeout(d time.Duration) Option {
	return func(m *Manager) { m.cfg.StartupTimeout = d }
}

// WithShutdownGrace sets how long a kernel may take to exit on shutdown.
func WithShutdownGrace(d time.Duration) Option {
	return func(m *Manager) { m.cfg.ShutdownGrace = d }
}

// WithRuntimeDir sets the directory for connection files.
func WithRuntimeDir(dir string) Option {
	return func(m *Manager) { m.cfg.RuntimeDir = dir }
}

// WithSpecPaths sets the kernel spec search paths.
func WithSpecPaths(paths ...string) Option {
	return func(m *Manager) { m.cfg.SpecPaths = paths }
}

// WithHeartbeat sets heartbeat probing parameters. Zero values keep the
// defaults.
func WithHeartbeat(interval, timeout time.Duration, maxFailures int) Option {
	return func(m *Manager) {
		m.cfg.HeartbeatInterval = interval
		m.cfg.HeartbeatTimeout = timeout
		m.cfg.MaxHeartbeatFails = maxFailures
	}
}

// WithLauncher sets how kernel processes are started. Default ExecLauncher.
func WithLauncher(l Launcher) Option {
	return func(m *Manager) { m.launcher = l }
}

// WithInputHandler sets the stdin handler given to every new kernel.
func WithInputHandler(h router.InputHandler) Option {
	return func(m *Manager) { m.input = h }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}
