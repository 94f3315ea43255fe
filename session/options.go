package session

import (
	"log/slog"
	"time"
)

// Option configures a Session.
type Option func(*config)

// config holds session configuration.
type config struct {
	// Identity shared by the DEALER sockets and stamped on every header
	id       string
	username string

	// Dial retry interval while the kernel is still binding its ports
	dialRetry time.Duration

	logger *slog.Logger
}

// defaultConfig returns the default session configuration.
func defaultConfig() config {
	return config{
		username:  "jute",
		dialRetry: 100 * time.Millisecond,
		logger:    slog.Default(),
	}
}

// WithID sets the session id. If not set, a random uuid is used.
func WithID(id string) Option {
	return func(c *config) { c.id = id }
}

// WithUsername sets the username stamped on outgoing headers.
func WithUsername(name string) Option {
	return func(c *config) { c.username = name }
}

// WithDialRetry sets how long to wait between connection attempts.
func WithDialRetry(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.dialRetry = d
		}
	}
}

// WithLogger sets the logger for dropped messages and reader errors.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// HeartbeatOption configures a Heartbeat.
type HeartbeatOption func(*heartbeatConfig)

// heartbeatConfig holds heartbeat configuration.
type heartbeatConfig struct {
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	logger      *slog.Logger
}

// Heartbeat defaults.
const (
	DefaultHeartbeatInterval = time.Second
	DefaultHeartbeatTimeout  = time.Second
	DefaultMaxFailures       = 3
)

func defaultHeartbeatConfig() heartbeatConfig {
	return heartbeatConfig{
		interval:    DefaultHeartbeatInterval,
		timeout:     DefaultHeartbeatTimeout,
		maxFailures: DefaultMaxFailures,
		logger:      slog.Default(),
	}
}

// WithInterval sets the time between probes.
func WithInterval(d time.Duration) HeartbeatOption {
	return func(c *heartbeatConfig) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithTimeout sets how long a probe waits for its echo.
func WithTimeout(d time.Duration) HeartbeatOption {
	return func(c *heartbeatConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxFailures sets the number of consecutive failed probes after which
// the kernel is declared dead.
func WithMaxFailures(n int) HeartbeatOption {
	return func(c *heartbeatConfig) {
		if n > 0 {
			c.maxFailures = n
		}
	}
}

// WithHeartbeatLogger sets the logger for probe failures.
func WithHeartbeatLogger(logger *slog.Logger) HeartbeatOption {
	return func(c *heartbeatConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}
