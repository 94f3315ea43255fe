package session

import "errors"

var (
	// ErrClosed is returned when sending on a closed session.
	ErrClosed = errors.New("session closed")

	// ErrUnknownChannel is returned when sending on a channel the session
	// has no socket for.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrHeartbeatTimeout is a probe that got no echo in time.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")

	// ErrHeartbeatMismatch is a probe whose echo differs from the payload.
	ErrHeartbeatMismatch = errors.New("heartbeat echo mismatch")

	// ErrHeartbeatStopped is returned by WaitFirst when the monitor stops
	// before the first successful probe.
	ErrHeartbeatStopped = errors.New("heartbeat stopped")
)
