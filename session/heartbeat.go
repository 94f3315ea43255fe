package session

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
)

// Heartbeat probes a kernel's heartbeat socket. Each probe sends a random
// payload on a REQ socket and expects it echoed back within the timeout.
// A probe that times out leaves the REQ socket stuck mid-exchange, so the
// socket is recreated after every failure.
//
// Failures only count once the first probe has succeeded; until then the
// kernel is still starting and the caller bounds the wait with WaitFirst.
type Heartbeat struct {
	endpoint string
	config   heartbeatConfig
	onDead   func(error)

	failures atomic.Int32
	beats    atomic.Uint64

	first     chan struct{}
	firstOnce sync.Once
	deadOnce  sync.Once
	dead      chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewHeartbeat creates a monitor for endpoint. onDead is called at most
// once, from the monitor goroutine, after MaxFailures consecutive failed
// probes. It may be nil.
func NewHeartbeat(endpoint string, onDead func(error), opts ...HeartbeatOption) *Heartbeat {
	cfg := defaultHeartbeatConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Heartbeat{
		endpoint: endpoint,
		config:   cfg,
		onDead:   onDead,
		first:    make(chan struct{}),
		dead:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins probing in a background goroutine. It has no effect after
// the first call.
func (h *Heartbeat) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		h.cancel = cancel
		go h.run(ctx)
	})
}

// Stop ends probing and waits for the monitor goroutine to exit. Stopping
// does not call onDead.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() {
		started := true
		h.startOnce.Do(func() { started = false })
		if !started {
			close(h.done)
			return
		}
		h.cancel()
	})
	<-h.done
}

// WaitFirst blocks until the first probe succeeds. It fails if ctx is done
// or the monitor stops first.
func (h *Heartbeat) WaitFirst(ctx context.Context) error {
	select {
	case <-h.first:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		select {
		case <-h.first:
			return nil
		default:
			return ErrHeartbeatStopped
		}
	}
}

// Dead is closed when the kernel has been declared dead.
func (h *Heartbeat) Dead() <-chan struct{} {
	return h.dead
}

// Failures returns the current number of consecutive failed probes.
func (h *Heartbeat) Failures() int {
	return int(h.failures.Load())
}

// Beats returns the number of successful probes.
func (h *Heartbeat) Beats() uint64 {
	return h.beats.Load()
}

func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.done)

	var sock zmq4.Socket
	defer func() {
		if sock != nil {
			_ = sock.Close()
		}
	}()

	armed := false
	ticker := time.NewTicker(h.config.interval)
	defer ticker.Stop()

	for {
		var err error
		if sock == nil {
			sock, err = h.connect(ctx)
		}
		if err == nil {
			err = h.probe(ctx, sock)
		}
		if ctx.Err() != nil {
			return
		}

		if err == nil {
			h.beats.Add(1)
			h.failures.Store(0)
			armed = true
			h.firstOnce.Do(func() { close(h.first) })
		} else {
			if sock != nil {
				_ = sock.Close()
				sock = nil
			}

			if armed {
				n := int(h.failures.Add(1))
				h.config.logger.Debug("heartbeat probe failed",
					slog.String("endpoint", h.endpoint),
					slog.Int("failures", n),
					slog.Any("error", err))
				if n >= h.config.maxFailures {
					h.markDead(fmt.Errorf("%d consecutive heartbeat failures: %w", n, err))
					return
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// connect creates a REQ socket for the next probe. The dial is attempted
// once so an unreachable kernel fails within the probe interval.
func (h *Heartbeat) connect(ctx context.Context) (zmq4.Socket, error) {
	sock := zmq4.NewReq(ctx, zmq4.WithDialerMaxRetries(0))
	if err := sock.Dial(h.endpoint); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("dial heartbeat: %w", err)
	}
	return sock, nil
}

// probe sends one payload and waits for its echo.
func (h *Heartbeat) probe(ctx context.Context, sock zmq4.Socket) error {
	payload := []byte(uuid.NewString())

	result := make(chan error, 1)
	go func() {
		if err := sock.Send(zmq4.NewMsg(payload)); err != nil {
			result <- fmt.Errorf("send probe: %w", err)
			return
		}
		reply, err := sock.Recv()
		if err != nil {
			result <- fmt.Errorf("receive echo: %w", err)
			return
		}
		if len(reply.Frames) == 0 || !bytes.Equal(reply.Frames[0], payload) {
			result <- ErrHeartbeatMismatch
			return
		}
		result <- nil
	}()

	timer := time.NewTimer(h.config.timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		return err
	case <-timer.C:
		// The caller closes the socket, which unblocks the goroutine
		return ErrHeartbeatTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Heartbeat) markDead(err error) {
	h.deadOnce.Do(func() {
		h.config.logger.Warn("kernel heartbeat lost",
			slog.String("endpoint", h.endpoint),
			slog.Any("error", err))
		close(h.dead)
		if h.onDead != nil {
			h.onDead(err)
		}
	})
}
