package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jlaneve/jute/wire"
)

// Endpoints are the ZeroMQ addresses of a kernel's sockets,
// e.g. "tcp://127.0.0.1:50123".
type Endpoints struct {
	Shell     string
	Control   string
	IOPub     string
	Stdin     string
	Heartbeat string
}

// Handler receives every verified inbound message.
// HandleMessage is called from the socket's reader goroutine; messages
// from one socket arrive in order.
type Handler interface {
	HandleMessage(ch wire.Channel, msg *wire.Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ch wire.Channel, msg *wire.Message)

// HandleMessage calls f(ch, msg).
func (f HandlerFunc) HandleMessage(ch wire.Channel, msg *wire.Message) {
	f(ch, msg)
}

// socket is one ZeroMQ socket with its send lock.
type socket struct {
	channel wire.Channel
	mu      sync.Mutex
	zmq     zmq4.Socket
}

// Session is the message connection to one kernel.
type Session struct {
	config config
	codec  *wire.Codec

	ctx    context.Context
	cancel context.CancelFunc

	sockets map[wire.Channel]*socket
	group   atomic.Pointer[errgroup.Group]

	sent    atomic.Uint64
	started atomic.Bool
	closed  atomic.Bool

	closeOnce sync.Once
}

// readChannels are the sockets that get a reader goroutine.
var readChannels = []wire.Channel{wire.Shell, wire.Control, wire.IOPub, wire.Stdin}

// Connect dials the kernel's shell, control, iopub and stdin sockets. It
// retries until every socket is connected or ctx is done. The returned
// session does not read until Start is called.
func Connect(ctx context.Context, endpoints Endpoints, codec *wire.Codec, opts ...Option) (*Session, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}

	// Socket lifetime is the session's, not the dial context's
	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		config:  cfg,
		codec:   codec,
		ctx:     sessCtx,
		cancel:  cancel,
		sockets: make(map[wire.Channel]*socket, len(readChannels)),
	}

	identity := zmq4.WithID(zmq4.SocketIdentity(cfg.id))
	retry := zmq4.WithDialerRetry(cfg.dialRetry)

	dials := []struct {
		channel  wire.Channel
		endpoint string
		zmq      zmq4.Socket
	}{
		{wire.Shell, endpoints.Shell, zmq4.NewDealer(sessCtx, identity, retry)},
		{wire.Control, endpoints.Control, zmq4.NewDealer(sessCtx, identity, retry)},
		{wire.IOPub, endpoints.IOPub, zmq4.NewSub(sessCtx, retry)},
		{wire.Stdin, endpoints.Stdin, zmq4.NewDealer(sessCtx, identity, retry)},
	}

	for _, d := range dials {
		s.sockets[d.channel] = &socket{channel: d.channel, zmq: d.zmq}
	}

	for _, d := range dials {
		if err := dial(ctx, d.zmq, d.endpoint, cfg.dialRetry); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("connect %s: %w", d.channel, err)
		}
	}

	// Subscribe to every topic
	if err := s.sockets[wire.IOPub].zmq.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("subscribe iopub: %w", err)
	}

	return s, nil
}

// dial connects sock to endpoint, retrying until ctx is done.
func dial(ctx context.Context, sock zmq4.Socket, endpoint string, retry time.Duration) error {
	for {
		err := sock.Dial(endpoint)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("dial %s: %w (last error: %v)", endpoint, ctx.Err(), err)
		case <-time.After(retry):
		}
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.config.id
}

// Codec returns the codec used to sign and verify messages.
func (s *Session) Codec() *wire.Codec {
	return s.codec
}

// Sent returns the number of messages sent.
func (s *Session) Sent() uint64 {
	return s.sent.Load()
}

// Start launches one reader goroutine per socket. Each reader decodes and
// verifies inbound messages and passes them to h. Start only has an
// effect the first time it is called.
func (s *Session) Start(h Handler) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	g := &errgroup.Group{}
	s.group.Store(g)
	for _, ch := range readChannels {
		sock := s.sockets[ch]
		g.Go(func() error {
			return s.read(sock, h)
		})
	}
}

// read forwards messages from one socket until the session closes.
func (s *Session) read(sock *socket, h Handler) error {
	for {
		raw, err := sock.zmq.Recv()
		if err != nil {
			if s.ctx.Err() != nil || s.closed.Load() {
				return nil
			}
			s.config.logger.Warn("socket read failed",
				slog.String("channel", string(sock.channel)),
				slog.Any("error", err))
			return fmt.Errorf("read %s: %w", sock.channel, err)
		}

		msg, err := s.codec.DecodeFrames(raw.Frames)
		if err != nil {
			// Forged, corrupted or truncated. Nothing to correlate it to.
			s.config.logger.Warn("dropping inbound message",
				slog.String("channel", string(sock.channel)),
				slog.Int("frames", len(raw.Frames)),
				slog.Bool("bad_signature", errors.Is(err, wire.ErrSignatureMismatch)),
				slog.Any("error", err))
			continue
		}

		h.HandleMessage(sock.channel, msg)
	}
}

// Send signs msg and writes it to the socket for ch. The header's session
// and username are filled in when empty. Sends on different channels do
// not block each other. When Send returns ctx.Err() the message was not
// sent.
func (s *Session) Send(ctx context.Context, ch wire.Channel, msg *wire.Message) error {
	if s.closed.Load() {
		return ErrClosed
	}
	sock, ok := s.sockets[ch]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	if ch == wire.IOPub {
		return fmt.Errorf("%w: iopub is receive only", ErrUnknownChannel)
	}

	if msg.Header.Session == "" {
		msg.Header.Session = s.config.id
	}
	if msg.Header.Username == "" {
		msg.Header.Username = s.config.username
	}

	frames, err := s.codec.Frames(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type(), err)
	}

	// The write is abandoned only if ctx is done before it starts. Once
	// frames are on the socket, Send waits for the write to finish.
	const (
		pending int32 = iota
		writing
		abandoned
	)
	var state atomic.Int32
	done := make(chan error, 1)
	go func() {
		sock.mu.Lock()
		defer sock.mu.Unlock()
		if !state.CompareAndSwap(pending, writing) {
			return
		}
		done <- sock.zmq.SendMulti(zmq4.NewMsgFrom(frames...))
	}()

	select {
	case <-ctx.Done():
		if state.CompareAndSwap(pending, abandoned) {
			return ctx.Err()
		}
		err = <-done
	case err = <-done:
	}
	if err != nil {
		if s.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("send %s on %s: %w", msg.Type(), ch, err)
	}

	s.sent.Add(1)
	return nil
}

// Close stops the readers and closes every socket. It is safe to call more
// than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()

		for _, ch := range readChannels {
			sock, ok := s.sockets[ch]
			if !ok {
				continue
			}
			// Sockets are already torn down by the cancel; errors here are noise
			if err := sock.zmq.Close(); err != nil {
				s.config.logger.Debug("socket close", slog.String("channel", string(ch)), slog.Any("error", err))
			}
		}

		if g := s.group.Load(); g != nil {
			if err := g.Wait(); err != nil {
				s.config.logger.Debug("session reader exited with error", slog.Any("error", err))
			}
		}
	})
	return nil
}
