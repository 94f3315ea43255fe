// Package router correlates kernel messages with the requests that caused
// them.
//
// Every request sent through Issue gets a Channel. Inbound messages whose
// parent header names a pending request are translated into events on its
// Channel; everything else is dropped. A request completes when both its
// shell reply and the kernel's idle status for it have arrived, in either
// order.
//
//	r := router.New(sess)
//	sess.Start(r)
//
//	ch, err := r.Issue(ctx, wire.MsgExecuteRequest, wire.ExecuteRequest{Code: "2+2"})
//	if err != nil {
//	    return err
//	}
//	for ev := range ch.C() {
//	    ...
//	}
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jlaneve/jute/wire"
)

// Sender writes a message to a kernel channel.
type Sender interface {
	Send(ctx context.Context, ch wire.Channel, msg *wire.Message) error
}

// InputHandler answers a kernel's request for input, e.g. Python's input().
// ctx is cancelled when the kernel disconnects.
type InputHandler func(ctx context.Context, req wire.InputRequest) (string, error)

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger for dropped and unanswered messages.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithInputHandler sets the handler for stdin input requests.
func WithInputHandler(h InputHandler) Option {
	return func(r *Router) { r.SetInputHandler(h) }
}

// Router tracks pending requests for one kernel. It implements
// session.Handler.
type Router struct {
	sender Sender
	logger *slog.Logger
	input  atomic.Pointer[InputHandler]

	pending  sync.Map // msg_id -> *Channel
	calls    sync.Map // msg_id -> chan *wire.Message
	displays sync.Map // display_id -> struct{}

	ctx            context.Context
	cancel         context.CancelFunc
	dead           atomic.Bool
	disconnectOnce sync.Once
	reason         string
}

// New creates a router that sends through sender.
func New(sender Sender, opts ...Option) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		sender: sender,
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetInputHandler replaces the stdin input handler. nil removes it.
func (r *Router) SetInputHandler(h InputHandler) {
	if h == nil {
		r.input.Store(nil)
		return
	}
	r.input.Store(&h)
}

// Issue sends a request on shell and returns its Channel without waiting
// for any reply. The request is pending before it is sent, so no reply
// can arrive unclaimed.
func (r *Router) Issue(ctx context.Context, msgType string, content any) (*Channel, error) {
	if r.dead.Load() {
		return nil, r.deadErr()
	}

	msg, err := wire.New(msgType, content)
	if err != nil {
		return nil, err
	}

	c := newChannel(r, msg)
	r.pending.Store(c.id, c)

	// Disconnect may have swept the map before the store
	if r.dead.Load() {
		if _, ok := r.pending.LoadAndDelete(c.id); ok {
			return nil, r.deadErr()
		}
	}

	if err := r.sender.Send(ctx, wire.Shell, msg); err != nil {
		r.pending.Delete(c.id)
		return nil, fmt.Errorf("send %s: %w", msgType, err)
	}
	return c, nil
}

// Call sends a request on ch and waits for its reply only. It suits
// requests whose side effects are of no interest, like kernel_info or
// shutdown on control.
func (r *Router) Call(ctx context.Context, ch wire.Channel, msgType string, content any) (*wire.Message, error) {
	if r.dead.Load() {
		return nil, r.deadErr()
	}

	msg, err := wire.New(msgType, content)
	if err != nil {
		return nil, err
	}

	replies := make(chan *wire.Message, 1)
	r.calls.Store(msg.ID(), replies)
	defer r.calls.Delete(msg.ID())

	if err := r.sender.Send(ctx, ch, msg); err != nil {
		return nil, fmt.Errorf("send %s: %w", msgType, err)
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-r.ctx.Done():
		return nil, r.deadErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops delivery for the request id. It reports whether the request
// was pending.
func (r *Router) Cancel(id string) bool {
	v, ok := r.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	v.(*Channel).cancel()
	return true
}

// Pending returns the number of requests awaiting completion.
func (r *Router) Pending() int {
	n := 0
	r.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Disconnected reports whether Disconnect has been called.
func (r *Router) Disconnected() bool {
	return r.dead.Load()
}

// Disconnect marks the kernel dead. Every pending request receives one
// Disconnect event and finishes; later requests fail with ErrKernelDead.
// Only the first call has an effect.
func (r *Router) Disconnect(reason string) {
	r.disconnectOnce.Do(func() {
		r.reason = reason
		r.dead.Store(true)
		r.cancel()

		err := r.deadErr()
		r.pending.Range(func(key, v any) bool {
			if _, ok := r.pending.LoadAndDelete(key); ok {
				v.(*Channel).disconnect(reason, err)
			}
			return true
		})
		r.logger.Debug("router disconnected", slog.String("reason", reason))
	})
}

func (r *Router) deadErr() error {
	select {
	case <-r.ctx.Done():
		if r.reason != "" {
			return fmt.Errorf("%w: %s", ErrKernelDead, r.reason)
		}
	default:
	}
	return ErrKernelDead
}

// HandleMessage routes one inbound message. It is called from the session
// readers.
func (r *Router) HandleMessage(ch wire.Channel, msg *wire.Message) {
	if ch == wire.Stdin {
		r.handleStdin(msg)
		return
	}

	parent := msg.ParentID()
	if ch == wire.Shell || ch == wire.Control {
		if v, ok := r.calls.LoadAndDelete(parent); ok {
			v.(chan *wire.Message) <- msg
			return
		}
	}

	v, ok := r.pending.Load(parent)
	if !ok {
		r.logger.Debug("dropping unsolicited message",
			slog.String("channel", string(ch)),
			slog.String("msg_type", msg.Type()),
			slog.String("parent", parent))
		return
	}
	c := v.(*Channel)

	switch ch {
	case wire.Shell, wire.Control:
		if c.setReply(msg) {
			r.pending.CompareAndDelete(parent, c)
		}
	case wire.IOPub:
		r.handleIOPub(c, msg)
	}
}

func (r *Router) handleIOPub(c *Channel, msg *wire.Message) {
	switch msg.Type() {
	case wire.MsgStream:
		var s wire.Stream
		if r.decode(msg, &s) {
			c.push(TextOutput{Stream: s.Name, Text: s.Text})
		}

	case wire.MsgExecuteResult:
		var res wire.ExecuteResult
		if r.decode(msg, &res) {
			c.push(Result{ExecutionCount: res.ExecutionCount, Data: res.Data, Metadata: res.Metadata})
		}

	case wire.MsgDisplayData:
		var d wire.DisplayData
		if !r.decode(msg, &d) {
			return
		}
		id := d.Transient.DisplayID
		if id == "" {
			id = uuid.NewString()
		}
		r.displays.Store(id, struct{}{})
		c.push(Display{DisplayID: id, Data: d.Data, Metadata: d.Metadata})

	case wire.MsgUpdateDisplayData:
		var d wire.DisplayData
		if !r.decode(msg, &d) {
			return
		}
		id := d.Transient.DisplayID
		if _, known := r.displays.Load(id); !known || id == "" {
			r.logger.Warn("dropping update for unknown display",
				slog.String("display_id", id),
				slog.String("parent", c.id))
			return
		}
		c.push(DisplayUpdate{DisplayID: id, Data: d.Data, Metadata: d.Metadata})

	case wire.MsgError:
		var e wire.ErrorContent
		if r.decode(msg, &e) {
			c.push(Error{EName: e.EName, EValue: e.EValue, Traceback: e.Traceback})
		}

	case wire.MsgStatus:
		var s wire.Status
		if r.decode(msg, &s) && s.ExecutionState == wire.StateIdle {
			if c.setIdle() {
				r.pending.CompareAndDelete(c.id, c)
			}
		}
	}
}

func (r *Router) decode(msg *wire.Message, v any) bool {
	if err := msg.DecodeContent(v); err != nil {
		r.logger.Warn("dropping undecodable content",
			slog.String("msg_type", msg.Type()),
			slog.Any("error", err))
		return false
	}
	return true
}

// handleStdin answers input requests off the reader goroutine, since the
// handler may wait on a user.
func (r *Router) handleStdin(msg *wire.Message) {
	if msg.Type() != wire.MsgInputRequest {
		r.logger.Debug("ignoring stdin message", slog.String("msg_type", msg.Type()))
		return
	}
	var req wire.InputRequest
	if !r.decode(msg, &req) {
		return
	}
	go r.answerInput(msg, req)
}

func (r *Router) answerInput(msg *wire.Message, req wire.InputRequest) {
	var value string
	if h := r.input.Load(); h != nil {
		v, err := (*h)(r.ctx, req)
		if err != nil {
			r.logger.Warn("input handler failed", slog.Any("error", err))
		}
		value = v
	} else {
		r.logger.Warn("input requested but no input handler is set",
			slog.String("prompt", strings.TrimSpace(req.Prompt)))
	}

	reply, err := msg.Reply(wire.MsgInputReply, wire.InputReply{Value: value})
	if err != nil {
		r.logger.Warn("build input_reply", slog.Any("error", err))
		return
	}
	// The session stamps its own identity and id
	reply.Identities = nil
	reply.Header.Session = ""
	reply.Header.Username = ""

	if err := r.sender.Send(r.ctx, wire.Stdin, reply); err != nil {
		r.logger.Warn("send input_reply", slog.Any("error", err))
	}
}
