package router

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jlaneve/jute/wire"
)

// Channel delivers the events of one request in arrival order. Events are
// queued without bound, so the socket readers never wait on a slow
// consumer.
//
// Read with either C or Next, not both.
type Channel struct {
	id      string
	msgType string
	created time.Time
	router  *Router

	mu       sync.Mutex
	queue    []Event
	notify   chan struct{} // closed and replaced on every change
	finished bool
	err      error
	reply    *wire.Message
	replied  bool
	idle     bool
	outputs  map[string]*strings.Builder

	done      chan struct{}
	abandoned chan struct{} // closed on cancel; stops the C pump

	pumpOnce sync.Once
	out      chan Event
}

func newChannel(r *Router, msg *wire.Message) *Channel {
	return &Channel{
		id:        msg.ID(),
		msgType:   msg.Type(),
		created:   time.Now(),
		router:    r,
		notify:    make(chan struct{}),
		outputs:   map[string]*strings.Builder{},
		done:      make(chan struct{}),
		abandoned: make(chan struct{}),
	}
}

// ID returns the request id, the msg_id of the request message.
func (c *Channel) ID() string {
	return c.id
}

// Type returns the request's message type.
func (c *Channel) Type() string {
	return c.msgType
}

// Created returns when the request was issued.
func (c *Channel) Created() time.Time {
	return c.created
}

// C returns a channel of events, closed once the request finishes and
// every queued event has been received. After Cancel it closes without
// draining.
func (c *Channel) C() <-chan Event {
	c.pumpOnce.Do(func() {
		c.out = make(chan Event)
		go c.pump()
	})
	return c.out
}

func (c *Channel) pump() {
	defer close(c.out)
	for {
		ev, err := c.Next(context.Background())
		if err != nil {
			return
		}
		select {
		case c.out <- ev:
		case <-c.abandoned:
			return
		}
	}
}

// Next returns the next event. Once the request has finished and the queue
// is empty it returns io.EOF on completion, ErrRequestCancelled after a
// cancel, or an error wrapping ErrKernelDead after a disconnect.
func (c *Channel) Next(ctx context.Context) (Event, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			ev := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return ev, nil
		}
		if c.finished {
			err := c.err
			c.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return nil, err
		}
		notify := c.notify
		c.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Done is closed when the request finishes: reply and idle both seen,
// cancelled, or disconnected. Queued events may still be unread.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the request finishes and returns its reply.
func (c *Channel) Wait(ctx context.Context) (*wire.Message, error) {
	select {
	case <-c.done:
		return c.Reply(), c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply returns the shell reply, or nil if none has arrived.
func (c *Channel) Reply() *wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reply
}

// Err returns why the request finished: nil on completion,
// ErrRequestCancelled, or an error wrapping ErrKernelDead.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Output returns the text written so far to the named stream.
func (c *Channel) Output(stream string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.outputs[stream]; ok {
		return b.String()
	}
	return ""
}

// Cancel stops delivery. Later messages for the request are dropped and
// unread events are discarded. Other requests are unaffected.
func (c *Channel) Cancel() {
	c.router.Cancel(c.id)
}

// push queues ev. Returns false if the request already finished.
func (c *Channel) push(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	if out, ok := ev.(TextOutput); ok {
		b, ok := c.outputs[out.Stream]
		if !ok {
			b = &strings.Builder{}
			c.outputs[out.Stream] = b
		}
		b.WriteString(out.Text)
	}
	c.queue = append(c.queue, ev)
	c.signal()
	return true
}

// setReply records the shell reply. Returns true if this completed the
// request.
func (c *Channel) setReply(msg *wire.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished || c.replied {
		return false
	}
	c.reply = msg
	c.replied = true
	return c.completeLocked()
}

// setIdle records the idle status. Returns true if this completed the
// request.
func (c *Channel) setIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished || c.idle {
		return false
	}
	c.idle = true
	return c.completeLocked()
}

func (c *Channel) completeLocked() bool {
	if !c.replied || !c.idle {
		return false
	}
	c.finishLocked(nil)
	return true
}

// cancel finishes the request and discards unread events.
func (c *Channel) cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.queue = nil
	close(c.abandoned)
	c.finishLocked(ErrRequestCancelled)
}

// disconnect queues a Disconnect event and finishes with err.
func (c *Channel) disconnect(reason string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.queue = append(c.queue, Disconnect{Reason: reason})
	c.finishLocked(err)
}

func (c *Channel) finishLocked(err error) {
	c.finished = true
	c.err = err
	close(c.done)
	c.signal()
}

func (c *Channel) signal() {
	close(c.notify)
	c.notify = make(chan struct{})
}
