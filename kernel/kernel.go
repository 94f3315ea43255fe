package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jlaneve/jute/kernelspec"
	"github.com/jlaneve/jute/router"
	"github.com/jlaneve/jute/session"
	"github.com/jlaneve/jute/wire"
)

// State is a kernel's lifecycle state. It only moves forward:
// Starting, then Alive, then Dead.
type State int32

const (
	StateStarting State = iota
	StateAlive
	StateDead
)

// String returns a human-readable state string.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateAlive:
		return "alive"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// readyAttempt bounds one kernel_info round trip during startup.
const readyAttempt = time.Second

// Kernel is one running kernel and its connection.
type Kernel struct {
	id       string
	spec     *kernelspec.Spec
	conn     ConnectionInfo
	connFile string
	cfg      Config
	logger   *slog.Logger
	started  time.Time

	process   Process
	session   *session.Session
	router    *router.Router
	heartbeat *session.Heartbeat
	info      *wire.KernelInfoReply
	hasInput  atomic.Bool

	state        atomic.Int32
	deadOnce     sync.Once
	dead         chan struct{}
	reason       string
	teardownOnce sync.Once
}

func newKernel(id string, spec *kernelspec.Spec, conn ConnectionInfo, connFile string, cfg Config, logger *slog.Logger) *Kernel {
	return &Kernel{
		id:       id,
		spec:     spec,
		conn:     conn,
		connFile: connFile,
		cfg:      cfg,
		logger:   logger.With(slog.String("kernel", id), slog.String("spec", spec.Name)),
		started:  time.Now(),
		dead:     make(chan struct{}),
	}
}

// ID returns the kernel id.
func (k *Kernel) ID() string {
	return k.id
}

// Spec returns the spec the kernel was started from.
func (k *Kernel) Spec() *kernelspec.Spec {
	return k.spec
}

// Connection returns the kernel's connection info.
func (k *Kernel) Connection() ConnectionInfo {
	return k.conn
}

// ConnectionFile returns the path of the connection file. It is removed
// once the kernel is dead.
func (k *Kernel) ConnectionFile() string {
	return k.connFile
}

// Started returns when the kernel was started.
func (k *Kernel) Started() time.Time {
	return k.started
}

// State returns the lifecycle state.
func (k *Kernel) State() State {
	return State(k.state.Load())
}

// Dead is closed when the kernel becomes Dead.
func (k *Kernel) Dead() <-chan struct{} {
	return k.dead
}

// Reason returns why the kernel died, or "" while it is not dead.
func (k *Kernel) Reason() string {
	select {
	case <-k.dead:
		return k.reason
	default:
		return ""
	}
}

// Pid returns the kernel process id, or 0.
func (k *Kernel) Pid() int {
	if k.process == nil {
		return 0
	}
	return k.process.Pid()
}

// Info returns the kernel_info_reply received during startup.
func (k *Kernel) Info() *wire.KernelInfoReply {
	return k.info
}

// Router returns the request router.
func (k *Kernel) Router() *router.Router {
	return k.router
}

// SetInputHandler sets the handler for input requests. While one is set,
// executions allow stdin by default.
func (k *Kernel) SetInputHandler(h router.InputHandler) {
	k.hasInput.Store(h != nil)
	k.router.SetInputHandler(h)
}

// ExecuteOption adjusts an execute request.
type ExecuteOption func(*wire.ExecuteRequest)

// Silent runs code without broadcasting output or counting the execution.
func Silent() ExecuteOption {
	return func(r *wire.ExecuteRequest) {
		r.Silent = true
		r.StoreHistory = false
	}
}

// WithoutHistory keeps the code out of the kernel's history.
func WithoutHistory() ExecuteOption {
	return func(r *wire.ExecuteRequest) { r.StoreHistory = false }
}

// AllowStdin overrides whether the code may request input.
func AllowStdin(allow bool) ExecuteOption {
	return func(r *wire.ExecuteRequest) { r.AllowStdin = allow }
}

// ContinueOnError keeps queued executions running after this one fails.
func ContinueOnError() ExecuteOption {
	return func(r *wire.ExecuteRequest) { r.StopOnError = false }
}

// Execute submits code and returns the channel its events arrive on.
func (k *Kernel) Execute(ctx context.Context, code string, opts ...ExecuteOption) (*router.Channel, error) {
	req := wire.ExecuteRequest{
		Code:            code,
		StoreHistory:    true,
		UserExpressions: map[string]string{},
		AllowStdin:      k.hasInput.Load(),
		StopOnError:     true,
	}
	for _, opt := range opts {
		opt(&req)
	}

	ch, err := k.router.Issue(ctx, wire.MsgExecuteRequest, req)
	if err != nil {
		return nil, NewError(k.id, "execute", err)
	}
	return ch, nil
}

// KernelInfo asks the kernel to describe itself.
func (k *Kernel) KernelInfo(ctx context.Context) (*wire.KernelInfoReply, error) {
	var info wire.KernelInfoReply
	if err := k.call(ctx, "kernel_info", wire.Shell, wire.MsgKernelInfoRequest, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Complete asks for completions of code at cursorPos.
func (k *Kernel) Complete(ctx context.Context, code string, cursorPos int) (*wire.CompleteReply, error) {
	var reply wire.CompleteReply
	req := wire.CompleteRequest{Code: code, CursorPos: cursorPos}
	if err := k.call(ctx, "complete", wire.Shell, wire.MsgCompleteRequest, req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Inspect asks for documentation of the object at cursorPos.
func (k *Kernel) Inspect(ctx context.Context, code string, cursorPos, detailLevel int) (*wire.InspectReply, error) {
	var reply wire.InspectReply
	req := wire.InspectRequest{Code: code, CursorPos: cursorPos, DetailLevel: detailLevel}
	if err := k.call(ctx, "inspect", wire.Shell, wire.MsgInspectRequest, req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Interrupt stops the running execution. Kernels with interrupt_mode
// "message" get an interrupt_request on control; others get SIGINT, with
// the message as fallback when the process cannot be signalled.
func (k *Kernel) Interrupt(ctx context.Context) error {
	if k.State() == StateDead {
		return NewError(k.id, "interrupt", fmt.Errorf("%w: %s", router.ErrKernelDead, k.Reason()))
	}

	if k.spec.Interrupts() == kernelspec.InterruptSignal && k.process != nil {
		err := k.process.Interrupt()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrInterruptUnsupported) {
			return NewError(k.id, "interrupt", err)
		}
		k.logger.Debug("signal interrupt unavailable, sending message", slog.Any("error", err))
	}

	var reply wire.InterruptReply
	return k.call(ctx, "interrupt", wire.Control, wire.MsgInterruptRequest, nil, &reply)
}

// call sends a request and decodes its reply into v.
func (k *Kernel) call(ctx context.Context, op string, ch wire.Channel, msgType string, content, v any) error {
	reply, err := k.router.Call(ctx, ch, msgType, content)
	if err != nil {
		return NewError(k.id, op, err)
	}
	if err := reply.DecodeContent(v); err != nil {
		return NewError(k.id, op, err)
	}
	return nil
}

// connect dials the kernel and waits until it answers. Every step is
// bounded by ctx.
func (k *Kernel) connect(ctx context.Context, input router.InputHandler) error {
	codec, err := k.conn.Codec()
	if err != nil {
		return err
	}

	sess, err := session.Connect(ctx, k.conn.Endpoints(), codec, session.WithLogger(k.logger))
	if err != nil {
		return err
	}
	k.session = sess
	k.router = router.New(sess, router.WithLogger(k.logger))
	k.SetInputHandler(input)
	sess.Start(k.router)

	k.heartbeat = session.NewHeartbeat(k.conn.Endpoint(wire.Heartbeat),
		func(err error) { k.die("heartbeat lost: " + err.Error()) },
		session.WithInterval(k.cfg.HeartbeatInterval),
		session.WithTimeout(k.cfg.HeartbeatTimeout),
		session.WithMaxFailures(k.cfg.MaxHeartbeatFails),
		session.WithHeartbeatLogger(k.logger),
	)
	k.heartbeat.Start(context.Background())

	if k.process != nil {
		go k.watchProcess()
	}

	if err := k.heartbeat.WaitFirst(ctx); err != nil {
		return fmt.Errorf("wait for heartbeat: %w", err)
	}
	return k.waitReady(ctx)
}

// waitReady repeats kernel_info requests until one completes with both its
// reply and its idle status. Seeing iopub traffic proves the subscription
// is live, so no output of the first real request is lost.
func (k *Kernel) waitReady(ctx context.Context) error {
	for {
		ch, err := k.router.Issue(ctx, wire.MsgKernelInfoRequest, nil)
		if err != nil {
			return err
		}

		attempt, cancel := context.WithTimeout(ctx, readyAttempt)
		reply, err := ch.Wait(attempt)
		cancel()
		if err == nil && reply != nil {
			var info wire.KernelInfoReply
			if err := reply.DecodeContent(&info); err != nil {
				return err
			}
			k.info = &info
			return nil
		}
		ch.Cancel()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-k.dead:
			return errors.New(k.Reason())
		default:
		}
	}
}

func (k *Kernel) watchProcess() {
	select {
	case <-k.process.Done():
		reason := "kernel process exited"
		if err := k.process.ExitErr(); err != nil {
			reason += ": " + err.Error()
		}
		k.die(reason)
	case <-k.dead:
	}
}

// die marks the kernel Dead and releases its resources. It may run on the
// heartbeat goroutine, so the teardown happens elsewhere.
func (k *Kernel) die(reason string) {
	if k.markDead(reason) {
		go k.teardown()
	}
}

// markDead moves to Dead and disconnects every pending request. It reports
// whether this call did it.
func (k *Kernel) markDead(reason string) bool {
	first := false
	k.deadOnce.Do(func() {
		first = true
		k.reason = reason
		k.state.Store(int32(StateDead))
		if k.router != nil {
			k.router.Disconnect(reason)
		}
		close(k.dead)
		k.logger.Info("kernel dead", slog.String("reason", reason))
	})
	return first
}

// teardown stops the heartbeat, closes the session, kills the process if
// it is still running and removes the connection file.
func (k *Kernel) teardown() {
	k.teardownOnce.Do(func() {
		if k.heartbeat != nil {
			k.heartbeat.Stop()
		}
		if k.session != nil {
			_ = k.session.Close()
		}
		if k.process != nil {
			select {
			case <-k.process.Done():
			default:
				if err := k.process.Kill(); err != nil {
					k.logger.Warn("kill kernel", slog.Any("error", err))
				}
			}
		}
		if err := os.Remove(k.connFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			k.logger.Warn("remove connection file",
				slog.String("path", k.connFile),
				slog.Any("error", err))
		}
	})
}

// shutdown asks the kernel to exit and waits up to the grace period before
// killing it. The kernel is Dead afterwards whatever happens.
func (k *Kernel) shutdown(ctx context.Context) {
	if k.State() != StateDead {
		graceCtx, cancel := context.WithTimeout(ctx, k.cfg.ShutdownGrace)
		defer cancel()

		_, err := k.router.Call(graceCtx, wire.Control, wire.MsgShutdownRequest, wire.ShutdownRequest{})
		if err != nil {
			k.logger.Debug("shutdown request unanswered", slog.Any("error", err))
		}
		k.markDead("kernel shut down")

		if k.process != nil {
			select {
			case <-k.process.Done():
			case <-graceCtx.Done():
				k.logger.Warn("kernel did not exit, killing",
					slog.Any("error", NewError(k.id, "shutdown", ErrShutdownTimeout)),
					slog.Duration("grace", k.cfg.ShutdownGrace))
				if err := k.process.Kill(); err != nil {
					k.logger.Warn("kill kernel", slog.Any("error", err))
				}
			}
		}
	}
	k.teardown()
}
