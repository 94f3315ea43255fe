// Package kerneltest provides an in-process kernel that speaks the wire
// protocol over real ZeroMQ sockets, for tests.
//
//	k, err := kerneltest.Start(kerneltest.Config{Key: key})
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer k.Close()
//
//	shell := k.Endpoint(wire.Shell) // "tcp://127.0.0.1:41234"
//
// Execute requests are served by Config.Execute; the default is Script,
// which understands a tiny line-oriented language (see Script).
package kerneltest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/jlaneve/jute/wire"
)

// Ports are the TCP ports the kernel listens on. Zero picks a free port.
type Ports struct {
	Shell   int
	IOPub   int
	Stdin   int
	Control int
	HB      int
}

// Config configures a fake kernel.
type Config struct {
	// IP to bind. Default 127.0.0.1.
	IP string

	Ports  Ports
	Key    []byte
	Scheme string

	// Execute serves execute_request. Default Script.
	Execute ExecuteFunc

	// IdleBeforeReply publishes the idle status before the shell reply.
	IdleBeforeReply bool

	Logger *slog.Logger
}

// Kernel is a running fake kernel.
type Kernel struct {
	config Config
	codec  *wire.Codec
	ports  Ports

	shell   zmq4.Socket
	control zmq4.Socket
	stdin   zmq4.Socket
	iopub   zmq4.Socket
	hb      zmq4.Socket

	iopubMu sync.Mutex
	stdinMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	received  []*wire.Message
	running   context.CancelFunc
	execCount int

	inputs   chan wire.InputReply
	hbPaused atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

// Start binds the kernel's sockets and begins serving.
func Start(cfg Config) (*Kernel, error) {
	if cfg.IP == "" {
		cfg.IP = "127.0.0.1"
	}
	if cfg.Scheme == "" {
		cfg.Scheme = wire.DefaultScheme
	}
	if cfg.Execute == nil {
		cfg.Execute = Script
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	codec, err := wire.NewCodec(cfg.Scheme, cfg.Key)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	k := &Kernel{
		config:  cfg,
		codec:   codec,
		ctx:     ctx,
		cancel:  cancel,
		shell:   zmq4.NewRouter(ctx),
		control: zmq4.NewRouter(ctx),
		stdin:   zmq4.NewRouter(ctx),
		iopub:   zmq4.NewPub(ctx),
		hb:      zmq4.NewRep(ctx),
		inputs:  make(chan wire.InputReply, 1),
		done:    make(chan struct{}),
	}

	binds := []struct {
		sock zmq4.Socket
		port *int
		want int
	}{
		{k.shell, &k.ports.Shell, cfg.Ports.Shell},
		{k.iopub, &k.ports.IOPub, cfg.Ports.IOPub},
		{k.stdin, &k.ports.Stdin, cfg.Ports.Stdin},
		{k.control, &k.ports.Control, cfg.Ports.Control},
		{k.hb, &k.ports.HB, cfg.Ports.HB},
	}
	for _, b := range binds {
		port, err := listen(b.sock, cfg.IP, b.want)
		if err != nil {
			k.closeSockets()
			cancel()
			return nil, err
		}
		*b.port = port
	}

	k.wg.Add(4)
	go k.serveShell()
	go k.serveControl()
	go k.serveStdin()
	go k.serveHeartbeat()

	return k, nil
}

func listen(sock zmq4.Socket, ip string, port int) (int, error) {
	endpoint := fmt.Sprintf("tcp://%s:%d", ip, port)
	if err := sock.Listen(endpoint); err != nil {
		return 0, fmt.Errorf("listen %s: %w", endpoint, err)
	}
	addr, ok := sock.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("listen %s: unexpected address %v", endpoint, sock.Addr())
	}
	return addr.Port, nil
}

// Ports returns the bound ports.
func (k *Kernel) Ports() Ports {
	return k.ports
}

// Key returns the signing key.
func (k *Kernel) Key() []byte {
	return k.config.Key
}

// Codec returns the kernel's codec.
func (k *Kernel) Codec() *wire.Codec {
	return k.codec
}

// Endpoint returns the address of the socket for ch.
func (k *Kernel) Endpoint(ch wire.Channel) string {
	var port int
	switch ch {
	case wire.Shell:
		port = k.ports.Shell
	case wire.IOPub:
		port = k.ports.IOPub
	case wire.Stdin:
		port = k.ports.Stdin
	case wire.Control:
		port = k.ports.Control
	case wire.Heartbeat:
		port = k.ports.HB
	}
	return fmt.Sprintf("tcp://%s:%d", k.config.IP, port)
}

// Received returns every request the kernel has received, in arrival order.
func (k *Kernel) Received() []*wire.Message {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]*wire.Message(nil), k.received...)
}

// ReceivedTypes returns the message types of Received.
func (k *Kernel) ReceivedTypes() []string {
	var types []string
	for _, m := range k.Received() {
		types = append(types, m.Type())
	}
	return types
}

// PauseHeartbeat makes the heartbeat socket swallow probes instead of
// echoing them.
func (k *Kernel) PauseHeartbeat(paused bool) {
	k.hbPaused.Store(paused)
}

// PublishRaw sends frames on iopub as is.
func (k *Kernel) PublishRaw(frames [][]byte) error {
	k.iopubMu.Lock()
	defer k.iopubMu.Unlock()
	return k.iopub.SendMulti(zmq4.NewMsgFrom(frames...))
}

// Publish signs and sends msg on iopub.
func (k *Kernel) Publish(msg *wire.Message) error {
	frames, err := k.codec.Frames(msg)
	if err != nil {
		return err
	}
	return k.PublishRaw(frames)
}

// Done is closed once the kernel stops, after a shutdown request or Close.
func (k *Kernel) Done() <-chan struct{} {
	return k.done
}

// Close stops the kernel without any goodbye, like a crash.
func (k *Kernel) Close() error {
	k.closeOnce.Do(func() {
		k.cancel()
		k.closeSockets()
		k.wg.Wait()
		close(k.done)
	})
	return nil
}

// stop is Close from inside a serving goroutine.
func (k *Kernel) stop() {
	go func() { _ = k.Close() }()
}

func (k *Kernel) closeSockets() {
	for _, s := range []zmq4.Socket{k.shell, k.control, k.stdin, k.iopub, k.hb} {
		_ = s.Close()
	}
}

func (k *Kernel) record(msg *wire.Message) {
	k.mu.Lock()
	k.received = append(k.received, msg)
	k.mu.Unlock()
}

// recv reads and verifies the next message from a ROUTER socket.
func (k *Kernel) recv(sock zmq4.Socket, name string) (*wire.Message, bool) {
	for {
		raw, err := sock.Recv()
		if err != nil {
			return nil, false
		}
		msg, err := k.codec.DecodeFrames(raw.Frames)
		if err != nil {
			k.config.Logger.Warn("fake kernel dropping message",
				slog.String("channel", name),
				slog.Any("error", err))
			continue
		}
		k.record(msg)
		return msg, true
	}
}

func (k *Kernel) reply(sock zmq4.Socket, req *wire.Message, msgType string, content any) {
	msg, err := req.Reply(msgType, content)
	if err != nil {
		k.config.Logger.Error("fake kernel reply", slog.Any("error", err))
		return
	}
	frames, err := k.codec.Frames(msg)
	if err != nil {
		k.config.Logger.Error("fake kernel reply", slog.Any("error", err))
		return
	}
	_ = sock.SendMulti(zmq4.NewMsgFrom(frames...))
}

// publish sends an iopub message caused by parent.
func (k *Kernel) publish(parent *wire.Message, msgType string, content any) {
	msg, err := parent.Reply(msgType, content)
	if err != nil {
		k.config.Logger.Error("fake kernel publish", slog.Any("error", err))
		return
	}
	msg.Identities = nil
	_ = k.Publish(msg)
}

func (k *Kernel) status(parent *wire.Message, state string) {
	k.publish(parent, wire.MsgStatus, wire.Status{ExecutionState: state})
}

func (k *Kernel) serveShell() {
	defer k.wg.Done()
	for {
		req, ok := k.recv(k.shell, "shell")
		if !ok {
			return
		}
		k.handleShell(req)
	}
}

func (k *Kernel) handleShell(req *wire.Message) {
	k.status(req, wire.StateBusy)

	var (
		replyType string
		content   any
	)
	switch req.Type() {
	case wire.MsgKernelInfoRequest:
		replyType, content = wire.MsgKernelInfoReply, kernelInfo()
	case wire.MsgExecuteRequest:
		replyType, content = wire.MsgExecuteReply, k.execute(req)
	case wire.MsgCompleteRequest:
		replyType, content = wire.MsgCompleteReply, complete(req)
	case wire.MsgInspectRequest:
		replyType, content = wire.MsgInspectReply, inspect(req)
	case wire.MsgIsCompleteRequest:
		replyType, content = wire.MsgIsCompleteReply, map[string]string{"status": "complete"}
	default:
		k.status(req, wire.StateIdle)
		return
	}

	if k.config.IdleBeforeReply {
		k.status(req, wire.StateIdle)
		k.reply(k.shell, req, replyType, content)
		return
	}
	k.reply(k.shell, req, replyType, content)
	k.status(req, wire.StateIdle)
}

func (k *Kernel) serveControl() {
	defer k.wg.Done()
	for {
		req, ok := k.recv(k.control, "control")
		if !ok {
			return
		}
		switch req.Type() {
		case wire.MsgShutdownRequest:
			var body wire.ShutdownRequest
			_ = req.DecodeContent(&body)
			k.reply(k.control, req, wire.MsgShutdownReply, wire.ShutdownReply{Status: wire.StatusOK, Restart: body.Restart})
			// Let the reply flush before the sockets go away
			time.Sleep(20 * time.Millisecond)
			k.stop()
			return
		case wire.MsgInterruptRequest:
			k.Interrupt()
			k.reply(k.control, req, wire.MsgInterruptReply, wire.InterruptReply{Status: wire.StatusOK})
		case wire.MsgKernelInfoRequest:
			k.reply(k.control, req, wire.MsgKernelInfoReply, kernelInfo())
		}
	}
}

func (k *Kernel) serveStdin() {
	defer k.wg.Done()
	for {
		req, ok := k.recv(k.stdin, "stdin")
		if !ok {
			return
		}
		if req.Type() != wire.MsgInputReply {
			continue
		}
		var reply wire.InputReply
		_ = req.DecodeContent(&reply)
		select {
		case k.inputs <- reply:
		default:
			k.config.Logger.Warn("fake kernel got unexpected input_reply")
		}
	}
}

func (k *Kernel) serveHeartbeat() {
	defer k.wg.Done()
	for {
		msg, err := k.hb.Recv()
		if err != nil {
			return
		}
		if k.hbPaused.Load() {
			continue
		}
		_ = k.hb.Send(msg)
	}
}

// Interrupt cancels the running execution, if any.
func (k *Kernel) Interrupt() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running != nil {
		k.running()
	}
}

func (k *Kernel) execute(req *wire.Message) wire.ExecuteReply {
	var body wire.ExecuteRequest
	if err := req.DecodeContent(&body); err != nil {
		return wire.ExecuteReply{Status: wire.StatusError, EName: "ValueError", EValue: err.Error()}
	}

	ctx, cancel := context.WithCancel(k.ctx)
	defer cancel()

	k.mu.Lock()
	if !body.Silent {
		k.execCount++
	}
	count := k.execCount
	k.running = cancel
	k.mu.Unlock()

	defer func() {
		k.mu.Lock()
		k.running = nil
		k.mu.Unlock()
	}()

	k.publish(req, wire.MsgExecuteInput, wire.ExecuteInput{Code: body.Code, ExecutionCount: count})

	x := &Exec{
		ctx:        ctx,
		kernel:     k,
		req:        req,
		count:      count,
		allowStdin: body.AllowStdin,
	}
	err := k.config.Execute(x, body.Code)
	if err == nil {
		return wire.ExecuteReply{Status: wire.StatusOK, ExecutionCount: count}
	}

	var execErr *ExecError
	if !errors.As(err, &execErr) {
		if errors.Is(err, context.Canceled) {
			execErr = &ExecError{EName: "KeyboardInterrupt"}
		} else {
			execErr = &ExecError{EName: "Exception", EValue: err.Error()}
		}
	}
	content := wire.ErrorContent{
		EName:     execErr.EName,
		EValue:    execErr.EValue,
		Traceback: execErr.traceback(),
	}
	k.publish(req, wire.MsgError, content)
	return wire.ExecuteReply{
		Status:         wire.StatusError,
		ExecutionCount: count,
		EName:          content.EName,
		EValue:         content.EValue,
		Traceback:      content.Traceback,
	}
}

func kernelInfo() wire.KernelInfoReply {
	return wire.KernelInfoReply{
		Status:                wire.StatusOK,
		ProtocolVersion:       wire.ProtocolVersion,
		Implementation:        "kerneltest",
		ImplementationVersion: "1.0",
		LanguageInfo: wire.LanguageInfo{
			Name:          "script",
			MIMEType:      "text/plain",
			FileExtension: ".txt",
		},
		Banner: "fake kernel",
	}
}
