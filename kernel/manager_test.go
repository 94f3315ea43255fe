package kernel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jlaneve/jute/kernelspec"
	"github.com/jlaneve/jute/kerneltest"
	"github.com/jlaneve/jute/router"
	"github.com/jlaneve/jute/wire"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeLauncher starts an in-process kernel on the allocated ports instead
// of spawning a process.
type fakeLauncher struct {
	execute kerneltest.ExecuteFunc

	// silent launches a process that never opens its sockets.
	silent bool
	// exitEarly launches a process that exits at once.
	exitEarly bool
	// lingers makes the process outlive its kernel until killed.
	lingers bool
	err     error

	mu       sync.Mutex
	requests []LaunchRequest
	procs    []*fakeProcess
}

func (l *fakeLauncher) Launch(_ context.Context, req LaunchRequest) (Process, error) {
	l.mu.Lock()
	l.requests = append(l.requests, req)
	l.mu.Unlock()

	if l.err != nil {
		return nil, l.err
	}

	p := &fakeProcess{done: make(chan struct{})}
	switch {
	case l.exitEarly:
		p.exit(errors.New("exit status 1"))
	case l.silent:
	default:
		conn := req.Connection
		k, err := kerneltest.Start(kerneltest.Config{
			IP: conn.IP,
			Ports: kerneltest.Ports{
				Shell:   conn.ShellPort,
				IOPub:   conn.IOPubPort,
				Stdin:   conn.StdinPort,
				Control: conn.ControlPort,
				HB:      conn.HBPort,
			},
			Key:     []byte(conn.Key),
			Scheme:  conn.SignatureScheme,
			Execute: l.execute,
			Logger:  discard,
		})
		if err != nil {
			return nil, err
		}
		p.kernel = k
		if !l.lingers {
			go func() {
				<-k.Done()
				p.exit(nil)
			}()
		}
	}

	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()
	return p, nil
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

func (l *fakeLauncher) lastRequest() LaunchRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests[len(l.requests)-1]
}

type fakeProcess struct {
	kernel *kerneltest.Kernel

	once    sync.Once
	done    chan struct{}
	exitErr error

	interrupts atomic.Int32
	killed     atomic.Bool
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		close(p.done)
	})
}

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitErr() error { return p.exitErr }

func (p *fakeProcess) Interrupt() error {
	p.interrupts.Add(1)
	if p.kernel != nil {
		p.kernel.Interrupt()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	if p.kernel != nil {
		_ = p.kernel.Close()
	}
	p.exit(errors.New("signal: killed"))
	return nil
}

func newTestManager(t *testing.T, l *fakeLauncher, opts ...Option) *Manager {
	t.Helper()

	specDir := t.TempDir()
	require.NoError(t, kernelspec.Write(specDir, &kernelspec.Spec{
		Name:        "fake",
		DisplayName: "Fake",
		Argv:        []string{"fake-kernel", "-f", "{connection_file}", "--resources", "{resource_dir}"},
		Language:    "script",
		Env:         map[string]string{"FAKE_KERNEL": "1"},
	}))
	require.NoError(t, kernelspec.Write(specDir, &kernelspec.Spec{
		Name:          "fake-message",
		DisplayName:   "Fake (message interrupts)",
		Argv:          []string{"fake-kernel", "-f", "{connection_file}"},
		Language:      "script",
		InterruptMode: kernelspec.InterruptMessage,
	}))

	base := []Option{
		WithSpecPaths(specDir),
		WithRuntimeDir(t.TempDir()),
		WithLauncher(l),
		WithStartupTimeout(10 * time.Second),
		WithShutdownGrace(2 * time.Second),
		WithLogger(discard),
	}
	m, err := NewManager(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func startKernel(t *testing.T, m *Manager, spec string) *Kernel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	k, err := m.Start(ctx, spec)
	require.NoError(t, err)
	return k
}

// collect reads every event of ch until it finishes.
func collect(t *testing.T, ch *router.Channel) ([]router.Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var events []router.Event
	for {
		ev, err := ch.Next(ctx)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

// waitRunning waits until the fake kernel has picked up an execution.
func waitRunning(t *testing.T, k *kerneltest.Kernel) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, typ := range k.ReceivedTypes() {
			if typ == wire.MsgExecuteRequest {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
}

func TestManager_Start(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestManager(t, l)

	k := startKernel(t, m, "fake")

	assert.Equal(t, StateAlive, k.State())
	assert.Equal(t, "fake", k.Spec().Name)
	assert.Equal(t, 4242, k.Pid())
	require.NotNil(t, k.Info())
	assert.Equal(t, "kerneltest", k.Info().Implementation)
	assert.FileExists(t, k.ConnectionFile())

	req := l.lastRequest()
	assert.Equal(t, k.ID(), req.KernelID)
	assert.Equal(t, []string{
		"fake-kernel", "-f", k.ConnectionFile(), "--resources", k.Spec().ResourceDir,
	}, req.Argv)
	assert.Contains(t, req.Env, "FAKE_KERNEL=1")

	conn, err := ReadConnectionFile(k.ConnectionFile())
	require.NoError(t, err)
	assert.Equal(t, k.Connection(), conn)
	assert.Equal(t, "fake", conn.KernelName)

	got, err := m.Get(k.ID())
	require.NoError(t, err)
	assert.Same(t, k, got)
	assert.Equal(t, 1, m.Count())
}

func TestManager_Start_UnknownSpec(t *testing.T) {
	m := newTestManager(t, &fakeLauncher{})

	_, err := m.Start(context.Background(), "cobol")
	assert.ErrorIs(t, err, kernelspec.ErrSpecNotFound)

	var kerr *Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, "start", kerr.Op)
}

func TestManager_Start_SpawnFailure(t *testing.T) {
	l := &fakeLauncher{err: errors.New("no such file")}
	m := newTestManager(t, l)

	_, err := m.Start(context.Background(), "fake")
	require.ErrorIs(t, err, ErrProcessSpawnFailed)
	assert.NoFileExists(t, l.lastRequest().ConnectionFile)
	assert.Zero(t, m.Count())
}

func TestManager_Start_ExecSpawnFailure(t *testing.T) {
	specDir := t.TempDir()
	require.NoError(t, kernelspec.Write(specDir, &kernelspec.Spec{
		Name:        "missing",
		DisplayName: "Missing",
		Argv:        []string{"/nonexistent/jute-kernel", "-f", "{connection_file}"},
	}))
	runtimeDir := t.TempDir()
	m, err := NewManager(WithSpecPaths(specDir), WithRuntimeDir(runtimeDir), WithLogger(discard))
	require.NoError(t, err)

	k, err := m.Start(context.Background(), "missing")
	require.ErrorIs(t, err, ErrProcessSpawnFailed)
	assert.Nil(t, k)
	assert.Zero(t, m.Count())
	assert.Empty(t, m.Kernels())

	entries, err := os.ReadDir(runtimeDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "connection file must be removed")
}

func TestManager_Start_ExitDuringStartup(t *testing.T) {
	l := &fakeLauncher{exitEarly: true}
	m := newTestManager(t, l)

	start := time.Now()
	_, err := m.Start(context.Background(), "fake")
	require.ErrorIs(t, err, ErrProcessSpawnFailed)
	assert.Contains(t, err.Error(), "exit status 1")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.NoFileExists(t, l.lastRequest().ConnectionFile)
}

func TestManager_Start_ConnectionTimeout(t *testing.T) {
	l := &fakeLauncher{silent: true}
	m := newTestManager(t, l, WithStartupTimeout(300*time.Millisecond))

	_, err := m.Start(context.Background(), "fake")
	require.ErrorIs(t, err, ErrConnectionTimeout)
	assert.True(t, l.last().killed.Load(), "process must be killed")
	assert.NoFileExists(t, l.lastRequest().ConnectionFile)
	assert.Zero(t, m.Count())
}

func TestManager_Closed(t *testing.T) {
	m := newTestManager(t, &fakeLauncher{})
	require.NoError(t, m.Close(context.Background()))

	_, err := m.Start(context.Background(), "fake")
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestKernel_Execute(t *testing.T) {
	m := newTestManager(t, &fakeLauncher{})
	k := startKernel(t, m, "fake")

	ch, err := k.Execute(context.Background(), "print hello\neprint oops\n2 + 2")
	require.NoError(t, err)

	events, err := collect(t, ch)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, router.TextOutput{Stream: "stdout", Text: "hello\n"}, events[0])
	assert.Equal(t, router.TextOutput{Stream: "stderr", Text: "oops\n"}, events[1])

	result, ok := events[2].(router.Result)
	require.True(t, ok, "got %T", events[2])
	assert.Equal(t, "4", result.Data["text/plain"])
	assert.Equal(t, 1, result.ExecutionCount)

	assert.Equal(t, "hello\n", ch.Output("stdout"))
	require.NotNil(t, ch.Reply())
	var reply wire.ExecuteReply
	require.NoError(t, ch.Reply().DecodeContent(&reply))
	assert.Equal(t, wire.StatusOK, reply.Status)
	assert.NoError(t, ch.Err())
}

func TestKernel_Execute_Error(t *testing.T) {
	m := newTestManager(t, &fakeLauncher{})
	k := startKernel(t, m, "fake")

	ch, err := k.Execute(context.Background(), "print before\nraise ValueError bad value\nprint after")
	require.NoError(t, err)

	events, err := collect(t, ch)
	require.NoError(t, err)
	require.Len(t, events, 2)

	execErr, ok := events[1].(router.Error)
	require.True(t, ok, "got %T", events[1])
	assert.Equal(t, "ValueError", execErr.EName)
	assert.Equal(t, "bad value", execErr.EValue)
	assert.NotContains(t, ch.Output("stdout"), "after")
}

func TestKernel_Execute_Displays(t *testing.T) {
	m := newTestManager(t, &fakeLauncher{})
	k := startKernel(t, m, "fake")

	ch, err := k.Execute(context.Background(), "display plot v1\ndisplay - anonymous")
	require.NoError(t, err)
	events, err := collect(t, ch)
	require.NoError(t, err)
	require.Len(t, events, 2)

	first := events[0].(router.Display)
	assert.Equal(t, "plot", first.DisplayID)
	second := events[1].(router.Display)
	assert.NotEmpty(t, second.DisplayID, "displays without an id get one")

	ch, err = k.Execute(context.Background(), "update plot v2")
	require.NoError(t, err)
	events, err = collect(t, ch)
	require.NoError(t, err)
	require.Len(t, events, 1)
	update := events[0].(router.DisplayUpdate)
	assert.Equal(t, "plot", update.DisplayID)
	assert.Equal(t, "v2", update.Data["text/plain"])
}

func TestKernel_Execute_Input(t *testing.T) {
	prompts := make(chan string, 1)
	input := func(_ context.Context, req wire.InputRequest) (string, error) {
		prompts <- req.Prompt
		return "Ada", nil
	}
	m := newTestManager(t, &fakeLauncher{}, WithInputHandler(input))
	k := startKernel(t, m, "fake")

	ch, err := k.Execute(context.Background(), "input name?")
	require.NoError(t, err)
	_, err = collect(t, ch)
	require.NoError(t, err)

	assert.Equal(t, "Ada\n", ch.Output("stdout"))
	assert.Equal(t, "name?", <-prompts)
}

func TestKernel_Execute_NoStdin(t *testing.T) {
	m := newTestManager(t, &fakeLauncher{})
	k := startKernel(t, m, "fake")

	ch, err := k.Execute(context.Background(), "input name?")
	require.NoError(t, err)
	events, err := collect(t, ch)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	_, ok := events[len(events)-1].(router.Error)
	assert.True(t, ok, "input without a handler raises")
}

func TestKernel_Requests(t *testing.T) {
	m := newTestManager(t, &fakeLauncher{})
	k := startKernel(t, m, "fake")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := k.KernelInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.ProtocolVersion, info.ProtocolVersion)
	assert.Equal(t, "script", info.LanguageInfo.Name)

	completion, err := k.Complete(ctx, "pr", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"print"}, completion.Matches)
	assert.Equal(t, 0, completion.CursorStart)
	assert.Equal(t, 2, completion.CursorEnd)

	inspection, err := k.Inspect(ctx, "sleep", 5, 0)
	require.NoError(t, err)
	assert.True(t, inspection.Found)
	assert.Contains(t, inspection.Data["text/plain"], "sleep")
}

func TestKernel_Interrupt_Signal(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestManager(t, l)
	k := startKernel(t, m, "fake")

	ch, err := k.Execute(context.Background(), "sleep 10s")
	require.NoError(t, err)
	waitRunning(t, l.last().kernel)
	require.NoError(t, k.Interrupt(context.Background()))

	events, err := collect(t, ch)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "KeyboardInterrupt", events[0].(router.Error).EName)
	assert.Equal(t, int32(1), l.last().interrupts.Load())
	assert.Equal(t, StateAlive, k.State())
}

func TestKernel_Interrupt_Message(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestManager(t, l)
	k := startKernel(t, m, "fake-message")

	ch, err := k.Execute(context.Background(), "sleep 10s")
	require.NoError(t, err)
	waitRunning(t, l.last().kernel)
	require.NoError(t, k.Interrupt(context.Background()))

	events, err := collect(t, ch)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "KeyboardInterrupt", events[0].(router.Error).EName)
	assert.Zero(t, l.last().interrupts.Load())
	assert.Contains(t, l.last().kernel.ReceivedTypes(), wire.MsgInterruptRequest)
}

func TestManager_Shutdown(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestManager(t, l)
	k := startKernel(t, m, "fake")
	proc := l.last()

	require.NoError(t, m.Shutdown(context.Background(), k))

	assert.Equal(t, StateDead, k.State())
	assert.Equal(t, "kernel shut down", k.Reason())
	assert.NoFileExists(t, k.ConnectionFile())
	assert.Contains(t, proc.kernel.ReceivedTypes(), wire.MsgShutdownRequest)
	assert.False(t, proc.killed.Load(), "kernel exited on its own")

	_, err := m.Get(k.ID())
	assert.ErrorIs(t, err, ErrKernelNotFound)

	_, err = k.Execute(context.Background(), "1 + 1")
	assert.ErrorIs(t, err, router.ErrKernelDead)
	assert.ErrorIs(t, k.Interrupt(context.Background()), router.ErrKernelDead)
}

func TestManager_Shutdown_Kill(t *testing.T) {
	l := &fakeLauncher{lingers: true}
	m := newTestManager(t, l, WithShutdownGrace(200*time.Millisecond))
	k := startKernel(t, m, "fake")

	require.NoError(t, m.Shutdown(context.Background(), k))
	assert.True(t, l.last().killed.Load(), "lingering process must be killed")
	assert.Equal(t, StateDead, k.State())
}

func TestManager_Shutdown_Pending(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestManager(t, l)
	k := startKernel(t, m, "fake")

	ch, err := k.Execute(context.Background(), "sleep 10s")
	require.NoError(t, err)
	waitRunning(t, l.last().kernel)

	// Control is served while shell is busy
	require.NoError(t, m.Shutdown(context.Background(), k))

	events, err := collect(t, ch)
	require.ErrorIs(t, err, router.ErrKernelDead)
	require.NotEmpty(t, events)
	assert.Equal(t, router.Disconnect{Reason: "kernel shut down"}, events[len(events)-1])
}

func TestKernel_HeartbeatDeath(t *testing.T) {
	l := &fakeLauncher{lingers: true}
	m := newTestManager(t, l, WithHeartbeat(50*time.Millisecond, 50*time.Millisecond, 2))
	k := startKernel(t, m, "fake")

	ch, err := k.Execute(context.Background(), "sleep 10s")
	require.NoError(t, err)

	l.last().kernel.PauseHeartbeat(true)

	select {
	case <-k.Dead():
	case <-time.After(5 * time.Second):
		t.Fatal("kernel not declared dead")
	}
	assert.Equal(t, StateDead, k.State())
	assert.True(t, strings.HasPrefix(k.Reason(), "heartbeat lost"), k.Reason())

	events, err := collect(t, ch)
	require.ErrorIs(t, err, router.ErrKernelDead)
	require.NotEmpty(t, events)
	_, ok := events[len(events)-1].(router.Disconnect)
	assert.True(t, ok)

	assert.Eventually(t, func() bool { return m.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return l.last().killed.Load() }, 2*time.Second, 10*time.Millisecond)
}

func TestKernel_ProcessExit(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestManager(t, l)
	k := startKernel(t, m, "fake")

	require.NoError(t, l.last().kernel.Close())

	select {
	case <-k.Dead():
	case <-time.After(5 * time.Second):
		t.Fatal("kernel not declared dead")
	}
	assert.Contains(t, k.Reason(), "exited")
	assert.Eventually(t, func() bool {
		_, err := os.Stat(k.ConnectionFile())
		return errors.Is(err, os.ErrNotExist)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return m.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestManager_Kernels(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestManager(t, l)

	first := startKernel(t, m, "fake")
	second := startKernel(t, m, "fake-message")

	kernels := m.Kernels()
	require.Len(t, kernels, 2)
	assert.Same(t, first, kernels[0])
	assert.Same(t, second, kernels[1])
	assert.NotEqual(t, first.Connection().ShellPort, second.Connection().ShellPort)

	require.NoError(t, m.ShutdownAll(context.Background()))
	assert.Zero(t, m.Count())
	assert.Equal(t, StateDead, first.State())
	assert.Equal(t, StateDead, second.State())
}

func TestManager_ListSpecs(t *testing.T) {
	m := newTestManager(t, &fakeLauncher{})

	specs, err := m.ListSpecs()
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "fake", specs[0].Name)
	assert.Equal(t, "fake-message", specs[1].Name)
}

func TestNewManager_InvalidConfig(t *testing.T) {
	_, err := NewManager(WithIP("not-an-ip"))
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "alive", StateAlive.String())
	assert.Equal(t, "dead", StateDead.String())
	assert.Equal(t, "unknown", State(9).String())
}
