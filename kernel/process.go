package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/jlaneve/jute/kernelspec"
)

// ErrInterruptUnsupported is returned by Process.Interrupt when the process
// cannot be signalled.
var ErrInterruptUnsupported = errors.New("interrupt not supported")

// LaunchRequest describes one kernel process to start.
type LaunchRequest struct {
	KernelID       string
	Spec           *kernelspec.Spec
	Argv           []string // Spec argv with placeholders substituted
	Env            []string
	ConnectionFile string
	Connection     ConnectionInfo
}

// Launcher starts kernel processes.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Process, error)
}

// Process is a running kernel process.
type Process interface {
	// Pid returns the process id, or 0 if there is none.
	Pid() int

	// Done is closed when the process exits.
	Done() <-chan struct{}

	// ExitErr returns the exit error once Done is closed.
	ExitErr() error

	// Interrupt delivers SIGINT.
	Interrupt() error

	// Kill terminates the process immediately.
	Kill() error
}

// ExecLauncher runs kernels as child processes.
type ExecLauncher struct {
	// Dir is the working directory. Empty means the current directory.
	Dir string

	Logger *slog.Logger
}

// Launch implements Launcher. Failures to start wrap ErrProcessSpawnFailed.
func (l *ExecLauncher) Launch(_ context.Context, req LaunchRequest) (Process, error) {
	if len(req.Argv) == 0 {
		return nil, fmt.Errorf("%w: empty argv", ErrProcessSpawnFailed)
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// The process outlives the start context, so no CommandContext
	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Dir = l.Dir
	cmd.Env = req.Env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create stdout pipe: %v", ErrProcessSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("%w: create stderr pipe: %v", ErrProcessSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrProcessSpawnFailed, req.Argv[0], err)
	}

	p := &execProcess{
		cmd:    cmd,
		done:   make(chan struct{}),
		logger: logger.With(slog.String("kernel", req.KernelID)),
	}

	var drained sync.WaitGroup
	drained.Add(2)
	go p.drain(&drained, "stdout", stdout)
	go p.drain(&drained, "stderr", stderr)
	go p.waitForExit(&drained)

	return p, nil
}

// execProcess is a kernel run by ExecLauncher.
type execProcess struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	mu      sync.RWMutex
	done    chan struct{} // Closed when process exits
	exitErr error
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) ExitErr() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

func (p *execProcess) Interrupt() error {
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("%w: %v", ErrInterruptUnsupported, err)
	}
	return nil
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill kernel process: %w", err)
	}
	return nil
}

// waitForExit waits for the process to exit and captures the error.
// Wait must not run before the pipes are drained.
func (p *execProcess) waitForExit(drained *sync.WaitGroup) {
	drained.Wait()
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()

	p.logger.Debug("kernel process exited",
		slog.Int("pid", p.cmd.Process.Pid),
		slog.Any("error", err))
	close(p.done)
}

// drain reads and logs kernel output.
func (p *execProcess) drain(wg *sync.WaitGroup, stream string, r io.Reader) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			// Log kernel output as debug messages
			p.logger.Debug("kernel "+stream, slog.String("output", string(buf[:n])))
		}
		if err != nil {
			return
		}
	}
}
