package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jlaneve/jute/kernelspec"
	"github.com/jlaneve/jute/router"
)

// Manager discovers kernel specs and owns the kernels it starts.
type Manager struct {
	cfg      Config
	catalog  *kernelspec.Catalog
	launcher Launcher
	input    router.InputHandler
	logger   *slog.Logger

	kernels map[string]*Kernel
	mu      sync.RWMutex
	closed  bool
}

// NewManager creates a kernel manager.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:     DefaultConfig(),
		logger:  slog.Default(),
		kernels: make(map[string]*Kernel),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.cfg = m.cfg.WithDefaults()
	if err := m.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kernel config: %w", err)
	}
	if m.launcher == nil {
		m.launcher = &ExecLauncher{Logger: m.logger}
	}
	m.catalog = kernelspec.NewCatalog(m.cfg.SpecPaths...).WithLogger(m.logger)

	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Catalog returns the spec catalog.
func (m *Manager) Catalog() *kernelspec.Catalog {
	return m.catalog
}

// ListSpecs returns every installed kernel spec, sorted by name.
func (m *Manager) ListSpecs() ([]*kernelspec.Spec, error) {
	return m.catalog.List()
}

// Start launches a kernel from the named spec and returns once it is
// Alive: the process runs, every socket is connected, the heartbeat has
// answered and so has a kernel_info request. On any failure the process
// is killed and the connection file removed.
func (m *Manager) Start(ctx context.Context, specName string) (*Kernel, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, NewError(specName, "start", ErrManagerClosed)
	}

	spec, err := m.catalog.Get(specName)
	if err != nil {
		return nil, NewError(specName, "start", err)
	}

	id := uuid.NewString()
	conn, err := NewConnectionInfo(m.cfg.IP, spec.Name, m.cfg.SignatureScheme)
	if err != nil {
		return nil, NewError(id, "start", err)
	}

	connFile := filepath.Join(m.cfg.RuntimeDir, "kernel-"+id+".json")
	if err := conn.WriteFile(connFile); err != nil {
		return nil, NewError(id, "start", err)
	}

	k := newKernel(id, spec, conn, connFile, m.cfg, m.logger)

	vars := kernelspec.Vars{
		kernelspec.VarConnectionFile: connFile,
		kernelspec.VarPrefix:         envPrefix(),
	}
	req := LaunchRequest{
		KernelID:       id,
		Spec:           spec,
		Argv:           spec.Command(vars),
		Env:            spec.Environ(os.Environ(), vars),
		ConnectionFile: connFile,
		Connection:     conn,
	}

	startCtx, cancel := context.WithTimeout(ctx, m.cfg.StartupTimeout)
	defer cancel()

	proc, err := m.launcher.Launch(startCtx, req)
	if err != nil {
		_ = os.Remove(connFile)
		if !errors.Is(err, ErrProcessSpawnFailed) {
			err = fmt.Errorf("%w: %v", ErrProcessSpawnFailed, err)
		}
		return nil, NewError(id, "start", err)
	}
	k.process = proc

	// A kernel that exits during startup will never answer
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-startCtx.Done():
		}
	}()

	m.logger.Debug("kernel process launched",
		slog.String("kernel", id),
		slog.String("spec", spec.Name),
		slog.Int("pid", proc.Pid()),
		slog.Any("argv", req.Argv))

	if err := k.connect(startCtx, m.input); err != nil {
		err = m.startFailure(startCtx, k, err)
		k.markDead("start failed: " + err.Error())
		k.teardown()
		return nil, NewError(id, "start", err)
	}

	if !k.state.CompareAndSwap(int32(StateStarting), int32(StateAlive)) {
		k.teardown()
		return nil, NewError(id, "start", fmt.Errorf("%w: %s", ErrProcessSpawnFailed, k.Reason()))
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		k.shutdown(ctx)
		return nil, NewError(id, "start", ErrManagerClosed)
	}
	m.kernels[id] = k
	m.mu.Unlock()

	go m.watch(k)

	m.logger.Info("kernel started",
		slog.String("kernel", id),
		slog.String("spec", spec.Name),
		slog.String("implementation", k.info.Implementation))

	return k, nil
}

// startFailure classifies why connect failed.
func (m *Manager) startFailure(startCtx context.Context, k *Kernel, err error) error {
	select {
	case <-k.process.Done():
		exit := k.process.ExitErr()
		if exit == nil {
			exit = errors.New("exited")
		}
		return fmt.Errorf("%w: kernel exited during startup: %v", ErrProcessSpawnFailed, exit)
	default:
	}
	if startCtx.Err() != nil {
		return fmt.Errorf("%w after %s: %v", ErrConnectionTimeout, m.cfg.StartupTimeout, err)
	}
	return err
}

// watch drops a kernel from the registry once it dies.
func (m *Manager) watch(k *Kernel) {
	<-k.Dead()
	m.mu.Lock()
	if m.kernels[k.id] == k {
		delete(m.kernels, k.id)
	}
	m.mu.Unlock()
}

// Shutdown stops k: a shutdown_request on control, then a kill if it has
// not exited within the grace period. k is Dead afterwards and its
// connection file removed.
func (m *Manager) Shutdown(ctx context.Context, k *Kernel) error {
	m.mu.Lock()
	delete(m.kernels, k.id)
	m.mu.Unlock()

	k.shutdown(ctx)
	m.logger.Info("kernel shut down", slog.String("kernel", k.id))
	return nil
}

// Get returns a running kernel by id.
func (m *Manager) Get(id string) (*Kernel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.kernels[id]
	if !ok {
		return nil, NewError(id, "get", ErrKernelNotFound)
	}
	return k, nil
}

// Kernels returns the running kernels, oldest first.
func (m *Manager) Kernels() []*Kernel {
	m.mu.RLock()
	kernels := make([]*Kernel, 0, len(m.kernels))
	for _, k := range m.kernels {
		kernels = append(kernels, k)
	}
	m.mu.RUnlock()

	sort.Slice(kernels, func(i, j int) bool {
		return kernels[i].started.Before(kernels[j].started)
	})
	return kernels
}

// Count returns the number of running kernels.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.kernels)
}

// ShutdownAll shuts down every running kernel concurrently.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	kernels := m.Kernels()
	var wg sync.WaitGroup
	errs := make(chan error, len(kernels))
	for _, k := range kernels {
		wg.Add(1)
		go func(k *Kernel) {
			defer wg.Done()
			if err := m.Shutdown(ctx, k); err != nil {
				errs <- err
			}
		}(k)
	}
	wg.Wait()
	close(errs)

	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}

// Close shuts down every kernel and stops accepting new ones.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.ShutdownAll(ctx)
}

// envPrefix is the active environment's install prefix, for {prefix}.
func envPrefix() string {
	for _, env := range []string{"CONDA_PREFIX", "VIRTUAL_ENV"} {
		if p := os.Getenv(env); p != "" {
			return p
		}
	}
	return ""
}
