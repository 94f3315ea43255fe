package kernel

import (
	"errors"
	"fmt"
)

// Sentinel errors for kernel operations.
var (
	// ErrProcessSpawnFailed indicates the kernel process could not be started.
	ErrProcessSpawnFailed = errors.New("kernel process spawn failed")

	// ErrConnectionTimeout indicates the kernel did not become ready within
	// the startup timeout.
	ErrConnectionTimeout = errors.New("kernel connection timeout")

	// ErrShutdownTimeout indicates the kernel did not exit within the
	// shutdown grace period and was killed.
	ErrShutdownTimeout = errors.New("kernel shutdown timeout")

	// ErrKernelNotFound indicates no kernel with the given id is managed.
	ErrKernelNotFound = errors.New("kernel not found")

	// ErrManagerClosed indicates the manager no longer starts kernels.
	ErrManagerClosed = errors.New("kernel manager closed")
)

// Error wraps kernel errors with context.
type Error struct {
	Kernel string // Kernel id, or spec name before an id exists
	Op     string // Operation that failed ("start", "shutdown", "execute")
	Err    error  // Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Kernel != "" {
		return fmt.Sprintf("kernel %s %s: %v", e.Kernel, e.Op, e.Err)
	}
	return fmt.Sprintf("kernel %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new kernel error.
func NewError(kernel, op string, err error) *Error {
	return &Error{
		Kernel: kernel,
		Op:     op,
		Err:    err,
	}
}
