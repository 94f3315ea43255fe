package router

import "errors"

var (
	// ErrKernelDead is returned for requests issued to, or pending on, a
	// kernel that has been disconnected.
	ErrKernelDead = errors.New("kernel dead")

	// ErrRequestCancelled is the result of a request cancelled by the caller.
	ErrRequestCancelled = errors.New("request cancelled")
)
