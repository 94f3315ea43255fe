package kernelspec

import "errors"

// Sentinel errors for kernel spec operations.
var (
	// ErrSpecNotFound is returned when no search path holds the named spec.
	ErrSpecNotFound = errors.New("kernel spec not found")

	// ErrSpecDiscoveryFailed is returned when a search path exists but
	// cannot be read.
	ErrSpecDiscoveryFailed = errors.New("kernel spec discovery failed")

	// ErrInvalidSpec is returned when a kernel.json is missing required fields.
	ErrInvalidSpec = errors.New("invalid kernel spec")
)
