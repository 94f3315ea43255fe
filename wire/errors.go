package wire

import "errors"

// Sentinel errors for codec operations.
var (
	// ErrMalformedMessage indicates the frame set cannot be a protocol message.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrSignatureMismatch indicates the digest does not match the signed frames.
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrUnknownScheme indicates the signature scheme is not registered.
	ErrUnknownScheme = errors.New("unknown signature scheme")
)
