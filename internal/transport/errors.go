package transport

import "errors"

// Transport errors.
var (
	// ErrNotConnected indicates an operation needing a live STOMP session
	// was called while disconnected.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrNoCredentials indicates Connect was called without credentials.
	ErrNoCredentials = errors.New("transport: credentials required")

	// ErrAlreadyConnected indicates Connect was called on a live connection.
	ErrAlreadyConnected = errors.New("transport: already connected")
)
