package chat

import "errors"

// Decode errors. A failed message decode is logged and the message dropped;
// it never propagates as a transport failure.
var (
	// ErrEmptyBody indicates the frame body was empty or not JSON.
	ErrEmptyBody = errors.New("chat: empty or non-JSON message body")

	// ErrMissingField indicates a required message field was absent.
	ErrMissingField = errors.New("chat: required message field missing")
)
