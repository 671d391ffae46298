package service

import "errors"

// Sentinel errors the HTTP and CLI boundaries translate into status
// codes and exit codes.
var (
	// ErrInvalidInput marks a request the caller can fix.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks a lookup of something that does not exist.
	ErrNotFound = errors.New("not found")
)
