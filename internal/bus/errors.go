package bus

import "errors"

var (
	// ErrInvalidRequest reports a malformed publish or subscribe call:
	// empty wants, an unknown sentinel, or a reserved channel name. These are
	// rejected synchronously and never registered as waiters.
	ErrInvalidRequest = errors.New("bus: invalid request")

	// ErrCapacity reports resource exhaustion (waiter registry full). The
	// caller may retry; the request was not registered.
	ErrCapacity = errors.New("bus: capacity exhausted")
)
