package coupling

import "errors"

var (
	// ErrTopology is an inconsistent split of the process pool. It is a
	// configuration error and never retried.
	ErrTopology = errors.New("coupling: invalid rank topology")
	// ErrMessaging wraps every substrate failure. It latches the coupler: a
	// half finished exchange cannot be repaired without resynchronizing both
	// solvers.
	ErrMessaging      = errors.New("coupling: messaging failure")
	ErrPeerAbort      = errors.New("coupling: peer reported an error status")
	ErrAborted        = errors.New("coupling: run aborted by this rank")
	ErrNotInitialized = errors.New("coupling: coupler is not initialized")
	ErrMode           = errors.New("coupling: operation not allowed by the coupling mode")
	ErrFieldSize      = errors.New("coupling: field length does not match the owned cells")
)
