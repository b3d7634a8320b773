package engine

import "errors"

// Protocol errors. These are local: nothing is propagated to peers as
// an error message.
var (
	ErrDuplicate         = errors.New("duplicate message")
	ErrConflictingDigest = errors.New("conflicting digest (equivocation)")
	ErrCertComplete      = errors.New("certificate already complete")
	ErrQueueFull         = errors.New("client request queue full")
	ErrAlreadyStarted    = errors.New("replica already started")
	ErrNotStarted        = errors.New("replica not started")
	ErrRecoveryRequired  = errors.New("state transfer exhausted retries; operator recovery required")
)
