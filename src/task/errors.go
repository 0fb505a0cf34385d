package task

import "errors"

// Closed error set surfaced to callers of the scheduling core.
// Callers match with errors.Is; packages wrap these with context.
var (
	ErrStoreUnavailable       = errors.New("store unavailable")
	ErrAlreadyExists          = errors.New("already exists")
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidSpec            = errors.New("invalid spec")
	ErrCycleDetected          = errors.New("cycle detected")
	ErrTimedOut               = errors.New("timed out")
	ErrQueueFull              = errors.New("queue full")
	ErrNoSuchQueue            = errors.New("no such queue")
	ErrChannelUnavailable     = errors.New("channel unavailable")
	ErrTransientUpstream      = errors.New("transient upstream error")
	ErrPermanentUpstream      = errors.New("permanent upstream error")
)
