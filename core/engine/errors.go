package engine

import "errors"

var (
	// ErrValidation reports malformed input, rejected before any lock is taken.
	ErrValidation = errors.New("engine: validation failed")
	// ErrIllegalPhaseTransition reports a requested phase or status change
	// that violates the total order REQUEST -> NEGOTIATION -> TRANSACTION ->
	// EVALUATION.
	ErrIllegalPhaseTransition = errors.New("engine: illegal phase transition")
	// ErrUnauthorized reports a caller that is not the designated counterpart
	// for the operation.
	ErrUnauthorized = errors.New("engine: unauthorized caller")
	// ErrNotFound reports an unknown job, offering or principal.
	ErrNotFound = errors.New("engine: not found")
	// ErrReplayDetected reports a nonce at or below the sender's recorded
	// high-water mark.
	ErrReplayDetected = errors.New("engine: replay detected")
	// ErrEscrow wraps escrow manager and ledger failures surfaced through the
	// engine.
	ErrEscrow = errors.New("engine: escrow operation failed")
	// ErrTimeout reports an external call that exceeded its bound.
	ErrTimeout = errors.New("engine: external call timed out")
	// ErrPaused reports a transition attempted while an operator has paused
	// the engine.
	ErrPaused = errors.New("engine: paused")
)
