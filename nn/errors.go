package nn

import "errors"

// Error taxonomy shared by the model, the trainer and the explainer.
// Callers test with errors.Is; every site wraps with context.
var (
	// ErrConfiguration covers unsupported optimizer/scheduler tags and
	// inconsistent dimensions detected at construction.
	ErrConfiguration = errors.New("configuration error")

	// ErrShapeMismatch is returned when an input violates the batch invariants.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrDevice is returned when inputs and parameters live in different
	// execution contexts.
	ErrDevice = errors.New("device mismatch")

	// ErrNumericalInstability is returned on a non-finite loss or attention score.
	ErrNumericalInstability = errors.New("numerical instability")

	// ErrCheckpoint is returned when a checkpoint cannot be read or does not
	// match the current configuration.
	ErrCheckpoint = errors.New("checkpoint error")
)
