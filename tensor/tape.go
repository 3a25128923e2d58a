package tensor

import (
	"errors"
	"fmt"
)

var (
	// ErrNotScalar is returned when Backward is called on a non 1×1 root.
	ErrNotScalar = errors.New("tensor: backward root must be 1x1")
	// ErrNoGradient is returned when the root does not depend on any tensor
	// that requires gradients.
	ErrNoGradient = errors.New("tensor: backward root does not require gradients")
)

// Tape records backward closures in the order operations were executed.
// A nil *Tape records nothing.
type Tape struct {
	records []func()
}

// NewTape returns an empty tape.
func NewTape() *Tape {
	return &Tape{}
}

// Len returns the number of recorded operations.
func (tp *Tape) Len() int {
	if tp == nil {
		return 0
	}
	return len(tp.records)
}

// Reset drops all recorded operations so the tape can be reused.
func (tp *Tape) Reset() {
	if tp != nil {
		tp.records = tp.records[:0]
	}
}

// Watch marks t as a leaf whose gradient should be collected and allocates a
// zeroed gradient buffer for it. Watching on a nil tape is a no-op.
func (tp *Tape) Watch(t *Tensor) *Tensor {
	if tp == nil {
		return t
	}
	t.requiresGrad = true
	if t.Grad == nil {
		t.Grad = make([]float64, len(t.Data))
	} else {
		clear(t.Grad)
	}
	return t
}

// Backward seeds d(root)/d(root) = 1 and propagates gradients to every
// tensor that requires them.
func (tp *Tape) Backward(root *Tensor) error {
	if root.Rows != 1 || root.Cols != 1 {
		return fmt.Errorf("%w: got %dx%d", ErrNotScalar, root.Rows, root.Cols)
	}
	if tp == nil || !root.requiresGrad {
		return ErrNoGradient
	}
	root.ensureGrad()
	root.Grad[0] = 1
	for i := len(tp.records) - 1; i >= 0; i-- {
		tp.records[i]()
	}
	return nil
}

// track decides whether out participates in the backward pass. When it does,
// out gets a gradient buffer and fn is appended to the tape.
func (tp *Tape) track(out *Tensor, fn func(), inputs ...*Tensor) {
	if tp == nil {
		return
	}
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			out.requiresGrad = true
			out.ensureGrad()
			tp.records = append(tp.records, fn)
			return
		}
	}
}
