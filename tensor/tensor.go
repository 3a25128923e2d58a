// Package tensor provides the small differentiable-array substrate the model
// is built on.
//
// A Tensor is a dense row-major float64 matrix. Operations are methods on a
// *Tape; every operation whose inputs require gradients records a backward
// closure on the tape, and Tape.Backward replays those closures in reverse
// creation order. A nil *Tape is valid and means "no gradient tracking", which
// is how validation and inference run:
//
//	tp := tensor.NewTape()
//	h := tp.AddBias(tp.MatMul(x, w), b)
//	loss := tp.BCEWithLogits(h, y, nil)
//	if err := tp.Backward(loss); err != nil { ... }
//
//	var none *tensor.Tape
//	out := none.AddBias(none.MatMul(x, w), b) // forward only
//
// Shape misuse inside the substrate panics; callers validate user input at
// their own API boundary.
package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas64"
)

// Tensor is a dense Rows × Cols matrix with an optional gradient buffer.
type Tensor struct {
	Rows int
	Cols int
	Data []float64
	Grad []float64

	requiresGrad bool
}

// New allocates a zero-filled rows × cols tensor that does not require gradients.
func New(rows, cols int) *Tensor {
	if rows < 0 || cols < 0 {
		panic(fmt.Sprintf("tensor: negative shape %dx%d", rows, cols))
	}
	return &Tensor{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// FromSlice wraps data (without copying) as a rows × cols tensor.
func FromSlice(rows, cols int, data []float64) *Tensor {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %dx%d", len(data), rows, cols))
	}
	return &Tensor{Rows: rows, Cols: cols, Data: data}
}

// FromRows copies a ragged-free [][]float64 into a new tensor.
func FromRows(rows [][]float64) *Tensor {
	if len(rows) == 0 {
		return New(0, 0)
	}
	cols := len(rows[0])
	t := New(len(rows), cols)
	for i, r := range rows {
		if len(r) != cols {
			panic(fmt.Sprintf("tensor: row %d has %d columns, want %d", i, len(r), cols))
		}
		copy(t.Data[i*cols:], r)
	}
	return t
}

// View builds a tensor over existing data and gradient storage. Views always
// require gradients; they are how parameters living in a flat arena are
// exposed to the tape.
func View(rows, cols int, data, grad []float64) *Tensor {
	if len(data) != rows*cols || len(grad) != rows*cols {
		panic(fmt.Sprintf("tensor: view buffers (%d, %d) do not match shape %dx%d", len(data), len(grad), rows, cols))
	}
	return &Tensor{Rows: rows, Cols: cols, Data: data, Grad: grad, requiresGrad: true}
}

// RequiresGrad reports whether backward passes accumulate into t.Grad.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// Freeze stops gradient accumulation into t. The gradient buffer is kept.
func (t *Tensor) Freeze() { t.requiresGrad = false }

// Len returns Rows*Cols.
func (t *Tensor) Len() int { return t.Rows * t.Cols }

// At returns element (i, j).
func (t *Tensor) At(i, j int) float64 { return t.Data[i*t.Cols+j] }

// Set writes element (i, j).
func (t *Tensor) Set(i, j int, v float64) { t.Data[i*t.Cols+j] = v }

// Row returns row i as a slice aliasing the tensor data.
func (t *Tensor) Row(i int) []float64 { return t.Data[i*t.Cols : (i+1)*t.Cols] }

// GradRow returns row i of the gradient buffer, or nil when there is none.
func (t *Tensor) GradRow(i int) []float64 {
	if t.Grad == nil {
		return nil
	}
	return t.Grad[i*t.Cols : (i+1)*t.Cols]
}

// Clone returns a detached deep copy of the data.
func (t *Tensor) Clone() *Tensor {
	c := New(t.Rows, t.Cols)
	copy(c.Data, t.Data)
	return c
}

// ZeroGrad clears the gradient buffer if one exists.
func (t *Tensor) ZeroGrad() {
	clear(t.Grad)
}

// SameShape reports whether t and o have identical dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	return t.Rows == o.Rows && t.Cols == o.Cols
}

// AllFinite reports whether no element is NaN or ±Inf.
func (t *Tensor) AllFinite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ToRows copies the tensor into a [][]float64.
func (t *Tensor) ToRows() [][]float64 {
	out := make([][]float64, t.Rows)
	for i := range out {
		out[i] = append([]float64(nil), t.Row(i)...)
	}
	return out
}

// Scalar returns the only element of a 1×1 tensor.
func (t *Tensor) Scalar() float64 {
	if t.Rows != 1 || t.Cols != 1 {
		panic(fmt.Sprintf("tensor: Scalar on %dx%d tensor", t.Rows, t.Cols))
	}
	return t.Data[0]
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%dx%d)", t.Rows, t.Cols)
}

func (t *Tensor) ensureGrad() {
	if t.Grad == nil {
		t.Grad = make([]float64, len(t.Data))
	}
}

func general(rows, cols int, data []float64) blas64.General {
	return blas64.General{Rows: rows, Cols: cols, Stride: max(1, cols), Data: data}
}

func mustSameShape(op string, a, b *Tensor) {
	if !a.SameShape(b) {
		panic(fmt.Sprintf("tensor: %s shape mismatch %dx%d vs %dx%d", op, a.Rows, a.Cols, b.Rows, b.Cols))
	}
}
