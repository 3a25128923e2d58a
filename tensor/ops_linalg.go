package tensor

import (
	"fmt"

	"github.com/viterin/vek"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// gemm computes c = alpha*op(a)*op(b) + beta*c where a, b, c are row-major
// buffers. Empty products leave c untouched.
func gemm(tA, tB bool, alpha float64, a *Tensor, aData []float64, b *Tensor, bData []float64, beta float64, cRows, cCols int, cData []float64) {
	k := a.Cols
	if tA {
		k = a.Rows
	}
	if cRows == 0 || cCols == 0 || k == 0 {
		return
	}
	ta, tb := blas.NoTrans, blas.NoTrans
	if tA {
		ta = blas.Trans
	}
	if tB {
		tb = blas.Trans
	}
	blas64.Gemm(ta, tb, alpha,
		general(a.Rows, a.Cols, aData),
		general(b.Rows, b.Cols, bData),
		beta,
		general(cRows, cCols, cData))
}

// MatMul returns a·b.
func (tp *Tape) MatMul(a, b *Tensor) *Tensor {
	if a.Cols != b.Rows {
		panic(fmt.Sprintf("tensor: MatMul %dx%d · %dx%d", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	out := New(a.Rows, b.Cols)
	gemm(false, false, 1, a, a.Data, b, b.Data, 0, out.Rows, out.Cols, out.Data)
	tp.track(out, func() {
		if a.requiresGrad {
			// dA += dOut · bᵀ
			gemm(false, true, 1, out, out.Grad, b, b.Data, 1, a.Rows, a.Cols, a.Grad)
		}
		if b.requiresGrad {
			// dB += aᵀ · dOut
			gemm(true, false, 1, a, a.Data, out, out.Grad, 1, b.Rows, b.Cols, b.Grad)
		}
	}, a, b)
	return out
}

// Linear returns x·w + b, with b a 1×out bias row (nil for no bias).
func (tp *Tape) Linear(x, w, b *Tensor) *Tensor {
	y := tp.MatMul(x, w)
	if b == nil {
		return y
	}
	return tp.AddBias(y, b)
}

// Transpose returns aᵀ.
func (tp *Tape) Transpose(a *Tensor) *Tensor {
	out := New(a.Cols, a.Rows)
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < a.Cols; j++ {
			out.Data[j*a.Rows+i] = a.Data[i*a.Cols+j]
		}
	}
	tp.track(out, func() {
		for i := 0; i < a.Rows; i++ {
			for j := 0; j < a.Cols; j++ {
				a.Grad[i*a.Cols+j] += out.Grad[j*a.Rows+i]
			}
		}
	}, a)
	return out
}

// AddBias adds the 1×Cols row b to every row of a.
func (tp *Tape) AddBias(a, b *Tensor) *Tensor {
	if b.Rows != 1 || b.Cols != a.Cols {
		panic(fmt.Sprintf("tensor: AddBias %dx%d + %dx%d", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	out := New(a.Rows, a.Cols)
	for i := 0; i < a.Rows; i++ {
		vek.Add_Into(out.Row(i), a.Row(i), b.Data)
	}
	tp.track(out, func() {
		if a.requiresGrad {
			vek.Add_Inplace(a.Grad, out.Grad)
		}
		if b.requiresGrad {
			for i := 0; i < a.Rows; i++ {
				vek.Add_Inplace(b.Grad, out.GradRow(i))
			}
		}
	}, a, b)
	return out
}

// Add returns a + b for equally shaped tensors.
func (tp *Tape) Add(a, b *Tensor) *Tensor {
	mustSameShape("Add", a, b)
	out := New(a.Rows, a.Cols)
	vek.Add_Into(out.Data, a.Data, b.Data)
	tp.track(out, func() {
		if a.requiresGrad {
			vek.Add_Inplace(a.Grad, out.Grad)
		}
		if b.requiresGrad {
			vek.Add_Inplace(b.Grad, out.Grad)
		}
	}, a, b)
	return out
}

// Scale returns s·a.
func (tp *Tape) Scale(a *Tensor, s float64) *Tensor {
	out := New(a.Rows, a.Cols)
	copy(out.Data, a.Data)
	vek.MulNumber_Inplace(out.Data, s)
	tp.track(out, func() {
		for i, g := range out.Grad {
			a.Grad[i] += s * g
		}
	}, a)
	return out
}

// ConcatCols concatenates tensors with equal row counts side by side.
func (tp *Tape) ConcatCols(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("tensor: ConcatCols with no inputs")
	}
	rows, cols := ts[0].Rows, 0
	for _, t := range ts {
		if t.Rows != rows {
			panic(fmt.Sprintf("tensor: ConcatCols row mismatch %d vs %d", t.Rows, rows))
		}
		cols += t.Cols
	}
	out := New(rows, cols)
	for i := 0; i < rows; i++ {
		off := 0
		dst := out.Row(i)
		for _, t := range ts {
			copy(dst[off:off+t.Cols], t.Row(i))
			off += t.Cols
		}
	}
	tp.track(out, func() {
		for i := 0; i < rows; i++ {
			off := 0
			g := out.GradRow(i)
			for _, t := range ts {
				if t.requiresGrad {
					vek.Add_Inplace(t.GradRow(i), g[off:off+t.Cols])
				}
				off += t.Cols
			}
		}
	}, ts...)
	return out
}

// SliceCols returns columns [from, to) of a.
func (tp *Tape) SliceCols(a *Tensor, from, to int) *Tensor {
	if from < 0 || to > a.Cols || from > to {
		panic(fmt.Sprintf("tensor: SliceCols [%d,%d) of %d columns", from, to, a.Cols))
	}
	w := to - from
	out := New(a.Rows, w)
	for i := 0; i < a.Rows; i++ {
		copy(out.Row(i), a.Row(i)[from:to])
	}
	tp.track(out, func() {
		for i := 0; i < a.Rows; i++ {
			vek.Add_Inplace(a.GradRow(i)[from:to], out.GradRow(i))
		}
	}, a)
	return out
}

// SliceRows returns rows [from, to) of a.
func (tp *Tape) SliceRows(a *Tensor, from, to int) *Tensor {
	if from < 0 || to > a.Rows || from > to {
		panic(fmt.Sprintf("tensor: SliceRows [%d,%d) of %d rows", from, to, a.Rows))
	}
	out := New(to-from, a.Cols)
	copy(out.Data, a.Data[from*a.Cols:to*a.Cols])
	tp.track(out, func() {
		vek.Add_Inplace(a.Grad[from*a.Cols:to*a.Cols], out.Grad)
	}, a)
	return out
}

// Pick returns element (i, j) of a as a 1×1 tensor.
func (tp *Tape) Pick(a *Tensor, i, j int) *Tensor {
	if i < 0 || i >= a.Rows || j < 0 || j >= a.Cols {
		panic(fmt.Sprintf("tensor: Pick (%d,%d) of %dx%d", i, j, a.Rows, a.Cols))
	}
	out := New(1, 1)
	out.Data[0] = a.At(i, j)
	tp.track(out, func() {
		a.Grad[i*a.Cols+j] += out.Grad[0]
	}, a)
	return out
}

// Sum returns the sum of all elements as a 1×1 tensor.
func (tp *Tape) Sum(a *Tensor) *Tensor {
	out := New(1, 1)
	out.Data[0] = vek.Sum(a.Data)
	tp.track(out, func() {
		vek.AddNumber_Inplace(a.Grad, out.Grad[0])
	}, a)
	return out
}
