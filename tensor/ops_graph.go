package tensor

import (
	"fmt"
	"math"

	"github.com/viterin/vek"
)

// GatherRows returns the rows of a selected by idx, in idx order.
func (tp *Tape) GatherRows(a *Tensor, idx []int) *Tensor {
	out := New(len(idx), a.Cols)
	for r, src := range idx {
		if src < 0 || src >= a.Rows {
			panic(fmt.Sprintf("tensor: GatherRows index %d out of %d rows", src, a.Rows))
		}
		copy(out.Row(r), a.Row(src))
	}
	tp.track(out, func() {
		for r, src := range idx {
			vek.Add_Inplace(a.GradRow(src), out.GradRow(r))
		}
	}, a)
	return out
}

// ScatterAddRows sums row r of a into output row idx[r] of an n-row result.
// Output rows that receive nothing stay zero.
func (tp *Tape) ScatterAddRows(a *Tensor, idx []int, n int) *Tensor {
	if len(idx) != a.Rows {
		panic(fmt.Sprintf("tensor: ScatterAddRows %d indices for %d rows", len(idx), a.Rows))
	}
	out := New(n, a.Cols)
	for r, dst := range idx {
		if dst < 0 || dst >= n {
			panic(fmt.Sprintf("tensor: ScatterAddRows index %d out of %d rows", dst, n))
		}
		vek.Add_Inplace(out.Row(dst), a.Row(r))
	}
	tp.track(out, func() {
		for r, dst := range idx {
			vek.Add_Inplace(a.GradRow(r), out.GradRow(dst))
		}
	}, a)
	return out
}

// SegmentSoftmax normalises every column of a independently within the
// segments given by seg (seg[r] ∈ [0, n) is the segment of row r). The
// per-segment maximum is subtracted before exponentiating.
func (tp *Tape) SegmentSoftmax(a *Tensor, seg []int, n int) *Tensor {
	if len(seg) != a.Rows {
		panic(fmt.Sprintf("tensor: SegmentSoftmax %d segment ids for %d rows", len(seg), a.Rows))
	}
	c := a.Cols
	maxVals := make([]float64, n*c)
	for i := range maxVals {
		maxVals[i] = math.Inf(-1)
	}
	for r, s := range seg {
		for j := 0; j < c; j++ {
			if v := a.Data[r*c+j]; v > maxVals[s*c+j] {
				maxVals[s*c+j] = v
			}
		}
	}
	sums := make([]float64, n*c)
	out := New(a.Rows, c)
	for r, s := range seg {
		for j := 0; j < c; j++ {
			e := math.Exp(a.Data[r*c+j] - maxVals[s*c+j])
			out.Data[r*c+j] = e
			sums[s*c+j] += e
		}
	}
	for r, s := range seg {
		for j := 0; j < c; j++ {
			out.Data[r*c+j] /= sums[s*c+j]
		}
	}
	tp.track(out, func() {
		dots := make([]float64, n*c)
		for r, s := range seg {
			for j := 0; j < c; j++ {
				dots[s*c+j] += out.Data[r*c+j] * out.Grad[r*c+j]
			}
		}
		for r, s := range seg {
			for j := 0; j < c; j++ {
				k := r*c + j
				a.Grad[k] += out.Data[k] * (out.Grad[k] - dots[s*c+j])
			}
		}
	}, a)
	return out
}

// MulRows multiplies row r of a by the scalar s[r] (s is Rows × 1).
func (tp *Tape) MulRows(a, s *Tensor) *Tensor {
	if s.Rows != a.Rows || s.Cols != 1 {
		panic(fmt.Sprintf("tensor: MulRows %dx%d by %dx%d", a.Rows, a.Cols, s.Rows, s.Cols))
	}
	out := New(a.Rows, a.Cols)
	for r := 0; r < a.Rows; r++ {
		dst := out.Row(r)
		copy(dst, a.Row(r))
		vek.MulNumber_Inplace(dst, s.Data[r])
	}
	tp.track(out, func() {
		for r := 0; r < a.Rows; r++ {
			g := out.GradRow(r)
			if a.requiresGrad {
				da := a.GradRow(r)
				for j, v := range g {
					da[j] += v * s.Data[r]
				}
			}
			if s.requiresGrad {
				s.Grad[r] += vek.Dot(g, a.Row(r))
			}
		}
	}, a, s)
	return out
}

// ShiftRows moves every row down by shift positions: output row t is input
// row t-shift, or zeros when t-shift < 0. When groups is not nil each group
// is its own sequence in row order, and output row t reads the member of its
// group shift places before it. Groups need not be contiguous.
func (tp *Tape) ShiftRows(a *Tensor, shift int, groups []int) *Tensor {
	if shift < 0 {
		panic(fmt.Sprintf("tensor: ShiftRows negative shift %d", shift))
	}
	if groups != nil && len(groups) != a.Rows {
		panic(fmt.Sprintf("tensor: ShiftRows %d group ids for %d rows", len(groups), a.Rows))
	}
	if shift == 0 {
		return a
	}
	sources := shiftSources(a.Rows, shift, groups)
	out := New(a.Rows, a.Cols)
	for t, s := range sources {
		if s >= 0 {
			copy(out.Row(t), a.Row(s))
		}
	}
	tp.track(out, func() {
		for t, s := range sources {
			if s >= 0 {
				vek.Add_Inplace(a.GradRow(s), out.GradRow(t))
			}
		}
	}, a)
	return out
}

// shiftSources returns, per output row, the input row it copies or -1.
func shiftSources(rows, shift int, groups []int) []int {
	sources := make([]int, rows)
	if groups == nil {
		for t := range sources {
			sources[t] = max(t-shift, -1)
		}
		return sources
	}
	members := make(map[int][]int)
	for t, g := range groups {
		seq := members[g]
		sources[t] = -1
		if len(seq) >= shift {
			sources[t] = seq[len(seq)-shift]
		}
		members[g] = append(seq, t)
	}
	return sources
}
