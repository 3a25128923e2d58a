package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// ReLU returns max(a, 0).
func (tp *Tape) ReLU(a *Tensor) *Tensor {
	return tp.LeakyReLU(a, 0)
}

// LeakyReLU returns a where a >= 0 and slope·a elsewhere.
func (tp *Tape) LeakyReLU(a *Tensor, slope float64) *Tensor {
	out := New(a.Rows, a.Cols)
	for i, v := range a.Data {
		if v >= 0 {
			out.Data[i] = v
		} else {
			out.Data[i] = slope * v
		}
	}
	tp.track(out, func() {
		for i, v := range a.Data {
			if v >= 0 {
				a.Grad[i] += out.Grad[i]
			} else {
				a.Grad[i] += slope * out.Grad[i]
			}
		}
	}, a)
	return out
}

// Dropout zeroes each element with probability rate and rescales survivors by
// 1/(1-rate). A rate of zero (or a nil rng) returns a unchanged.
func (tp *Tape) Dropout(a *Tensor, rate float64, rng *rand.Rand) *Tensor {
	if rate <= 0 || rng == nil {
		return a
	}
	if rate >= 1 {
		panic(fmt.Sprintf("tensor: dropout rate %v out of range", rate))
	}
	keep := 1 / (1 - rate)
	mask := make([]float64, len(a.Data))
	out := New(a.Rows, a.Cols)
	for i, v := range a.Data {
		if rng.Float64() >= rate {
			mask[i] = keep
			out.Data[i] = v * keep
		}
	}
	tp.track(out, func() {
		for i, g := range out.Grad {
			a.Grad[i] += g * mask[i]
		}
	}, a)
	return out
}

// LayerNorm normalises every row of a to zero mean and unit variance and
// applies the 1×Cols affine parameters gamma and beta.
func (tp *Tape) LayerNorm(a, gamma, beta *Tensor, eps float64) *Tensor {
	if gamma.Len() != a.Cols || beta.Len() != a.Cols {
		panic(fmt.Sprintf("tensor: LayerNorm params %d/%d for %d columns", gamma.Len(), beta.Len(), a.Cols))
	}
	if eps == 0 {
		eps = 1e-5
	}
	n := a.Cols
	out := New(a.Rows, n)
	xhat := make([]float64, len(a.Data))
	invStd := make([]float64, a.Rows)
	for r := 0; r < a.Rows; r++ {
		row := a.Row(r)
		var mean float64
		for _, v := range row {
			mean += v
		}
		mean /= float64(n)
		var variance float64
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float64(n)
		inv := 1 / math.Sqrt(variance+eps)
		invStd[r] = inv
		for j, v := range row {
			xh := (v - mean) * inv
			xhat[r*n+j] = xh
			out.Data[r*n+j] = xh*gamma.Data[j] + beta.Data[j]
		}
	}
	tp.track(out, func() {
		dxhat := make([]float64, n)
		for r := 0; r < a.Rows; r++ {
			dy := out.GradRow(r)
			xh := xhat[r*n : (r+1)*n]
			var sumD, sumDX float64
			for j := 0; j < n; j++ {
				if gamma.requiresGrad {
					gamma.Grad[j] += dy[j] * xh[j]
				}
				if beta.requiresGrad {
					beta.Grad[j] += dy[j]
				}
				dxhat[j] = dy[j] * gamma.Data[j]
				sumD += dxhat[j]
				sumDX += dxhat[j] * xh[j]
			}
			if !a.requiresGrad {
				continue
			}
			scale := invStd[r] / float64(n)
			da := a.GradRow(r)
			for j := 0; j < n; j++ {
				da[j] += scale * (float64(n)*dxhat[j] - sumD - xh[j]*sumDX)
			}
		}
	}, a, gamma, beta)
	return out
}

// SoftmaxRows applies a softmax across every row of a. When allowed is not
// nil, entry (i, j) only participates if allowed(i, j) is true; a row with no
// allowed entries produces all zeros.
func (tp *Tape) SoftmaxRows(a *Tensor, allowed func(i, j int) bool) *Tensor {
	out := New(a.Rows, a.Cols)
	for i := 0; i < a.Rows; i++ {
		row := a.Row(i)
		dst := out.Row(i)
		maxVal := math.Inf(-1)
		for j, v := range row {
			if (allowed == nil || allowed(i, j)) && v > maxVal {
				maxVal = v
			}
		}
		if math.IsInf(maxVal, -1) {
			continue
		}
		var sum float64
		for j, v := range row {
			if allowed != nil && !allowed(i, j) {
				continue
			}
			e := math.Exp(v - maxVal)
			dst[j] = e
			sum += e
		}
		for j := range dst {
			dst[j] /= sum
		}
	}
	tp.track(out, func() {
		for i := 0; i < a.Rows; i++ {
			y := out.Row(i)
			dy := out.GradRow(i)
			var dot float64
			for j := range y {
				dot += y[j] * dy[j]
			}
			da := a.GradRow(i)
			for j := range y {
				da[j] += y[j] * (dy[j] - dot)
			}
		}
	}, a)
	return out
}

// Sigmoid is the logistic function.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
