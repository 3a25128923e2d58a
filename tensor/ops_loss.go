package tensor

import (
	"fmt"
	"math"
)

// BCEWithLogits returns the weighted mean binary cross-entropy between logits
// and targets (same shape, targets in [0, 1]):
//
//	loss = Σ w·(max(x,0) − x·y + log(1+exp(−|x|))) / Σ w
//
// weights may be nil (all ones). A zero weight sum yields a zero loss.
func (tp *Tape) BCEWithLogits(logits, targets *Tensor, weights []float64) *Tensor {
	mustSameShape("BCEWithLogits", logits, targets)
	if weights != nil && len(weights) != logits.Len() {
		panic(fmt.Sprintf("tensor: BCEWithLogits %d weights for %d elements", len(weights), logits.Len()))
	}
	weight := func(i int) float64 {
		if weights == nil {
			return 1
		}
		return weights[i]
	}
	var total, norm float64
	for i, x := range logits.Data {
		w := weight(i)
		if w == 0 {
			continue
		}
		y := targets.Data[i]
		total += w * (math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x))))
		norm += w
	}
	out := New(1, 1)
	if norm > 0 {
		out.Data[0] = total / norm
	}
	tp.track(out, func() {
		if norm == 0 || !logits.requiresGrad {
			return
		}
		g := out.Grad[0] / norm
		for i, x := range logits.Data {
			if w := weight(i); w != 0 {
				logits.Grad[i] += g * w * (Sigmoid(x) - targets.Data[i])
			}
		}
	}, logits)
	return out
}
