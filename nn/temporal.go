package nn

import (
	"github.com/openfluke/mthgnn/tensor"
)

// KernelSize is the tap count of every temporal convolution.
const KernelSize = 3

type temporalLayer struct {
	dilation    int
	w, b        *tensor.Tensor // w is KernelSize·H × H, tap k in rows [k·H, (k+1)·H)
	gamma, beta *tensor.Tensor
}

// TemporalBranch is a stack of causal dilated 1-D convolutions along the
// node axis. Layer i uses dilation 2^i, so output row t only sees rows ≤ t.
type TemporalBranch struct {
	hidden, temporalDim int
	layers              int
	inW, inB            *tensor.Tensor
	stack               []temporalLayer
}

func newTemporalBranch(cfg Config) *TemporalBranch {
	return &TemporalBranch{hidden: cfg.HiddenDim, temporalDim: cfg.TemporalDim, layers: cfg.NumLayers}
}

// Name implements Branch.
func (t *TemporalBranch) Name() string { return "temporal" }

func (t *TemporalBranch) declare(sb *StoreBuilder) {
	sb.Declare(Key{"temporal", -1, -1, "context.weight"}, t.temporalDim, t.hidden, InitXavier)
	sb.DeclareBias(Key{"temporal", -1, -1, "context.bias"}, t.temporalDim, t.hidden)
	for l := 0; l < t.layers; l++ {
		sb.Declare(Key{"temporal", l, -1, "conv.weight"}, KernelSize*t.hidden, t.hidden, InitXavier)
		sb.DeclareBias(Key{"temporal", l, -1, "conv.bias"}, KernelSize*t.hidden, t.hidden)
		sb.Declare(Key{"temporal", l, -1, "norm.gamma"}, 1, t.hidden, InitOnes)
		sb.Declare(Key{"temporal", l, -1, "norm.beta"}, 1, t.hidden, InitZeros)
	}
}

func (t *TemporalBranch) bind(ps *ParameterStore) {
	t.inW = ps.Get(Key{"temporal", -1, -1, "context.weight"})
	t.inB = ps.Get(Key{"temporal", -1, -1, "context.bias"})
	t.stack = make([]temporalLayer, t.layers)
	for l := range t.stack {
		t.stack[l] = temporalLayer{
			dilation: 1 << l,
			w:        ps.Get(Key{"temporal", l, -1, "conv.weight"}),
			b:        ps.Get(Key{"temporal", l, -1, "conv.bias"}),
			gamma:    ps.Get(Key{"temporal", l, -1, "norm.gamma"}),
			beta:     ps.Get(Key{"temporal", l, -1, "norm.beta"}),
		}
	}
}

// Forward implements Branch.
func (t *TemporalBranch) Forward(tp *tensor.Tape, h *tensor.Tensor, in *Inputs) (*tensor.Tensor, error) {
	x := tp.Add(h, tp.Linear(in.Temporal, t.inW, t.inB))
	for _, p := range t.stack {
		x = in.drop(tp, tp.LayerNorm(t.conv(tp, x, p, in.BatchID), p.gamma, p.beta, 1e-5))
	}
	return x, nil
}

// conv computes Σ_k shift(x, (K−1−k)·d)·W_k + b, the causal convolution
// with left padding (K−1)·d.
func (t *TemporalBranch) conv(tp *tensor.Tape, x *tensor.Tensor, p temporalLayer, groups []int) *tensor.Tensor {
	var acc *tensor.Tensor
	for k := 0; k < KernelSize; k++ {
		shift := (KernelSize - 1 - k) * p.dilation
		if shift >= x.Rows {
			continue
		}
		wk := tp.SliceRows(p.w, k*t.hidden, (k+1)*t.hidden)
		term := tp.MatMul(tp.ShiftRows(x, shift, groups), wk)
		if acc == nil {
			acc = term
		} else {
			acc = tp.Add(acc, term)
		}
	}
	return tp.AddBias(acc, p.b)
}
