package nn

import (
	"fmt"
	"math"

	"github.com/openfluke/mthgnn/tensor"
)

type sceneLayer struct {
	ctxW, ctxB  *tensor.Tensor
	qW, qB      *tensor.Tensor
	kW, kB      *tensor.Tensor
	vW, vB      *tensor.Tensor
	outW, outB  *tensor.Tensor
	gamma, beta *tensor.Tensor
}

// SceneBranch is a stack of cross-attention layers. Queries come from the
// node state, keys and values from the projected scene context.
type SceneBranch struct {
	hidden, sceneDim int
	heads, layers    int
	stack            []sceneLayer
}

func newSceneBranch(cfg Config) *SceneBranch {
	return &SceneBranch{
		hidden:   cfg.HiddenDim,
		sceneDim: cfg.SceneDim,
		heads:    cfg.NumHeads,
		layers:   cfg.NumLayers,
	}
}

// Name implements Branch.
func (s *SceneBranch) Name() string { return "scene" }

func (s *SceneBranch) declare(sb *StoreBuilder) {
	for l := 0; l < s.layers; l++ {
		key := func(name string) Key { return Key{"scene", l, -1, name} }
		sb.Declare(key("context.weight"), s.sceneDim, s.hidden, InitXavier)
		sb.DeclareBias(key("context.bias"), s.sceneDim, s.hidden)
		for _, p := range []string{"query", "key", "value", "out"} {
			sb.Declare(key(p+".weight"), s.hidden, s.hidden, InitXavier)
			sb.DeclareBias(key(p+".bias"), s.hidden, s.hidden)
		}
		sb.Declare(key("norm.gamma"), 1, s.hidden, InitOnes)
		sb.Declare(key("norm.beta"), 1, s.hidden, InitZeros)
	}
}

func (s *SceneBranch) bind(ps *ParameterStore) {
	s.stack = make([]sceneLayer, s.layers)
	for l := range s.stack {
		get := func(name string) *tensor.Tensor { return ps.Get(Key{"scene", l, -1, name}) }
		s.stack[l] = sceneLayer{
			ctxW: get("context.weight"), ctxB: get("context.bias"),
			qW: get("query.weight"), qB: get("query.bias"),
			kW: get("key.weight"), kB: get("key.bias"),
			vW: get("value.weight"), vB: get("value.bias"),
			outW: get("out.weight"), outB: get("out.bias"),
			gamma: get("norm.gamma"), beta: get("norm.beta"),
		}
	}
}

// Forward implements Branch.
func (s *SceneBranch) Forward(tp *tensor.Tape, h *tensor.Tensor, in *Inputs) (*tensor.Tensor, error) {
	var allowed func(i, j int) bool
	if in.BatchID != nil {
		ids := in.BatchID
		allowed = func(i, j int) bool { return ids[i] == ids[j] }
	}
	d := s.hidden / s.heads
	scale := 1 / math.Sqrt(float64(d))

	state := h
	for l, p := range s.stack {
		ctx := tp.Linear(in.Scene, p.ctxW, p.ctxB)
		q := tp.Linear(state, p.qW, p.qB)
		k := tp.Linear(ctx, p.kW, p.kB)
		v := tp.Linear(ctx, p.vW, p.vB)

		heads := make([]*tensor.Tensor, s.heads)
		captured := make([]*tensor.Tensor, s.heads)
		for hd := 0; hd < s.heads; hd++ {
			qh := tp.SliceCols(q, hd*d, (hd+1)*d)
			kh := tp.SliceCols(k, hd*d, (hd+1)*d)
			vh := tp.SliceCols(v, hd*d, (hd+1)*d)
			scores := tp.Scale(tp.MatMul(qh, tp.Transpose(kh)), scale)
			if !scores.AllFinite() {
				return nil, fmt.Errorf("%w: layer %d head %d produced non-finite attention scores", ErrNumericalInstability, l, hd)
			}
			weights := tp.SoftmaxRows(scores, allowed)
			captured[hd] = weights.Clone()
			heads[hd] = tp.MatMul(in.drop(tp, weights), vh)
		}
		if in.attn != nil {
			in.attn.Scene[l] = captured
		}

		attended := tp.Linear(tp.ConcatCols(heads...), p.outW, p.outB)
		state = tp.LayerNorm(tp.Add(state, attended), p.gamma, p.beta, 1e-5)
	}
	return state, nil
}
