package nn

import "github.com/openfluke/mthgnn/tensor"

// FusionHead concatenates the branch outputs and projects them to logits
// through Linear → ReLU → Dropout → Linear.
type FusionHead struct {
	hidden, branches, out int
	w1, b1, w2, b2        *tensor.Tensor
}

func newFusionHead(cfg Config) *FusionHead {
	return &FusionHead{hidden: cfg.HiddenDim, branches: 3, out: cfg.OutputDim}
}

func (f *FusionHead) declare(sb *StoreBuilder) {
	sb.Declare(Key{"fusion", 0, -1, "weight"}, f.branches*f.hidden, f.hidden, InitXavier)
	sb.DeclareBias(Key{"fusion", 0, -1, "bias"}, f.branches*f.hidden, f.hidden)
	sb.Declare(Key{"fusion", 1, -1, "weight"}, f.hidden, f.out, InitXavier)
	sb.DeclareBias(Key{"fusion", 1, -1, "bias"}, f.hidden, f.out)
}

func (f *FusionHead) bind(ps *ParameterStore) {
	f.w1 = ps.Get(Key{"fusion", 0, -1, "weight"})
	f.b1 = ps.Get(Key{"fusion", 0, -1, "bias"})
	f.w2 = ps.Get(Key{"fusion", 1, -1, "weight"})
	f.b2 = ps.Get(Key{"fusion", 1, -1, "bias"})
}

// Forward returns raw N × output_dim logits.
func (f *FusionHead) Forward(tp *tensor.Tape, outs []*tensor.Tensor, in *Inputs) *tensor.Tensor {
	hidden := tp.ReLU(tp.Linear(tp.ConcatCols(outs...), f.w1, f.b1))
	return tp.Linear(in.drop(tp, hidden), f.w2, f.b2)
}
