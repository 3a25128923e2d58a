package nn

import (
	"fmt"

	"github.com/openfluke/mthgnn/tensor"
)

// Projector maps raw node features to the hidden width. No activation.
type Projector struct {
	inputDim  int
	hiddenDim int
	w, b      *tensor.Tensor
}

func newProjector(cfg Config) *Projector {
	return &Projector{inputDim: cfg.InputDim, hiddenDim: cfg.HiddenDim}
}

func (p *Projector) declare(sb *StoreBuilder) {
	sb.Declare(Key{"input", -1, -1, "weight"}, p.inputDim, p.hiddenDim, InitXavier)
	sb.DeclareBias(Key{"input", -1, -1, "bias"}, p.inputDim, p.hiddenDim)
}

func (p *Projector) bind(s *ParameterStore) {
	p.w = s.Get(Key{"input", -1, -1, "weight"})
	p.b = s.Get(Key{"input", -1, -1, "bias"})
}

// Forward returns x·W + b.
func (p *Projector) Forward(tp *tensor.Tape, x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Cols != p.inputDim {
		return nil, fmt.Errorf("%w: projector expects %d input columns, got %d", ErrShapeMismatch, p.inputDim, x.Cols)
	}
	return tp.Linear(x, p.w, p.b), nil
}
