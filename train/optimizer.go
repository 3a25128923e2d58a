package train

import (
	"fmt"
	"math"
	"strings"

	"github.com/openfluke/mthgnn/nn"
	"github.com/viterin/vek"
)

// Optimizer updates the parameter arena from the gradient arena. Every
// optimizer works on whole arenas, so one Step covers the entire model.
type Optimizer interface {
	// Step applies one update of params from grads.
	Step(params, grads []float64)

	// LR returns the current learning rate.
	LR() float64

	// SetLR changes the learning rate used by the next Step.
	SetLR(lr float64)

	// State returns the optimizer state for checkpointing.
	State() nn.OptimizerState

	// LoadState restores a state produced by State.
	LoadState(state nn.OptimizerState) error

	// Name returns the optimizer tag.
	Name() string
}

// Optimizer tags.
const (
	OptimizerAdam  = "adam"
	OptimizerAdamW = "adamw"
	OptimizerSGD   = "sgd"
)

// NewOptimizer resolves the optimizer tag once. size is the arena length.
// An unknown tag or an invalid hyperparameter is a configuration error.
func NewOptimizer(cfg nn.OptimizerConfig, size int) (Optimizer, error) {
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("%w: learning_rate must be positive, got %v", nn.ErrConfiguration, cfg.LearningRate)
	}
	if cfg.WeightDecay < 0 {
		return nil, fmt.Errorf("%w: weight_decay must not be negative", nn.ErrConfiguration)
	}
	switch tag := strings.ToLower(cfg.Type); tag {
	case OptimizerAdam, OptimizerAdamW:
		beta1, beta2, eps := cfg.Beta1, cfg.Beta2, cfg.Epsilon
		if beta1 == 0 {
			beta1 = 0.9
		}
		if beta2 == 0 {
			beta2 = 0.999
		}
		if eps == 0 {
			eps = 1e-8
		}
		if beta1 < 0 || beta1 >= 1 || beta2 < 0 || beta2 >= 1 {
			return nil, fmt.Errorf("%w: betas (%v, %v) out of [0,1)", nn.ErrConfiguration, beta1, beta2)
		}
		return &Adam{
			lr:          cfg.LearningRate,
			beta1:       beta1,
			beta2:       beta2,
			epsilon:     eps,
			weightDecay: cfg.WeightDecay,
			decoupled:   tag == OptimizerAdamW,
			m:           make([]float64, size),
			v:           make([]float64, size),
		}, nil
	case OptimizerSGD:
		if cfg.Momentum < 0 || cfg.Momentum >= 1 {
			return nil, fmt.Errorf("%w: momentum %v out of [0,1)", nn.ErrConfiguration, cfg.Momentum)
		}
		return &SGD{
			lr:          cfg.LearningRate,
			momentum:    cfg.Momentum,
			weightDecay: cfg.WeightDecay,
			velocity:    make([]float64, size),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported optimizer %q", nn.ErrConfiguration, cfg.Type)
	}
}

// ============================================================================
// SGD Optimizer (Stochastic Gradient Descent with optional momentum)
// ============================================================================

type SGD struct {
	lr          float64
	momentum    float64
	weightDecay float64
	velocity    []float64
	step        int
	scratch     []float64
}

func (o *SGD) Step(params, grads []float64) {
	o.step++
	g := grads
	if o.weightDecay > 0 {
		// L2 penalty folded into the gradient.
		o.scratch = append(o.scratch[:0], params...)
		vek.MulNumber_Inplace(o.scratch, o.weightDecay)
		vek.Add_Inplace(o.scratch, grads)
		g = o.scratch
	}
	if o.momentum == 0 {
		for i, gi := range g {
			params[i] -= o.lr * gi
		}
		return
	}
	// v = momentum·v + g; w -= lr·v
	vek.MulNumber_Inplace(o.velocity, o.momentum)
	vek.Add_Inplace(o.velocity, g)
	for i, vi := range o.velocity {
		params[i] -= o.lr * vi
	}
}

func (o *SGD) LR() float64      { return o.lr }
func (o *SGD) SetLR(lr float64) { o.lr = lr }
func (o *SGD) Name() string     { return OptimizerSGD }

func (o *SGD) State() nn.OptimizerState {
	return nn.OptimizerState{
		Type: OptimizerSGD,
		Step: o.step,
		Scalars: map[string]float64{
			"lr":           o.lr,
			"momentum":     o.momentum,
			"weight_decay": o.weightDecay,
		},
		Slots: map[string][]float64{"velocity": append([]float64(nil), o.velocity...)},
	}
}

func (o *SGD) LoadState(state nn.OptimizerState) error {
	if state.Type != OptimizerSGD {
		return fmt.Errorf("%w: optimizer state is %q, want %q", nn.ErrCheckpoint, state.Type, OptimizerSGD)
	}
	if err := loadSlot(state, "velocity", o.velocity); err != nil {
		return err
	}
	o.step = state.Step
	if lr, ok := state.Scalars["lr"]; ok {
		o.lr = lr
	}
	return nil
}

// ============================================================================
// Adam / AdamW Optimizer
// ============================================================================

// Adam implements Adam with L2 weight decay, or AdamW with decoupled weight
// decay when decoupled is set.
type Adam struct {
	lr          float64
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64
	decoupled   bool
	step        int

	// First moment estimates
	m []float64
	// Second moment estimates
	v []float64
}

func (o *Adam) Step(params, grads []float64) {
	o.step++
	bias1 := 1 - math.Pow(o.beta1, float64(o.step))
	bias2 := 1 - math.Pow(o.beta2, float64(o.step))
	stepSize := o.lr / bias1

	for i, g := range grads {
		if o.weightDecay > 0 {
			if o.decoupled {
				params[i] -= o.lr * o.weightDecay * params[i]
			} else {
				g += o.weightDecay * params[i]
			}
		}
		o.m[i] = o.beta1*o.m[i] + (1-o.beta1)*g
		o.v[i] = o.beta2*o.v[i] + (1-o.beta2)*g*g
		params[i] -= stepSize * o.m[i] / (math.Sqrt(o.v[i]/bias2) + o.epsilon)
	}
}

func (o *Adam) LR() float64      { return o.lr }
func (o *Adam) SetLR(lr float64) { o.lr = lr }

func (o *Adam) Name() string {
	if o.decoupled {
		return OptimizerAdamW
	}
	return OptimizerAdam
}

func (o *Adam) State() nn.OptimizerState {
	return nn.OptimizerState{
		Type: o.Name(),
		Step: o.step,
		Scalars: map[string]float64{
			"lr":           o.lr,
			"beta1":        o.beta1,
			"beta2":        o.beta2,
			"epsilon":      o.epsilon,
			"weight_decay": o.weightDecay,
		},
		Slots: map[string][]float64{
			"m": append([]float64(nil), o.m...),
			"v": append([]float64(nil), o.v...),
		},
	}
}

func (o *Adam) LoadState(state nn.OptimizerState) error {
	if state.Type != o.Name() {
		return fmt.Errorf("%w: optimizer state is %q, want %q", nn.ErrCheckpoint, state.Type, o.Name())
	}
	if err := loadSlot(state, "m", o.m); err != nil {
		return err
	}
	if err := loadSlot(state, "v", o.v); err != nil {
		return err
	}
	o.step = state.Step
	if lr, ok := state.Scalars["lr"]; ok {
		o.lr = lr
	}
	return nil
}

func loadSlot(state nn.OptimizerState, name string, dst []float64) error {
	src, ok := state.Slots[name]
	if !ok {
		return fmt.Errorf("%w: optimizer slot %q missing", nn.ErrCheckpoint, name)
	}
	if len(src) != len(dst) {
		return fmt.Errorf("%w: optimizer slot %q has %d values, want %d", nn.ErrCheckpoint, name, len(src), len(dst))
	}
	copy(dst, src)
	return nil
}
