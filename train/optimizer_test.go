package train

import (
	"testing"

	"github.com/openfluke/mthgnn/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quadraticGrad returns the gradient of Σ (x - 3)².
func quadraticGrad(x []float64) []float64 {
	g := make([]float64, len(x))
	for i, v := range x {
		g[i] = 2 * (v - 3)
	}
	return g
}

func TestOptimizersMinimiseQuadratic(t *testing.T) {
	cases := map[string]nn.OptimizerConfig{
		"adam":         {Type: OptimizerAdam, LearningRate: 0.1},
		"adamw":        {Type: OptimizerAdamW, LearningRate: 0.1},
		"sgd":          {Type: OptimizerSGD, LearningRate: 0.1},
		"sgd momentum": {Type: OptimizerSGD, LearningRate: 0.05, Momentum: 0.9},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			opt, err := NewOptimizer(cfg, 3)
			require.NoError(t, err)
			x := []float64{-1, 0, 5}
			for i := 0; i < 500; i++ {
				opt.Step(x, quadraticGrad(x))
			}
			assert.InDeltaSlice(t, []float64{3, 3, 3}, x, 1e-2)
		})
	}
}

func TestAdamWDecaysWithoutGradient(t *testing.T) {
	opt, err := NewOptimizer(nn.OptimizerConfig{Type: OptimizerAdamW, LearningRate: 0.1, WeightDecay: 0.5}, 1)
	require.NoError(t, err)
	x := []float64{2}
	opt.Step(x, []float64{0})
	assert.InDelta(t, 2-0.1*0.5*2, x[0], 1e-12)
}

func TestNewOptimizerRejectsBadConfig(t *testing.T) {
	for name, cfg := range map[string]nn.OptimizerConfig{
		"unknown":  {Type: "lion", LearningRate: 0.1},
		"lr":       {Type: OptimizerAdam},
		"decay":    {Type: OptimizerAdam, LearningRate: 0.1, WeightDecay: -1},
		"beta":     {Type: OptimizerAdam, LearningRate: 0.1, Beta1: 1},
		"momentum": {Type: OptimizerSGD, LearningRate: 0.1, Momentum: 1.2},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewOptimizer(cfg, 1)
			assert.ErrorIs(t, err, nn.ErrConfiguration)
		})
	}
}

func TestOptimizerStateRoundTrip(t *testing.T) {
	cfg := nn.OptimizerConfig{Type: OptimizerAdam, LearningRate: 0.05}
	a, err := NewOptimizer(cfg, 2)
	require.NoError(t, err)
	xa := []float64{0, 1}
	for i := 0; i < 3; i++ {
		a.Step(xa, quadraticGrad(xa))
	}

	b, err := NewOptimizer(cfg, 2)
	require.NoError(t, err)
	require.NoError(t, b.LoadState(a.State()))
	xb := append([]float64(nil), xa...)

	a.Step(xa, quadraticGrad(xa))
	b.Step(xb, quadraticGrad(xb))
	assert.Equal(t, xa, xb)

	sgd, err := NewOptimizer(nn.OptimizerConfig{Type: OptimizerSGD, LearningRate: 0.1}, 2)
	require.NoError(t, err)
	assert.ErrorIs(t, sgd.LoadState(a.State()), nn.ErrCheckpoint)

	short, err := NewOptimizer(cfg, 3)
	require.NoError(t, err)
	assert.ErrorIs(t, short.LoadState(a.State()), nn.ErrCheckpoint)
}
