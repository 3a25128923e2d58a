package train

import (
	"testing"

	"github.com/openfluke/mthgnn/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineAnnealing(t *testing.T) {
	s, err := NewScheduler(&nn.SchedulerConfig{Type: "cosine", TMax: 10, EtaMin: 0.001}, 0.1, 100)
	require.NoError(t, err)
	assert.Equal(t, SchedulerCosine, s.Name())
	assert.InDelta(t, 0.1, s.LR(0), 1e-12)
	assert.InDelta(t, 0.001+(0.1-0.001)/2, s.LR(5), 1e-12)
	assert.InDelta(t, 0.001, s.LR(10), 1e-12)
	// Held at eta_min after T_max.
	assert.InDelta(t, 0.001, s.LR(25), 1e-12)
}

func TestCosineDefaultsToEpochs(t *testing.T) {
	s, err := NewScheduler(&nn.SchedulerConfig{Type: "cosine"}, 0.1, 4)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, s.LR(2), 1e-12)
}

func TestStepDecay(t *testing.T) {
	s, err := NewScheduler(&nn.SchedulerConfig{Type: "step", StepSize: 3, Gamma: 0.5}, 0.2, 10)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, s.LR(2), 1e-12)
	assert.InDelta(t, 0.1, s.LR(3), 1e-12)
	assert.InDelta(t, 0.05, s.LR(7), 1e-12)
}

func TestLinearDecay(t *testing.T) {
	s, err := NewScheduler(&nn.SchedulerConfig{Type: "linear", TMax: 4}, 0.4, 10)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, s.LR(2), 1e-12)
	assert.InDelta(t, 0.0, s.LR(4), 1e-12)
}

func TestNewSchedulerAbsentAndInvalid(t *testing.T) {
	s, err := NewScheduler(nil, 0.1, 10)
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = NewScheduler(&nn.SchedulerConfig{Type: "plateau"}, 0.1, 10)
	assert.ErrorIs(t, err, nn.ErrConfiguration)
	_, err = NewScheduler(&nn.SchedulerConfig{Type: "step"}, 0.1, 10)
	assert.ErrorIs(t, err, nn.ErrConfiguration)
	_, err = NewScheduler(&nn.SchedulerConfig{Type: "cosine", EtaMin: 1}, 0.1, 10)
	assert.ErrorIs(t, err, nn.ErrConfiguration)
}
