package evaluation

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateKnownValues(t *testing.T) {
	labels := []float64{1, 1, 0, 0, 1, 0}
	scores := []float64{0.9, 0.4, 0.6, 0.1, 0.8, 0.2}

	m, err := Evaluate(labels, scores, 0.5)
	require.NoError(t, err)
	assert.Equal(t, Confusion{TP: 2, FP: 1, TN: 2, FN: 1}, m.Confusion)
	assert.InDelta(t, 4.0/6.0, m.Accuracy, 1e-12)
	assert.InDelta(t, 2.0/3.0, m.Precision, 1e-12)
	assert.InDelta(t, 2.0/3.0, m.Recall, 1e-12)
	assert.InDelta(t, 2.0/3.0, m.F1, 1e-12)
	// 8 of the 9 positive/negative pairs are ranked correctly.
	assert.InDelta(t, 8.0/9.0, m.AUCROC, 1e-12)
}

func TestEvaluatePerfectRanking(t *testing.T) {
	m, err := Evaluate([]float64{0, 0, 1, 1}, []float64{0.1, 0.2, 0.7, 0.8}, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1.0, m.AUCROC)
	assert.Equal(t, 1.0, m.F1)
}

func TestEvaluateDegenerateCases(t *testing.T) {
	m, err := Evaluate([]float64{1, 0, 1}, []float64{0.1, 0.2, 0.3}, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.Precision, "no predicted positives")
	assert.Equal(t, 0.0, m.F1)

	single, err := Evaluate([]float64{0, 0, 0}, []float64{0.1, 0.9, 0.3}, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0.5, single.AUCROC)

	_, err = Evaluate([]float64{1}, []float64{0.2, 0.3}, 0.5)
	assert.ErrorIs(t, err, ErrLengthMismatch)
	_, err = Evaluate(nil, nil, 0.5)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestEvaluateRandomScoresInUnitInterval(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	labels := make([]float64, 100)
	scores := make([]float64, 100)
	for i := range labels {
		if i%2 == 0 {
			labels[i] = 1
		}
		scores[i] = rng.Float64()
	}
	m, err := NewEvaluator(DefaultThreshold).Evaluate(labels, scores)
	require.NoError(t, err)

	got := m.Map()
	for _, key := range []string{"accuracy", "precision", "recall", "f1", "auc_roc"} {
		v, ok := got[key]
		require.True(t, ok, key)
		assert.GreaterOrEqual(t, v, 0.0, key)
		assert.LessOrEqual(t, v, 1.0, key)
	}
}

func TestThresholdCurve(t *testing.T) {
	labels := []float64{0, 0, 1, 1}
	scores := []float64{0.1, 0.35, 0.4, 0.8}

	curve, err := ThresholdCurve(labels, scores, 0)
	require.NoError(t, err)
	require.Len(t, curve, DefaultPoints)
	assert.Equal(t, 0.0, curve[0].Threshold)
	assert.Equal(t, 1.0, curve[len(curve)-1].Threshold)
	assert.Equal(t, 1.0, curve[0].Recall)
	assert.Equal(t, 0.0, curve[len(curve)-1].Recall)

	thr, err := OptimalThreshold(labels, scores, MetricF1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, thr, 0.35)
	assert.Less(t, thr, 0.4)

	recallThr, err := OptimalThreshold(labels, scores, MetricRecall)
	require.NoError(t, err)
	assert.Equal(t, 0.0, recallThr)

	_, err = OptimalThreshold(labels, scores, "auc")
	assert.ErrorIs(t, err, ErrUnknownMetric)
}

func TestGrid(t *testing.T) {
	g := Grid(5)
	assert.Equal(t, []float64{0, 0.25, 0.5, 0.75, 1}, g)
	assert.Len(t, Grid(-1), DefaultPoints)
}

func TestMetricsSaveLoad(t *testing.T) {
	m, err := Evaluate([]float64{1, 0}, []float64{0.9, 0.1}, 0.5)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, m.Save(path))

	loaded, err := LoadMetrics(path)
	require.NoError(t, err)
	assert.Equal(t, m, loaded)
}
