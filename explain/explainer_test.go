package explain

import (
	"math"
	"strings"
	"testing"

	"github.com/openfluke/mthgnn/nn"
	"github.com/openfluke/mthgnn/synth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func testSetup(t *testing.T) (*nn.Model, *nn.Batch) {
	t.Helper()
	cfg := nn.DefaultConfig()
	cfg.InputDim = 6
	cfg.HiddenDim = 8
	cfg.NumHeads = 2
	cfg.NumLayers = 2
	cfg.SceneDim = 3
	cfg.TemporalDim = 2
	cfg.EdgeDim = 2
	cfg.Dropout = 0
	m, err := nn.NewModel(cfg)
	require.NoError(t, err)

	opts := synth.DefaultOptions()
	opts.Nodes = 12
	opts.Edges = 30
	opts.Batches = 1
	opts.Segments = 2
	g, err := synth.New(cfg, opts)
	require.NoError(t, err)
	b, err := g.Batch(0)
	require.NoError(t, err)
	return m, b
}

func TestExplainCompleteness(t *testing.T) {
	m, b := testSetup(t)
	x, err := New(m, Options{NSteps: 200, MaxSteps: 200 * 27})
	require.NoError(t, err)

	for _, node := range []int{0, 5, 11} {
		exp, err := x.Explain(b, ForNode(node))
		require.NoError(t, err)
		assert.Equal(t, 1, exp.Class)
		assert.InDelta(t, exp.Output-exp.BaselineOutput, exp.AttributionSum, 1e-2, "node %d", node)
		assert.Less(t, exp.Delta, 1e-2)
	}
}

func TestExplainCompletenessReferenceModel(t *testing.T) {
	if testing.Short() {
		t.Skip("full-size model")
	}
	cfg := nn.DefaultConfig()
	m, err := nn.NewModel(cfg)
	require.NoError(t, err)
	g, err := synth.New(cfg, synth.DefaultOptions())
	require.NoError(t, err)
	b, err := g.Batch(0)
	require.NoError(t, err)
	require.Equal(t, 100, b.N())
	require.Equal(t, 300, b.Edges.Len())

	x, err := New(m, Options{})
	require.NoError(t, err)
	for _, node := range []int{17, 63} {
		exp, err := x.Explain(b, ForNode(node))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, exp.Steps, DefaultSteps)
		assert.InDelta(t, exp.Output-exp.BaselineOutput, exp.AttributionSum, 1e-2, "node %d", node)
	}
}

func TestExplainRefinesUntilComplete(t *testing.T) {
	m, b := testSetup(t)

	fixed, err := New(m, Options{NSteps: 2, MaxSteps: 2})
	require.NoError(t, err)
	coarse, err := fixed.Explain(b, ForNode(4))
	require.NoError(t, err)
	assert.Equal(t, 2, coarse.Steps)

	refined, err := New(m, Options{NSteps: 2, Tolerance: 1e-3, MaxSteps: 2 * 729})
	require.NoError(t, err)
	exp, err := refined.Explain(b, ForNode(4))
	require.NoError(t, err)
	assert.LessOrEqual(t, exp.Delta, math.Max(coarse.Delta, 1e-3))
	if coarse.Delta > 1e-3 {
		assert.Greater(t, exp.Steps, 2)
	}
	assert.Equal(t, coarse.Output, exp.Output)
	assert.Equal(t, coarse.BaselineOutput, exp.BaselineOutput)
}

func TestExplainGaussLegendre(t *testing.T) {
	m, b := testSetup(t)
	x, err := New(m, Options{Method: GaussLegendre})
	require.NoError(t, err)
	assert.Equal(t, GaussLegendre, x.Method())

	exp, err := x.Explain(b, ForNode(5))
	require.NoError(t, err)
	assert.InDelta(t, exp.Output-exp.BaselineOutput, exp.AttributionSum, 1e-2)
}

func TestExplainShapes(t *testing.T) {
	m, b := testSetup(t)
	x, err := New(m, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultSteps, x.Steps())
	assert.Nil(t, x.AttentionWeights())

	node := 3
	exp, err := x.Explain(b, ForNode(node))
	require.NoError(t, err)
	cfg := m.Config()
	assert.Len(t, exp.FeatureImportance, cfg.InputDim)
	assert.Len(t, exp.TemporalImportance, cfg.TemporalDim)
	require.Len(t, exp.SceneAttention, b.N())
	assert.InDelta(t, 1.0, floats.Sum(exp.SceneAttention), 1e-9)

	var incident int
	for e := range b.Edges.Src {
		if b.Edges.Src[e] == node || b.Edges.Dst[e] == node {
			incident++
		}
	}
	require.Len(t, exp.NeighborImportance, incident)
	for _, n := range exp.NeighborImportance {
		assert.True(t, n.Src == node || n.Dst == node)
		assert.False(t, math.IsNaN(n.Importance))
	}

	if len(exp.GraphAttention) > 0 {
		var sum float64
		for _, a := range exp.GraphAttention {
			sum += a.Weight
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}
	assert.NotNil(t, x.AttentionWeights())
}

func TestExplainDoesNotTouchModel(t *testing.T) {
	m, b := testSetup(t)
	before := m.Store().Snapshot()
	x, err := New(m, Options{NSteps: 5})
	require.NoError(t, err)
	_, err = x.Explain(b, ForNode(0))
	require.NoError(t, err)
	assert.Equal(t, before, m.Store().Data())
	assert.False(t, m.Store().Frozen())
	for _, g := range m.Store().Grad() {
		require.Zero(t, g)
	}
}

func TestExplainRejectsBadTargets(t *testing.T) {
	m, b := testSetup(t)
	x, err := New(m, Options{NSteps: 2})
	require.NoError(t, err)

	_, err = x.Explain(b, ForNode(b.N()))
	assert.ErrorIs(t, err, nn.ErrShapeMismatch)
	_, err = x.Explain(b, Target{Node: 0, Class: 2})
	assert.ErrorIs(t, err, nn.ErrShapeMismatch)

	bad := *b
	bad.Labels = nil
	bad.Scene = nil
	_, err = x.Explain(&bad, ForNode(0))
	assert.ErrorIs(t, err, nn.ErrShapeMismatch)

	_, err = New(m, Options{NSteps: -1})
	assert.ErrorIs(t, err, nn.ErrConfiguration)
	_, err = New(m, Options{Method: "trapezoid"})
	assert.ErrorIs(t, err, nn.ErrConfiguration)
	_, err = New(m, Options{Tolerance: -1})
	assert.ErrorIs(t, err, nn.ErrConfiguration)
	_, err = New(m, Options{NSteps: 10, MaxSteps: 5})
	assert.ErrorIs(t, err, nn.ErrConfiguration)
}

func TestSummary(t *testing.T) {
	exp := &Explanation{
		FeatureImportance:  []float64{0.1, 0.5, -0.2, 0.3, 0.0, 0.25, 0.05},
		SceneAttention:     []float64{0.5, 0.5},
		TemporalImportance: []float64{0.2, 0.4},
		NeighborImportance: []NeighborAttribution{{Importance: 0.1}, {Importance: 0.3}},
	}
	want := strings.Join([]string{
		"Top 5 important features:",
		"- Feature 1: 0.5000",
		"- Feature 3: 0.3000",
		"- Feature 5: 0.2500",
		"- Feature 0: 0.1000",
		"- Feature 6: 0.0500",
		"",
		"Scene context importance: 0.5000",
		"Temporal context importance: 0.3000",
		"Average neighbor importance: 0.2000",
	}, "\n")
	assert.Equal(t, want, Summary(exp, 0))

	exp.NeighborImportance = nil
	s := Summary(exp, 2)
	assert.True(t, strings.HasPrefix(s, "Top 2 important features:\n- Feature 1: 0.5000\n- Feature 3: 0.3000\n"))
	assert.NotContains(t, s, "neighbor")
}
