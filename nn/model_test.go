package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/openfluke/mthgnn/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomTensor(rng *rand.Rand, rows, cols int) *tensor.Tensor {
	t := tensor.New(rows, cols)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()
	}
	return t
}

func randomBatch(cfg Config, n, e int, seed int64) *Batch {
	rng := rand.New(rand.NewSource(seed))
	b := &Batch{
		Features: randomTensor(rng, n, cfg.InputDim),
		Scene:    randomTensor(rng, n, cfg.SceneDim),
		Temporal: randomTensor(rng, n, cfg.TemporalDim),
		Labels:   make([]float64, n),
		Edges:    EdgeIndex{Src: make([]int, e), Dst: make([]int, e)},
	}
	for i := 0; i < e; i++ {
		b.Edges.Src[i] = rng.Intn(n)
		b.Edges.Dst[i] = rng.Intn(n)
	}
	if cfg.EdgeDim > 0 {
		b.EdgeAttr = randomTensor(rng, e, cfg.EdgeDim)
	}
	for i := range b.Labels {
		b.Labels[i] = float64(rng.Intn(2))
	}
	return b
}

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.InputDim = 5
	cfg.HiddenDim = 8
	cfg.NumHeads = 2
	cfg.NumLayers = 2
	cfg.SceneDim = 3
	cfg.TemporalDim = 2
	cfg.EdgeDim = 2
	cfg.Dropout = 0
	return cfg
}

func TestForwardReferenceScenario(t *testing.T) {
	cfg := DefaultConfig()
	m, err := NewModel(cfg)
	require.NoError(t, err)

	b := randomBatch(cfg, 100, 300, 1)
	logits, err := m.Forward(b)
	require.NoError(t, err)
	assert.Equal(t, 100, logits.Rows)
	assert.Equal(t, 2, logits.Cols)
	assert.True(t, logits.AllFinite())

	scores := FraudScores(logits)
	require.Len(t, scores, 100)
	for _, s := range scores {
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}

func scaledBatch(b *Batch, alpha float64) *Batch {
	scale := func(t *tensor.Tensor) *tensor.Tensor {
		if t == nil {
			return nil
		}
		out := t.Clone()
		for i := range out.Data {
			out.Data[i] *= alpha
		}
		return out
	}
	c := *b
	c.Features = scale(b.Features)
	c.EdgeAttr = scale(b.EdgeAttr)
	c.Scene = scale(b.Scene)
	c.Temporal = scale(b.Temporal)
	return &c
}

// The zero input is the attribution baseline; the output has to approach it
// continuously.
func TestForwardIsContinuousAtZeroInput(t *testing.T) {
	cfg := DefaultConfig()
	m, err := NewModel(cfg)
	require.NoError(t, err)
	b := randomBatch(cfg, 20, 40, 11)

	zero, err := m.Forward(scaledBatch(b, 0))
	require.NoError(t, err)
	near, err := m.Forward(scaledBatch(b, 1e-7))
	require.NoError(t, err)
	assert.Less(t, tensor.MaxAbsDiff(zero.Data, near.Data), 1e-3)

	for _, key := range []Key{{"input", -1, -1, "bias"}, {"fusion", 1, -1, "bias"}, {"temporal", 0, -1, "conv.bias"}} {
		assert.NotEqual(t, make([]float64, m.Store().Get(key).Len()), m.Store().Get(key).Data, key.String())
	}
	assert.Equal(t, make([]float64, cfg.HiddenDim), m.Store().Get(Key{"scene", 0, -1, "norm.beta"}).Data)
}

func TestForwardIsDeterministicWithoutDropout(t *testing.T) {
	cfg := smallConfig()
	m, err := NewModel(cfg)
	require.NoError(t, err)
	b := randomBatch(cfg, 12, 30, 2)

	first, err := m.Forward(b)
	require.NoError(t, err)
	second, err := m.Forward(b)
	require.NoError(t, err)
	assert.Equal(t, first.Data, second.Data)
}

func TestGraphAttentionSumsToOnePerDestination(t *testing.T) {
	cfg := smallConfig()
	m, err := NewModel(cfg)
	require.NoError(t, err)
	b := randomBatch(cfg, 20, 60, 3)

	_, err = m.Forward(b)
	require.NoError(t, err)
	attn := m.LastAttention()
	require.NotNil(t, attn)
	require.Len(t, attn.Graph, cfg.NumLayers)

	for l := range attn.Graph {
		require.Len(t, attn.Graph[l], cfg.NumHeads)
		for h := range attn.Graph[l] {
			for node := 0; node < 20; node++ {
				idx, w := attn.Incoming(l, h, node)
				if len(idx) == 0 {
					continue
				}
				var sum float64
				for _, v := range w {
					sum += v
				}
				assert.InDelta(t, 1, sum, 1e-5, "layer %d head %d node %d", l, h, node)
			}
		}
	}
}

func TestSceneAttentionRowsSumToOne(t *testing.T) {
	cfg := smallConfig()
	m, err := NewModel(cfg)
	require.NoError(t, err)
	b := randomBatch(cfg, 10, 20, 4)
	b.BatchID = []int{0, 0, 0, 0, 0, 1, 1, 1, 1, 1}

	_, err = m.Forward(b)
	require.NoError(t, err)
	row := m.LastAttention().SceneRow(-1, 2)
	require.Len(t, row, 10)
	var sum float64
	for j, v := range row {
		sum += v
		if j >= 5 {
			assert.Equal(t, 0.0, v, "node 2 must not attend to another batch")
		}
	}
	assert.InDelta(t, 1, sum, 1e-9)
}

func TestZeroInDegreeNodeAggregatesToZero(t *testing.T) {
	cfg := smallConfig()
	m, err := NewModel(cfg)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(5))

	h := randomTensor(rng, 4, cfg.HiddenDim)
	in := &Inputs{
		Edges:    EdgeIndex{Src: []int{0, 1, 2}, Dst: []int{1, 2, 1}},
		EdgeAttr: randomTensor(rng, 3, cfg.EdgeDim),
	}
	out, err := m.graph.Forward(nil, h, in)
	require.NoError(t, err)
	for _, node := range []int{0, 3} {
		for _, v := range out.Row(node) {
			assert.Equal(t, 0.0, v)
		}
	}
	assert.True(t, out.AllFinite())
}

func TestGraphBranchWithoutEdges(t *testing.T) {
	cfg := smallConfig()
	m, err := NewModel(cfg)
	require.NoError(t, err)
	b := randomBatch(cfg, 6, 0, 6)

	logits, err := m.Forward(b)
	require.NoError(t, err)
	assert.Equal(t, 6, logits.Rows)
	assert.True(t, logits.AllFinite())
}

func TestGraphMeanMerge(t *testing.T) {
	cfg := smallConfig()
	cfg.HeadMerge = MergeMean
	m, err := NewModel(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.HiddenDim, m.Store().Get(Key{"graph", 0, 0, "attention"}).Rows/2)

	logits, err := m.Forward(randomBatch(cfg, 8, 16, 7))
	require.NoError(t, err)
	assert.Equal(t, cfg.OutputDim, logits.Cols)
}

func TestTemporalBranchIsCausal(t *testing.T) {
	cfg := smallConfig()
	cfg.NumLayers = 3
	m, err := NewModel(cfg)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(8))

	n := 16
	h := randomTensor(rng, n, cfg.HiddenDim)
	in := &Inputs{Temporal: randomTensor(rng, n, cfg.TemporalDim)}
	base, err := m.temporal.Forward(nil, h, in)
	require.NoError(t, err)
	assert.Equal(t, n, base.Rows)

	const changed = 9
	for j := range h.Row(changed) {
		h.Row(changed)[j] += 5
	}
	perturbed, err := m.temporal.Forward(nil, h, in)
	require.NoError(t, err)
	for row := 0; row < n; row++ {
		diff := tensor.MaxAbsDiff(base.Row(row), perturbed.Row(row))
		if row < changed {
			assert.Zero(t, diff, "row %d saw a later input", row)
		} else if row == changed {
			assert.Greater(t, diff, 0.0)
		}
	}
}

func TestTemporalBranchRespectsBatchBoundaries(t *testing.T) {
	cfg := smallConfig()
	m, err := NewModel(cfg)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(9))

	h := randomTensor(rng, 6, cfg.HiddenDim)
	in := &Inputs{Temporal: randomTensor(rng, 6, cfg.TemporalDim), BatchID: []int{0, 0, 0, 1, 1, 1}}
	base, err := m.temporal.Forward(nil, h, in)
	require.NoError(t, err)

	h.Row(1)[0] += 3
	perturbed, err := m.temporal.Forward(nil, h, in)
	require.NoError(t, err)
	for row := 3; row < 6; row++ {
		assert.Zero(t, tensor.MaxAbsDiff(base.Row(row), perturbed.Row(row)))
	}
}

func TestTemporalBranchInterleavedGroups(t *testing.T) {
	cfg := smallConfig()
	cfg.NumLayers = 2
	m, err := NewModel(cfg)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(10))

	ids := []int{0, 1, 0, 1, 1, 0, 0, 1}
	h := randomTensor(rng, len(ids), cfg.HiddenDim)
	temporal := randomTensor(rng, len(ids), cfg.TemporalDim)
	mixed, err := m.temporal.Forward(nil, h, &Inputs{Temporal: temporal, BatchID: ids})
	require.NoError(t, err)

	var tp *tensor.Tape
	for _, group := range []int{0, 1} {
		var rows []int
		for i, id := range ids {
			if id == group {
				rows = append(rows, i)
			}
		}
		alone, err := m.temporal.Forward(nil, tp.GatherRows(h, rows), &Inputs{Temporal: tp.GatherRows(temporal, rows)})
		require.NoError(t, err)
		for k, i := range rows {
			assert.LessOrEqual(t, tensor.MaxAbsDiff(alone.Row(k), mixed.Row(i)), 1e-12, "group %d row %d", group, i)
		}
	}
}

func TestForwardShapeErrors(t *testing.T) {
	cfg := smallConfig()
	m, err := NewModel(cfg)
	require.NoError(t, err)

	cases := map[string]func(b *Batch){
		"feature width":   func(b *Batch) { b.Features = tensor.New(b.N(), cfg.InputDim+1) },
		"edge range":      func(b *Batch) { b.Edges.Dst[0] = b.N() },
		"edge lengths":    func(b *Batch) { b.Edges.Dst = b.Edges.Dst[:1] },
		"edge attr rows":  func(b *Batch) { b.EdgeAttr = tensor.New(1, cfg.EdgeDim) },
		"scene rows":      func(b *Batch) { b.Scene = tensor.New(1, cfg.SceneDim) },
		"missing context": func(b *Batch) { b.Temporal = nil },
		"mask length":     func(b *Batch) { b.Mask = []float64{1} },
		"batch ids":       func(b *Batch) { b.BatchID = []int{0} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			b := randomBatch(cfg, 5, 4, 10)
			mutate(b)
			_, err := m.Forward(b)
			assert.ErrorIs(t, err, ErrShapeMismatch)
		})
	}
}

func TestForwardDeviceError(t *testing.T) {
	cfg := smallConfig()
	m, err := NewModel(cfg)
	require.NoError(t, err)
	b := randomBatch(cfg, 5, 4, 11)
	b.Device = "cuda"
	_, err = m.Forward(b)
	assert.ErrorIs(t, err, ErrDevice)
}

func TestLossProperties(t *testing.T) {
	b := &Batch{Features: tensor.New(4, 1), Labels: []float64{1, 0, 1, 0}}

	var prev = math.Inf(1)
	for _, scale := range []float64{0, 0.5, 1, 2, 4, 8} {
		logits := tensor.New(4, 1)
		for i, y := range b.Labels {
			logits.Data[i] = scale * (2*y - 1)
		}
		loss, err := Loss(nil, logits, b)
		require.NoError(t, err)
		v := loss.Scalar()
		assert.GreaterOrEqual(t, v, 0.0)
		assert.Less(t, v, prev)
		prev = v
	}
}

func TestLossMask(t *testing.T) {
	logits := tensor.FromRows([][]float64{{0, 0}, {10, -10}})
	b := &Batch{Features: tensor.New(2, 1), Labels: []float64{1, 1}}

	full, err := Loss(nil, logits, b)
	require.NoError(t, err)

	b.Mask = []float64{1, 0}
	masked, err := Loss(nil, logits, b)
	require.NoError(t, err)
	assert.InDelta(t, math.Ln2, masked.Scalar(), 1e-12)
	assert.NotEqual(t, full.Scalar(), masked.Scalar())

	b.Mask = []float64{0, 0}
	zero, err := Loss(nil, logits, b)
	require.NoError(t, err)
	assert.Equal(t, 0.0, zero.Scalar())

	b.Mask = []float64{1}
	_, err = Loss(nil, logits, b)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestLossNonFinite(t *testing.T) {
	logits := tensor.FromRows([][]float64{{math.NaN()}})
	b := &Batch{Features: tensor.New(1, 1), Labels: []float64{1}}
	_, err := Loss(nil, logits, b)
	assert.ErrorIs(t, err, ErrNumericalInstability)
}

func TestModelGradientMatchesFiniteDifferences(t *testing.T) {
	cfg := smallConfig()
	m, err := NewModel(cfg)
	require.NoError(t, err)
	b := randomBatch(cfg, 7, 12, 12)
	b.Labels = []float64{0, 1, 1, 0, 1, 0, 0}

	lossAt := func() float64 {
		logits, err := m.Forward(b)
		require.NoError(t, err)
		loss, err := Loss(nil, logits, b)
		require.NoError(t, err)
		return loss.Scalar()
	}

	store := m.Store()
	store.ZeroGrad()
	tp := tensor.NewTape()
	logits, err := m.ForwardTape(tp, b, Mode{})
	require.NoError(t, err)
	loss, err := Loss(tp, logits, b)
	require.NoError(t, err)
	require.NoError(t, tp.Backward(loss))

	rng := rand.New(rand.NewSource(13))
	data, grad := store.Data(), store.Grad()
	const h = 1e-6
	for k := 0; k < 40; k++ {
		i := rng.Intn(store.Size())
		orig := data[i]
		data[i] = orig + h
		plus := lossAt()
		data[i] = orig - h
		minus := lossAt()
		data[i] = orig
		assert.InDelta(t, (plus-minus)/(2*h), grad[i], 1e-5, "parameter %d", i)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := smallConfig()
	m, err := NewModel(cfg)
	require.NoError(t, err)
	c := m.Clone()
	b := randomBatch(cfg, 6, 10, 14)

	before, err := c.Forward(b)
	require.NoError(t, err)
	for i := range m.Store().Data() {
		m.Store().Data()[i] += 1
	}
	after, err := c.Forward(b)
	require.NoError(t, err)
	assert.Equal(t, before.Data, after.Data)
}

func TestNewModelRejectsBadConfig(t *testing.T) {
	cfg := smallConfig()
	cfg.NumHeads = 3
	_, err := NewModel(cfg)
	assert.ErrorIs(t, err, ErrConfiguration)
}
