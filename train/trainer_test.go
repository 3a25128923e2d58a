package train

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/openfluke/mthgnn/logging"
	"github.com/openfluke/mthgnn/nn"
	"github.com/openfluke/mthgnn/synth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() nn.Config {
	cfg := nn.DefaultConfig()
	cfg.InputDim = 6
	cfg.HiddenDim = 8
	cfg.NumHeads = 2
	cfg.NumLayers = 1
	cfg.SceneDim = 3
	cfg.TemporalDim = 2
	cfg.EdgeDim = 2
	cfg.Dropout = 0
	cfg.Epochs = 4
	cfg.Optimizer.LearningRate = 1e-2
	return cfg
}

func sources(t *testing.T, cfg nn.Config, batches int) (BatchSource, BatchSource) {
	t.Helper()
	opts := synth.DefaultOptions()
	opts.Nodes = 30
	opts.Edges = 60
	opts.Batches = batches
	opts.FraudRate = 0.3
	opts.Signal = 2
	train, err := synth.New(cfg, opts)
	require.NoError(t, err)
	opts.Seed = 7
	opts.Batches = 1
	val, err := synth.New(cfg, opts)
	require.NoError(t, err)
	return train, val
}

func newTrainer(t *testing.T, cfg nn.Config, opts ...Option) *Trainer {
	t.Helper()
	m, err := nn.NewModel(cfg)
	require.NoError(t, err)
	tr, err := NewTrainer(m, opts...)
	require.NoError(t, err)
	return tr
}

func TestFitCompletes(t *testing.T) {
	cfg := testConfig()
	trainSrc, valSrc := sources(t, cfg, 2)
	tr := newTrainer(t, cfg)
	assert.Equal(t, StateIdle, tr.State())

	h, err := tr.Fit(context.Background(), trainSrc, valSrc)
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, h.StopReason)
	assert.Equal(t, StateCompleted, tr.State())
	assert.Equal(t, cfg.Epochs, h.Len())
	assert.Equal(t, cfg.Epochs, tr.Epoch())

	for i, rec := range h.Records {
		assert.Equal(t, i, rec.Epoch)
		assert.False(t, math.IsNaN(rec.TrainLoss))
		assert.GreaterOrEqual(t, rec.TrainLoss, 0.0)
		assert.GreaterOrEqual(t, rec.ValLoss, 0.0)
		for k, v := range rec.Metrics {
			assert.GreaterOrEqual(t, v, 0.0, k)
			assert.LessOrEqual(t, v, 1.0, k)
		}
	}
	require.GreaterOrEqual(t, h.BestEpoch, 0)
	assert.Equal(t, h.Records[h.BestEpoch].ValLoss, h.BestLoss)
}

func TestFitReducesTrainingLoss(t *testing.T) {
	cfg := testConfig()
	cfg.Epochs = 12
	trainSrc, valSrc := sources(t, cfg, 2)
	tr := newTrainer(t, cfg)

	h, err := tr.Fit(context.Background(), trainSrc, valSrc)
	require.NoError(t, err)
	losses := h.TrainLosses()
	assert.Less(t, losses[len(losses)-1], losses[0])
}

func TestEarlyStoppingCheckpointsOnlyImprovements(t *testing.T) {
	cfg := testConfig()
	cfg.Epochs = 20
	cfg.Patience = 2
	// Nothing after the first epoch can beat the best loss by this much.
	cfg.MinDelta = 1e9
	trainSrc, valSrc := sources(t, cfg, 1)
	ckpts := &MemoryCheckpointer{}
	tr := newTrainer(t, cfg, WithCheckpointer(ckpts))

	h, err := tr.Fit(context.Background(), trainSrc, valSrc)
	require.NoError(t, err)
	assert.Equal(t, StopEarly, h.StopReason)
	assert.Equal(t, StateEarlyStopped, tr.State())
	assert.Equal(t, 3, h.Len())
	assert.True(t, h.Records[0].Improved)
	assert.False(t, h.Records[1].Improved)
	assert.False(t, h.Records[2].Improved)

	epochs, err := ckpts.Epochs()
	require.NoError(t, err)
	assert.Equal(t, []int{0}, epochs)

	// A finished trainer does not train again.
	again, err := tr.Fit(context.Background(), trainSrc, valSrc)
	require.NoError(t, err)
	assert.Equal(t, 3, again.Len())
}

func TestCheckpointCountMatchesImprovements(t *testing.T) {
	cfg := testConfig()
	cfg.Epochs = 6
	trainSrc, valSrc := sources(t, cfg, 2)
	ckpts := &MemoryCheckpointer{}
	tr := newTrainer(t, cfg, WithCheckpointer(ckpts))

	h, err := tr.Fit(context.Background(), trainSrc, valSrc)
	require.NoError(t, err)

	var improved []int
	for _, rec := range h.Records {
		if rec.Improved {
			improved = append(improved, rec.Epoch)
		}
	}
	epochs, err := ckpts.Epochs()
	require.NoError(t, err)
	assert.Equal(t, improved, epochs)
	assert.LessOrEqual(t, h.Len(), cfg.Epochs)
}

func TestFileCheckpointerWritesNamedFiles(t *testing.T) {
	cfg := testConfig()
	cfg.Epochs = 2
	trainSrc, valSrc := sources(t, cfg, 1)
	dir := filepath.Join(t.TempDir(), "ckpt")
	fc, err := NewFileCheckpointer(dir)
	require.NoError(t, err)
	tr := newTrainer(t, cfg, WithCheckpointer(fc), WithRunID("run-1"))

	_, err = tr.Fit(context.Background(), trainSrc, valSrc)
	require.NoError(t, err)
	require.NotEmpty(t, fc.Paths())
	assert.Equal(t, filepath.Join(dir, "best_model_epoch_0.safetensors"), fc.Paths()[0])

	ckpt, err := nn.LoadCheckpoint(fc.Latest())
	require.NoError(t, err)
	assert.Equal(t, "run-1", ckpt.RunID)
	assert.Equal(t, OptimizerAdam, ckpt.Optimizer.Type)
	_, err = os.Stat(fc.Latest())
	assert.NoError(t, err)
}

func TestResumeContinuesFromCheckpoint(t *testing.T) {
	cfg := testConfig()
	cfg.Epochs = 2
	trainSrc, valSrc := sources(t, cfg, 1)
	ckpts := &MemoryCheckpointer{}
	first := newTrainer(t, cfg, WithCheckpointer(ckpts))
	_, err := first.Fit(context.Background(), trainSrc, valSrc)
	require.NoError(t, err)

	ckpt, err := ckpts.Latest()
	require.NoError(t, err)

	cfg.Epochs = 4
	second := newTrainer(t, cfg)
	require.NoError(t, second.Resume(ckpt))
	assert.Equal(t, ckpt.Epoch+1, second.Epoch())
	assert.Equal(t, ckpt.Parameters, second.Model().Store().Data())
	assert.Equal(t, ckpt.Optimizer.Step, second.Optimizer().State().Step)

	h, err := second.Fit(context.Background(), trainSrc, valSrc)
	require.NoError(t, err)
	assert.Equal(t, cfg.Epochs-ckpt.Epoch-1, h.Len())
	assert.Equal(t, ckpt.Epoch+1, h.Records[0].Epoch)
}

func TestNewTrainerRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Optimizer.Type = "rmsprop"
	m, err := nn.NewModel(cfg)
	require.NoError(t, err)
	_, err = NewTrainer(m)
	assert.ErrorIs(t, err, nn.ErrConfiguration)

	cfg = testConfig()
	cfg.Scheduler = &nn.SchedulerConfig{Type: "cyclic"}
	m, err = nn.NewModel(cfg)
	require.NoError(t, err)
	_, err = NewTrainer(m)
	assert.ErrorIs(t, err, nn.ErrConfiguration)

	frozen, err := nn.NewModel(testConfig())
	require.NoError(t, err)
	frozen.Freeze()
	_, err = NewTrainer(frozen)
	assert.ErrorIs(t, err, nn.ErrConfiguration)
}

func TestFitFailsOnNonFiniteLoss(t *testing.T) {
	cfg := testConfig()
	trainSrc, valSrc := sources(t, cfg, 1)
	b, err := trainSrc.Batch(0)
	require.NoError(t, err)
	b.Features.Data[0] = math.NaN()

	tr := newTrainer(t, cfg)
	h, err := tr.Fit(context.Background(), SliceSource{b}, valSrc)
	assert.ErrorIs(t, err, nn.ErrNumericalInstability)
	assert.Equal(t, StopFailed, h.StopReason)
	assert.Equal(t, StateFailed, tr.State())
	assert.Zero(t, h.Len())
}

func TestFitHonoursCancellationBetweenEpochs(t *testing.T) {
	cfg := testConfig()
	trainSrc, valSrc := sources(t, cfg, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := newTrainer(t, cfg)
	h, err := tr.Fit(ctx, trainSrc, valSrc)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StopCancelled, h.StopReason)
	assert.Zero(t, h.Len())
}

func TestHistoryAndCheckpointBeforeAnyImprovement(t *testing.T) {
	cfg := testConfig()
	trainSrc, valSrc := sources(t, cfg, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := newTrainer(t, cfg)
	h, err := tr.Fit(ctx, trainSrc, valSrc)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, math.IsInf(h.BestLoss, 1))

	data, err := json.Marshal(h)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"best_loss":null`)
	var back History
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, math.IsInf(back.BestLoss, 1))
	assert.Equal(t, StopCancelled, back.StopReason)
	assert.Equal(t, -1, back.BestEpoch)

	blob, err := tr.Checkpoint().Encode()
	require.NoError(t, err)
	ckpt, err := nn.DecodeCheckpoint(blob)
	require.NoError(t, err)
	assert.True(t, math.IsInf(ckpt.ValLoss, 1))

	h.BestLoss = 0.5
	data, err = json.Marshal(h)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"best_loss":0.5`)
}

func TestEmptySources(t *testing.T) {
	cfg := testConfig()
	_, valSrc := sources(t, cfg, 1)
	tr := newTrainer(t, cfg)
	_, err := tr.TrainEpoch(SliceSource{})
	assert.ErrorIs(t, err, ErrEmptySource)
	_, err = tr.Validate(SliceSource{})
	assert.ErrorIs(t, err, ErrEmptySource)

	res, err := tr.Validate(valSrc)
	require.NoError(t, err)
	assert.Positive(t, res.Loss)
}

func TestSchedulerDrivesLearningRate(t *testing.T) {
	cfg := testConfig()
	cfg.Epochs = 3
	cfg.Scheduler = &nn.SchedulerConfig{Type: "step", StepSize: 1, Gamma: 0.5}
	trainSrc, valSrc := sources(t, cfg, 1)
	tr := newTrainer(t, cfg)

	h, err := tr.Fit(context.Background(), trainSrc, valSrc)
	require.NoError(t, err)
	lr := cfg.Optimizer.LearningRate
	for i, rec := range h.Records {
		assert.InDelta(t, lr*math.Pow(0.5, float64(i)), rec.LR, 1e-15)
	}
}

func TestSinks(t *testing.T) {
	cfg := testConfig()
	cfg.Epochs = 2
	trainSrc, valSrc := sources(t, cfg, 1)

	reg := prometheus.NewRegistry()
	prom, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	var buf bytes.Buffer
	logger := logging.NewWithWriter("info", "json", &buf)

	tr := newTrainer(t, cfg, WithSink(MultiSink{prom, LogSink{Logger: logger}}), WithLogger(logger))
	h, err := tr.Fit(context.Background(), trainSrc, valSrc)
	require.NoError(t, err)

	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, 2.0, testutil.ToFloat64(prom.Epochs))
	assert.Equal(t, last.ValLoss, testutil.ToFloat64(prom.ValLoss))
	assert.Equal(t, last.TrainLoss, testutil.ToFloat64(prom.TrainLoss))
	assert.Equal(t, last.Metrics["f1"], testutil.ToFloat64(prom.Metric.WithLabelValues("f1")))

	out := buf.String()
	assert.Contains(t, out, `"msg":"epoch complete"`)
	assert.Contains(t, out, `"run_id":"`+tr.RunID()+`"`)

	_, err = NewPrometheusSink(reg)
	assert.Error(t, err, "collectors are already registered")
}
