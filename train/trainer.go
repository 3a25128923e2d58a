// Package train fits an nn.Model: per-batch optimisation with gradient
// clipping, per-epoch validation, learning-rate scheduling, early stopping
// and checkpointing of the best model.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/openfluke/mthgnn/evaluation"
	"github.com/openfluke/mthgnn/logging"
	"github.com/openfluke/mthgnn/nn"
	"github.com/openfluke/mthgnn/tensor"
)

// State is the trainer lifecycle position.
type State int

const (
	StateIdle State = iota
	StateTrainingEpoch
	StateValidating
	StateContinuing
	StateEarlyStopped
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTrainingEpoch:
		return "training_epoch"
	case StateValidating:
		return "validating"
	case StateContinuing:
		return "continuing"
	case StateEarlyStopped:
		return "early_stopped"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrEmptySource is returned when a batch source yields no batches.
var ErrEmptySource = errors.New("train: batch source is empty")

type options struct {
	logger       *slog.Logger
	sink         MetricsSink
	checkpointer Checkpointer
	runID        string
}

// Option configures a Trainer.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSink sets the per-epoch metrics sink.
func WithSink(s MetricsSink) Option {
	return func(o *options) { o.sink = s }
}

// WithCheckpointer sets where improved models are saved. Without one,
// improvements are only tracked.
func WithCheckpointer(c Checkpointer) Option {
	return func(o *options) { o.checkpointer = c }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(o *options) { o.runID = id }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	return o
}

// EpochStats summarises the optimisation part of one epoch.
type EpochStats struct {
	Loss     float64
	GradNorm float64
	Batches  int
}

// ValidationResult is the outcome of one validation pass.
type ValidationResult struct {
	Loss    float64
	Metrics evaluation.Metrics
}

// Trainer drives a single model. It is not safe for concurrent use.
type Trainer struct {
	model     *nn.Model
	cfg       nn.Config
	optimizer Optimizer
	scheduler Scheduler
	baseLR    float64
	evaluator *evaluation.Evaluator

	logger       *slog.Logger
	sink         MetricsSink
	checkpointer Checkpointer
	runID        string

	state     State
	epoch     int
	bestLoss  float64
	bestEpoch int
	stale     int
	history   History
	tape      *tensor.Tape

	// trainEpoch is TrainEpoch unless a ParallelTrainer replaces it.
	trainEpoch func(BatchSource) (EpochStats, error)
}

// NewTrainer resolves the optimizer and scheduler from the model
// configuration. Unknown tags fail with nn.ErrConfiguration.
func NewTrainer(model *nn.Model, opts ...Option) (*Trainer, error) {
	cfg := model.Config()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if model.Store().Frozen() {
		return nil, fmt.Errorf("%w: model parameters are frozen", nn.ErrConfiguration)
	}
	o := buildOptions(opts)

	opt, err := NewOptimizer(cfg.Optimizer, model.Store().Size())
	if err != nil {
		return nil, err
	}
	sched, err := NewScheduler(cfg.Scheduler, cfg.Optimizer.LearningRate, cfg.Epochs)
	if err != nil {
		return nil, err
	}
	logger := o.logger.With("run_id", o.runID)
	if sched == nil {
		logger.Info("no scheduler configured, learning rate is constant", "lr", cfg.Optimizer.LearningRate)
	}

	t := &Trainer{
		model:        model,
		cfg:          cfg,
		optimizer:    opt,
		scheduler:    sched,
		baseLR:       cfg.Optimizer.LearningRate,
		evaluator:    evaluation.NewEvaluator(cfg.Threshold),
		logger:       logger,
		sink:         o.sink,
		checkpointer: o.checkpointer,
		runID:        o.runID,
		bestLoss:     math.Inf(1),
		bestEpoch:    -1,
		history:      History{BestEpoch: -1, BestLoss: math.Inf(1)},
		tape:         tensor.NewTape(),
	}
	t.trainEpoch = t.TrainEpoch
	return t, nil
}

// Model returns the model being trained.
func (t *Trainer) Model() *nn.Model { return t.model }

// RunID returns the identifier attached to logs and checkpoints.
func (t *Trainer) RunID() string { return t.runID }

// State returns the lifecycle state.
func (t *Trainer) State() State { return t.state }

// Epoch returns the index of the next epoch to run.
func (t *Trainer) Epoch() int { return t.epoch }

// Optimizer returns the resolved optimizer.
func (t *Trainer) Optimizer() Optimizer { return t.optimizer }

// History returns the records collected so far.
func (t *Trainer) History() *History { return &t.history }

// step runs forward, loss, backward, clipping and the optimizer update for
// one batch. It returns the loss and the pre-clip gradient norm.
func (t *Trainer) step(b *nn.Batch) (float64, float64, error) {
	store := t.model.Store()
	store.ZeroGrad()
	t.tape.Reset()
	loss, err := lossAndGrad(t.model, t.tape, b)
	if err != nil {
		return 0, 0, err
	}
	norm := store.ClipGradNorm(t.cfg.MaxGradNorm)
	t.optimizer.Step(store.Data(), store.Grad())
	return loss, norm, nil
}

// lossAndGrad accumulates the gradient of the batch loss into the model's
// gradient arena.
func lossAndGrad(m *nn.Model, tp *tensor.Tape, b *nn.Batch) (float64, error) {
	logits, err := m.ForwardTape(tp, b, nn.Mode{Training: true})
	if err != nil {
		return 0, err
	}
	loss, err := nn.Loss(tp, logits, b)
	if err != nil {
		return 0, err
	}
	if err := tp.Backward(loss); err != nil {
		return 0, fmt.Errorf("backward: %w", err)
	}
	return loss.Scalar(), nil
}

// TrainEpoch runs one optimisation pass over src. The returned loss is the
// node-weighted mean of the batch losses.
func (t *Trainer) TrainEpoch(src BatchSource) (EpochStats, error) {
	if src.Len() == 0 {
		return EpochStats{}, ErrEmptySource
	}
	t.state = StateTrainingEpoch
	var stats EpochStats
	var nodes float64
	for i := 0; i < src.Len(); i++ {
		b, err := src.Batch(i)
		if err != nil {
			t.state = StateFailed
			return stats, fmt.Errorf("load batch %d: %w", i, err)
		}
		loss, norm, err := t.step(b)
		if err != nil {
			t.state = StateFailed
			return stats, fmt.Errorf("epoch %d batch %d: %w", t.epoch, i, err)
		}
		n := float64(b.N())
		stats.Loss += loss * n
		stats.GradNorm += norm
		nodes += n
		stats.Batches++
	}
	stats.Loss /= nodes
	stats.GradNorm /= float64(stats.Batches)
	return stats, nil
}

// Validate runs forward-only passes over src and scores the masked nodes.
func (t *Trainer) Validate(src BatchSource) (ValidationResult, error) {
	t.state = StateValidating
	res, err := validate(t.model, t.evaluator, src)
	if err != nil {
		t.state = StateFailed
	}
	return res, err
}

func validate(m *nn.Model, ev *evaluation.Evaluator, src BatchSource) (ValidationResult, error) {
	if src.Len() == 0 {
		return ValidationResult{}, ErrEmptySource
	}
	var (
		total, nodes   float64
		labels, scores []float64
	)
	for i := 0; i < src.Len(); i++ {
		b, err := src.Batch(i)
		if err != nil {
			return ValidationResult{}, fmt.Errorf("load batch %d: %w", i, err)
		}
		logits, err := m.Forward(b)
		if err != nil {
			return ValidationResult{}, fmt.Errorf("validation batch %d: %w", i, err)
		}
		loss, err := nn.Loss(nil, logits, b)
		if err != nil {
			return ValidationResult{}, fmt.Errorf("validation batch %d: %w", i, err)
		}
		n := float64(b.N())
		total += loss.Scalar() * n
		nodes += n

		for j, s := range nn.FraudScores(logits) {
			if b.Mask != nil && b.Mask[j] == 0 {
				continue
			}
			labels = append(labels, b.Labels[j])
			scores = append(scores, s)
		}
	}
	res := ValidationResult{Loss: total / nodes}
	if len(labels) == 0 {
		return res, nil
	}
	metrics, err := ev.Evaluate(labels, scores)
	if err != nil {
		return ValidationResult{}, err
	}
	res.Metrics = metrics
	return res, nil
}

// currentLR returns the scheduled learning rate for the next epoch.
func (t *Trainer) currentLR() float64 {
	if t.scheduler == nil {
		return t.optimizer.LR()
	}
	return t.scheduler.LR(t.epoch)
}

// Fit trains until max epochs, early stopping, a failure or cancellation of
// ctx. ctx is checked between epochs only. The history is returned in every
// case.
func (t *Trainer) Fit(ctx context.Context, trainSrc, valSrc BatchSource) (*History, error) {
	if t.state == StateEarlyStopped || t.state == StateCompleted {
		return &t.history, nil
	}
	t.logger.Info("training started",
		"epochs", t.cfg.Epochs,
		"start_epoch", t.epoch,
		"optimizer", t.optimizer.Name(),
		"parameters", t.model.Store().Size(),
		"train_batches", trainSrc.Len(),
		"val_batches", valSrc.Len(),
	)
	for t.epoch < t.cfg.Epochs {
		if err := ctx.Err(); err != nil {
			t.history.StopReason = StopCancelled
			t.logger.Warn("training cancelled", "epoch", t.epoch, "error", err)
			return &t.history, err
		}
		start := time.Now()
		t.optimizer.SetLR(t.currentLR())

		stats, err := t.trainEpoch(trainSrc)
		if err != nil {
			return t.fail(err)
		}
		val, err := t.Validate(valSrc)
		if err != nil {
			return t.fail(err)
		}
		rec := EpochRecord{
			Epoch:     t.epoch,
			TrainLoss: stats.Loss,
			ValLoss:   val.Loss,
			LR:        t.optimizer.LR(),
			GradNorm:  stats.GradNorm,
			Metrics:   val.Metrics.Map(),
			Duration:  time.Since(start),
		}
		if err := t.advance(&rec); err != nil {
			return t.fail(err)
		}
		if t.state == StateEarlyStopped {
			t.history.StopReason = StopEarly
			t.logger.Info("early stopping", "epoch", rec.Epoch, "best_epoch", t.bestEpoch, "best_val_loss", t.bestLoss)
			return &t.history, nil
		}
	}
	t.state = StateCompleted
	t.history.StopReason = StopCompleted
	t.logger.Info("training completed", "epochs", t.history.Len(), "best_epoch", t.bestEpoch, "best_val_loss", t.bestLoss)
	return &t.history, nil
}

// advance applies the improvement rule, emits the checkpoint and the record
// and moves to the next epoch.
func (t *Trainer) advance(rec *EpochRecord) error {
	if rec.ValLoss < t.bestLoss-t.cfg.MinDelta {
		rec.Improved = true
		t.bestLoss = rec.ValLoss
		t.bestEpoch = rec.Epoch
		t.stale = 0
		t.history.BestEpoch = rec.Epoch
		t.history.BestLoss = rec.ValLoss
		if t.checkpointer != nil {
			ckpt := t.checkpointAt(rec.Epoch)
			if err := t.checkpointer.Save(ckpt); err != nil {
				return fmt.Errorf("save checkpoint: %w", err)
			}
			t.logger.Debug("checkpoint saved", "epoch", rec.Epoch, "val_loss", rec.ValLoss)
		}
	} else {
		t.stale++
	}
	t.history.Records = append(t.history.Records, *rec)
	if t.sink != nil {
		t.sink.RecordEpoch(*rec)
	}
	t.epoch++
	if t.stale >= t.cfg.Patience {
		t.state = StateEarlyStopped
	} else {
		t.state = StateContinuing
	}
	return nil
}

func (t *Trainer) fail(err error) (*History, error) {
	t.state = StateFailed
	t.history.StopReason = StopFailed
	t.logger.Error("training failed", "epoch", t.epoch, "error", err)
	return &t.history, err
}

// Checkpoint snapshots the model, optimizer and scheduler as of the last
// completed epoch.
func (t *Trainer) Checkpoint() *nn.Checkpoint {
	return t.checkpointAt(t.epoch - 1)
}

func (t *Trainer) checkpointAt(epoch int) *nn.Checkpoint {
	ckpt := nn.NewCheckpoint(t.model, epoch)
	ckpt.RunID = t.runID
	ckpt.ValLoss = t.bestLoss
	ckpt.Optimizer = t.optimizer.State()
	if t.scheduler != nil {
		ckpt.Scheduler = &nn.SchedulerState{
			Type:   t.scheduler.Name(),
			Step:   epoch + 1,
			BaseLR: t.baseLR,
			LR:     t.scheduler.LR(epoch + 1),
		}
	}
	return ckpt
}

// Resume loads ckpt and continues with the epoch after it. The best loss is
// restored so only later improvements are checkpointed.
func (t *Trainer) Resume(ckpt *nn.Checkpoint) error {
	if err := ckpt.Apply(t.model); err != nil {
		return err
	}
	if err := t.optimizer.LoadState(ckpt.Optimizer); err != nil {
		return err
	}
	t.epoch = ckpt.Epoch + 1
	t.bestLoss = ckpt.ValLoss
	t.bestEpoch = ckpt.Epoch
	t.stale = 0
	t.history = History{BestEpoch: ckpt.Epoch, BestLoss: ckpt.ValLoss}
	t.state = StateIdle
	t.logger.Info("resumed from checkpoint", "epoch", ckpt.Epoch, "checkpoint_run_id", ckpt.RunID, "val_loss", ckpt.ValLoss)
	return nil
}
