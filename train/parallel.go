package train

import (
	"fmt"

	"github.com/openfluke/mthgnn/nn"
	"github.com/openfluke/mthgnn/tensor"
	"github.com/viterin/vek"
	"golang.org/x/sync/errgroup"
)

type replica struct {
	model     *nn.Model
	optimizer Optimizer
	tape      *tensor.Tape
}

// ParallelTrainer is a data-parallel Trainer. Each step hands one batch to
// each of W replicas, runs their forward and backward passes concurrently,
// averages the gradients and applies the same update on every replica.
// Replica 0 is the trained model; it validates, checkpoints and logs.
//
// The batch source must allow concurrent Batch calls.
type ParallelTrainer struct {
	*Trainer
	replicas []*replica
}

// NewParallelTrainer builds workers replicas of model. workers <= 0 uses the
// configured worker count.
func NewParallelTrainer(model *nn.Model, workers int, opts ...Option) (*ParallelTrainer, error) {
	cfg := model.Config()
	if workers <= 0 {
		workers = cfg.Workers
	}
	if workers < 1 {
		return nil, fmt.Errorf("%w: need at least one worker, got %d", nn.ErrConfiguration, workers)
	}
	lead, err := NewTrainer(model, opts...)
	if err != nil {
		return nil, err
	}
	p := &ParallelTrainer{
		Trainer:  lead,
		replicas: []*replica{{model: model, optimizer: lead.optimizer, tape: lead.tape}},
	}
	for w := 1; w < workers; w++ {
		opt, err := NewOptimizer(cfg.Optimizer, model.Store().Size())
		if err != nil {
			return nil, err
		}
		p.replicas = append(p.replicas, &replica{model: model.Clone(), optimizer: opt, tape: tensor.NewTape()})
	}
	lead.trainEpoch = p.TrainEpoch
	lead.logger.Info("parallel trainer ready", "workers", workers)
	return p, nil
}

// Workers returns the replica count.
func (p *ParallelTrainer) Workers() int { return len(p.replicas) }

// Replica returns the model of replica w.
func (p *ParallelTrainer) Replica(w int) *nn.Model { return p.replicas[w].model }

// TrainEpoch runs one data-parallel pass over src. Batches are dealt to
// replicas in groups of W; a short final group averages over the replicas
// that received a batch.
func (p *ParallelTrainer) TrainEpoch(src BatchSource) (EpochStats, error) {
	if src.Len() == 0 {
		return EpochStats{}, ErrEmptySource
	}
	p.state = StateTrainingEpoch
	lr := p.optimizer.LR()
	for _, r := range p.replicas[1:] {
		r.optimizer.SetLR(lr)
	}

	workers := len(p.replicas)
	losses := make([]float64, workers)
	sizes := make([]float64, workers)
	var stats EpochStats
	var nodes float64

	for start := 0; start < src.Len(); start += workers {
		active := min(workers, src.Len()-start)
		var g errgroup.Group
		for w := 0; w < active; w++ {
			g.Go(func() error {
				b, err := src.Batch(start + w)
				if err != nil {
					return fmt.Errorf("load batch %d: %w", start+w, err)
				}
				r := p.replicas[w]
				r.model.Store().ZeroGrad()
				r.tape.Reset()
				loss, err := lossAndGrad(r.model, r.tape, b)
				if err != nil {
					return fmt.Errorf("epoch %d batch %d: %w", p.epoch, start+w, err)
				}
				losses[w], sizes[w] = loss, float64(b.N())
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			p.state = StateFailed
			return stats, err
		}

		p.allReduce(active)
		norm := p.stepAll()

		for w := 0; w < active; w++ {
			stats.Loss += losses[w] * sizes[w]
			nodes += sizes[w]
		}
		stats.GradNorm += norm
		stats.Batches++
	}
	stats.Loss /= nodes
	stats.GradNorm /= float64(stats.Batches)
	return stats, nil
}

// allReduce averages the gradients of the first active replicas and writes
// the mean into every replica.
func (p *ParallelTrainer) allReduce(active int) {
	lead := p.replicas[0].model.Store().Grad()
	for _, r := range p.replicas[1:active] {
		vek.Add_Inplace(lead, r.model.Store().Grad())
	}
	if active > 1 {
		vek.MulNumber_Inplace(lead, 1/float64(active))
	}
	for _, r := range p.replicas[1:] {
		copy(r.model.Store().Grad(), lead)
	}
}

// stepAll clips and steps every replica concurrently and returns the lead's
// pre-clip gradient norm.
func (p *ParallelTrainer) stepAll() float64 {
	norms := make([]float64, len(p.replicas))
	var g errgroup.Group
	for w, r := range p.replicas {
		g.Go(func() error {
			store := r.model.Store()
			norms[w] = store.ClipGradNorm(p.cfg.MaxGradNorm)
			r.optimizer.Step(store.Data(), store.Grad())
			return nil
		})
	}
	_ = g.Wait()
	return norms[0]
}

// Resume loads ckpt into every replica.
func (p *ParallelTrainer) Resume(ckpt *nn.Checkpoint) error {
	if err := p.Trainer.Resume(ckpt); err != nil {
		return err
	}
	for _, r := range p.replicas[1:] {
		if err := ckpt.Apply(r.model); err != nil {
			return err
		}
		if err := r.optimizer.LoadState(ckpt.Optimizer); err != nil {
			return err
		}
	}
	return nil
}
