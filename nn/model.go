package nn

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/openfluke/mthgnn/tensor"
)

// Branch transforms node embeddings using one kind of context. The output has
// the same shape as h.
type Branch interface {
	Name() string
	Forward(tp *tensor.Tape, h *tensor.Tensor, in *Inputs) (*tensor.Tensor, error)
}

// Inputs carries the per-batch context every branch may read.
type Inputs struct {
	Edges    EdgeIndex
	EdgeAttr *tensor.Tensor
	Scene    *tensor.Tensor
	Temporal *tensor.Tensor
	BatchID  []int

	training bool
	dropout  float64
	rng      *rand.Rand
	attn     *AttentionWeights
}

// drop applies dropout in training mode only.
func (in *Inputs) drop(tp *tensor.Tape, x *tensor.Tensor) *tensor.Tensor {
	if !in.training {
		return x
	}
	return tp.Dropout(x, in.dropout, in.rng)
}

// Mode selects training behaviour for ForwardTape.
type Mode struct {
	// Training enables dropout.
	Training bool
}

// Model is the multi-branch graph / temporal / scene network. A Model is not
// safe for concurrent forward passes; give every goroutine its own Clone.
type Model struct {
	cfg       Config
	store     *ParameterStore
	projector *Projector
	scene     *SceneBranch
	temporal  *TemporalBranch
	graph     *GraphBranch
	head      *FusionHead
	rng       *rand.Rand

	observers []Observer

	mu   sync.RWMutex
	attn *AttentionWeights
}

// NewModel validates cfg, declares every parameter and initialises them from
// cfg.Seed.
func NewModel(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := newModelShell(cfg)
	sb := NewStoreBuilder()
	m.projector.declare(sb)
	m.scene.declare(sb)
	m.temporal.declare(sb)
	m.graph.declare(sb)
	m.head.declare(sb)
	store, err := sb.Build(rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return nil, err
	}
	m.bind(store)
	return m, nil
}

func newModelShell(cfg Config) *Model {
	return &Model{
		cfg:       cfg,
		projector: newProjector(cfg),
		scene:     newSceneBranch(cfg),
		temporal:  newTemporalBranch(cfg),
		graph:     newGraphBranch(cfg),
		head:      newFusionHead(cfg),
		rng:       rand.New(rand.NewSource(cfg.Seed + 1)),
	}
}

func (m *Model) bind(s *ParameterStore) {
	m.store = s
	m.projector.bind(s)
	m.scene.bind(s)
	m.temporal.bind(s)
	m.graph.bind(s)
	m.head.bind(s)
}

// Config returns the configuration the model was built from.
func (m *Model) Config() Config { return m.cfg }

// Store returns the parameter arena.
func (m *Model) Store() *ParameterStore { return m.store }

// Branches returns the three context branches in fusion order.
func (m *Model) Branches() []Branch {
	return []Branch{m.scene, m.temporal, m.graph}
}

// AddObserver registers o to receive per-stage activation statistics.
func (m *Model) AddObserver(o Observer) {
	m.observers = append(m.observers, o)
}

// Clone returns an independent model with a deep copy of the parameters.
// Observers are not copied.
func (m *Model) Clone() *Model {
	c := newModelShell(m.cfg)
	c.bind(m.store.Clone())
	return c
}

// Freeze makes the parameters read-only for the tape.
func (m *Model) Freeze() { m.store.Freeze() }

// LastAttention returns the snapshot captured by the most recent successful
// forward pass, or nil before the first one.
func (m *Model) LastAttention() *AttentionWeights {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attn
}

// Forward runs inference without gradient tracking.
func (m *Model) Forward(b *Batch) (*tensor.Tensor, error) {
	return m.ForwardTape(nil, b, Mode{})
}

// ForwardTape runs the model recording on tp (nil for no tracking) and
// returns the N × output_dim logits.
func (m *Model) ForwardTape(tp *tensor.Tape, b *Batch, mode Mode) (*tensor.Tensor, error) {
	if err := b.Validate(m.cfg); err != nil {
		return nil, err
	}
	if m.store.Device() != m.cfg.Device {
		return nil, fmt.Errorf("%w: parameters on %q, model configured for %q", ErrDevice, m.store.Device(), m.cfg.Device)
	}
	attn := newAttentionWeights(m.cfg.NumLayers, b.Edges)
	in := &Inputs{
		Edges:    b.Edges,
		EdgeAttr: b.EdgeAttr,
		Scene:    b.Scene,
		Temporal: b.Temporal,
		BatchID:  b.BatchID,
		training: mode.Training,
		dropout:  m.cfg.Dropout,
		rng:      m.rng,
		attn:     attn,
	}

	h, err := m.projector.Forward(tp, b.Features)
	if err != nil {
		return nil, err
	}
	m.notify("input", h)

	outs := make([]*tensor.Tensor, 0, 3)
	for _, br := range m.Branches() {
		out, err := br.Forward(tp, h, in)
		if err != nil {
			return nil, fmt.Errorf("%s branch: %w", br.Name(), err)
		}
		m.notify(br.Name(), out)
		outs = append(outs, out)
	}

	logits := m.head.Forward(tp, outs, in)
	m.notify("fusion", logits)

	m.mu.Lock()
	m.attn = attn
	m.mu.Unlock()
	return logits, nil
}

func (m *Model) notify(stage string, out *tensor.Tensor) {
	if len(m.observers) == 0 {
		return
	}
	ev := ForwardEvent{Stage: stage, Rows: out.Rows, Cols: out.Cols, Stats: computeStats(out.Data)}
	for _, o := range m.observers {
		o.OnForward(ev)
	}
}

// FraudScores converts logits to a fraud probability per node: the sigmoid
// of the single logit, or the softmax probability of class 1.
func FraudScores(logits *tensor.Tensor) []float64 {
	scores := make([]float64, logits.Rows)
	for i := range scores {
		row := logits.Row(i)
		if logits.Cols == 1 {
			scores[i] = tensor.Sigmoid(row[0])
			continue
		}
		maxVal := math.Inf(-1)
		for _, v := range row {
			maxVal = math.Max(maxVal, v)
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(v - maxVal)
		}
		scores[i] = math.Exp(row[1]-maxVal) / sum
	}
	return scores
}
