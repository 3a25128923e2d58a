// Package explain attributes MT-HGNN predictions to their inputs with
// integrated gradients and exposes the attention captured on the explained
// forward pass.
package explain

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/openfluke/mthgnn/logging"
	"github.com/openfluke/mthgnn/nn"
	"github.com/openfluke/mthgnn/tensor"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate/quad"
)

// DefaultSteps is the number of interpolation points on the
// baseline-to-input path.
const DefaultSteps = 50

// DefaultTolerance is the completeness gap at which refinement stops.
const DefaultTolerance = 1e-2

// Path integration rules.
const (
	RiemannMiddle = "riemann_middle"
	GaussLegendre = "gausslegendre"
)

// Options configures an Explainer.
//
// The path integral starts with NSteps points. While the completeness gap
// exceeds Tolerance the point count is tripled, up to MaxSteps. MaxSteps
// defaults to 27·NSteps; setting it to NSteps disables refinement.
type Options struct {
	NSteps    int
	Method    string
	Tolerance float64
	MaxSteps  int
	Logger    *slog.Logger
}

// Target selects the scalar being explained: one logit of one node. A
// negative Class selects the fraud column.
type Target struct {
	Node  int
	Class int
}

// ForNode targets the fraud logit of node.
func ForNode(node int) Target { return Target{Node: node, Class: -1} }

// NeighborAttribution is the attribution mass of one edge incident to the
// target node.
type NeighborAttribution struct {
	Edge       int     `json:"edge"`
	Src        int     `json:"src"`
	Dst        int     `json:"dst"`
	Importance float64 `json:"importance"`
}

// EdgeAttention is the head-averaged last-layer graph attention of one edge
// ending in the target node.
type EdgeAttention struct {
	Edge   int     `json:"edge"`
	Src    int     `json:"src"`
	Weight float64 `json:"weight"`
}

// Explanation is the attribution of one target.
type Explanation struct {
	Node  int `json:"node"`
	Class int `json:"class"`

	FeatureImportance  []float64             `json:"feature_importance"`
	SceneAttention     []float64             `json:"scene_attention"`
	TemporalImportance []float64             `json:"temporal_importance"`
	NeighborImportance []NeighborAttribution `json:"neighbor_importance"`
	GraphAttention     []EdgeAttention       `json:"graph_attention,omitempty"`

	// Completeness: AttributionSum ≈ Output - BaselineOutput.
	Output         float64 `json:"output"`
	BaselineOutput float64 `json:"baseline_output"`
	AttributionSum float64 `json:"attribution_sum"`
	Delta          float64 `json:"delta"`
	Steps          int     `json:"steps"`
}

// NeighborValues returns the neighbor importances in edge order.
func (e *Explanation) NeighborValues() []float64 {
	out := make([]float64, len(e.NeighborImportance))
	for i, n := range e.NeighborImportance {
		out[i] = n.Importance
	}
	return out
}

// Explainer owns a frozen copy of a model. Explanations are serialised so
// the captured attention always belongs to the last explained batch.
type Explainer struct {
	model     *nn.Model
	steps     int
	maxSteps  int
	method    string
	tolerance float64
	logger    *slog.Logger

	mu sync.Mutex
}

// New clones and freezes model. The caller's model is never touched.
func New(model *nn.Model, opts Options) (*Explainer, error) {
	if opts.NSteps < 0 {
		return nil, fmt.Errorf("%w: n_steps must not be negative, got %d", nn.ErrConfiguration, opts.NSteps)
	}
	if opts.NSteps == 0 {
		opts.NSteps = DefaultSteps
	}
	switch opts.Method {
	case "":
		opts.Method = RiemannMiddle
	case RiemannMiddle, GaussLegendre:
	default:
		return nil, fmt.Errorf("%w: unknown integration method %q", nn.ErrConfiguration, opts.Method)
	}
	if opts.Tolerance < 0 {
		return nil, fmt.Errorf("%w: tolerance must not be negative, got %v", nn.ErrConfiguration, opts.Tolerance)
	}
	if opts.Tolerance == 0 {
		opts.Tolerance = DefaultTolerance
	}
	if opts.MaxSteps == 0 {
		opts.MaxSteps = 27 * opts.NSteps
	}
	if opts.MaxSteps < opts.NSteps {
		return nil, fmt.Errorf("%w: max_steps %d below n_steps %d", nn.ErrConfiguration, opts.MaxSteps, opts.NSteps)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	m := model.Clone()
	m.Freeze()
	return &Explainer{
		model:     m,
		steps:     opts.NSteps,
		maxSteps:  opts.MaxSteps,
		method:    opts.Method,
		tolerance: opts.Tolerance,
		logger:    opts.Logger,
	}, nil
}

// Steps returns the initial interpolation count.
func (x *Explainer) Steps() int { return x.steps }

// Method returns the path integration rule.
func (x *Explainer) Method() string { return x.method }

// AttentionWeights returns the snapshot captured on the last explained
// input, or nil before the first explanation.
func (x *Explainer) AttentionWeights() *nn.AttentionWeights {
	return x.model.LastAttention()
}

// inputs are the four attributable tensors of a batch. EdgeAttr may be nil.
type inputs struct {
	features, edgeAttr, scene, temporal *tensor.Tensor
}

func (in inputs) list() []*tensor.Tensor {
	return []*tensor.Tensor{in.features, in.edgeAttr, in.scene, in.temporal}
}

// scaled returns alpha·x for every input, which is the path point for a zero
// baseline.
func (in inputs) scaled(alpha float64) inputs {
	scale := func(t *tensor.Tensor) *tensor.Tensor {
		if t == nil {
			return nil
		}
		out := t.Clone()
		floats.Scale(alpha, out.Data)
		return out
	}
	return inputs{scale(in.features), scale(in.edgeAttr), scale(in.scene), scale(in.temporal)}
}

func (in inputs) batch(b *nn.Batch) *nn.Batch {
	return &nn.Batch{
		Features: in.features,
		Edges:    b.Edges,
		EdgeAttr: in.edgeAttr,
		Scene:    in.scene,
		Temporal: in.temporal,
		BatchID:  b.BatchID,
		Device:   b.Device,
	}
}

// Explain attributes the target logit to the batch inputs using a zero
// baseline and a quadrature of the gradient along the straight-line path,
// refined until the attributions account for the output change.
func (x *Explainer) Explain(b *nn.Batch, target Target) (*Explanation, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	cfg := x.model.Config()
	if err := b.Validate(cfg); err != nil {
		return nil, err
	}
	if target.Class < 0 {
		target.Class = fraudColumn(cfg.OutputDim)
	}
	if target.Node < 0 || target.Node >= b.N() {
		return nil, fmt.Errorf("%w: target node %d out of range for %d nodes", nn.ErrShapeMismatch, target.Node, b.N())
	}
	if target.Class >= cfg.OutputDim {
		return nil, fmt.Errorf("%w: target class %d out of range for %d outputs", nn.ErrShapeMismatch, target.Class, cfg.OutputDim)
	}
	start := time.Now()

	actual := inputs{b.Features, b.EdgeAttr, b.Scene, b.Temporal}
	baseline, err := x.model.Forward(actual.scaled(0).batch(b))
	if err != nil {
		return nil, fmt.Errorf("baseline forward: %w", err)
	}
	logits, err := x.model.Forward(actual.batch(b))
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	output := logits.At(target.Node, target.Class)
	baselineOutput := baseline.At(target.Node, target.Class)

	sums := make([][]float64, 4)
	for i, t := range actual.list() {
		if t != nil {
			sums[i] = make([]float64, t.Len())
		}
	}

	tp := tensor.NewTape()
	steps := x.steps
	alphas, weights := pathRule(x.method, steps)
	var attr [][]float64
	var total float64
	for {
		if err := x.accumulate(tp, b, actual, target, alphas, weights, sums); err != nil {
			return nil, err
		}
		attr, total = attribute(actual, sums)
		gap := math.Abs(total - (output - baselineOutput))
		if gap <= x.tolerance || 3*steps > x.maxSteps {
			break
		}
		x.logger.Debug("refining path integral", "node", target.Node, "steps", steps, "delta", gap)
		steps *= 3
		alphas, weights = x.refine(steps, sums)
	}

	// The actual forward runs last so the attention snapshot describes it.
	if _, err := x.model.Forward(actual.batch(b)); err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}

	exp := &Explanation{
		Node:               target.Node,
		Class:              target.Class,
		FeatureImportance:  row(attr[0], b.Features.Cols, target.Node),
		TemporalImportance: row(attr[3], b.Temporal.Cols, target.Node),
		Output:             output,
		BaselineOutput:     baselineOutput,
		AttributionSum:     total,
		Steps:              steps,
	}
	exp.Delta = math.Abs(exp.AttributionSum - (exp.Output - exp.BaselineOutput))
	if exp.Delta > x.tolerance {
		x.logger.Warn("completeness gap above tolerance", "node", target.Node, "steps", steps, "delta", exp.Delta, "tolerance", x.tolerance)
	}
	if b.EdgeAttr != nil {
		exp.NeighborImportance = neighborImportance(attr[1], b.EdgeAttr.Cols, b.Edges, target.Node)
	}
	attn := x.model.LastAttention()
	exp.SceneAttention = attn.SceneRow(-1, target.Node)
	exp.GraphAttention = graphAttention(attn, target.Node)

	x.logger.Debug("explanation computed",
		"node", target.Node,
		"class", target.Class,
		"steps", steps,
		"delta", exp.Delta,
		"duration", time.Since(start),
	)
	return exp, nil
}

// accumulate adds weight·∂target/∂input at every path point into sums.
func (x *Explainer) accumulate(tp *tensor.Tape, b *nn.Batch, actual inputs, target Target, alphas, weights []float64, sums [][]float64) error {
	for k, alpha := range alphas {
		point := actual.scaled(alpha)
		tp.Reset()
		for _, t := range point.list() {
			if t != nil {
				tp.Watch(t)
			}
		}
		logits, err := x.model.ForwardTape(tp, point.batch(b), nn.Mode{})
		if err != nil {
			return fmt.Errorf("path point %v: %w", alpha, err)
		}
		if err := tp.Backward(tp.Pick(logits, target.Node, target.Class)); err != nil {
			return fmt.Errorf("path point %v: %w", alpha, err)
		}
		for i, t := range point.list() {
			if t != nil {
				floats.AddScaled(sums[i], weights[k], t.Grad)
			}
		}
	}
	return nil
}

// refine prepares sums for an n-point rule and returns the points still to
// be evaluated. Tripling a midpoint grid keeps the old midpoints, so their
// contribution is rescaled instead of recomputed.
func (x *Explainer) refine(n int, sums [][]float64) (alphas, weights []float64) {
	if x.method == GaussLegendre {
		for _, s := range sums {
			clear(s)
		}
		return pathRule(x.method, n)
	}
	for _, s := range sums {
		floats.Scale(1.0/3, s)
	}
	w := 1 / float64(n)
	for j := 0; j < n; j++ {
		if j%3 == 1 {
			continue
		}
		alphas = append(alphas, (float64(j)+0.5)*w)
		weights = append(weights, w)
	}
	return alphas, weights
}

// pathRule returns the points and weights of an n-point rule on [0, 1].
func pathRule(method string, n int) (alphas, weights []float64) {
	alphas, weights = make([]float64, n), make([]float64, n)
	if method == GaussLegendre {
		quad.Legendre{}.FixedLocations(alphas, weights, 0, 1)
		return alphas, weights
	}
	for k := range alphas {
		alphas[k] = (float64(k) + 0.5) / float64(n)
		weights[k] = 1 / float64(n)
	}
	return alphas, weights
}

// attribute returns (x - 0) ⊙ integrated gradient per input and the total.
func attribute(actual inputs, sums [][]float64) ([][]float64, float64) {
	attr := make([][]float64, 4)
	var total float64
	for i, t := range actual.list() {
		if t == nil {
			continue
		}
		attr[i] = make([]float64, t.Len())
		floats.MulTo(attr[i], t.Data, sums[i])
		total += floats.Sum(attr[i])
	}
	return attr, total
}

func fraudColumn(outputDim int) int {
	if outputDim == 1 {
		return 0
	}
	return 1
}

func row(data []float64, cols, i int) []float64 {
	return append([]float64(nil), data[i*cols:(i+1)*cols]...)
}

// neighborImportance sums the edge-attribute attributions of every edge
// that starts or ends at node.
func neighborImportance(attr []float64, cols int, edges nn.EdgeIndex, node int) []NeighborAttribution {
	var out []NeighborAttribution
	for e := 0; e < edges.Len(); e++ {
		src, dst := edges.Src[e], edges.Dst[e]
		if src != node && dst != node {
			continue
		}
		out = append(out, NeighborAttribution{
			Edge:       e,
			Src:        src,
			Dst:        dst,
			Importance: floats.Sum(attr[e*cols : (e+1)*cols]),
		})
	}
	return out
}

func graphAttention(attn *nn.AttentionWeights, node int) []EdgeAttention {
	if attn == nil || len(attn.Graph) == 0 {
		return nil
	}
	heads := len(attn.Graph[len(attn.Graph)-1])
	if heads == 0 {
		return nil
	}
	var out []EdgeAttention
	for h := 0; h < heads; h++ {
		idx, w := attn.Incoming(-1, h, node)
		if out == nil {
			out = make([]EdgeAttention, len(idx))
			for i, e := range idx {
				out[i] = EdgeAttention{Edge: e, Src: attn.Edges.Src[e]}
			}
		}
		for i := range idx {
			out[i].Weight += w[i] / float64(heads)
		}
	}
	return out
}
