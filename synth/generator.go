// Package synth generates labelled transaction graphs with a planted fraud
// signal. It backs the CLI when no data pipeline is attached and gives tests
// a learnable batch source.
package synth

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/mthgnn/nn"
	"github.com/openfluke/mthgnn/tensor"
)

// Options shapes the generated batches.
type Options struct {
	Nodes     int     `yaml:"nodes" json:"nodes"`
	Edges     int     `yaml:"edges" json:"edges"`
	Batches   int     `yaml:"batches" json:"batches"`
	FraudRate float64 `yaml:"fraud_rate" json:"fraud_rate"`
	// Segments is the number of BatchID groups per batch.
	Segments int `yaml:"segments" json:"segments"`
	// Signal is the mean shift applied to fraud nodes and fraud-ring edges.
	Signal float64 `yaml:"signal" json:"signal"`
	// MaskRate is the fraction of nodes excluded from the loss.
	MaskRate float64 `yaml:"mask_rate" json:"mask_rate"`
	Seed     int64   `yaml:"seed" json:"seed"`
}

// DefaultOptions mirrors the reference scenario: 100 nodes and 300 edges.
func DefaultOptions() Options {
	return Options{
		Nodes:     100,
		Edges:     300,
		Batches:   4,
		FraudRate: 0.2,
		Segments:  1,
		Signal:    1.5,
		Seed:      42,
	}
}

// Generator is a deterministic batch source: batch i depends only on the
// options, the model shape and i. It is safe for concurrent use.
type Generator struct {
	cfg  nn.Config
	opts Options
}

// New validates opts against the model shape.
func New(cfg nn.Config, opts Options) (*Generator, error) {
	switch {
	case opts.Nodes < 1:
		return nil, fmt.Errorf("%w: nodes must be positive, got %d", nn.ErrConfiguration, opts.Nodes)
	case opts.Edges < 0:
		return nil, fmt.Errorf("%w: edges must not be negative", nn.ErrConfiguration)
	case opts.Batches < 1:
		return nil, fmt.Errorf("%w: batches must be positive, got %d", nn.ErrConfiguration, opts.Batches)
	case opts.FraudRate < 0 || opts.FraudRate > 1:
		return nil, fmt.Errorf("%w: fraud_rate %v outside [0,1]", nn.ErrConfiguration, opts.FraudRate)
	case opts.MaskRate < 0 || opts.MaskRate >= 1:
		return nil, fmt.Errorf("%w: mask_rate %v outside [0,1)", nn.ErrConfiguration, opts.MaskRate)
	}
	if opts.Segments < 1 {
		opts.Segments = 1
	}
	if opts.Segments > opts.Nodes {
		opts.Segments = opts.Nodes
	}
	return &Generator{cfg: cfg, opts: opts}, nil
}

// Options returns the effective options.
func (g *Generator) Options() Options { return g.opts }

func (g *Generator) Len() int { return g.opts.Batches }

// Batch builds batch i.
func (g *Generator) Batch(i int) (*nn.Batch, error) {
	if i < 0 || i >= g.opts.Batches {
		return nil, fmt.Errorf("synth: batch %d out of range [0,%d)", i, g.opts.Batches)
	}
	rng := rand.New(rand.NewSource(g.opts.Seed*1_000_003 + int64(i)))
	n, cfg := g.opts.Nodes, g.cfg

	labels := make([]float64, n)
	var fraud []int
	for v := range labels {
		if rng.Float64() < g.opts.FraudRate {
			labels[v] = 1
			fraud = append(fraud, v)
		}
	}

	features := noise(rng, n, cfg.InputDim)
	scene := noise(rng, n, cfg.SceneDim)
	temporal := noise(rng, n, cfg.TemporalDim)
	for _, v := range fraud {
		shift(features.Row(v), g.opts.Signal)
		shift(scene.Row(v)[:1], g.opts.Signal)
		shift(temporal.Row(v)[:1], g.opts.Signal)
	}

	edges := nn.EdgeIndex{Src: make([]int, g.opts.Edges), Dst: make([]int, g.opts.Edges)}
	ring := make([]bool, g.opts.Edges)
	for e := range edges.Src {
		// Half of the edges link fraud nodes to each other when there are
		// at least two of them.
		if len(fraud) > 1 && e%2 == 1 {
			edges.Src[e] = fraud[rng.Intn(len(fraud))]
			edges.Dst[e] = fraud[rng.Intn(len(fraud))]
			ring[e] = true
			continue
		}
		edges.Src[e] = rng.Intn(n)
		edges.Dst[e] = rng.Intn(n)
	}
	var edgeAttr *tensor.Tensor
	if cfg.EdgeDim > 0 {
		edgeAttr = noise(rng, g.opts.Edges, cfg.EdgeDim)
		for e, r := range ring {
			if r {
				shift(edgeAttr.Row(e)[:1], g.opts.Signal)
			}
		}
	}

	batchID := make([]int, n)
	for v := range batchID {
		batchID[v] = v * g.opts.Segments / n
	}

	var mask []float64
	if g.opts.MaskRate > 0 {
		mask = make([]float64, n)
		for v := range mask {
			if rng.Float64() >= g.opts.MaskRate {
				mask[v] = 1
			}
		}
	}

	return &nn.Batch{
		Features: features,
		Edges:    edges,
		EdgeAttr: edgeAttr,
		Scene:    scene,
		Temporal: temporal,
		Labels:   labels,
		Mask:     mask,
		BatchID:  batchID,
		Device:   cfg.Device,
	}, nil
}

// Batches materialises every batch.
func (g *Generator) Batches() ([]*nn.Batch, error) {
	out := make([]*nn.Batch, g.opts.Batches)
	for i := range out {
		b, err := g.Batch(i)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func noise(rng *rand.Rand, rows, cols int) *tensor.Tensor {
	t := tensor.New(rows, cols)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()
	}
	return t
}

func shift(v []float64, by float64) {
	for i := range v {
		v[i] += by
	}
}
