package nn

import (
	"fmt"

	"github.com/openfluke/mthgnn/tensor"
)

// LeakySlope is the negative slope applied to raw edge scores.
const LeakySlope = 0.2

type graphLayer struct {
	w     *tensor.Tensor   // H × heads·D
	attn  []*tensor.Tensor // per head, 2D × 1
	edges []*tensor.Tensor // per head, edge_dim × 1; nil without edge features
}

// GraphBranch is a stack of attention-weighted message passing layers over
// the transaction graph. Scores are normalised over each destination's
// incoming edges.
type GraphBranch struct {
	hidden, heads, headDim int
	layers, edgeDim        int
	merge                  string
	stack                  []graphLayer
}

func newGraphBranch(cfg Config) *GraphBranch {
	return &GraphBranch{
		hidden:  cfg.HiddenDim,
		heads:   cfg.NumHeads,
		headDim: cfg.headDim(),
		layers:  cfg.NumLayers,
		edgeDim: cfg.EdgeDim,
		merge:   cfg.HeadMerge,
	}
}

// Name implements Branch.
func (g *GraphBranch) Name() string { return "graph" }

func (g *GraphBranch) declare(sb *StoreBuilder) {
	for l := 0; l < g.layers; l++ {
		sb.Declare(Key{"graph", l, -1, "weight"}, g.hidden, g.heads*g.headDim, InitXavier)
		for h := 0; h < g.heads; h++ {
			sb.Declare(Key{"graph", l, h, "attention"}, 2*g.headDim, 1, InitXavier)
			if g.edgeDim > 0 {
				sb.Declare(Key{"graph", l, h, "edge"}, g.edgeDim, 1, InitXavier)
			}
		}
	}
}

func (g *GraphBranch) bind(ps *ParameterStore) {
	g.stack = make([]graphLayer, g.layers)
	for l := range g.stack {
		p := graphLayer{
			w:    ps.Get(Key{"graph", l, -1, "weight"}),
			attn: make([]*tensor.Tensor, g.heads),
		}
		if g.edgeDim > 0 {
			p.edges = make([]*tensor.Tensor, g.heads)
		}
		for h := 0; h < g.heads; h++ {
			p.attn[h] = ps.Get(Key{"graph", l, h, "attention"})
			if p.edges != nil {
				p.edges[h] = ps.Get(Key{"graph", l, h, "edge"})
			}
		}
		g.stack[l] = p
	}
}

// Forward implements Branch.
func (g *GraphBranch) Forward(tp *tensor.Tape, h *tensor.Tensor, in *Inputs) (*tensor.Tensor, error) {
	n := h.Rows
	src, dst := in.Edges.Src, in.Edges.Dst
	useEdges := g.edgeDim > 0 && in.EdgeAttr != nil

	x := h
	for l, p := range g.stack {
		xp := tp.MatMul(x, p.w)
		heads := make([]*tensor.Tensor, g.heads)
		captured := make([][]float64, g.heads)
		for hd := 0; hd < g.heads; hd++ {
			xh := tp.SliceCols(xp, hd*g.headDim, (hd+1)*g.headDim)
			xs := tp.GatherRows(xh, src)
			xd := tp.GatherRows(xh, dst)
			scores := tp.MatMul(tp.ConcatCols(xs, xd), p.attn[hd])
			if useEdges {
				scores = tp.Add(scores, tp.MatMul(in.EdgeAttr, p.edges[hd]))
			}
			scores = tp.LeakyReLU(scores, LeakySlope)
			if !scores.AllFinite() {
				return nil, fmt.Errorf("%w: layer %d head %d produced non-finite edge scores", ErrNumericalInstability, l, hd)
			}
			alpha := tp.SegmentSoftmax(scores, dst, n)
			captured[hd] = append([]float64(nil), alpha.Data...)
			heads[hd] = tp.ScatterAddRows(tp.MulRows(xs, alpha), dst, n)
		}
		if in.attn != nil {
			in.attn.Graph[l] = captured
		}
		x = g.mergeHeads(tp, heads)
	}
	return x, nil
}

func (g *GraphBranch) mergeHeads(tp *tensor.Tape, heads []*tensor.Tensor) *tensor.Tensor {
	if g.merge == MergeConcat {
		return tp.ConcatCols(heads...)
	}
	sum := heads[0]
	for _, h := range heads[1:] {
		sum = tp.Add(sum, h)
	}
	return tp.Scale(sum, 1/float64(len(heads)))
}
