package nn

import "github.com/openfluke/mthgnn/tensor"

// AttentionWeights is the read-only snapshot captured by one forward pass.
// A new snapshot replaces the previous one on every forward call.
type AttentionWeights struct {
	// Scene[layer][head] is the N × N query-by-key attention matrix, taken
	// before dropout.
	Scene [][]*tensor.Tensor
	// Graph[layer][head][e] is the normalised weight of edge e.
	Graph [][][]float64
	// Edges is the edge list Graph weights refer to.
	Edges EdgeIndex
}

func newAttentionWeights(layers int, edges EdgeIndex) *AttentionWeights {
	return &AttentionWeights{
		Scene: make([][]*tensor.Tensor, layers),
		Graph: make([][][]float64, layers),
		Edges: edges,
	}
}

// SceneRow returns the head-averaged scene attention row of node in the
// given layer. A negative layer selects the last one.
func (a *AttentionWeights) SceneRow(layer, node int) []float64 {
	if a == nil || len(a.Scene) == 0 {
		return nil
	}
	if layer < 0 {
		layer = len(a.Scene) - 1
	}
	heads := a.Scene[layer]
	if len(heads) == 0 || node < 0 || node >= heads[0].Rows {
		return nil
	}
	row := make([]float64, heads[0].Cols)
	for _, h := range heads {
		for j, v := range h.Row(node) {
			row[j] += v
		}
	}
	for j := range row {
		row[j] /= float64(len(heads))
	}
	return row
}

// Incoming returns, for one graph layer and head, the indices of the edges
// ending in node together with their attention weights.
func (a *AttentionWeights) Incoming(layer, head, node int) ([]int, []float64) {
	if a == nil || len(a.Graph) == 0 {
		return nil, nil
	}
	if layer < 0 {
		layer = len(a.Graph) - 1
	}
	if layer >= len(a.Graph) || head < 0 || head >= len(a.Graph[layer]) {
		return nil, nil
	}
	alpha := a.Graph[layer][head]
	var (
		idx []int
		w   []float64
	)
	for e, d := range a.Edges.Dst {
		if d == node {
			idx = append(idx, e)
			w = append(w, alpha[e])
		}
	}
	return idx, w
}
