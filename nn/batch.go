package nn

import (
	"fmt"

	"github.com/openfluke/mthgnn/tensor"
)

// EdgeIndex lists directed edges Src[i] → Dst[i].
type EdgeIndex struct {
	Src []int `json:"src"`
	Dst []int `json:"dst"`
}

// Len returns the number of edges.
func (e EdgeIndex) Len() int { return len(e.Src) }

// Batch is one record produced by a batch source.
type Batch struct {
	Features *tensor.Tensor // N × input_dim
	Edges    EdgeIndex
	EdgeAttr *tensor.Tensor // E × edge_dim, optional
	Scene    *tensor.Tensor // N × scene_dim
	Temporal *tensor.Tensor // N × temporal_dim
	Labels   []float64      // N, optional for inference
	Mask     []float64      // N, optional
	BatchID  []int          // N, optional
	Device   string         // empty means cpu
}

// N returns the node count.
func (b *Batch) N() int {
	if b == nil || b.Features == nil {
		return 0
	}
	return b.Features.Rows
}

// Validate checks every batch invariant against cfg. Structural violations
// return ErrShapeMismatch, a foreign device returns ErrDevice.
func (b *Batch) Validate(cfg Config) error {
	if b == nil || b.Features == nil {
		return fmt.Errorf("%w: batch has no node features", ErrShapeMismatch)
	}
	if dev := b.Device; dev != "" && dev != cfg.Device {
		return fmt.Errorf("%w: batch on %q, model on %q", ErrDevice, dev, cfg.Device)
	}
	n := b.Features.Rows
	if n < 1 {
		return fmt.Errorf("%w: batch has no nodes", ErrShapeMismatch)
	}
	if b.Features.Cols != cfg.InputDim {
		return fmt.Errorf("%w: features have %d columns, input_dim is %d", ErrShapeMismatch, b.Features.Cols, cfg.InputDim)
	}
	if err := checkContext("scene", b.Scene, n, cfg.SceneDim); err != nil {
		return err
	}
	if err := checkContext("temporal", b.Temporal, n, cfg.TemporalDim); err != nil {
		return err
	}

	e := b.Edges.Len()
	if len(b.Edges.Dst) != e {
		return fmt.Errorf("%w: edge index has %d sources and %d destinations", ErrShapeMismatch, e, len(b.Edges.Dst))
	}
	for i := 0; i < e; i++ {
		if s, d := b.Edges.Src[i], b.Edges.Dst[i]; s < 0 || s >= n || d < 0 || d >= n {
			return fmt.Errorf("%w: edge %d (%d→%d) out of range for %d nodes", ErrShapeMismatch, i, s, d, n)
		}
	}
	if b.EdgeAttr != nil {
		if b.EdgeAttr.Rows != e {
			return fmt.Errorf("%w: edge_attr has %d rows for %d edges", ErrShapeMismatch, b.EdgeAttr.Rows, e)
		}
		if b.EdgeAttr.Cols != cfg.EdgeDim {
			return fmt.Errorf("%w: edge_attr has %d columns, edge_dim is %d", ErrShapeMismatch, b.EdgeAttr.Cols, cfg.EdgeDim)
		}
	}

	if b.Labels != nil && len(b.Labels) != n {
		return fmt.Errorf("%w: %d labels for %d nodes", ErrShapeMismatch, len(b.Labels), n)
	}
	if b.Mask != nil && len(b.Mask) != n {
		return fmt.Errorf("%w: mask length %d for %d nodes", ErrShapeMismatch, len(b.Mask), n)
	}
	if b.BatchID != nil && len(b.BatchID) != n {
		return fmt.Errorf("%w: %d batch ids for %d nodes", ErrShapeMismatch, len(b.BatchID), n)
	}
	return nil
}

func checkContext(name string, t *tensor.Tensor, n, dim int) error {
	if t == nil {
		return fmt.Errorf("%w: %s context missing", ErrShapeMismatch, name)
	}
	if t.Rows != n || t.Cols != dim {
		return fmt.Errorf("%w: %s context is %dx%d, want %dx%d", ErrShapeMismatch, name, t.Rows, t.Cols, n, dim)
	}
	return nil
}

// Targets encodes the labels as an N × outputDim target matrix and expands
// the mask to per-element weights. With a single output column the label is
// the target; otherwise the label is a class index and is one-hot encoded.
func (b *Batch) Targets(outputDim int) (*tensor.Tensor, []float64, error) {
	n := b.N()
	if len(b.Labels) != n {
		return nil, nil, fmt.Errorf("%w: %d labels for %d nodes", ErrShapeMismatch, len(b.Labels), n)
	}
	if b.Mask != nil && len(b.Mask) != n {
		return nil, nil, fmt.Errorf("%w: mask length %d for %d nodes", ErrShapeMismatch, len(b.Mask), n)
	}
	targets := tensor.New(n, outputDim)
	for i, y := range b.Labels {
		if outputDim == 1 {
			if y < 0 || y > 1 {
				return nil, nil, fmt.Errorf("%w: label %v of node %d outside [0,1]", ErrShapeMismatch, y, i)
			}
			targets.Data[i] = y
			continue
		}
		c := int(y)
		if float64(c) != y || c < 0 || c >= outputDim {
			return nil, nil, fmt.Errorf("%w: label %v of node %d is not a class index below %d", ErrShapeMismatch, y, i, outputDim)
		}
		targets.Set(i, c, 1)
	}
	if b.Mask == nil {
		return targets, nil, nil
	}
	weights := make([]float64, n*outputDim)
	for i, m := range b.Mask {
		for j := 0; j < outputDim; j++ {
			weights[i*outputDim+j] = m
		}
	}
	return targets, weights, nil
}
