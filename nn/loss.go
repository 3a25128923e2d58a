package nn

import (
	"fmt"

	"github.com/openfluke/mthgnn/tensor"
)

// Loss returns the masked binary cross-entropy between logits and the batch
// labels: Σ mask·bce / Σ mask. An all-zero mask yields a zero loss.
func Loss(tp *tensor.Tape, logits *tensor.Tensor, b *Batch) (*tensor.Tensor, error) {
	if logits.Rows != b.N() {
		return nil, fmt.Errorf("%w: %d logit rows for %d nodes", ErrShapeMismatch, logits.Rows, b.N())
	}
	targets, weights, err := b.Targets(logits.Cols)
	if err != nil {
		return nil, err
	}
	loss := tp.BCEWithLogits(logits, targets, weights)
	if !loss.AllFinite() {
		return nil, fmt.Errorf("%w: loss is %v", ErrNumericalInstability, loss.Data[0])
	}
	return loss, nil
}
