package train

import "github.com/openfluke/mthgnn/nn"

// BatchSource yields the batches of one epoch in a fixed order. Sources
// used with ParallelTrainer must allow concurrent Batch calls.
type BatchSource interface {
	Len() int
	Batch(i int) (*nn.Batch, error)
}

// SliceSource serves batches held in memory.
type SliceSource []*nn.Batch

func (s SliceSource) Len() int { return len(s) }

func (s SliceSource) Batch(i int) (*nn.Batch, error) { return s[i], nil }
