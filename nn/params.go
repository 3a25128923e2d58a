package nn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/openfluke/mthgnn/tensor"
	"github.com/viterin/vek"
	"gonum.org/v1/gonum/floats"
)

// Key addresses one learnable array. Head is -1 for parameters shared by
// every head of a layer; Layer is -1 for parameters outside the layer stack.
type Key struct {
	Branch string `json:"branch"`
	Layer  int    `json:"layer"`
	Head   int    `json:"head"`
	Name   string `json:"name"`
}

func (k Key) String() string {
	s := k.Branch
	if k.Layer >= 0 {
		s += fmt.Sprintf(".%d", k.Layer)
	}
	if k.Head >= 0 {
		s += fmt.Sprintf(".h%d", k.Head)
	}
	return s + "." + k.Name
}

// Init selects how a parameter is initialised by StoreBuilder.Build.
type Init int

const (
	InitXavier Init = iota
	InitZeros
	InitOnes
	// InitFanIn draws from U(-1/√fan_in, 1/√fan_in), the Linear bias init.
	InitFanIn
)

// Slot describes where a parameter lives inside the arena.
type Slot struct {
	Key    Key `json:"key"`
	Rows   int `json:"rows"`
	Cols   int `json:"cols"`
	Offset int `json:"offset"`
}

// Len returns Rows*Cols.
func (s Slot) Len() int { return s.Rows * s.Cols }

// StoreBuilder collects parameter declarations before the arena is allocated.
type StoreBuilder struct {
	slots []Slot
	inits []Init
	fanIn []int
	index map[Key]int
	size  int
	err   error
}

// NewStoreBuilder returns an empty builder.
func NewStoreBuilder() *StoreBuilder {
	return &StoreBuilder{index: make(map[Key]int)}
}

// Declare reserves a rows × cols parameter under key. The first invalid
// declaration is reported by Build.
func (b *StoreBuilder) Declare(key Key, rows, cols int, init Init) {
	if b.err != nil {
		return
	}
	if rows <= 0 || cols <= 0 {
		b.err = fmt.Errorf("%w: parameter %s has shape %dx%d", ErrConfiguration, key, rows, cols)
		return
	}
	if _, dup := b.index[key]; dup {
		b.err = fmt.Errorf("%w: parameter %s declared twice", ErrConfiguration, key)
		return
	}
	b.index[key] = len(b.slots)
	b.slots = append(b.slots, Slot{Key: key, Rows: rows, Cols: cols, Offset: b.size})
	b.inits = append(b.inits, init)
	b.fanIn = append(b.fanIn, rows)
	b.size += rows * cols
}

// DeclareBias reserves a 1 × cols bias for a layer with fanIn inputs.
func (b *StoreBuilder) DeclareBias(key Key, fanIn, cols int) {
	if b.err == nil && fanIn <= 0 {
		b.err = fmt.Errorf("%w: bias %s has fan-in %d", ErrConfiguration, key, fanIn)
		return
	}
	n := len(b.slots)
	b.Declare(key, 1, cols, InitFanIn)
	if len(b.slots) > n {
		b.fanIn[n] = fanIn
	}
}

// Build allocates one data arena and one gradient arena and initialises every
// declared parameter from rng.
func (b *StoreBuilder) Build(rng *rand.Rand) (*ParameterStore, error) {
	if b.err != nil {
		return nil, b.err
	}
	s := newStore(b.slots, make([]float64, b.size), make([]float64, b.size))
	for i, slot := range b.slots {
		data := s.data[slot.Offset : slot.Offset+slot.Len()]
		switch b.inits[i] {
		case InitXavier:
			limit := math.Sqrt(6 / float64(slot.Rows+slot.Cols))
			for j := range data {
				data[j] = (rng.Float64()*2 - 1) * limit
			}
		case InitOnes:
			for j := range data {
				data[j] = 1
			}
		case InitFanIn:
			limit := 1 / math.Sqrt(float64(b.fanIn[i]))
			for j := range data {
				data[j] = (rng.Float64()*2 - 1) * limit
			}
		}
	}
	return s, nil
}

// ParameterStore owns every learnable array of a model in a single flat
// arena. Parameter tensors are views into the arena, so the optimizer and
// checkpoints work on one contiguous slice.
type ParameterStore struct {
	data   []float64
	grad   []float64
	slots  []Slot
	index  map[Key]int
	views  []*tensor.Tensor
	frozen bool
	device string
}

func newStore(slots []Slot, data, grad []float64) *ParameterStore {
	s := &ParameterStore{
		data:   data,
		grad:   grad,
		slots:  slots,
		index:  make(map[Key]int, len(slots)),
		views:  make([]*tensor.Tensor, len(slots)),
		device: DeviceCPU,
	}
	for i, slot := range slots {
		s.index[slot.Key] = i
		end := slot.Offset + slot.Len()
		s.views[i] = tensor.View(slot.Rows, slot.Cols, data[slot.Offset:end], grad[slot.Offset:end])
	}
	return s
}

// Get returns the view for key. Asking for an undeclared key is a
// programming error and panics.
func (s *ParameterStore) Get(key Key) *tensor.Tensor {
	i, ok := s.index[key]
	if !ok {
		panic(fmt.Sprintf("nn: unknown parameter %s", key))
	}
	return s.views[i]
}

// Has reports whether key was declared.
func (s *ParameterStore) Has(key Key) bool {
	_, ok := s.index[key]
	return ok
}

// Keys returns the parameter keys in declaration order.
func (s *ParameterStore) Keys() []Key {
	keys := make([]Key, len(s.slots))
	for i, slot := range s.slots {
		keys[i] = slot.Key
	}
	return keys
}

// Layout returns a copy of the arena layout.
func (s *ParameterStore) Layout() []Slot {
	return append([]Slot(nil), s.slots...)
}

// Size returns the total number of scalars in the arena.
func (s *ParameterStore) Size() int { return len(s.data) }

// Data exposes the parameter arena. Only optimizers write to it.
func (s *ParameterStore) Data() []float64 { return s.data }

// Grad exposes the gradient arena.
func (s *ParameterStore) Grad() []float64 { return s.grad }

// Device returns the execution context the arena lives in.
func (s *ParameterStore) Device() string { return s.device }

// ZeroGrad clears all accumulated gradients.
func (s *ParameterStore) ZeroGrad() { clear(s.grad) }

// GradNorm returns the global L2 norm of the gradient arena.
func (s *ParameterStore) GradNorm() float64 {
	if len(s.grad) == 0 {
		return 0
	}
	return floats.Norm(s.grad, 2)
}

// ClipGradNorm rescales the gradients so their global L2 norm is at most
// maxNorm and returns the norm measured before clipping. maxNorm <= 0
// disables clipping.
func (s *ParameterStore) ClipGradNorm(maxNorm float64) float64 {
	norm := s.GradNorm()
	if maxNorm > 0 && norm > maxNorm {
		vek.MulNumber_Inplace(s.grad, maxNorm/(norm+1e-6))
	}
	return norm
}

// Snapshot returns a copy of the parameter arena.
func (s *ParameterStore) Snapshot() []float64 {
	return append([]float64(nil), s.data...)
}

// Restore overwrites the arena with a snapshot of identical size.
func (s *ParameterStore) Restore(data []float64) error {
	if len(data) != len(s.data) {
		return fmt.Errorf("%w: snapshot has %d values, store has %d", ErrCheckpoint, len(data), len(s.data))
	}
	copy(s.data, data)
	return nil
}

// Clone returns a deep copy with its own arenas and views.
func (s *ParameterStore) Clone() *ParameterStore {
	c := newStore(s.slots, s.Snapshot(), make([]float64, len(s.grad)))
	c.device = s.device
	if s.frozen {
		c.Freeze()
	}
	return c
}

// Freeze stops every view from accumulating gradients. A frozen store is
// read-only for the tape; inputs can still be watched.
func (s *ParameterStore) Freeze() {
	s.frozen = true
	for _, v := range s.views {
		v.Freeze()
	}
}

// Frozen reports whether Freeze was called.
func (s *ParameterStore) Frozen() bool { return s.frozen }

// compatible reports whether layout matches the store's own layout.
func (s *ParameterStore) compatible(layout []Slot) error {
	if len(layout) != len(s.slots) {
		return fmt.Errorf("%w: %d parameters in checkpoint, %d in model", ErrCheckpoint, len(layout), len(s.slots))
	}
	for i, slot := range layout {
		if slot != s.slots[i] {
			return fmt.Errorf("%w: parameter %d is %s %dx%d, model expects %s %dx%d",
				ErrCheckpoint, i, slot.Key, slot.Rows, slot.Cols, s.slots[i].Key, s.slots[i].Rows, s.slots[i].Cols)
		}
	}
	return nil
}
