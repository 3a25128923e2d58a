package nn

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
)

const (
	parametersTensor = "parameters"
	scalesTensor     = "parameters.scale"
	optimizerPrefix  = "optimizer."
	checkpointMeta   = "checkpoint"
)

// OptimizerState is the serialisable state of an optimizer: scalar
// hyperparameters plus per-parameter slot buffers aligned with the arena.
type OptimizerState struct {
	Type    string               `json:"type"`
	Step    int                  `json:"step"`
	Scalars map[string]float64   `json:"scalars,omitempty"`
	Slots   map[string][]float64 `json:"-"`
}

// SchedulerState is the serialisable state of a learning-rate schedule.
type SchedulerState struct {
	Type   string  `json:"type"`
	Step   int     `json:"step"`
	BaseLR float64 `json:"base_lr"`
	LR     float64 `json:"lr"`
}

// Checkpoint is a full snapshot of a training run at one epoch.
//
// DType is the precision the parameters are stored at; empty means F64.
// Optimizer slots are always stored at F64.
type Checkpoint struct {
	Epoch      int
	RunID      string
	ValLoss    float64
	DType      string
	Config     Config
	Layout     []Slot
	Parameters []float64
	Optimizer  OptimizerState
	Scheduler  *SchedulerState
}

type checkpointHeader struct {
	Epoch     int             `json:"epoch"`
	RunID     string          `json:"run_id"`
	ValLoss   *float64        `json:"val_loss"`
	DType     string          `json:"dtype,omitempty"`
	Config    Config          `json:"config"`
	Layout    []Slot          `json:"layout"`
	Optimizer OptimizerState  `json:"optimizer"`
	Scheduler *SchedulerState `json:"scheduler"`
}

// NewCheckpoint snapshots the parameters of m. Optimizer and scheduler state
// are filled in by the trainer.
func NewCheckpoint(m *Model, epoch int) *Checkpoint {
	return &Checkpoint{
		Epoch:      epoch,
		Config:     m.Config(),
		Layout:     m.Store().Layout(),
		Parameters: m.Store().Snapshot(),
	}
}

// Encode serialises the checkpoint as a safetensors blob.
func (c *Checkpoint) Encode() ([]byte, error) {
	dtype, err := ParseDType(c.DType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpoint, err)
	}
	params := NamedTensor{DType: dtype, Shape: []int{len(c.Parameters)}, Values: c.Parameters}
	tensors := map[string]NamedTensor{parametersTensor: params}
	if dtype == DTypeI8 {
		if err := c.checkLayout(); err != nil {
			return nil, err
		}
		scales := int8Scales(c.Layout, c.Parameters)
		params.Values = encodeInt8(c.Layout, c.Parameters, scales)
		tensors[parametersTensor] = params
		tensors[scalesTensor] = NamedTensor{DType: DTypeF64, Shape: []int{len(scales)}, Values: scales}
	}
	for name, buf := range c.Optimizer.Slots {
		tensors[optimizerPrefix+name] = NamedTensor{DType: DTypeF64, Shape: []int{len(buf)}, Values: buf}
	}
	hdr := checkpointHeader{
		Epoch:     c.Epoch,
		RunID:     c.RunID,
		DType:     c.DType,
		Config:    c.Config,
		Layout:    c.Layout,
		Optimizer: c.Optimizer,
		Scheduler: c.Scheduler,
	}
	// A run with no improvement yet has an infinite best loss; JSON has no
	// encoding for it.
	if !math.IsInf(c.ValLoss, 0) && !math.IsNaN(c.ValLoss) {
		v := c.ValLoss
		hdr.ValLoss = &v
	}
	meta, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal metadata: %v", ErrCheckpoint, err)
	}
	return EncodeSafetensors(tensors, map[string]string{checkpointMeta: string(meta)})
}

// DecodeCheckpoint parses a blob produced by Encode.
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	tensors, metadata, err := DecodeSafetensors(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpoint, err)
	}
	raw, ok := metadata[checkpointMeta]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q metadata", ErrCheckpoint, checkpointMeta)
	}
	var hdr checkpointHeader
	if err := json.Unmarshal([]byte(raw), &hdr); err != nil {
		return nil, fmt.Errorf("%w: parse metadata: %v", ErrCheckpoint, err)
	}
	params, ok := tensors[parametersTensor]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q tensor", ErrCheckpoint, parametersTensor)
	}
	c := &Checkpoint{
		Epoch:      hdr.Epoch,
		RunID:      hdr.RunID,
		ValLoss:    math.Inf(1),
		DType:      hdr.DType,
		Config:     hdr.Config,
		Layout:     hdr.Layout,
		Parameters: params.Values,
		Optimizer:  hdr.Optimizer,
		Scheduler:  hdr.Scheduler,
	}
	if hdr.ValLoss != nil {
		c.ValLoss = *hdr.ValLoss
	}
	if params.DType == DTypeI8 {
		scales, ok := tensors[scalesTensor]
		if !ok {
			return nil, fmt.Errorf("%w: I8 parameters without %q tensor", ErrCheckpoint, scalesTensor)
		}
		if err := c.checkLayout(); err != nil {
			return nil, err
		}
		if len(scales.Values) != len(c.Layout) {
			return nil, fmt.Errorf("%w: %d scales for %d parameters", ErrCheckpoint, len(scales.Values), len(c.Layout))
		}
		c.Parameters = decodeInt8(c.Layout, params.Values, scales.Values)
	}
	for name, t := range tensors {
		if slot, ok := strings.CutPrefix(name, optimizerPrefix); ok {
			if c.Optimizer.Slots == nil {
				c.Optimizer.Slots = make(map[string][]float64)
			}
			c.Optimizer.Slots[slot] = t.Values
		}
	}
	return c, nil
}

// checkLayout verifies that Layout tiles Parameters.
func (c *Checkpoint) checkLayout() error {
	end := 0
	for _, slot := range c.Layout {
		if slot.Offset != end {
			return fmt.Errorf("%w: parameter %s at offset %d, want %d", ErrCheckpoint, slot.Key, slot.Offset, end)
		}
		end += slot.Len()
	}
	if end != len(c.Parameters) {
		return fmt.Errorf("%w: layout covers %d values, have %d", ErrCheckpoint, end, len(c.Parameters))
	}
	return nil
}

// Export returns an inference copy of the checkpoint stored at dtype. The
// optimizer and scheduler state are dropped, and the parameters are rounded
// to what the file will read back as.
func (c *Checkpoint) Export(dtype string) (*Checkpoint, error) {
	d, err := ParseDType(dtype)
	if err != nil {
		return nil, err
	}
	if err := c.checkLayout(); err != nil {
		return nil, err
	}
	return &Checkpoint{
		Epoch:      c.Epoch,
		RunID:      c.RunID,
		ValLoss:    c.ValLoss,
		DType:      d,
		Config:     c.Config,
		Layout:     append([]Slot(nil), c.Layout...),
		Parameters: roundTrip(d, c.Layout, c.Parameters),
	}, nil
}

// Save writes the checkpoint to path.
func (c *Checkpoint) Save(path string) error {
	data, err := c.Encode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrCheckpoint, path, err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint file.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpoint, err)
	}
	return DecodeCheckpoint(data)
}

// Compatible reports whether the checkpoint can be loaded into a model built
// from cfg.
func (c *Checkpoint) Compatible(cfg Config) error {
	if got, want := c.Config.Structure(), cfg.Structure(); got != want {
		return fmt.Errorf("%w: checkpoint structure %+v does not match %+v", ErrCheckpoint, got, want)
	}
	return nil
}

// Apply copies the checkpoint parameters into m.
func (c *Checkpoint) Apply(m *Model) error {
	if err := c.Compatible(m.Config()); err != nil {
		return err
	}
	if err := m.Store().compatible(c.Layout); err != nil {
		return err
	}
	return m.Store().Restore(c.Parameters)
}

// Model builds a fresh model from the checkpoint configuration and loads the
// parameters into it.
func (c *Checkpoint) Model() (*Model, error) {
	m, err := NewModel(c.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpoint, err)
	}
	if err := c.Apply(m); err != nil {
		return nil, err
	}
	return m, nil
}

// SlotNames returns the optimizer slot names in sorted order.
func (c *Checkpoint) SlotNames() []string {
	names := make([]string, 0, len(c.Optimizer.Slots))
	for name := range c.Optimizer.Slots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
