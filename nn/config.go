package nn

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DeviceCPU is the only execution context this package implements.
const DeviceCPU = "cpu"

// Graph head merge modes.
const (
	MergeConcat = "concat"
	MergeMean   = "mean"
)

// OptimizerConfig selects and tunes the optimizer. Type is resolved once when
// the trainer is constructed.
type OptimizerConfig struct {
	Type         string  `yaml:"type" json:"type"`
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
	WeightDecay  float64 `yaml:"weight_decay" json:"weight_decay"`
	Beta1        float64 `yaml:"beta1" json:"beta1"`
	Beta2        float64 `yaml:"beta2" json:"beta2"`
	Epsilon      float64 `yaml:"epsilon" json:"epsilon"`
	Momentum     float64 `yaml:"momentum" json:"momentum"`
}

// SchedulerConfig selects a learning-rate schedule. A nil *SchedulerConfig
// in Config means a constant learning rate.
type SchedulerConfig struct {
	Type     string  `yaml:"type" json:"type"`
	TMax     int     `yaml:"T_max" json:"T_max"`
	EtaMin   float64 `yaml:"eta_min" json:"eta_min"`
	StepSize int     `yaml:"step_size" json:"step_size"`
	Gamma    float64 `yaml:"gamma" json:"gamma"`
}

// Config holds the model shape and the training hyperparameters.
type Config struct {
	InputDim    int    `yaml:"input_dim" json:"input_dim"`
	HiddenDim   int    `yaml:"hidden_dim" json:"hidden_dim"`
	OutputDim   int    `yaml:"output_dim" json:"output_dim"`
	NumHeads    int    `yaml:"num_heads" json:"num_heads"`
	NumLayers   int    `yaml:"num_layers" json:"num_layers"`
	SceneDim    int    `yaml:"scene_dim" json:"scene_dim"`
	TemporalDim int    `yaml:"temporal_dim" json:"temporal_dim"`
	EdgeDim     int    `yaml:"edge_dim" json:"edge_dim"`
	HeadMerge   string `yaml:"graph_head_merge" json:"graph_head_merge"`

	Dropout     float64 `yaml:"dropout" json:"dropout"`
	MaxGradNorm float64 `yaml:"max_grad_norm" json:"max_grad_norm"`
	Patience    int     `yaml:"patience" json:"patience"`
	MinDelta    float64 `yaml:"min_delta" json:"min_delta"`
	Epochs      int     `yaml:"epochs" json:"epochs"`
	Seed        int64   `yaml:"seed" json:"seed"`
	Threshold   float64 `yaml:"threshold" json:"threshold"`
	Workers     int     `yaml:"workers" json:"workers"`
	Device      string  `yaml:"device" json:"device"`

	Optimizer OptimizerConfig  `yaml:"optimizer" json:"optimizer"`
	Scheduler *SchedulerConfig `yaml:"scheduler,omitempty" json:"scheduler,omitempty"`
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		InputDim:    64,
		HiddenDim:   128,
		OutputDim:   2,
		NumHeads:    4,
		NumLayers:   3,
		SceneDim:    16,
		TemporalDim: 8,
		EdgeDim:     8,
		HeadMerge:   MergeConcat,
		Dropout:     0.1,
		MaxGradNorm: 1.0,
		Patience:    10,
		MinDelta:    0,
		Epochs:      100,
		Seed:        42,
		Threshold:   0.5,
		Workers:     1,
		Device:      DeviceCPU,
		Optimizer: OptimizerConfig{
			Type:         "adam",
			LearningRate: 1e-3,
			WeightDecay:  1e-5,
			Beta1:        0.9,
			Beta2:        0.999,
			Epsilon:      1e-8,
		},
	}
}

// LoadConfig reads a YAML file and decodes it over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over DefaultConfig and validates the result.
// Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: decode config: %v", ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the structural invariants of the model shape and the
// ranges of the training hyperparameters. Optimizer and scheduler tags are
// resolved by the trainer.
func (c Config) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"input_dim", c.InputDim},
		{"hidden_dim", c.HiddenDim},
		{"output_dim", c.OutputDim},
		{"num_heads", c.NumHeads},
		{"num_layers", c.NumLayers},
		{"scene_dim", c.SceneDim},
		{"temporal_dim", c.TemporalDim},
		{"patience", c.Patience},
		{"epochs", c.Epochs},
		{"workers", c.Workers},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrConfiguration, p.name, p.v)
		}
	}
	if c.EdgeDim < 0 {
		return fmt.Errorf("%w: edge_dim must not be negative, got %d", ErrConfiguration, c.EdgeDim)
	}
	if c.HiddenDim%c.NumHeads != 0 {
		return fmt.Errorf("%w: hidden_dim %d not divisible by num_heads %d", ErrConfiguration, c.HiddenDim, c.NumHeads)
	}
	if c.HeadMerge != MergeConcat && c.HeadMerge != MergeMean {
		return fmt.Errorf("%w: graph_head_merge %q (want %q or %q)", ErrConfiguration, c.HeadMerge, MergeConcat, MergeMean)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("%w: dropout %v out of [0,1)", ErrConfiguration, c.Dropout)
	}
	if c.MaxGradNorm < 0 {
		return fmt.Errorf("%w: max_grad_norm must not be negative", ErrConfiguration)
	}
	if c.MinDelta < 0 {
		return fmt.Errorf("%w: min_delta must not be negative", ErrConfiguration)
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("%w: threshold %v out of [0,1]", ErrConfiguration, c.Threshold)
	}
	if c.Device != DeviceCPU {
		return fmt.Errorf("%w: device %q is not available", ErrDevice, c.Device)
	}
	return nil
}

// Structure is the part of Config that determines the parameter layout.
type Structure struct {
	InputDim    int    `json:"input_dim"`
	HiddenDim   int    `json:"hidden_dim"`
	OutputDim   int    `json:"output_dim"`
	NumHeads    int    `json:"num_heads"`
	NumLayers   int    `json:"num_layers"`
	SceneDim    int    `json:"scene_dim"`
	TemporalDim int    `json:"temporal_dim"`
	EdgeDim     int    `json:"edge_dim"`
	HeadMerge   string `json:"graph_head_merge"`
}

// Structure returns the layout-determining subset of c.
func (c Config) Structure() Structure {
	return Structure{
		InputDim:    c.InputDim,
		HiddenDim:   c.HiddenDim,
		OutputDim:   c.OutputDim,
		NumHeads:    c.NumHeads,
		NumLayers:   c.NumLayers,
		SceneDim:    c.SceneDim,
		TemporalDim: c.TemporalDim,
		EdgeDim:     c.EdgeDim,
		HeadMerge:   c.HeadMerge,
	}
}

// headDim is the per-head width of the graph branch projection.
func (c Config) headDim() int {
	if c.HeadMerge == MergeMean {
		return c.HiddenDim
	}
	return c.HiddenDim / c.NumHeads
}
