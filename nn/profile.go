package nn

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"
)

// ProfileWarmup is the number of untimed forward passes before profiling.
const ProfileWarmup = 3

// DefaultProfileRuns is the number of timed forward passes.
const DefaultProfileRuns = 5

// SizeInfo is the storage footprint of the parameters at one precision.
type SizeInfo struct {
	DType             string `json:"dtype"`
	Parameters        int    `json:"parameters"`
	BytesPerParameter int    `json:"bytes_per_parameter"`
	TotalBytes        int    `json:"total_bytes"`
}

// Sizes returns the footprint of the store at every supported precision.
// I8 includes one float64 scale per parameter array.
func (s *ParameterStore) Sizes() map[string]SizeInfo {
	out := make(map[string]SizeInfo, len(DTypes))
	for _, d := range DTypes {
		width := bytesPerElement(d)
		info := SizeInfo{DType: d, Parameters: s.Size(), BytesPerParameter: width, TotalBytes: s.Size() * width}
		if d == DTypeI8 {
			info.TotalBytes += len(s.slots) * 8
		}
		out[d] = info
	}
	return out
}

// Profile is the cost of a model on one batch.
type Profile struct {
	Parameters  int                 `json:"parameters"`
	Sizes       map[string]SizeInfo `json:"sizes"`
	Sparsity    map[string]float64  `json:"sparsity"`
	Nodes       int                 `json:"nodes"`
	Edges       int                 `json:"edges"`
	Runs        int                 `json:"runs"`
	MeanLatency time.Duration       `json:"mean_latency"`
	StdLatency  time.Duration       `json:"std_latency"`
	MinLatency  time.Duration       `json:"min_latency"`
}

// ProfileModel times inference forward passes of m on b after
// ProfileWarmup untimed passes. runs <= 0 uses DefaultProfileRuns.
func ProfileModel(m *Model, b *Batch, runs int) (Profile, error) {
	if runs <= 0 {
		runs = DefaultProfileRuns
	}
	for i := 0; i < ProfileWarmup; i++ {
		if _, err := m.Forward(b); err != nil {
			return Profile{}, fmt.Errorf("warmup: %w", err)
		}
	}
	samples := make([]float64, runs)
	for i := range samples {
		start := time.Now()
		if _, err := m.Forward(b); err != nil {
			return Profile{}, fmt.Errorf("run %d: %w", i, err)
		}
		samples[i] = float64(time.Since(start))
	}
	mean, std := stat.MeanStdDev(samples, nil)
	if runs == 1 {
		std = 0
	}
	minimum := samples[0]
	for _, v := range samples[1:] {
		minimum = min(minimum, v)
	}
	return Profile{
		Parameters:  m.Store().Size(),
		Sizes:       m.Store().Sizes(),
		Sparsity:    m.Store().Sparsity(),
		Nodes:       b.N(),
		Edges:       b.Edges.Len(),
		Runs:        runs,
		MeanLatency: time.Duration(mean),
		StdLatency:  time.Duration(std),
		MinLatency:  time.Duration(minimum),
	}, nil
}
