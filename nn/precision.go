package nn

import (
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// =============================================================================
// Storage precisions
// =============================================================================

// Parameter storage precisions, named as in the safetensors header.
const (
	DTypeF64  = "F64"
	DTypeF32  = "F32"
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"
	DTypeI8   = "I8"
)

// DTypes lists the supported precisions from widest to narrowest.
var DTypes = []string{DTypeF64, DTypeF32, DTypeF16, DTypeBF16, DTypeI8}

// ParseDType accepts a precision tag in either case and the usual long
// names (float16, bfloat16, int8, ...). Empty means F64.
func ParseDType(s string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "F64", "FLOAT64":
		return DTypeF64, nil
	case "F32", "FLOAT32":
		return DTypeF32, nil
	case "F16", "FLOAT16", "HALF":
		return DTypeF16, nil
	case "BF16", "BFLOAT16":
		return DTypeBF16, nil
	case "I8", "INT8":
		return DTypeI8, nil
	}
	return "", fmt.Errorf("%w: unsupported precision %q", ErrConfiguration, s)
}

// float32ToBF16 keeps the upper half of f, rounding to nearest even.
func float32ToBF16(f float32) uint16 {
	bits := math.Float32bits(f)
	if math.IsNaN(float64(f)) {
		return uint16(bits>>16) | 0x40
	}
	bits += 0x7FFF + (bits>>16)&1
	return uint16(bits >> 16)
}

func bf16ToFloat32(b uint16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}

func clampInt8(v float64) float64 {
	return math.Max(-127, math.Min(127, math.Round(v)))
}

// int8Scales returns one symmetric scale per slot, max|w| / 127. An all-zero
// slot gets scale 1.
func int8Scales(layout []Slot, data []float64) []float64 {
	scales := make([]float64, len(layout))
	for i, slot := range layout {
		var peak float64
		for _, v := range data[slot.Offset : slot.Offset+slot.Len()] {
			peak = math.Max(peak, math.Abs(v))
		}
		scales[i] = 1
		if peak > 0 {
			scales[i] = peak / 127
		}
	}
	return scales
}

// encodeInt8 maps data to integer levels in [-127, 127] using scales.
func encodeInt8(layout []Slot, data, scales []float64) []float64 {
	out := make([]float64, len(data))
	for i, slot := range layout {
		for j := slot.Offset; j < slot.Offset+slot.Len(); j++ {
			out[j] = clampInt8(data[j] / scales[i])
		}
	}
	return out
}

// decodeInt8 is the inverse of encodeInt8.
func decodeInt8(layout []Slot, levels, scales []float64) []float64 {
	out := make([]float64, len(levels))
	for i, slot := range layout {
		for j := slot.Offset; j < slot.Offset+slot.Len(); j++ {
			out[j] = levels[j] * scales[i]
		}
	}
	return out
}

// roundTrip returns data as it reads back after being stored as dtype.
func roundTrip(dtype string, layout []Slot, data []float64) []float64 {
	out := make([]float64, len(data))
	switch dtype {
	case DTypeF32:
		for i, v := range data {
			out[i] = float64(float32(v))
		}
	case DTypeF16:
		for i, v := range data {
			out[i] = float64(float16.Fromfloat32(float32(v)).Float32())
		}
	case DTypeBF16:
		for i, v := range data {
			out[i] = float64(bf16ToFloat32(float32ToBF16(float32(v))))
		}
	case DTypeI8:
		scales := int8Scales(layout, data)
		return decodeInt8(layout, encodeInt8(layout, data, scales), scales)
	default:
		copy(out, data)
	}
	return out
}

// =============================================================================
// Post-training quantization
// =============================================================================

// QuantizationReport summarises the rounding error of one Quantize call.
type QuantizationReport struct {
	DType        string  `json:"dtype"`
	Parameters   int     `json:"parameters"`
	Bytes        int     `json:"bytes"`
	MaxAbsError  float64 `json:"max_abs_error"`
	MeanAbsError float64 `json:"mean_abs_error"`
}

// Quantize rounds every parameter to the nearest value dtype can store, so
// the model computes exactly what a reduced-precision checkpoint would load.
// I8 uses one symmetric scale per parameter array.
func (s *ParameterStore) Quantize(dtype string) (QuantizationReport, error) {
	d, err := ParseDType(dtype)
	if err != nil {
		return QuantizationReport{}, err
	}
	rounded := roundTrip(d, s.slots, s.data)
	report := QuantizationReport{DType: d, Parameters: len(s.data), Bytes: len(s.data) * bytesPerElement(d)}
	if d == DTypeI8 {
		report.Bytes += len(s.slots) * 8
	}
	var total float64
	for i, v := range rounded {
		e := math.Abs(v - s.data[i])
		report.MaxAbsError = math.Max(report.MaxAbsError, e)
		total += e
	}
	if len(s.data) > 0 {
		report.MeanAbsError = total / float64(len(s.data))
	}
	copy(s.data, rounded)
	return report, nil
}
