package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/x448/float16"
)

// NamedTensor is one entry of a safetensors file.
type NamedTensor struct {
	DType  string
	Shape  []int
	Values []float64
}

// tensorInfo is the per-tensor header record.
type tensorInfo struct {
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset []int  `json:"data_offsets"`
}

const metadataKey = "__metadata__"

// SaveSafetensors writes tensors and string metadata to a safetensors file.
func SaveSafetensors(path string, tensors map[string]NamedTensor, metadata map[string]string) error {
	data, err := EncodeSafetensors(tensors, metadata)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadSafetensors reads a safetensors file.
func LoadSafetensors(path string) (map[string]NamedTensor, map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read safetensors: %w", err)
	}
	return DecodeSafetensors(data)
}

// EncodeSafetensors produces [header size u64 LE][header JSON][tensor data].
// Tensors are laid out in sorted name order.
func EncodeSafetensors(tensors map[string]NamedTensor, metadata map[string]string) ([]byte, error) {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if name == metadataKey {
			return nil, fmt.Errorf("tensor name %q is reserved", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	offset := 0
	for _, name := range names {
		t := tensors[name]
		width := bytesPerElement(t.DType)
		if width == 0 {
			return nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, t.DType)
		}
		if n := numElements(t.Shape); n != len(t.Values) {
			return nil, fmt.Errorf("tensor %s: shape %v holds %d values, got %d", name, t.Shape, n, len(t.Values))
		}
		size := len(t.Values) * width
		header[name] = tensorInfo{DType: t.DType, Shape: t.Shape, Offset: []int{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	// Pad the header with spaces so tensor data starts 8-byte aligned.
	for (8+len(headerJSON))%8 != 0 {
		headerJSON = append(headerJSON, ' ')
	}

	out := make([]byte, 8+len(headerJSON)+offset)
	binary.LittleEndian.PutUint64(out[:8], uint64(len(headerJSON)))
	copy(out[8:], headerJSON)
	body := out[8+len(headerJSON):]
	for _, name := range names {
		t := tensors[name]
		info := header[name].(tensorInfo)
		writeValues(body[info.Offset[0]:info.Offset[1]], t.DType, t.Values)
	}
	return out, nil
}

// DecodeSafetensors parses a safetensors blob. F64, F32, F16, BF16 and I8
// tensors are supported; values are returned as float64.
func DecodeSafetensors(data []byte) (map[string]NamedTensor, map[string]string, error) {
	if len(data) < 8 {
		return nil, nil, fmt.Errorf("safetensors: %d bytes is too short", len(data))
	}
	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > uint64(len(data)-8) {
		return nil, nil, fmt.Errorf("safetensors: header size %d exceeds file", headerSize)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &raw); err != nil {
		return nil, nil, fmt.Errorf("safetensors: parse header: %w", err)
	}
	body := data[8+headerSize:]

	var metadata map[string]string
	tensors := make(map[string]NamedTensor, len(raw))
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &metadata); err != nil {
				return nil, nil, fmt.Errorf("safetensors: parse metadata: %w", err)
			}
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, nil, fmt.Errorf("safetensors: tensor %s: %w", name, err)
		}
		width := bytesPerElement(info.DType)
		if width == 0 {
			return nil, nil, fmt.Errorf("safetensors: tensor %s: unsupported dtype %s", name, info.DType)
		}
		if len(info.Offset) != 2 || info.Offset[0] < 0 || info.Offset[1] > len(body) || info.Offset[0] > info.Offset[1] {
			return nil, nil, fmt.Errorf("safetensors: tensor %s: bad offsets %v", name, info.Offset)
		}
		n := numElements(info.Shape)
		if info.Offset[1]-info.Offset[0] != n*width {
			return nil, nil, fmt.Errorf("safetensors: tensor %s: %d bytes for shape %v", name, info.Offset[1]-info.Offset[0], info.Shape)
		}
		tensors[name] = NamedTensor{
			DType:  info.DType,
			Shape:  info.Shape,
			Values: readValues(body[info.Offset[0]:info.Offset[1]], info.DType, n),
		}
	}
	return tensors, metadata, nil
}

func bytesPerElement(dtype string) int {
	switch dtype {
	case DTypeF64:
		return 8
	case DTypeF32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	case DTypeI8:
		return 1
	default:
		return 0
	}
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// writeValues encodes values as dtype. I8 values are rounded and clamped to
// [-127, 127]; scaling is the caller's job.
func writeValues(dst []byte, dtype string, values []float64) {
	switch dtype {
	case DTypeF64:
		for i, v := range values {
			binary.LittleEndian.PutUint64(dst[i*8:], math.Float64bits(v))
		}
	case DTypeF32:
		for i, v := range values {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(float32(v)))
		}
	case DTypeF16:
		for i, v := range values {
			binary.LittleEndian.PutUint16(dst[i*2:], float16.Fromfloat32(float32(v)).Bits())
		}
	case DTypeBF16:
		for i, v := range values {
			binary.LittleEndian.PutUint16(dst[i*2:], float32ToBF16(float32(v)))
		}
	case DTypeI8:
		for i, v := range values {
			dst[i] = byte(int8(clampInt8(v)))
		}
	}
}

func readValues(src []byte, dtype string, n int) []float64 {
	out := make([]float64, n)
	switch dtype {
	case DTypeF64:
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:]))
		}
	case DTypeF32:
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:])))
		}
	case DTypeF16:
		for i := range out {
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(src[i*2:])).Float32())
		}
	case DTypeBF16:
		for i := range out {
			out[i] = float64(bf16ToFloat32(binary.LittleEndian.Uint16(src[i*2:])))
		}
	case DTypeI8:
		for i := range out {
			out[i] = float64(int8(src[i]))
		}
	}
	return out
}
