// Package safetensors reads and writes the safetensors serialization format
// used to distribute model weights: an 8-byte little-endian header length,
// a JSON header mapping tensor names to dtype, shape and byte ranges, and
// then the raw little-endian tensor data.
//
// Tensors keep their on-disk dtype: an F16 entry loads as a Float16 tensor,
// a BF16 entry as BFloat16. Conversion to the training dtype is left to the
// caller.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"sort"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"
)

// TensorInfo is the per-tensor entry of the JSON header.
type TensorInfo struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// maxHeaderBytes guards against allocating the header of a corrupt file.
const maxHeaderBytes = 100 * 1024 * 1024

// DTypeToName returns the safetensors dtype name ("F32", "BF16", ...) for dtype.
func DTypeToName(dtype dtypes.DType) (string, error) {
	switch dtype {
	case dtypes.Float32:
		return "F32", nil
	case dtypes.Float64:
		return "F64", nil
	case dtypes.Float16:
		return "F16", nil
	case dtypes.BFloat16:
		return "BF16", nil
	case dtypes.Int32:
		return "I32", nil
	case dtypes.Int64:
		return "I64", nil
	}
	return "", errors.Errorf("dtype %s not supported by safetensors serialization", dtype)
}

// DTypeFromName converts a safetensors dtype name to a DType.
func DTypeFromName(name string) (dtypes.DType, error) {
	switch name {
	case "F32":
		return dtypes.Float32, nil
	case "F64":
		return dtypes.Float64, nil
	case "F16":
		return dtypes.Float16, nil
	case "BF16":
		return dtypes.BFloat16, nil
	case "I32":
		return dtypes.Int32, nil
	case "I64":
		return dtypes.Int64, nil
	}
	return dtypes.InvalidDType, errors.Errorf("safetensors dtype %q not supported", name)
}

// Write serializes the named tensors to w. Tensors are laid out in
// lexicographic name order, and the header carries a `{"format": "pt"}`
// metadata entry for compatibility with files produced by PyTorch.
func Write(w io.Writer, tensorsByName map[string]*tensors.Tensor) error {
	names := maps.Keys(tensorsByName)
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	header["__metadata__"] = map[string]string{"format": "pt"}
	var offset int64
	for _, name := range names {
		t := tensorsByName[name]
		shape := t.Shape()
		dtypeName, err := DTypeToName(shape.DType)
		if err != nil {
			return errors.WithMessagef(err, "tensor %q", name)
		}
		numBytes := int64(shape.Size()) * int64(shape.DType.Size())
		header[name] = TensorInfo{
			DType:   dtypeName,
			Shape:   append([]int{}, shape.Dimensions...),
			Offsets: [2]int64{offset, offset + numBytes},
		}
		offset += numBytes
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode safetensors header")
	}
	// Pad the header with spaces to keep the data section 8-byte aligned.
	if padding := (8 - len(headerJSON)%8) % 8; padding > 0 {
		headerJSON = append(headerJSON, bytes.Repeat([]byte{' '}, padding)...)
	}

	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(len(headerJSON)))
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return errors.Wrap(err, "failed to write safetensors header size")
	}
	if _, err := w.Write(headerJSON); err != nil {
		return errors.Wrap(err, "failed to write safetensors header")
	}

	for _, name := range names {
		data, err := tensorToBytes(tensorsByName[name])
		if err != nil {
			return errors.WithMessagef(err, "tensor %q", name)
		}
		if _, err := w.Write(data); err != nil {
			return errors.Wrapf(err, "failed to write data of tensor %q", name)
		}
	}
	return nil
}

// WriteFile serializes the named tensors to a file at filePath.
func WriteFile(filePath string, tensorsByName map[string]*tensors.Tensor) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if err := Write(f, tensorsByName); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "while writing %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

// Read parses a safetensors stream and returns its tensors by name.
func Read(r io.Reader) (map[string]*tensors.Tensor, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read safetensors data")
	}
	return Parse(raw)
}

// ReadFile parses the safetensors file at filePath.
func ReadFile(filePath string) (map[string]*tensors.Tensor, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", filePath)
	}
	loaded, err := Parse(raw)
	return loaded, errors.WithMessagef(err, "while parsing %q", filePath)
}

// Parse decodes an in-memory safetensors file.
func Parse(raw []byte) (map[string]*tensors.Tensor, error) {
	if len(raw) < 8 {
		return nil, errors.Errorf("file too small (%d bytes) to hold a safetensors header", len(raw))
	}
	headerSize := binary.LittleEndian.Uint64(raw[:8])
	if headerSize > maxHeaderBytes || 8+headerSize > uint64(len(raw)) {
		return nil, errors.Errorf("invalid safetensors header size %d (file has %d bytes)", headerSize, len(raw))
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw[8:8+headerSize], &header); err != nil {
		return nil, errors.Wrap(err, "failed to parse safetensors header")
	}
	payload := raw[8+headerSize:]

	loaded := make(map[string]*tensors.Tensor, len(header))
	for name, rawInfo := range header {
		if name == "__metadata__" {
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(rawInfo, &info); err != nil {
			return nil, errors.Wrapf(err, "failed to parse header entry for tensor %q", name)
		}
		dtype, err := DTypeFromName(info.DType)
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %q", name)
		}
		numElements := 1
		for _, dim := range info.Shape {
			if dim < 0 {
				return nil, errors.Errorf("tensor %q has negative dimension in shape %v", name, info.Shape)
			}
			numElements *= dim
		}
		start, end := info.Offsets[0], info.Offsets[1]
		if start < 0 || end < start || end > int64(len(payload)) {
			return nil, errors.Errorf("tensor %q has offsets [%d, %d) outside the %d bytes of data", name, start, end, len(payload))
		}
		if end-start != int64(numElements)*int64(dtype.Size()) {
			return nil, errors.Errorf("tensor %q has %d bytes of data, but shape %v and dtype %s require %d",
				name, end-start, info.Shape, dtype, int64(numElements)*int64(dtype.Size()))
		}
		loaded[name], err = tensorFromBytes(dtype, info.Shape, payload[start:end])
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %q", name)
		}
	}
	return loaded, nil
}

func tensorToBytes(t *tensors.Tensor) ([]byte, error) {
	shape := t.Shape()
	data := make([]byte, shape.Size()*shape.DType.Size())
	switch shape.DType {
	case dtypes.Float32:
		tensors.MustConstFlatData[float32](t, func(flat []float32) {
			for ii, v := range flat {
				binary.LittleEndian.PutUint32(data[ii*4:], math.Float32bits(v))
			}
		})
	case dtypes.Float64:
		tensors.MustConstFlatData[float64](t, func(flat []float64) {
			for ii, v := range flat {
				binary.LittleEndian.PutUint64(data[ii*8:], math.Float64bits(v))
			}
		})
	case dtypes.Float16:
		tensors.MustConstFlatData[float16.Float16](t, func(flat []float16.Float16) {
			for ii, v := range flat {
				binary.LittleEndian.PutUint16(data[ii*2:], v.Bits())
			}
		})
	case dtypes.BFloat16:
		tensors.MustConstFlatData[bfloat16.BFloat16](t, func(flat []bfloat16.BFloat16) {
			for ii, v := range flat {
				binary.LittleEndian.PutUint16(data[ii*2:], v.Bits())
			}
		})
	case dtypes.Int32:
		tensors.MustConstFlatData[int32](t, func(flat []int32) {
			for ii, v := range flat {
				binary.LittleEndian.PutUint32(data[ii*4:], uint32(v))
			}
		})
	case dtypes.Int64:
		tensors.MustConstFlatData[int64](t, func(flat []int64) {
			for ii, v := range flat {
				binary.LittleEndian.PutUint64(data[ii*8:], uint64(v))
			}
		})
	default:
		return nil, errors.Errorf("dtype %s not supported by safetensors serialization", shape.DType)
	}
	return data, nil
}

func tensorFromBytes(dtype dtypes.DType, dims []int, data []byte) (*tensors.Tensor, error) {
	numElements := len(data) / dtype.Size()
	switch dtype {
	case dtypes.Float32:
		flat := make([]float32, numElements)
		for ii := range flat {
			flat[ii] = math.Float32frombits(binary.LittleEndian.Uint32(data[ii*4:]))
		}
		return tensors.FromFlatDataAndDimensions(flat, dims...), nil
	case dtypes.Float64:
		flat := make([]float64, numElements)
		for ii := range flat {
			flat[ii] = math.Float64frombits(binary.LittleEndian.Uint64(data[ii*8:]))
		}
		return tensors.FromFlatDataAndDimensions(flat, dims...), nil
	case dtypes.Float16:
		flat := make([]float16.Float16, numElements)
		for ii := range flat {
			flat[ii] = float16.Frombits(binary.LittleEndian.Uint16(data[ii*2:]))
		}
		return tensors.FromFlatDataAndDimensions(flat, dims...), nil
	case dtypes.BFloat16:
		flat := make([]bfloat16.BFloat16, numElements)
		for ii := range flat {
			flat[ii] = bfloat16.FromBits(binary.LittleEndian.Uint16(data[ii*2:]))
		}
		return tensors.FromFlatDataAndDimensions(flat, dims...), nil
	case dtypes.Int32:
		flat := make([]int32, numElements)
		for ii := range flat {
			flat[ii] = int32(binary.LittleEndian.Uint32(data[ii*4:]))
		}
		return tensors.FromFlatDataAndDimensions(flat, dims...), nil
	case dtypes.Int64:
		flat := make([]int64, numElements)
		for ii := range flat {
			flat[ii] = int64(binary.LittleEndian.Uint64(data[ii*8:]))
		}
		return tensors.FromFlatDataAndDimensions(flat, dims...), nil
	}
	return nil, errors.Errorf("safetensors dtype %s not supported", dtype)
}
