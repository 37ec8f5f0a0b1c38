package gguf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/x448/float16"
)

// Writer builds a GGUF v3 image. AddTensor encodes F32 or F16; AddRawTensor
// takes pre-quantized blocks.
type Writer struct {
	keys    []string
	values  map[string]interface{}
	tensors []pendingTensor
}

type pendingTensor struct {
	name string
	dims []uint64
	typ  GGMLType
	data []byte
}

func NewWriter() *Writer {
	return &Writer{values: make(map[string]interface{})}
}

// SetKV records a metadata value. Supported: uint32, int32, uint64, float32,
// bool, string, []string, []float32, []int32.
func (w *Writer) SetKV(key string, value interface{}) {
	if _, ok := w.values[key]; !ok {
		w.keys = append(w.keys, key)
	}
	w.values[key] = value
}

// AddTensor appends a tensor; dims are ne order (fastest-varying first).
func (w *Writer) AddTensor(name string, dims []uint64, typ GGMLType, values []float32) error {
	var buf bytes.Buffer
	switch typ {
	case GGMLTypeF32:
		_ = binary.Write(&buf, binary.LittleEndian, values)
	case GGMLTypeF16:
		for _, v := range values {
			_ = binary.Write(&buf, binary.LittleEndian, float16.Fromfloat32(v).Bits())
		}
	default:
		return ErrUnsupportedType{Tensor: name, Type: typ}
	}
	w.tensors = append(w.tensors, pendingTensor{name: name, dims: dims, typ: typ, data: buf.Bytes()})
	return nil
}

// AddRawTensor appends already encoded tensor bytes, e.g. quantized blocks.
func (w *Writer) AddRawTensor(name string, dims []uint64, typ GGMLType, data []byte) error {
	t := TensorInfo{Name: name, Dimensions: dims, Type: typ}
	if size := t.SizeBytes(); size == 0 || size != uint64(len(data)) {
		return fmt.Errorf("tensor %s: %d bytes for %s with %d elements", name, len(data), typ, t.NumElements())
	}
	w.tensors = append(w.tensors, pendingTensor{name: name, dims: dims, typ: typ, data: append([]byte(nil), data...)})
	return nil
}

// WriteFile writes the image to path.
func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	var buf bytes.Buffer
	le := binary.LittleEndian

	_ = binary.Write(&buf, le, uint32(GGUFMagic))
	_ = binary.Write(&buf, le, uint32(GGUFVersion))
	_ = binary.Write(&buf, le, uint64(len(w.tensors)))
	_ = binary.Write(&buf, le, uint64(len(w.keys)))

	for _, k := range w.keys {
		writeString(&buf, k)
		if err := writeValue(&buf, w.values[k]); err != nil {
			return 0, fmt.Errorf("metadata %s: %w", k, err)
		}
	}

	alignment := w.alignment()
	offset := uint64(0)
	offsets := make([]uint64, len(w.tensors))
	for i, t := range w.tensors {
		writeString(&buf, t.name)
		_ = binary.Write(&buf, le, uint32(len(t.dims)))
		for _, d := range t.dims {
			_ = binary.Write(&buf, le, d)
		}
		_ = binary.Write(&buf, le, uint32(t.typ))
		_ = binary.Write(&buf, le, offset)
		offsets[i] = offset
		offset = align(offset+uint64(len(t.data)), alignment)
	}

	buf.Write(make([]byte, align(uint64(buf.Len()), alignment)-uint64(buf.Len())))
	dataStart := uint64(buf.Len())
	for i, t := range w.tensors {
		buf.Write(make([]byte, dataStart+offsets[i]-uint64(buf.Len())))
		buf.Write(t.data)
	}

	return buf.WriteTo(out)
}

// alignment honours a general.alignment key the same way Parse does.
func (w *Writer) alignment() uint64 {
	switch v := w.values["general.alignment"].(type) {
	case uint32:
		if v > 0 {
			return uint64(v)
		}
	case uint64:
		if v > 0 {
			return v
		}
	}
	return DefaultAlignment
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint64(len(s)))
	buf.WriteString(s)
}

func writeValue(buf *bytes.Buffer, v interface{}) error {
	le := binary.LittleEndian
	switch x := v.(type) {
	case uint32:
		_ = binary.Write(buf, le, uint32(GGUFMetadataValueTypeUint32))
		_ = binary.Write(buf, le, x)
	case int32:
		_ = binary.Write(buf, le, uint32(GGUFMetadataValueTypeInt32))
		_ = binary.Write(buf, le, x)
	case uint64:
		_ = binary.Write(buf, le, uint32(GGUFMetadataValueTypeUint64))
		_ = binary.Write(buf, le, x)
	case float32:
		_ = binary.Write(buf, le, uint32(GGUFMetadataValueTypeFloat32))
		_ = binary.Write(buf, le, math.Float32bits(x))
	case bool:
		_ = binary.Write(buf, le, uint32(GGUFMetadataValueTypeBool))
		b := uint8(0)
		if x {
			b = 1
		}
		buf.WriteByte(b)
	case string:
		_ = binary.Write(buf, le, uint32(GGUFMetadataValueTypeString))
		writeString(buf, x)
	case []string:
		_ = binary.Write(buf, le, uint32(GGUFMetadataValueTypeArray))
		_ = binary.Write(buf, le, uint32(GGUFMetadataValueTypeString))
		_ = binary.Write(buf, le, uint64(len(x)))
		for _, s := range x {
			writeString(buf, s)
		}
	case []float32:
		_ = binary.Write(buf, le, uint32(GGUFMetadataValueTypeArray))
		_ = binary.Write(buf, le, uint32(GGUFMetadataValueTypeFloat32))
		_ = binary.Write(buf, le, uint64(len(x)))
		_ = binary.Write(buf, le, x)
	case []int32:
		_ = binary.Write(buf, le, uint32(GGUFMetadataValueTypeArray))
		_ = binary.Write(buf, le, uint32(GGUFMetadataValueTypeInt32))
		_ = binary.Write(buf, le, uint64(len(x)))
		_ = binary.Write(buf, le, x)
	default:
		return fmt.Errorf("unsupported metadata value %T", v)
	}
	return nil
}
