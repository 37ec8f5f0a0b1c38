package gguf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"path/filepath"
	"testing"
)

func TestGGUFMagic(t *testing.T) {
	if GGUFMagic != 0x46554747 {
		t.Errorf("expected GGUFMagic 0x46554747, got 0x%x", GGUFMagic)
	}
}

func TestGGMLTypeString(t *testing.T) {
	tests := []struct {
		ggmlType GGMLType
		expected string
	}{
		{GGMLTypeF32, "F32"},
		{GGMLTypeF16, "F16"},
		{GGMLTypeBF16, "BF16"},
		{GGMLTypeQ4_K, "Q4_K"},
		{GGMLTypeQ3_K, "Q3_K"},
		{GGMLType(999), "UNKNOWN_TYPE_999"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.ggmlType.String(); got != tt.expected {
				t.Errorf("GGMLType(%d).String() = %q, want %q", tt.ggmlType, got, tt.expected)
			}
		})
	}
}

func TestTensorInfoSizeBytes(t *testing.T) {
	tests := []struct {
		name string
		info TensorInfo
		want uint64
	}{
		{"f32 matrix", TensorInfo{Dimensions: []uint64{4, 3}, Type: GGMLTypeF32}, 48},
		{"f16 vector", TensorInfo{Dimensions: []uint64{10}, Type: GGMLTypeF16}, 20},
		{"q4_k block", TensorInfo{Dimensions: []uint64{256}, Type: GGMLTypeQ4_K}, 144},
		{"q3_k block", TensorInfo{Dimensions: []uint64{256}, Type: GGMLTypeQ3_K}, 110},
		{"q6_k two blocks", TensorInfo{Dimensions: []uint64{256, 2}, Type: GGMLTypeQ6_K}, 420},
		{"q8_0 blocks", TensorInfo{Dimensions: []uint64{64}, Type: GGMLTypeQ8_0}, 68},
		{"unknown", TensorInfo{Dimensions: []uint64{8}, Type: GGMLType(77)}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.SizeBytes(); got != tt.want {
				t.Errorf("SizeBytes() = %d, want %d", got, tt.want)
			}
		})
	}
}

func buildImage(t *testing.T) []byte {
	t.Helper()
	w := NewWriter()
	w.SetKV("general.architecture", "llama")
	w.SetKV("llama.block_count", uint32(2))
	w.SetKV("llama.attention.layer_norm_rms_epsilon", float32(1e-6))
	w.SetKV("tokenizer.ggml.tokens", []string{"<unk>", "<s>", "</s>", "▁hi"})
	w.SetKV("tokenizer.ggml.scores", []float32{0, 0, 0, -1.5})
	if err := w.AddTensor("a", []uint64{3}, GGMLTypeF32, []float32{1, -2, 3.5}); err != nil {
		t.Fatal(err)
	}
	if err := w.AddTensor("b", []uint64{2, 2}, GGMLTypeF16, []float32{0.5, -1, 2, 0.25}); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestWriterParseRoundTrip(t *testing.T) {
	f, err := Parse(buildImage(t))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if f.Header.TensorCount != 2 || f.Header.KVCount != 5 {
		t.Fatalf("unexpected header %+v", f.Header)
	}
	if f.DataOffset%DefaultAlignment != 0 {
		t.Errorf("data offset %d not aligned", f.DataOffset)
	}
	if arch, _ := f.String("general.architecture"); arch != "llama" {
		t.Errorf("architecture = %q", arch)
	}
	if got := f.Int(0, "llama.block_count"); got != 2 {
		t.Errorf("block_count = %d", got)
	}
	if got := f.Float(0, "missing", "llama.attention.layer_norm_rms_epsilon"); got != 1e-6 {
		t.Errorf("eps = %v", got)
	}
	if toks, ok := f.Strings("tokenizer.ggml.tokens"); !ok || toks[3] != "▁hi" {
		t.Errorf("tokens = %v", toks)
	}
	if scores, ok := f.Float32Array("tokenizer.ggml.scores"); !ok || scores[3] != -1.5 {
		t.Errorf("scores = %v", scores)
	}

	a, ok := f.Tensor("a")
	if !ok {
		t.Fatal("tensor a missing")
	}
	av, err := a.Float32s()
	if err != nil || av[0] != 1 || av[1] != -2 || av[2] != 3.5 {
		t.Errorf("a = %v, %v", av, err)
	}

	b, _ := f.Tensor("b")
	bv, err := b.Float32s()
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{0.5, -1, 2, 0.25}
	for i := range want {
		if bv[i] != want[i] {
			t.Errorf("b[%d] = %v, want %v", i, bv[i], want[i])
		}
	}
}

func TestLoadFileMapsWrittenModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.gguf")
	w := NewWriter()
	w.SetKV("general.alignment", uint32(64))
	if err := w.AddTensor("x", []uint64{2}, GGMLTypeF32, []float32{7, 8}); err != nil {
		t.Fatal(err)
	}
	if err := w.AddTensor("y", []uint64{3}, GGMLTypeF32, []float32{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteFile(path); err != nil {
		t.Fatal(err)
	}

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	defer f.Close()

	if f.DataOffset%64 != 0 {
		t.Errorf("data offset %d not aligned to 64", f.DataOffset)
	}
	x, _ := f.Tensor("x")
	v, err := x.Float32s()
	if err != nil || v[1] != 8 {
		t.Errorf("x = %v, %v", v, err)
	}
	y, _ := f.Tensor("y")
	if y.Offset != 64 {
		t.Errorf("y offset = %d, want 64", y.Offset)
	}
	v, err = y.Float32s()
	if err != nil || v[2] != 3 {
		t.Errorf("y = %v, %v", v, err)
	}
}

func TestWriterAlignment(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  uint64
	}{
		{"default", nil, DefaultAlignment},
		{"uint32", uint32(64), 64},
		{"uint64", uint64(128), 128},
		{"zero falls back", uint32(0), DefaultAlignment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWriter()
			if tt.value != nil {
				w.SetKV("general.alignment", tt.value)
			}
			if got := w.alignment(); got != tt.want {
				t.Errorf("alignment() = %d, want %d", got, tt.want)
			}

			if err := w.AddTensor("a", []uint64{3}, GGMLTypeF32, []float32{1, 2, 3}); err != nil {
				t.Fatal(err)
			}
			if err := w.AddTensor("b", []uint64{1}, GGMLTypeF32, []float32{4}); err != nil {
				t.Fatal(err)
			}
			var buf bytes.Buffer
			if _, err := w.WriteTo(&buf); err != nil {
				t.Fatal(err)
			}
			f, err := Parse(buf.Bytes())
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			b, _ := f.Tensor("b")
			if b.Offset != tt.want {
				t.Errorf("b offset = %d, want %d", b.Offset, tt.want)
			}
			if v, err := b.Float32s(); err != nil || v[0] != 4 {
				t.Errorf("b = %v, %v", v, err)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	good := buildImage(t)

	badMagic := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badMagic, 0xdeadbeef)
	var magicErr ErrInvalidMagic
	if _, err := Parse(badMagic); !errors.As(err, &magicErr) {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}

	badVersion := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badVersion[4:], 9)
	var versionErr ErrUnsupportedVersion
	if _, err := Parse(badVersion); !errors.As(err, &versionErr) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}

	if _, err := Parse(good[:40]); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected ErrUnexpectedEOF for truncated header, got %v", err)
	}
}

func TestFloat32sRejectsQuantized(t *testing.T) {
	ti := &TensorInfo{Name: "q", Dimensions: []uint64{32}, Type: GGMLTypeQ4_0, Data: make([]byte, 18)}
	var typeErr ErrUnsupportedType
	if _, err := ti.Float32s(); !errors.As(err, &typeErr) {
		t.Errorf("expected ErrUnsupportedType, got %v", err)
	}
}
