package gguf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/x448/float16"
)

func putHalf(b []byte, v float32) {
	binary.LittleEndian.PutUint16(b, float16.Fromfloat32(v).Bits())
}

func checkWeights(t *testing.T, got []float32, want map[int]float32) {
	t.Helper()
	for i, w := range want {
		if got[i] != w {
			t.Errorf("weight %d = %v, want %v", i, got[i], w)
		}
	}
}

func q4kBlock() []byte {
	block := make([]byte, BlockBytesQ4K)
	putHalf(block[0:], 0.5)
	putHalf(block[2:], 0.25)
	copy(block[4:], []byte{10, 20, 30, 40, 5, 15, 25, 30})
	block[16] = 0x21
	return block
}

func TestDequantizeQ4K(t *testing.T) {
	got, err := DequantizeQ4K(q4kBlock(), QK_K)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != QK_K {
		t.Fatalf("got %d weights, want %d", len(got), QK_K)
	}

	// w = d*sc*q - dmin*m; low nibbles fill the first 32 weights of each
	// 64-weight chunk, high nibbles the next 32.
	checkWeights(t, got, map[int]float32{
		0:   0.5*10*1 - 0.25*5,
		1:   -0.25 * 5,
		32:  0.5*20*2 - 0.25*15,
		33:  -0.25 * 15,
		64:  -0.25 * 25,
		96:  -0.25 * 30,
		128: 0,
		192: -0.25,
		224: -0.25,
	})
}

func TestDequantizeQ6K(t *testing.T) {
	block := make([]byte, BlockBytesQ6K)
	putHalf(block[208:], 1)
	block[0] = 0x21   // ql[0]
	block[64] = 0x05  // ql[64], second half
	block[128] = 0x02 // qh[0]
	block[160] = 0x01 // qh[32], second half
	block[192] = 3    // sc[0]
	block[194] = 2    // sc[2]
	block[196] = 0xFF // sc[4] = -1
	block[200] = 1    // sc[8]

	got, err := DequantizeQ6K(block, QK_K)
	if err != nil {
		t.Fatal(err)
	}
	checkWeights(t, got, map[int]float32{
		0:   3 * 1,
		16:  0,
		32:  2 * -32,
		64:  -1 * -30,
		96:  0,
		128: 1 * -11,
	})
}

func TestDequantizeQ3K(t *testing.T) {
	block := make([]byte, BlockBytesQ3K)
	putHalf(block[108:], 1)
	block[0] = 0x11   // hmask[0]: high bit for h=0,j=0 and h=1,j=0
	block[32] = 0x03  // qs[0]
	block[64] = 0x02  // qs[32]
	block[96] = 0x01  // scale 0 low nibble
	block[104] = 0x02 // scale 0 high bits -> 33

	got, err := DequantizeQ3K(block, QK_K)
	if err != nil {
		t.Fatal(err)
	}
	checkWeights(t, got, map[int]float32{
		0:   1 * 3,
		1:   1 * -4,
		16:  -32 * -4,
		32:  -32 * -4,
		128: -32 * 2,
	})
}

func TestDequantizeQ8_0(t *testing.T) {
	data := make([]byte, 2*BlockBytesQ8_0)
	putHalf(data[0:], 0.5)
	data[2] = 0xFC // -4
	data[33] = 127
	putHalf(data[34:], 2)
	data[36] = 3

	got, err := DequantizeQ8_0(data, 2*QK8_0)
	if err != nil {
		t.Fatal(err)
	}
	checkWeights(t, got, map[int]float32{0: -2, 1: 0, 31: 63.5, 32: 6})
}

func TestDequantizeErrors(t *testing.T) {
	tests := []struct {
		name string
		fn   func([]byte, int) ([]float32, error)
		data []byte
		n    int
	}{
		{"q4_k partial block", DequantizeQ4K, make([]byte, BlockBytesQ4K), 100},
		{"q4_k short data", DequantizeQ4K, make([]byte, BlockBytesQ4K), 2 * QK_K},
		{"q3_k short data", DequantizeQ3K, make([]byte, 10), QK_K},
		{"q6_k short data", DequantizeQ6K, make([]byte, BlockBytesQ6K-1), QK_K},
		{"q8_0 partial block", DequantizeQ8_0, make([]byte, BlockBytesQ8_0), 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.fn(tt.data, tt.n); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestQuantizedTensorRoundTrip(t *testing.T) {
	w := NewWriter()
	if err := w.AddRawTensor("blk.0.attn_q.weight", []uint64{QK_K}, GGMLTypeQ4_K, q4kBlock()); err != nil {
		t.Fatal(err)
	}
	if err := w.AddTensor("blk.0.attn_norm.weight", []uint64{2}, GGMLTypeF32, []float32{1, 1}); err != nil {
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
	q, _ := f.Tensor("blk.0.attn_q.weight")
	got, err := q.Float32s()
	if err != nil {
		t.Fatalf("Float32s() error = %v", err)
	}
	want, _ := DequantizeQ4K(q4kBlock(), QK_K)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("weight %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestAddRawTensorSizeMismatch(t *testing.T) {
	w := NewWriter()
	if err := w.AddRawTensor("q", []uint64{QK_K}, GGMLTypeQ6_K, make([]byte, 100)); err == nil {
		t.Error("expected error for short Q6_K data")
	}
	if err := w.AddRawTensor("q", []uint64{4}, GGMLType(77), make([]byte, 4)); err == nil {
		t.Error("expected error for unknown type")
	}
}
