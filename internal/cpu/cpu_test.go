package cpu

import (
	"math"
	"testing"
)

func approx(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestLinear(t *testing.T) {
	w := []float32{
		1, 2, 3,
		0, 1, 0,
	}
	x := []float32{1, 1, 2}
	out := make([]float32, 2)
	Linear(out, w, x)
	if out[0] != 9 || out[1] != 1 {
		t.Errorf("Linear() = %v, want [9 1]", out)
	}
}

func TestLinearParallelMatchesSerial(t *testing.T) {
	rows, cols := 257, 13
	w := make([]float32, rows*cols)
	x := make([]float32, cols)
	for i := range w {
		w[i] = float32(math.Sin(float64(i)))
	}
	for i := range x {
		x[i] = float32(i) * 0.1
	}
	out := make([]float32, rows)
	Linear(out, w, x)
	for r := 0; r < rows; r++ {
		var want float32
		for k := 0; k < cols; k++ {
			want += w[r*cols+k] * x[k]
		}
		if out[r] != want {
			t.Fatalf("row %d: got %v, want %v", r, out[r], want)
		}
	}
}

func TestRMSNorm(t *testing.T) {
	x := []float32{3, 4}
	w := []float32{1, 2}
	out := make([]float32, 2)
	RMSNorm(out, x, w, 0)
	rms := math.Sqrt((9.0 + 16.0) / 2)
	if !approx(float64(out[0]), 3/rms, 1e-6) || !approx(float64(out[1]), 8/rms, 1e-6) {
		t.Errorf("RMSNorm() = %v", out)
	}
}

func TestRopePositionZeroIsIdentity(t *testing.T) {
	x := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	want := append([]float32(nil), x...)
	Rope(x, 0, 4, 10000)
	for i := range x {
		if x[i] != want[i] {
			t.Fatalf("position 0 should not rotate: %v", x)
		}
	}
}

func TestRopePreservesPairNorm(t *testing.T) {
	x := []float32{1, 2, 3, 4}
	Rope(x, 7, 4, 10000)
	if !approx(float64(x[0]*x[0]+x[1]*x[1]), 5, 1e-5) {
		t.Errorf("first pair norm changed: %v", x)
	}
	if !approx(float64(x[2]*x[2]+x[3]*x[3]), 25, 1e-4) {
		t.Errorf("second pair norm changed: %v", x)
	}
	// first pair rotates by exactly pos radians
	if !approx(float64(x[0]), math.Cos(7)-2*math.Sin(7), 1e-5) {
		t.Errorf("unexpected rotation: %v", x)
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	x := []float32{1, 2, 3, 1000}
	Softmax(x)
	var sum float32
	for _, v := range x {
		sum += v
	}
	if !approx(float64(sum), 1, 1e-6) {
		t.Errorf("softmax sum = %v", sum)
	}
}

func TestLogSoftmaxAt(t *testing.T) {
	logits := []float32{0, 0, 0, 0}
	if got := LogSoftmaxAt(logits, 2); !approx(got, math.Log(0.25), 1e-12) {
		t.Errorf("LogSoftmaxAt() = %v, want log(0.25)", got)
	}

	big := []float32{1000, 0}
	if got := LogSoftmaxAt(big, 0); math.IsNaN(got) || !approx(got, 0, 1e-9) {
		t.Errorf("LogSoftmaxAt() overflowed: %v", got)
	}
}

func TestSwiGLU(t *testing.T) {
	out := make([]float32, 2)
	SwiGLU(out, []float32{0, 1}, []float32{5, 2})
	if out[0] != 0 {
		t.Errorf("silu(0) must be 0, got %v", out[0])
	}
	want := 2 * 1 / (1 + math.Exp(-1))
	if !approx(float64(out[1]), want, 1e-6) {
		t.Errorf("SwiGLU() = %v, want %v", out[1], want)
	}
}

func TestAddScaledZeroIsIdentity(t *testing.T) {
	a := []float32{1.5, -2.25, 0}
	b := []float32{3, 4, 5}
	AddScaled(a, b, 0)
	if a[0] != 1.5 || a[1] != -2.25 || a[2] != 0 {
		t.Errorf("AddScaled(0) changed values: %v", a)
	}
	Add(a, b)
	if a[2] != 5 {
		t.Errorf("Add() = %v", a)
	}
}

func TestEmbedding(t *testing.T) {
	table := []float32{0, 1, 2, 3, 4, 5}
	out := make([]float32, 2)
	Embedding(out, table, 2)
	if out[0] != 4 || out[1] != 5 {
		t.Errorf("Embedding() = %v", out)
	}
}
