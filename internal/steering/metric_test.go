package steering

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gonum.org/v1/gonum/stat"
)

func TestScoreScenario(t *testing.T) {
	baseline := []float64{-0.1, -0.2, -0.3, -0.4}
	steered := []float64{-0.05, -0.05, -0.35, -0.45}

	got, err := Score(baseline, steered)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	nan := math.NaN()
	want := SteeringScore{
		{Matching: nan, Mismatching: nan},
		{Matching: 1, Mismatching: 4},
		{Matching: 1, Mismatching: 4},
		{Matching: 0.5, Mismatching: 4.5},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("score mismatch (-want +got):\n%s", diff)
	}
	for i, w := range got[1:] {
		if w.Matching <= 0 || w.Mismatching <= 0 {
			t.Errorf("window %d should be positive in both columns: %+v", i+2, w)
		}
	}

	var buf bytes.Buffer
	if _, err := got.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	wantText := "nan nan\n1.0 4.0\n1.0 4.0\n0.5 4.5\n"
	if buf.String() != wantText {
		t.Errorf("WriteTo = %q, want %q", buf.String(), wantText)
	}
}

func TestScoreTiesKeepInputOrder(t *testing.T) {
	baseline := []float64{-0.2, -0.2, -0.5, -0.5}
	steered := []float64{-0.1, -0.3, -0.4, -0.6}

	got, err := Score(baseline, steered)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	// window 2 covers only the first example of each group
	if got[1].Matching != 0 || got[1].Mismatching != 1.5 {
		t.Errorf("window 2 = %+v, want {0 1.5}", got[1])
	}
}

func TestScoreErrors(t *testing.T) {
	tests := []struct {
		name     string
		baseline []float64
		steered  []float64
		want     error
	}{
		{"length mismatch", []float64{-1, -2}, []float64{-1}, ErrLengthMismatch},
		{"odd length", []float64{-1, -2, -3}, []float64{-1, -2, -3}, ErrOddLength},
		{"empty", nil, nil, ErrEmptyInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Score(tt.baseline, tt.steered); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func randomLikelihoods(rng *rand.Rand, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = -0.05 - 3*rng.Float64()
	}
	return out
}

func TestScoreWindowsGrowToFullMean(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	baseline := randomLikelihoods(rng, 26)
	steered := randomLikelihoods(rng, 26)

	got, err := Score(baseline, steered)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	half := len(baseline) / 2
	prev := 0
	for i := 1; i <= Windows; i++ {
		k := half * i / Windows
		if k < prev {
			t.Fatalf("window %d prefix %d shrinks from %d", i, k, prev)
		}
		prev = k
	}

	ctrl, exp := rescale(baseline), rescale(steered)
	match := make([]float64, half)
	neg := make([]float64, half)
	for i := 0; i < half; i++ {
		match[i] = exp[i] - ctrl[i]
		neg[i] = ctrl[half+i] - exp[half+i]
	}
	if want := round4(stat.Mean(match, nil)); got[3].Matching != want {
		t.Errorf("full matching window = %v, want %v", got[3].Matching, want)
	}
	if want := round4(stat.Mean(neg, nil)); got[3].Mismatching != want {
		t.Errorf("full mismatching window = %v, want %v", got[3].Mismatching, want)
	}
}

func TestScorePermutationInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	baseline := randomLikelihoods(rng, 40)
	steered := randomLikelihoods(rng, 40)

	want, err := Score(baseline, steered)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	half := len(baseline) / 2
	pb := make([]float64, len(baseline))
	ps := make([]float64, len(steered))
	for offset := 0; offset < len(baseline); offset += half {
		perm := rng.Perm(half)
		for i, j := range perm {
			pb[offset+i] = baseline[offset+j]
			ps[offset+i] = steered[offset+j]
		}
	}

	got, err := Score(pb, ps)
	if err != nil {
		t.Fatalf("Score permuted: %v", err)
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("score changed under permutation (-want +got):\n%s", diff)
	}
}

func TestRound4(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{1.23456, 1.2346},
		{-0.12344, -0.1234},
		{0.5, 0.5},
		{4.000000000000001, 4},
	}
	for _, tt := range tests {
		if got := round4(tt.in); got != tt.want {
			t.Errorf("round4(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if !math.IsNaN(round4(math.NaN())) {
		t.Error("round4(NaN) should stay NaN")
	}
}

func TestFormatFloat(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0.25, "0.25"},
		{1, "1.0"},
		{-3, "-3.0"},
		{0, "0.0"},
		{math.Copysign(0, -1), "-0.0"},
		{-0.1234, "-0.1234"},
		{0.0001, "0.0001"},
		{1e-05, "1e-05"},
		{123456, "123456.0"},
		{1e16, "1e+16"},
		{math.NaN(), "nan"},
		{math.Inf(1), "inf"},
		{math.Inf(-1), "-inf"},
	}
	for _, tt := range tests {
		if got := FormatFloat(tt.in); got != tt.want {
			t.Errorf("FormatFloat(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
