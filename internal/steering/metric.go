package steering

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-steer/internal/metrics"
)

// Windows is the number of cumulative quartile windows in a score.
const Windows = 4

var (
	ErrLengthMismatch = errors.New("baseline and steered lengths differ")
	ErrOddLength      = errors.New("likelihood arrays cannot be split into equal halves")
	ErrEmptyInput     = errors.New("no likelihoods")
)

// Window holds the mean improvement over one prefix of each group.
type Window struct {
	Matching    float64
	Mismatching float64
}

// SteeringScore has one window per quartile prefix: 25, 50, 75 and 100
// percent of each group.
type SteeringScore [Windows]Window

// Score compares steered against baseline likelihoods. The first half of
// each array holds behavior-matching examples and the second half
// behavior-mismatching ones, paired by index across the two arrays.
//
// Each array is rescaled by the negated maximum of that whole array. Groups
// are ordered by baseline (matching ascending, mismatching descending, ties
// in input order) and both arrays take the same order. Window i averages the
// first floor(n*i/4) differences of each group, rounded to four decimals; an
// empty prefix averages to NaN.
func Score(baseline, steered []float64) (SteeringScore, error) {
	var score SteeringScore
	if len(baseline) != len(steered) {
		return score, fmt.Errorf("%w: %d baseline, %d steered", ErrLengthMismatch, len(baseline), len(steered))
	}
	if len(baseline) == 0 {
		return score, ErrEmptyInput
	}
	if len(baseline)%2 != 0 {
		return score, fmt.Errorf("%w: %d values", ErrOddLength, len(baseline))
	}

	ctrl := rescale(baseline)
	exp := rescale(steered)
	half := len(ctrl) / 2

	matchOrder := argsort(ctrl[:half], false)
	mismatchOrder := argsort(ctrl[half:], true)

	matchDiff := make([]float64, half)
	for i, j := range matchOrder {
		matchDiff[i] = exp[j] - ctrl[j]
	}
	negDiff := make([]float64, half)
	for i, j := range mismatchOrder {
		negDiff[i] = ctrl[half+j] - exp[half+j]
	}

	var matching, mismatching [Windows]float64
	for i := 1; i <= Windows; i++ {
		k := half * i / Windows
		score[i-1] = Window{
			Matching:    round4(prefixMean(matchDiff, k)),
			Mismatching: round4(prefixMean(negDiff, k)),
		}
		matching[i-1] = score[i-1].Matching
		mismatching[i-1] = score[i-1].Mismatching
	}
	metrics.RecordWindowScores(matching, mismatching)
	return score, nil
}

// rescale divides every value by the negated maximum of x.
func rescale(x []float64) []float64 {
	scale := -floats.Max(x)
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v / scale
	}
	return out
}

// argsort returns the indices that order x, keeping equal values in input
// order.
func argsort(x []float64, descending bool) []int {
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if descending {
			return x[idx[a]] > x[idx[b]]
		}
		return x[idx[a]] < x[idx[b]]
	})
	return idx
}

func prefixMean(x []float64, k int) float64 {
	if k == 0 {
		return math.NaN()
	}
	return stat.Mean(x[:k], nil)
}

// round4 rounds half to even on the exact decimal value.
func round4(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	r, _ := strconv.ParseFloat(strconv.FormatFloat(x, 'f', 4, 64), 64)
	return r
}

// WriteTo writes one "<matching> <mismatching>" line per window, widest last.
func (s SteeringScore) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	for _, win := range s {
		sb.WriteString(FormatFloat(win.Matching))
		sb.WriteByte(' ')
		sb.WriteString(FormatFloat(win.Mismatching))
		sb.WriteByte('\n')
	}
	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

// FormatFloat renders v the way Python's str does: shortest round-trip
// digits, a trailing ".0" on integral values, exponents outside [1e-4, 1e16).
func FormatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	if abs := math.Abs(v); abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(v, 'e', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
