package steering

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Plot is the scatter data comparing two likelihood arrays: mismatching
// examples first, then matching, each sorted ascending by baseline with the
// steered values following the same order. Both series are rescaled by
// (-x)/max(series).
type Plot struct {
	Baseline []float64
	Steered  []float64
	// Divider is the index of the last mismatching point.
	Divider int
	// MismatchBand spans the 75th percentile to the maximum of the rescaled
	// mismatching baseline; MatchBand spans the minimum to the 25th
	// percentile of the rescaled matching baseline.
	MismatchBand [2]float64
	MatchBand    [2]float64
}

func PlotSeries(baseline, steered []float64) (Plot, error) {
	var p Plot
	if len(baseline) != len(steered) {
		return p, fmt.Errorf("%w: %d baseline, %d steered", ErrLengthMismatch, len(baseline), len(steered))
	}
	if len(baseline) == 0 {
		return p, ErrEmptyInput
	}
	if len(baseline)%2 != 0 {
		return p, fmt.Errorf("%w: %d values", ErrOddLength, len(baseline))
	}

	half := len(baseline) / 2
	matchOrder := argsort(baseline[:half], false)
	mismatchOrder := argsort(baseline[half:], false)

	ctrl := make([]float64, 0, len(baseline))
	exp := make([]float64, 0, len(steered))
	for _, j := range mismatchOrder {
		ctrl = append(ctrl, baseline[half+j])
		exp = append(exp, steered[half+j])
	}
	for _, j := range matchOrder {
		ctrl = append(ctrl, baseline[j])
		exp = append(exp, steered[j])
	}

	p.Baseline = negScale(ctrl)
	p.Steered = negScale(exp)
	p.Divider = half - 1

	neg := p.Baseline[:half]
	pos := p.Baseline[half:]
	p.MismatchBand = [2]float64{percentile(neg, 75), floats.Max(neg)}
	p.MatchBand = [2]float64{floats.Min(pos), percentile(pos, 25)}
	return p, nil
}

// negScale maps x to (-x)/max(x).
func negScale(x []float64) []float64 {
	m := floats.Max(x)
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = -v / m
	}
	return out
}

// percentile interpolates linearly between the closest ranks, placing rank
// q/100*(n-1) on the sorted data.
func percentile(x []float64, q float64) float64 {
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	rank := q / 100 * float64(len(s)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return s[lo] + (s[hi]-s[lo])*frac
}

// WriteTSV writes one row per point, then one "band" row per highlighted
// range with its lower and upper bound.
func (p Plot) WriteTSV(w io.Writer) error {
	tw := csv.NewWriter(w)
	tw.Comma = '\t'
	records := [][]string{
		{"index", "group", "baseline", "steered"},
	}
	for i := range p.Baseline {
		group := "matching"
		if i <= p.Divider {
			group = "mismatching"
		}
		records = append(records, []string{
			fmt.Sprint(i), group, FormatFloat(p.Baseline[i]), FormatFloat(p.Steered[i]),
		})
	}
	records = append(records,
		[]string{"band", "mismatching", FormatFloat(p.MismatchBand[0]), FormatFloat(p.MismatchBand[1])},
		[]string{"band", "matching", FormatFloat(p.MatchBand[0]), FormatFloat(p.MatchBand[1])},
	)
	if err := tw.WriteAll(records); err != nil {
		return fmt.Errorf("write plot series: %w", err)
	}
	return nil
}
