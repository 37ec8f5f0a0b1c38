package steering

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/23skdu/longbow-steer/internal/model"
)

var (
	ErrDelimiterNotFound = errors.New("instruction delimiter not found")
	ErrUnknownFamily     = errors.New("unknown model family")
)

// BoundaryDetector finds where the instruction of a tokenized chat sequence
// ends. Threshold returns the last column that is not continuation.
type BoundaryDetector interface {
	Threshold(row []int) (int, error)
}

// TokenBoundary places the threshold Offset columns after the first
// occurrence of Token.
type TokenBoundary struct {
	Token  int
	Offset int
}

func (b TokenBoundary) Threshold(row []int) (int, error) {
	for j, id := range row {
		if id == b.Token {
			return j + b.Offset, nil
		}
	}
	return 0, fmt.Errorf("%w: token %d", ErrDelimiterNotFound, b.Token)
}

// BoundaryFactory builds the detector for one model family. delimiter is a
// configured token id override, or negative to use the family default.
type BoundaryFactory func(tok model.Tokenizer, delimiter int) (BoundaryDetector, error)

var (
	boundaryMu sync.RWMutex
	boundaries = make(map[string]BoundaryFactory)
)

// RegisterBoundary makes a family's detector available to NewBoundary.
func RegisterBoundary(family string, f BoundaryFactory) {
	boundaryMu.Lock()
	defer boundaryMu.Unlock()
	boundaries[family] = f
}

// NewBoundary builds the detector registered for family. An empty family with
// a non-negative delimiter selects a plain TokenBoundary on that token.
func NewBoundary(family string, tok model.Tokenizer, delimiter int) (BoundaryDetector, error) {
	if family == "" && delimiter >= 0 {
		return TokenBoundary{Token: delimiter, Offset: DelimiterOffset}, nil
	}
	boundaryMu.RLock()
	f, ok := boundaries[family]
	boundaryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownFamily, family, Families())
	}
	return f(tok, delimiter)
}

// Families lists the registered model families in name order.
func Families() []string {
	boundaryMu.RLock()
	defer boundaryMu.RUnlock()
	names := make([]string, 0, len(boundaries))
	for name := range boundaries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Llama2Delimiter is the "/" piece of "[/INST]" in the llama-2 vocabulary,
// which splits it as "▁[", "/", "INST", "]". DelimiterOffset lands on "]".
const (
	Llama2Delimiter = 29914
	DelimiterOffset = 2
)

func init() {
	RegisterBoundary("llama2", func(_ model.Tokenizer, delimiter int) (BoundaryDetector, error) {
		if delimiter < 0 {
			delimiter = Llama2Delimiter
		}
		return TokenBoundary{Token: delimiter, Offset: DelimiterOffset}, nil
	})
	RegisterBoundary("synthetic", func(tok model.Tokenizer, delimiter int) (BoundaryDetector, error) {
		if delimiter >= 0 {
			return TokenBoundary{Token: delimiter, Offset: DelimiterOffset}, nil
		}
		if tok == nil {
			return nil, fmt.Errorf("synthetic boundary needs a tokenizer")
		}
		id, ok := tok.TokenID("/")
		if !ok {
			return nil, fmt.Errorf("%w: tokenizer has no \"/\" piece", ErrDelimiterNotFound)
		}
		return TokenBoundary{Token: id, Offset: DelimiterOffset}, nil
	})
}

// ContinuationMask marks the columns of a token batch that are scored.
type ContinuationMask [][]bool

// Count is the number of scored columns in row.
func (m ContinuationMask) Count(row int) int {
	n := 0
	for _, v := range m[row] {
		if v {
			n++
		}
	}
	return n
}

// BuildContinuationMask marks, per row, every column strictly after the
// detector's threshold. Left padding and the instruction fall at or before
// the threshold and stay false.
func BuildContinuationMask(ids [][]int, det BoundaryDetector) (ContinuationMask, error) {
	mask := make(ContinuationMask, len(ids))
	for i, row := range ids {
		threshold, err := det.Threshold(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		mask[i] = make([]bool, len(row))
		for j := threshold + 1; j < len(row); j++ {
			mask[i][j] = true
		}
	}
	return mask, nil
}
