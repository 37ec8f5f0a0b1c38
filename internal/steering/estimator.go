package steering

import (
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-steer/internal/cpu"
	"github.com/23skdu/longbow-steer/internal/logger"
	"github.com/23skdu/longbow-steer/internal/metrics"
	"github.com/23skdu/longbow-steer/internal/model"
)

const DefaultBatchSize = 20

var (
	ErrEmptyContinuation = errors.New("continuation mask selects no positions")
	ErrRightPadded       = errors.New("token batch is right padded")
)

// Estimate returns, for each example in input order, the mean log-probability
// of its continuation tokens given the observed prefix, with coef*vec added to
// layer's output. A batchSize of zero or less selects DefaultBatchSize.
// Results do not depend on batchSize.
func Estimate(m model.Model, tok model.Tokenizer, examples []string, layer int,
	vec Vector, coef float32, batchSize int, det BoundaryDetector) ([]float64, error) {
	if len(examples) == 0 {
		return nil, ErrEmptyInput
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	batch, err := tok.EncodeBatch(examples)
	if err != nil {
		return nil, fmt.Errorf("tokenize examples: %w", err)
	}
	mask, err := prepare(batch, det)
	if err != nil {
		return nil, err
	}

	var scores []float64
	err = WithSteering(m, layer, vec, coef, func() error {
		scores, err = scoreBatches(m, batch, mask, batchSize, condition(coef))
		return err
	})
	if err != nil {
		return nil, err
	}
	return scores, nil
}

func condition(coef float32) string {
	if coef == 0 {
		return "baseline"
	}
	return "steered"
}

// prepare checks the padding layout and builds the continuation mask, failing
// before any forward pass if a row has nothing to score.
func prepare(batch model.TokenBatch, det BoundaryDetector) (ContinuationMask, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	if !batch.IsLeftPadded() {
		metrics.RecordValidationError("estimate", "right_padded")
		return nil, ErrRightPadded
	}
	mask, err := BuildContinuationMask(batch.IDs, det)
	if err != nil {
		metrics.RecordValidationError("estimate", "delimiter_not_found")
		return nil, err
	}
	for i, row := range mask {
		// column 0 is never a prediction target
		if n := mask.Count(i); n == 0 || (n == 1 && row[0]) {
			metrics.RecordValidationError("estimate", "empty_continuation")
			return nil, fmt.Errorf("%w: row %d", ErrEmptyContinuation, i)
		}
	}
	return mask, nil
}

func scoreBatches(m model.Model, batch model.TokenBatch, mask ContinuationMask, batchSize int, cond string) ([]float64, error) {
	log := logger.Component("estimator").With("condition", cond)
	n := batch.Len()
	scores := make([]float64, 0, n)
	for start := 0; start < n; start += batchSize {
		end := start + batchSize
		if end > n {
			end = n
		}
		log.Info("Scoring batch", "start", start, "total", n)
		began := time.Now()

		sub := batch.Slice(start, end)
		metrics.RecordContextLength(sub.SeqLen())
		logits, err := m.Forward(sub)
		if err != nil {
			return nil, fmt.Errorf("forward pass for examples %d-%d: %w", start, end-1, err)
		}
		for b := 0; b < sub.Len(); b++ {
			scores = append(scores, meanContinuationLogProb(logits, b, sub.IDs[b], mask[start+b]))
		}
		metrics.RecordBatch(cond, end-start, time.Since(began))
	}
	return scores, nil
}

// meanContinuationLogProb averages log p(ids[t+1] | ids[..t]) over the
// positions t whose next token is continuation.
func meanContinuationLogProb(logits *model.Logits, b int, ids []int, mask []bool) float64 {
	var sum float64
	count := 0
	for t := 0; t+1 < len(ids); t++ {
		if !mask[t+1] {
			continue
		}
		sum += cpu.LogSoftmaxAt(logits.At(b, t), ids[t+1])
		count++
	}
	return sum / float64(count)
}
