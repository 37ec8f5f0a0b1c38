// Package model defines the narrow contracts between the measurement pipeline
// and the language model it measures: padded token batches, per-layer hidden
// states, logits, and the forward/hook/tokenize operations.
package model

import (
	"errors"
	"fmt"
)

var (
	ErrRaggedBatch     = errors.New("token batch is not rectangular")
	ErrLayerOutOfRange = errors.New("layer index out of range")
	ErrUnknownHook     = errors.New("unknown hook handle")
)

// TokenBatch is a rectangular batch of token ids with its attention mask
// (1 = real token, 0 = padding). Padding is on the left.
type TokenBatch struct {
	IDs   [][]int
	Mask  [][]int
	PadID int
}

func (b TokenBatch) Len() int {
	return len(b.IDs)
}

// SeqLen is the common row length, or 0 for an empty batch.
func (b TokenBatch) SeqLen() int {
	if len(b.IDs) == 0 {
		return 0
	}
	return len(b.IDs[0])
}

// Validate checks that ids and mask share one rectangular shape.
func (b TokenBatch) Validate() error {
	if len(b.IDs) != len(b.Mask) {
		return fmt.Errorf("%w: %d id rows, %d mask rows", ErrRaggedBatch, len(b.IDs), len(b.Mask))
	}
	n := b.SeqLen()
	for i := range b.IDs {
		if len(b.IDs[i]) != n || len(b.Mask[i]) != n {
			return fmt.Errorf("%w: row %d has %d ids and %d mask entries, want %d",
				ErrRaggedBatch, i, len(b.IDs[i]), len(b.Mask[i]), n)
		}
	}
	return nil
}

// IsLeftPadded reports whether every row ends in a real token and no padding
// follows a real token.
func (b TokenBatch) IsLeftPadded() bool {
	for _, row := range b.Mask {
		seen := false
		for _, m := range row {
			if m != 0 {
				seen = true
			} else if seen {
				return false
			}
		}
		if len(row) > 0 && row[len(row)-1] == 0 {
			return false
		}
	}
	return true
}

// Slice returns rows [lo, hi) sharing storage with b.
func (b TokenBatch) Slice(lo, hi int) TokenBatch {
	return TokenBatch{IDs: b.IDs[lo:hi], Mask: b.Mask[lo:hi], PadID: b.PadID}
}

// Hidden is one layer's output for a batch, flattened as [batch][seq][dim].
type Hidden struct {
	Batch  int
	SeqLen int
	Dim    int
	Data   []float32
}

func NewHidden(batch, seqLen, dim int) *Hidden {
	return &Hidden{Batch: batch, SeqLen: seqLen, Dim: dim, Data: make([]float32, batch*seqLen*dim)}
}

// Row is the hidden state of batch element b at position t.
func (h *Hidden) Row(b, t int) []float32 {
	off := (b*h.SeqLen + t) * h.Dim
	return h.Data[off : off+h.Dim]
}

// Logits are next-token scores flattened as [batch][seq][vocab].
type Logits struct {
	Batch  int
	SeqLen int
	Vocab  int
	Data   []float32
}

func NewLogits(batch, seqLen, vocab int) *Logits {
	return &Logits{Batch: batch, SeqLen: seqLen, Vocab: vocab, Data: make([]float32, batch*seqLen*vocab)}
}

// At is the score vector of batch element b at position t.
func (l *Logits) At(b, t int) []float32 {
	off := (b*l.SeqLen + t) * l.Vocab
	return l.Data[off : off+l.Vocab]
}

// LayerHook observes and may modify a layer's output in place.
type LayerHook func(layer int, h *Hidden)

// HookHandle identifies a registered hook.
type HookHandle uint64

// Model is a causal language model with per-layer output hooks.
type Model interface {
	Forward(batch TokenBatch) (*Logits, error)
	RegisterLayerHook(layer int, fn LayerHook) (HookHandle, error)
	RemoveHook(h HookHandle) error
	NumLayers() int
	HiddenSize() int
}

// Tokenizer encodes strings into left-padded batches.
type Tokenizer interface {
	EncodeBatch(texts []string) (TokenBatch, error)
	TokenID(piece string) (int, bool)
}
