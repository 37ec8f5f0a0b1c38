package tokenizer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/23skdu/longbow-steer/internal/gguf"
	"github.com/23skdu/longbow-steer/internal/metrics"
	"github.com/23skdu/longbow-steer/internal/model"
)

// spaceMarker is SentencePiece's word-boundary symbol.
const spaceMarker = "▁"

type Tokenizer struct {
	Tokens []string
	Vocab  map[string]int
	Scores []float32

	BOS int
	EOS int
	Unk int
	// PadID fills the left of shorter rows; llama chat models reuse EOS.
	PadID  int
	AddBOS bool
}

// New loads the vocabulary of a GGUF model.
func New(path string) (*Tokenizer, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return FromGGUF(f)
}

func FromGGUF(f *gguf.GGUFFile) (*Tokenizer, error) {
	tokens, ok := f.Strings("tokenizer.ggml.tokens")
	if !ok {
		return nil, fmt.Errorf("tokenizer.ggml.tokens not found in GGUF")
	}
	scores, _ := f.Float32Array("tokenizer.ggml.scores")
	return NewFromVocab(tokens, scores,
		f.Int(1, "tokenizer.ggml.bos_token_id"),
		f.Int(2, "tokenizer.ggml.eos_token_id"),
		f.Int(0, "tokenizer.ggml.unknown_token_id"),
	)
}

// NewFromVocab builds a tokenizer from explicit pieces. Missing scores are zero.
func NewFromVocab(tokens []string, scores []float32, bos, eos, unk int) (*Tokenizer, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}
	for _, id := range []int{bos, eos, unk} {
		if id < 0 || id >= len(tokens) {
			return nil, fmt.Errorf("special token id %d outside vocabulary of %d", id, len(tokens))
		}
	}
	if len(scores) != len(tokens) {
		padded := make([]float32, len(tokens))
		copy(padded, scores)
		scores = padded
	}
	vocab := make(map[string]int, len(tokens))
	for i, s := range tokens {
		if _, dup := vocab[s]; !dup {
			vocab[s] = i
		}
	}
	return &Tokenizer{
		Tokens: tokens,
		Vocab:  vocab,
		Scores: scores,
		BOS:    bos,
		EOS:    eos,
		Unk:    unk,
		PadID:  eos,
		AddBOS: true,
	}, nil
}

// NewSynthetic is a character-level vocabulary over printable ASCII, paired
// with the synthetic engine for smoke runs.
func NewSynthetic() *Tokenizer {
	tokens := []string{"<unk>", "<s>", "</s>", spaceMarker}
	for c := byte(33); c < 127; c++ {
		tokens = append(tokens, string(c))
	}
	t, _ := NewFromVocab(tokens, nil, 1, 2, 0)
	return t
}

func (t *Tokenizer) VocabSize() int {
	return len(t.Tokens)
}

func (t *Tokenizer) TokenID(piece string) (int, bool) {
	id, ok := t.Vocab[piece]
	return id, ok
}

// Encode applies SentencePiece BPE: split into characters, then repeatedly
// merge the adjacent pair whose concatenation is the highest-scoring
// vocabulary piece (leftmost on ties). Pieces left outside the vocabulary
// fall back to <0xNN> byte tokens, then to the unknown token.
func (t *Tokenizer) Encode(text string) []int {
	var ids []int
	if t.AddBOS {
		ids = append(ids, t.BOS)
	}
	if text == "" {
		return ids
	}
	normalized := spaceMarker + strings.ReplaceAll(text, " ", spaceMarker)

	symbols := make([]string, 0, utf8.RuneCountInString(normalized))
	for _, r := range normalized {
		symbols = append(symbols, string(r))
	}

	for {
		best := -1
		var bestScore float32
		for i := 0; i+1 < len(symbols); i++ {
			id, ok := t.Vocab[symbols[i]+symbols[i+1]]
			if !ok {
				continue
			}
			if best < 0 || t.Scores[id] > bestScore {
				best = i
				bestScore = t.Scores[id]
			}
		}
		if best < 0 {
			break
		}
		symbols[best] += symbols[best+1]
		symbols = append(symbols[:best+1], symbols[best+2:]...)
	}

	unknown := 0
	for _, s := range symbols {
		if id, ok := t.Vocab[s]; ok {
			ids = append(ids, id)
			continue
		}
		for _, b := range []byte(s) {
			if id, ok := t.Vocab[fmt.Sprintf("<0x%02X>", b)]; ok {
				ids = append(ids, id)
			} else {
				ids = append(ids, t.Unk)
				unknown++
			}
		}
	}
	metrics.RecordTokenizerEncode(len(ids), unknown)
	return ids
}

// EncodeBatch tokenizes texts together and left-pads them to a common length.
func (t *Tokenizer) EncodeBatch(texts []string) (model.TokenBatch, error) {
	encoded := make([][]int, len(texts))
	maxLen := 0
	for i, text := range texts {
		encoded[i] = t.Encode(text)
		if len(encoded[i]) == 0 {
			return model.TokenBatch{}, fmt.Errorf("example %d encodes to no tokens", i)
		}
		if len(encoded[i]) > maxLen {
			maxLen = len(encoded[i])
		}
	}

	batch := model.TokenBatch{
		IDs:   make([][]int, len(texts)),
		Mask:  make([][]int, len(texts)),
		PadID: t.PadID,
	}
	for i, ids := range encoded {
		pad := maxLen - len(ids)
		row := make([]int, maxLen)
		mask := make([]int, maxLen)
		for j := 0; j < pad; j++ {
			row[j] = t.PadID
		}
		copy(row[pad:], ids)
		for j := pad; j < maxLen; j++ {
			mask[j] = 1
		}
		batch.IDs[i] = row
		batch.Mask[i] = mask
	}
	return batch, nil
}

func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.Tokens) || id == t.BOS || id == t.EOS {
			continue
		}
		sb.WriteString(t.Tokens[id])
	}
	return strings.TrimPrefix(strings.ReplaceAll(sb.String(), spaceMarker, " "), " ")
}
