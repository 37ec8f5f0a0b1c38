package config

import (
	"fmt"
	"strings"
)

// ModelConfig holds the hyper-parameters of a llama-style decoder.
type ModelConfig struct {
	Architecture string
	Dim          int
	HiddenDim    int
	Layers       int
	Heads        int
	KVHeads      int
	HeadDim      int
	VocabSize    int
	SeqLen       int
	Eps          float32
	RopeTheta    float32
}

func (c *ModelConfig) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("invalid kv_heads: %d (must divide heads: %d)", c.KVHeads, c.Heads)
	}
	if c.HeadDim <= 0 || c.HeadDim%2 != 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive and even)", c.HeadDim)
	}
	if c.Dim != c.Heads*c.HeadDim {
		return fmt.Errorf("dim mismatch: %d != heads(%d) * head_dim(%d)", c.Dim, c.Heads, c.HeadDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", c.Eps)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	return nil
}

func (c *ModelConfig) GetArchitecture() string {
	return strings.ToLower(c.Architecture)
}

// KVDim is the width of the key and value projections.
func (c *ModelConfig) KVDim() int {
	return c.KVHeads * c.HeadDim
}

func DefaultModel() ModelConfig {
	return ModelConfig{
		Architecture: "llama",
		SeqLen:       2048,
		Eps:          1e-5,
		RopeTheta:    10000.0,
	}
}

// SyntheticModel is the small decoder used for seeded smoke runs.
func SyntheticModel(vocabSize int) ModelConfig {
	c := DefaultModel()
	c.Dim = 32
	c.HiddenDim = 64
	c.Layers = 4
	c.Heads = 4
	c.KVHeads = 2
	c.HeadDim = 8
	c.VocabSize = vocabSize
	c.SeqLen = 512
	return c
}
