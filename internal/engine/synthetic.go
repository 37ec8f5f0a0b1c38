package engine

import (
	"math"
	"math/rand"

	"github.com/23skdu/longbow-steer/internal/config"
)

// NewSynthetic builds a randomly initialised decoder. The same seed and
// config always produce the same weights.
func NewSynthetic(cfg config.ModelConfig, seed int64) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	normal := func(n, fanIn int) []float32 {
		scale := 1 / math.Sqrt(float64(fanIn))
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(rng.NormFloat64() * scale)
		}
		return out
	}
	ones := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = 1
		}
		return out
	}

	d, kv, hd := cfg.Dim, cfg.KVDim(), cfg.HiddenDim
	w := &Weights{
		TokenEmb: normal(cfg.VocabSize*d, 1),
	}
	for l := 0; l < cfg.Layers; l++ {
		w.AttnNorm = append(w.AttnNorm, ones(d))
		w.AttnQ = append(w.AttnQ, normal(d*d, d))
		w.AttnK = append(w.AttnK, normal(kv*d, d))
		w.AttnV = append(w.AttnV, normal(kv*d, d))
		w.AttnO = append(w.AttnO, normal(d*d, d))
		w.FfnNorm = append(w.FfnNorm, ones(d))
		w.FfnGate = append(w.FfnGate, normal(hd*d, d))
		w.FfnUp = append(w.FfnUp, normal(hd*d, d))
		w.FfnDown = append(w.FfnDown, normal(d*hd, hd))
	}
	w.OutputNorm = ones(d)
	w.Output = normal(cfg.VocabSize*d, d)
	return New(cfg, w)
}
