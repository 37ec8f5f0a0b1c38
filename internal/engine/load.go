package engine

import (
	"fmt"

	"github.com/23skdu/longbow-steer/internal/config"
	"github.com/23skdu/longbow-steer/internal/gguf"
	"github.com/23skdu/longbow-steer/internal/logger"
	"github.com/23skdu/longbow-steer/internal/tokenizer"
)

// Load reads hyper-parameters and F32/F16 weights from a GGUF file.
// The mapping is released before returning.
func Load(path string) (*Transformer, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, err := configFromGGUF(f)
	if err != nil {
		return nil, err
	}
	w, err := weightsFromGGUF(f, cfg)
	if err != nil {
		return nil, err
	}
	m, err := New(cfg, w)
	if err != nil {
		return nil, err
	}
	logger.Log.Info("Model loaded",
		"path", path,
		"arch", cfg.Architecture,
		"layers", cfg.Layers,
		"dim", cfg.Dim,
		"heads", cfg.Heads,
		"kv_heads", cfg.KVHeads,
		"vocab", cfg.VocabSize)
	return m, nil
}

func configFromGGUF(f *gguf.GGUFFile) (config.ModelConfig, error) {
	cfg := config.DefaultModel()
	if arch, ok := f.String("general.architecture"); ok {
		cfg.Architecture = arch
	}
	p := cfg.GetArchitecture() + "."

	cfg.Layers = f.Int(0, p+"block_count")
	cfg.Dim = f.Int(0, p+"embedding_length")
	cfg.Heads = f.Int(0, p+"attention.head_count")
	if cfg.Heads == 0 {
		return cfg, fmt.Errorf("missing %sattention.head_count", p)
	}
	cfg.KVHeads = f.Int(cfg.Heads, p+"attention.head_count_kv")
	cfg.HiddenDim = f.Int(4*cfg.Dim, p+"feed_forward_length")
	cfg.HeadDim = cfg.Dim / cfg.Heads
	cfg.SeqLen = f.Int(cfg.SeqLen, p+"context_length")
	cfg.RopeTheta = f.Float(cfg.RopeTheta, p+"rope.freq_base")
	cfg.Eps = f.Float(cfg.Eps, p+"attention.layer_norm_rms_epsilon")

	if tokens, ok := f.Strings("tokenizer.ggml.tokens"); ok {
		cfg.VocabSize = len(tokens)
	} else if t, ok := f.Tensor("token_embd.weight"); ok && len(t.Dimensions) == 2 {
		cfg.VocabSize = int(t.Dimensions[1])
	}
	return cfg, cfg.Validate()
}

func weightsFromGGUF(f *gguf.GGUFFile, cfg config.ModelConfig) (*Weights, error) {
	read := func(name string) ([]float32, error) {
		t, ok := f.Tensor(name)
		if !ok {
			return nil, fmt.Errorf("tensor %s not found", name)
		}
		return t.Float32s()
	}

	w := &Weights{}
	var err error
	if w.TokenEmb, err = read("token_embd.weight"); err != nil {
		return nil, err
	}
	if w.OutputNorm, err = read("output_norm.weight"); err != nil {
		return nil, err
	}
	if _, ok := f.Tensor("output.weight"); ok {
		if w.Output, err = read("output.weight"); err != nil {
			return nil, err
		}
	} else {
		// tied embeddings
		w.Output = w.TokenEmb
	}

	layered := []struct {
		suffix string
		dst    *[][]float32
	}{
		{"attn_norm", &w.AttnNorm},
		{"attn_q", &w.AttnQ},
		{"attn_k", &w.AttnK},
		{"attn_v", &w.AttnV},
		{"attn_output", &w.AttnO},
		{"ffn_norm", &w.FfnNorm},
		{"ffn_gate", &w.FfnGate},
		{"ffn_up", &w.FfnUp},
		{"ffn_down", &w.FfnDown},
	}
	for _, ly := range layered {
		*ly.dst = make([][]float32, cfg.Layers)
		for i := 0; i < cfg.Layers; i++ {
			v, err := read(fmt.Sprintf("blk.%d.%s.weight", i, ly.suffix))
			if err != nil {
				return nil, err
			}
			(*ly.dst)[i] = v
		}
	}
	return w, nil
}

// Export writes the model and, when tok is non-nil, its vocabulary as a GGUF
// file that Load and tokenizer.New read back.
func (m *Transformer) Export(path string, tok *tokenizer.Tokenizer, typ gguf.GGMLType) error {
	c := m.cfg
	w := m.weights
	p := c.GetArchitecture() + "."

	gw := gguf.NewWriter()
	gw.SetKV("general.architecture", c.GetArchitecture())
	gw.SetKV(p+"block_count", uint32(c.Layers))
	gw.SetKV(p+"embedding_length", uint32(c.Dim))
	gw.SetKV(p+"feed_forward_length", uint32(c.HiddenDim))
	gw.SetKV(p+"attention.head_count", uint32(c.Heads))
	gw.SetKV(p+"attention.head_count_kv", uint32(c.KVHeads))
	gw.SetKV(p+"context_length", uint32(c.SeqLen))
	gw.SetKV(p+"rope.freq_base", c.RopeTheta)
	gw.SetKV(p+"attention.layer_norm_rms_epsilon", c.Eps)
	if tok != nil {
		gw.SetKV("tokenizer.ggml.tokens", tok.Tokens)
		gw.SetKV("tokenizer.ggml.scores", tok.Scores)
		gw.SetKV("tokenizer.ggml.bos_token_id", uint32(tok.BOS))
		gw.SetKV("tokenizer.ggml.eos_token_id", uint32(tok.EOS))
		gw.SetKV("tokenizer.ggml.unknown_token_id", uint32(tok.Unk))
	}

	dim := uint64(c.Dim)
	kv := uint64(c.KVDim())
	hidden := uint64(c.HiddenDim)
	vocab := uint64(c.VocabSize)
	add := func(name string, dims []uint64, v []float32) error {
		return gw.AddTensor(name, dims, typ, v)
	}
	if err := add("token_embd.weight", []uint64{dim, vocab}, w.TokenEmb); err != nil {
		return err
	}
	for i := 0; i < c.Layers; i++ {
		blk := fmt.Sprintf("blk.%d.", i)
		for _, t := range []struct {
			name string
			dims []uint64
			v    []float32
		}{
			{"attn_norm", []uint64{dim}, w.AttnNorm[i]},
			{"attn_q", []uint64{dim, dim}, w.AttnQ[i]},
			{"attn_k", []uint64{dim, kv}, w.AttnK[i]},
			{"attn_v", []uint64{dim, kv}, w.AttnV[i]},
			{"attn_output", []uint64{dim, dim}, w.AttnO[i]},
			{"ffn_norm", []uint64{dim}, w.FfnNorm[i]},
			{"ffn_gate", []uint64{dim, hidden}, w.FfnGate[i]},
			{"ffn_up", []uint64{dim, hidden}, w.FfnUp[i]},
			{"ffn_down", []uint64{hidden, dim}, w.FfnDown[i]},
		} {
			if err := add(blk+t.name+".weight", t.dims, t.v); err != nil {
				return err
			}
		}
	}
	if err := add("output_norm.weight", []uint64{dim}, w.OutputNorm); err != nil {
		return err
	}
	if err := add("output.weight", []uint64{dim, vocab}, w.Output); err != nil {
		return err
	}
	return gw.WriteFile(path)
}
