package engine

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/23skdu/longbow-steer/internal/config"
	"github.com/23skdu/longbow-steer/internal/cpu"
	"github.com/23skdu/longbow-steer/internal/metrics"
	"github.com/23skdu/longbow-steer/internal/model"
)

// Weights are row-major [out][in] matrices, the layout GGUF stores them in.
type Weights struct {
	TokenEmb []float32 // vocab x dim

	AttnNorm [][]float32
	AttnQ    [][]float32 // dim x dim
	AttnK    [][]float32 // kvDim x dim
	AttnV    [][]float32 // kvDim x dim
	AttnO    [][]float32 // dim x dim

	FfnNorm [][]float32
	FfnGate [][]float32 // hidden x dim
	FfnUp   [][]float32 // hidden x dim
	FfnDown [][]float32 // dim x hidden

	OutputNorm []float32
	Output     []float32 // vocab x dim
}

func (w *Weights) validate(c config.ModelConfig) error {
	check := func(name string, got, want int) error {
		if got != want {
			return fmt.Errorf("%s: %d values, want %d", name, got, want)
		}
		return nil
	}
	layered := func(name string, m [][]float32, want int) error {
		if len(m) != c.Layers {
			return fmt.Errorf("%s: %d layers, want %d", name, len(m), c.Layers)
		}
		for i, v := range m {
			if err := check(fmt.Sprintf("blk.%d.%s", i, name), len(v), want); err != nil {
				return err
			}
		}
		return nil
	}
	kv := c.KVDim()
	for _, err := range []error{
		check("token_embd", len(w.TokenEmb), c.VocabSize*c.Dim),
		layered("attn_norm", w.AttnNorm, c.Dim),
		layered("attn_q", w.AttnQ, c.Dim*c.Dim),
		layered("attn_k", w.AttnK, kv*c.Dim),
		layered("attn_v", w.AttnV, kv*c.Dim),
		layered("attn_output", w.AttnO, c.Dim*c.Dim),
		layered("ffn_norm", w.FfnNorm, c.Dim),
		layered("ffn_gate", w.FfnGate, c.HiddenDim*c.Dim),
		layered("ffn_up", w.FfnUp, c.HiddenDim*c.Dim),
		layered("ffn_down", w.FfnDown, c.Dim*c.HiddenDim),
		check("output_norm", len(w.OutputNorm), c.Dim),
		check("output", len(w.Output), c.VocabSize*c.Dim),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

type hookEntry struct {
	layer int
	fn    model.LayerHook
}

// Transformer is a llama-style decoder evaluated on the CPU over whole
// left-padded batches. Layer output hooks run after each decoder block on the
// residual stream, before the next block reads it.
type Transformer struct {
	cfg     config.ModelConfig
	weights *Weights

	mu     sync.Mutex
	hooks  map[model.HookHandle]hookEntry
	nextID model.HookHandle
}

func New(cfg config.ModelConfig, w *Weights) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := w.validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid weights: %w", err)
	}
	return &Transformer{
		cfg:     cfg,
		weights: w,
		hooks:   make(map[model.HookHandle]hookEntry),
	}, nil
}

func (m *Transformer) Config() config.ModelConfig {
	return m.cfg
}

func (m *Transformer) NumLayers() int {
	return m.cfg.Layers
}

func (m *Transformer) HiddenSize() int {
	return m.cfg.Dim
}

func (m *Transformer) RegisterLayerHook(layer int, fn model.LayerHook) (model.HookHandle, error) {
	if layer < 0 || layer >= m.cfg.Layers {
		return 0, fmt.Errorf("%w: %d (model has %d layers)", model.ErrLayerOutOfRange, layer, m.cfg.Layers)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.hooks[m.nextID] = hookEntry{layer: layer, fn: fn}
	return m.nextID, nil
}

func (m *Transformer) RemoveHook(h model.HookHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hooks[h]; !ok {
		return fmt.Errorf("%w: %d", model.ErrUnknownHook, h)
	}
	delete(m.hooks, h)
	return nil
}

// hooksFor returns the hooks of a layer in registration order.
func (m *Transformer) hooksFor(layer int) []model.LayerHook {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]model.HookHandle, 0, len(m.hooks))
	for id, e := range m.hooks {
		if e.layer == layer {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]model.LayerHook, len(ids))
	for i, id := range ids {
		fns[i] = m.hooks[id].fn
	}
	return fns
}

// Forward returns logits for every position of every row.
func (m *Transformer) Forward(batch model.TokenBatch) (*model.Logits, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	B, T, D := batch.Len(), batch.SeqLen(), m.cfg.Dim
	if T > m.cfg.SeqLen {
		return nil, fmt.Errorf("sequence length %d exceeds context length %d", T, m.cfg.SeqLen)
	}
	for b, row := range batch.IDs {
		for t, id := range row {
			if id < 0 || id >= m.cfg.VocabSize {
				return nil, fmt.Errorf("row %d position %d: token id %d outside vocabulary of %d", b, t, id, m.cfg.VocabSize)
			}
		}
	}
	start := time.Now()

	h := model.NewHidden(B, T, D)
	positions := make([][]int, B)
	for b := 0; b < B; b++ {
		positions[b] = maskPositions(batch.Mask[b])
		for t := 0; t < T; t++ {
			cpu.Embedding(h.Row(b, t), m.weights.TokenEmb, batch.IDs[b][t])
		}
	}

	s := newScratch(m.cfg, T)
	for l := 0; l < m.cfg.Layers; l++ {
		for b := 0; b < B; b++ {
			m.attention(l, h, b, batch.Mask[b], positions[b], s)
			m.feedForward(l, h, b, s)
		}
		for _, fn := range m.hooksFor(l) {
			fn(l, h)
		}
	}

	logits := model.NewLogits(B, T, m.cfg.VocabSize)
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			cpu.RMSNorm(s.norm, h.Row(b, t), m.weights.OutputNorm, m.cfg.Eps)
			cpu.Linear(logits.At(b, t), m.weights.Output, s.norm)
		}
	}

	nan, inf := countNaNInf(logits.Data)
	metrics.RecordNumericalInstability("logits", nan, inf)
	metrics.RecordForward(B*T, time.Since(start))
	return logits, nil
}

// maskPositions numbers real tokens from 0; padding keeps position 0.
func maskPositions(mask []int) []int {
	pos := make([]int, len(mask))
	next := 0
	for t, v := range mask {
		if v != 0 {
			pos[t] = next
			next++
		}
	}
	return pos
}

type scratch struct {
	norm    []float32
	q, k, v [][]float32
	attn    []float32
	proj    []float32
	scores  []float32
	gate    []float32
	up      []float32
}

func newScratch(c config.ModelConfig, T int) *scratch {
	alloc := func(n, width int) [][]float32 {
		rows := make([][]float32, n)
		for i := range rows {
			rows[i] = make([]float32, width)
		}
		return rows
	}
	return &scratch{
		norm:   make([]float32, c.Dim),
		q:      alloc(T, c.Dim),
		k:      alloc(T, c.KVDim()),
		v:      alloc(T, c.KVDim()),
		attn:   make([]float32, c.Dim),
		proj:   make([]float32, c.Dim),
		scores: make([]float32, T),
		gate:   make([]float32, c.HiddenDim),
		up:     make([]float32, c.HiddenDim),
	}
}

// attention applies causal self-attention to row b, attending only to
// positions whose attention mask is set.
func (m *Transformer) attention(l int, h *model.Hidden, b int, mask, pos []int, s *scratch) {
	c := m.cfg
	w := m.weights
	T := h.SeqLen

	for t := 0; t < T; t++ {
		cpu.RMSNorm(s.norm, h.Row(b, t), w.AttnNorm[l], c.Eps)
		cpu.Linear(s.q[t], w.AttnQ[l], s.norm)
		cpu.Linear(s.k[t], w.AttnK[l], s.norm)
		cpu.Linear(s.v[t], w.AttnV[l], s.norm)
		cpu.Rope(s.q[t], pos[t], c.HeadDim, c.RopeTheta)
		cpu.Rope(s.k[t], pos[t], c.HeadDim, c.RopeTheta)
	}

	group := c.Heads / c.KVHeads
	scale := float32(1.0 / math.Sqrt(float64(c.HeadDim)))
	for t := T - 1; t >= 0; t-- {
		for i := range s.attn {
			s.attn[i] = 0
		}
		for head := 0; head < c.Heads; head++ {
			qh := s.q[t][head*c.HeadDim : (head+1)*c.HeadDim]
			kvOff := (head / group) * c.HeadDim

			keys := s.scores[:0]
			for src := 0; src <= t; src++ {
				if mask[src] == 0 {
					continue
				}
				kh := s.k[src][kvOff : kvOff+c.HeadDim]
				var dot float32
				for i := range qh {
					dot += qh[i] * kh[i]
				}
				keys = append(keys, dot*scale)
			}
			if len(keys) == 0 {
				continue
			}
			cpu.Softmax(keys)

			out := s.attn[head*c.HeadDim : (head+1)*c.HeadDim]
			n := 0
			for src := 0; src <= t; src++ {
				if mask[src] == 0 {
					continue
				}
				cpu.AddScaled(out, s.v[src][kvOff:kvOff+c.HeadDim], keys[n])
				n++
			}
		}
		cpu.Linear(s.proj, w.AttnO[l], s.attn)
		cpu.Add(h.Row(b, t), s.proj)
	}
}

func (m *Transformer) feedForward(l int, h *model.Hidden, b int, s *scratch) {
	w := m.weights
	for t := 0; t < h.SeqLen; t++ {
		row := h.Row(b, t)
		cpu.RMSNorm(s.norm, row, w.FfnNorm[l], m.cfg.Eps)
		cpu.Linear(s.gate, w.FfnGate[l], s.norm)
		cpu.Linear(s.up, w.FfnUp[l], s.norm)
		cpu.SwiGLU(s.gate, s.gate, s.up)
		cpu.Linear(s.proj, w.FfnDown[l], s.gate)
		cpu.Add(row, s.proj)
	}
}

// countNaNInf counts NaN and Inf values in a float32 slice
func countNaNInf(data []float32) (nanCount, infCount int) {
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			nanCount++
		} else if math.IsInf(float64(v), 0) {
			infCount++
		}
	}
	return nanCount, infCount
}
