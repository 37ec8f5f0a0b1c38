package pipeline

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-steer/internal/engine"
	"github.com/23skdu/longbow-steer/internal/steering"
	"github.com/23skdu/longbow-steer/internal/store"
)

// RandomVector is a seeded unit-norm direction, used to exercise the
// pipeline when no extracted steering vector is at hand.
func RandomVector(dim, layer int, seed int64) (steering.Vector, error) {
	if dim <= 0 {
		return steering.Vector{}, fmt.Errorf("invalid dimension %d", dim)
	}
	rng := rand.New(rand.NewSource(seed))
	values := make([]float32, dim)
	var norm float64
	for i := range values {
		v := rng.NormFloat64()
		values[i] = float32(v)
		norm += v * v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range values {
		values[i] *= scale
	}
	return steering.NewVector(values, layer)
}

// WriteRandomVector saves a RandomVector sized for the named model.
func WriteRandomVector(modelPath, out string, layer int, seed int64) (steering.Vector, error) {
	m, _, err := engine.Open(modelPath, seed)
	if err != nil {
		return steering.Vector{}, err
	}
	if layer < 0 || layer >= m.NumLayers() {
		return steering.Vector{}, fmt.Errorf("layer %d outside model with %d layers", layer, m.NumLayers())
	}
	vec, err := RandomVector(m.HiddenSize(), layer, seed)
	if err != nil {
		return steering.Vector{}, err
	}
	return vec, store.SaveVector(out, vec)
}
