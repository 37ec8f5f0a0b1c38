package steering

import "fmt"

// Vector is a steering direction for one layer's residual stream. Its values
// are fixed at construction.
type Vector struct {
	values []float32
	Layer  int
}

func NewVector(values []float32, layer int) (Vector, error) {
	if len(values) == 0 {
		return Vector{}, fmt.Errorf("empty steering vector")
	}
	return Vector{values: append([]float32(nil), values...), Layer: layer}, nil
}

func (v Vector) Dim() int {
	return len(v.values)
}

// Values returns a copy of the direction.
func (v Vector) Values() []float32 {
	return append([]float32(nil), v.values...)
}

// Scaled returns coef times the direction in a fresh slice.
func (v Vector) Scaled(coef float32) []float32 {
	out := make([]float32, len(v.values))
	for i, x := range v.values {
		out[i] = coef * x
	}
	return out
}

// Clone returns an equal vector that shares no storage with v.
func (v Vector) Clone() Vector {
	return Vector{values: v.Values(), Layer: v.Layer}
}
