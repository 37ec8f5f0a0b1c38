package store

import (
	"errors"
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

var ErrNotTensor = errors.New("file does not hold a single tensor")

// LoadTorch reads a tensor saved with torch.save and returns its elements in
// row-major order. A dict holding exactly one tensor is unwrapped.
func LoadTorch(path string) ([]float64, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if d, ok := obj.(*types.Dict); ok && len(d.Keys()) == 1 {
		obj = d.MustGet(d.Keys()[0])
	}
	t, ok := obj.(*pytorch.Tensor)
	if !ok {
		return nil, fmt.Errorf("%w: %s holds %T", ErrNotTensor, path, obj)
	}
	return tensorValues(t)
}

// tensorValues walks t's storage through its offset and strides.
func tensorValues(t *pytorch.Tensor) ([]float64, error) {
	var at func(i int) float64
	var n int
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		at, n = func(i int) float64 { return float64(s.Data[i]) }, len(s.Data)
	case *pytorch.HalfStorage:
		at, n = func(i int) float64 { return float64(s.Data[i]) }, len(s.Data)
	case *pytorch.BFloat16Storage:
		at, n = func(i int) float64 { return float64(s.Data[i]) }, len(s.Data)
	case *pytorch.DoubleStorage:
		at, n = func(i int) float64 { return s.Data[i] }, len(s.Data)
	default:
		return nil, fmt.Errorf("unsupported tensor storage %T", t.Source)
	}

	count := 1
	for _, d := range t.Size {
		count *= d
	}
	out := make([]float64, 0, count)
	if count == 0 {
		return out, nil
	}
	if len(t.Stride) != len(t.Size) {
		return nil, fmt.Errorf("tensor has %d sizes and %d strides", len(t.Size), len(t.Stride))
	}

	index := make([]int, len(t.Size))
	for {
		off := t.StorageOffset
		for d, i := range index {
			off += i * t.Stride[d]
		}
		if off < 0 || off >= n {
			return nil, fmt.Errorf("tensor element offset %d outside storage of %d", off, n)
		}
		out = append(out, at(off))

		d := len(index) - 1
		for ; d >= 0; d-- {
			index[d]++
			if index[d] < t.Size[d] {
				break
			}
			index[d] = 0
		}
		if d < 0 {
			return out, nil
		}
	}
}
