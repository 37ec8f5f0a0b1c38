package cpu

import (
	"math"
	"runtime"
	"sync"
)

// minParallelRows keeps small projections on the calling goroutine.
const minParallelRows = 64

// parallelRows splits [0, n) into contiguous chunks, one goroutine each.
func parallelRows(n int, fn func(rowStart, rowEnd int)) {
	if n < minParallelRows {
		fn(0, n)
		return
	}
	parallelism := runtime.NumCPU()
	chunkSize := (n + parallelism - 1) / parallelism
	var wg sync.WaitGroup
	for i := 0; i < n; i += chunkSize {
		end := i + chunkSize
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(rowStart, rowEnd int) {
			defer wg.Done()
			fn(rowStart, rowEnd)
		}(i, end)
	}
	wg.Wait()
}

// Linear computes out = W·x where W is row-major [len(out)][len(x)].
// Every output element is summed in the same order, so results do not depend
// on how rows are split across goroutines.
func Linear(out, w, x []float32) {
	inCols := len(x)
	parallelRows(len(out), func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			wr := w[row*inCols : (row+1)*inCols]
			var sum float32
			for k, v := range x {
				sum += wr[k] * v
			}
			out[row] = sum
		}
	})
}

func RMSNorm(out, x, w []float32, eps float32) {
	var sum float32
	for _, v := range x {
		sum += v * v
	}
	scale := float32(1.0) / float32(math.Sqrt(float64(sum/float32(len(x)))+float64(eps)))
	for j, v := range x {
		out[j] = v * scale * w[j]
	}
}

// Rope rotates adjacent pairs of each head in place for position pos.
func Rope(x []float32, pos, headDim int, theta float32) {
	for head := 0; head+headDim <= len(x); head += headDim {
		for h := 0; h < headDim; h += 2 {
			freq := 1.0 / math.Pow(float64(theta), float64(h)/float64(headDim))
			angle := float64(pos) * freq
			cosVal := float32(math.Cos(angle))
			sinVal := float32(math.Sin(angle))
			x0 := x[head+h]
			x1 := x[head+h+1]
			x[head+h] = x0*cosVal - x1*sinVal
			x[head+h+1] = x0*sinVal + x1*cosVal
		}
	}
}

// SwiGLU writes silu(gate) * up into out.
func SwiGLU(out, gate, up []float32) {
	for i, g := range gate {
		out[i] = up[i] * g / (float32(1.0) + float32(math.Exp(float64(-g))))
	}
}

func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	sum := float32(0.0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum > 0 {
		invSum := float32(1.0) / sum
		for i := range x {
			x[i] *= invSum
		}
	}
}

// LogSoftmaxAt returns log(softmax(logits)[idx]) computed in float64 with the
// max subtracted, so large logits do not overflow.
func LogSoftmaxAt(logits []float32, idx int) float64 {
	max := float64(logits[0])
	for _, v := range logits {
		if float64(v) > max {
			max = float64(v)
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v) - max)
	}
	return float64(logits[idx]) - max - math.Log(sum)
}

// Add accumulates b into a.
func Add(a, b []float32) {
	for i := range a {
		a[i] += b[i]
	}
}

// AddScaled accumulates s*b into a.
func AddScaled(a, b []float32, s float32) {
	for i := range a {
		a[i] += b[i] * s
	}
}

func Embedding(out, table []float32, id int) {
	dim := len(out)
	copy(out, table[id*dim:(id+1)*dim])
}
