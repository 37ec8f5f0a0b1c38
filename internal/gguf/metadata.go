package gguf

import "math"

// Uint returns an unsigned or non-negative signed integer metadata value.
func (f *GGUFFile) Uint(key string) (uint64, bool) {
	switch v := f.KV[key].(type) {
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case int32:
		if v >= 0 {
			return uint64(v), true
		}
	case int64:
		if v >= 0 {
			return uint64(v), true
		}
	}
	return 0, false
}

// Int returns the first key present as an int, or def.
func (f *GGUFFile) Int(def int, keys ...string) int {
	for _, k := range keys {
		if v, ok := f.Uint(k); ok {
			return int(v)
		}
	}
	return def
}

// Float returns the first key present as a float32, or def.
func (f *GGUFFile) Float(def float32, keys ...string) float32 {
	for _, k := range keys {
		switch v := f.KV[k].(type) {
		case float32:
			return v
		case float64:
			return float32(v)
		}
	}
	return def
}

func (f *GGUFFile) String(key string) (string, bool) {
	s, ok := f.KV[key].(string)
	return s, ok
}

func (f *GGUFFile) Strings(key string) ([]string, bool) {
	arr, ok := f.KV[key].([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, len(arr))
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}

func (f *GGUFFile) Float32Array(key string) ([]float32, bool) {
	arr, ok := f.KV[key].([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]float32, len(arr))
	for i, v := range arr {
		switch x := v.(type) {
		case float32:
			out[i] = x
		case float64:
			out[i] = float32(x)
		default:
			out[i] = float32(math.NaN())
		}
	}
	return out, true
}
