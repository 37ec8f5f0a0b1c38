package steering

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-steer/internal/config"
	"github.com/23skdu/longbow-steer/internal/engine"
	"github.com/23skdu/longbow-steer/internal/model"
	"github.com/23skdu/longbow-steer/internal/tokenizer"
)

func newSyntheticModel(t *testing.T) (*engine.Transformer, *tokenizer.Tokenizer) {
	t.Helper()
	tok := tokenizer.NewSynthetic()
	m, err := engine.NewSynthetic(config.SyntheticModel(tok.VocabSize()), 11)
	require.NoError(t, err)
	return m, tok
}

func unitVector(t *testing.T, dim int) Vector {
	t.Helper()
	values := make([]float32, dim)
	for i := range values {
		values[i] = float32(i%5) - 2
	}
	v, err := NewVector(values, 1)
	require.NoError(t, err)
	return v
}

// captureLayer records the hidden state of layer after any earlier hooks.
func captureLayer(t *testing.T, m model.Model, layer int) (*[]float32, model.HookHandle) {
	t.Helper()
	var got []float32
	h, err := m.RegisterLayerHook(layer, func(_ int, hid *model.Hidden) {
		got = append([]float32(nil), hid.Data...)
	})
	require.NoError(t, err)
	return &got, h
}

func TestActivateAddsScaledVector(t *testing.T) {
	m, tok := newSyntheticModel(t)
	vec := unitVector(t, m.HiddenSize())
	batch, err := tok.EncodeBatch([]string{"ab", "abcd"})
	require.NoError(t, err)

	plain, hook := captureLayer(t, m, 1)
	_, err = m.Forward(batch)
	require.NoError(t, err)
	base := append([]float32(nil), (*plain)...)
	require.NoError(t, m.RemoveHook(hook))

	h, err := Activate(m, 1, vec, 3)
	require.NoError(t, err)
	steered, hook := captureLayer(t, m, 1)
	_, err = m.Forward(batch)
	require.NoError(t, err)
	require.NoError(t, m.RemoveHook(hook))
	require.NoError(t, Deactivate(h))

	dim := m.HiddenSize()
	require.Len(t, *steered, len(base))
	for i := range base {
		require.InDelta(t, base[i]+3*vec.Values()[i%dim], (*steered)[i], 1e-4, "element %d", i)
	}
}

func TestDeactivateRestoresOutputs(t *testing.T) {
	m, tok := newSyntheticModel(t)
	vec := unitVector(t, m.HiddenSize())
	batch, err := tok.EncodeBatch([]string{"restore me"})
	require.NoError(t, err)

	before, err := m.Forward(batch)
	require.NoError(t, err)

	h, err := Activate(m, 2, vec, 8)
	require.NoError(t, err)
	during, err := m.Forward(batch)
	require.NoError(t, err)
	require.NotEqual(t, before.Data, during.Data)
	require.NoError(t, Deactivate(h))

	after, err := m.Forward(batch)
	require.NoError(t, err)
	require.Equal(t, before.Data, after.Data)
}

func TestZeroCoefficientIsNoOp(t *testing.T) {
	m, tok := newSyntheticModel(t)
	vec := unitVector(t, m.HiddenSize())
	batch, err := tok.EncodeBatch([]string{"zero", "coefficient"})
	require.NoError(t, err)

	want, err := m.Forward(batch)
	require.NoError(t, err)
	var got *model.Logits
	err = WithSteering(m, 0, vec, 0, func() error {
		var ferr error
		got, ferr = m.Forward(batch)
		return ferr
	})
	require.NoError(t, err)
	require.Equal(t, want.Data, got.Data)
}

func TestNestedActivationFails(t *testing.T) {
	m, _ := newSyntheticModel(t)
	vec := unitVector(t, m.HiddenSize())

	h, err := Activate(m, 1, vec, 1)
	require.NoError(t, err)
	_, err = Activate(m, 2, vec, 2)
	require.True(t, errors.Is(err, ErrAlreadyActive), "got %v", err)

	err = WithSteering(m, 1, vec, 1, func() error {
		t.Fatal("fn must not run while another intervention is active")
		return nil
	})
	require.True(t, errors.Is(err, ErrAlreadyActive))

	require.NoError(t, Deactivate(h))
	require.True(t, errors.Is(Deactivate(h), ErrNotActive))
	require.True(t, errors.Is(Deactivate(nil), ErrNotActive))

	h, err = Activate(m, 2, vec, 2)
	require.NoError(t, err)
	require.Equal(t, 2, h.Layer())
	require.Equal(t, float32(2), h.Coef())
	require.NoError(t, Deactivate(h))
}

func TestInterventionsArePerModel(t *testing.T) {
	a, _ := newSyntheticModel(t)
	b, _ := newSyntheticModel(t)
	vec := unitVector(t, a.HiddenSize())

	ha, err := Activate(a, 0, vec, 1)
	require.NoError(t, err)
	hb, err := Activate(b, 0, vec, 1)
	require.NoError(t, err)
	require.NoError(t, Deactivate(ha))
	require.NoError(t, Deactivate(hb))
}

func TestActivateValidation(t *testing.T) {
	m, _ := newSyntheticModel(t)

	short, err := NewVector([]float32{1, 2, 3}, 0)
	require.NoError(t, err)
	_, err = Activate(m, 0, short, 1)
	require.True(t, errors.Is(err, ErrDimensionMismatch))

	vec := unitVector(t, m.HiddenSize())
	_, err = Activate(m, m.NumLayers(), vec, 1)
	require.True(t, errors.Is(err, model.ErrLayerOutOfRange))

	// a failed activation leaves nothing installed
	h, err := Activate(m, 0, vec, 1)
	require.NoError(t, err)
	require.NoError(t, Deactivate(h))
}

func TestWithSteeringReleasesOnError(t *testing.T) {
	m, _ := newSyntheticModel(t)
	vec := unitVector(t, m.HiddenSize())
	boom := errors.New("boom")

	err := WithSteering(m, 1, vec, 5, func() error { return boom })
	require.True(t, errors.Is(err, boom))

	h, err := Activate(m, 1, vec, 5)
	require.NoError(t, err)
	require.NoError(t, Deactivate(h))
}

func TestVectorClone(t *testing.T) {
	_, err := NewVector(nil, 0)
	require.Error(t, err)

	src := []float32{1, 2}
	v, err := NewVector(src, 3)
	require.NoError(t, err)
	src[0] = 9
	require.Equal(t, []float32{1, 2}, v.Values())

	vals := v.Values()
	vals[1] = 7
	require.Equal(t, []float32{1, 2}, v.Values())

	c := v.Clone()
	require.Equal(t, v, c)
	require.Equal(t, 3, c.Layer)
	require.Equal(t, 2, c.Dim())

	require.Equal(t, []float32{-2, -4}, v.Scaled(-2))
	require.Equal(t, []float32{1, 2}, v.Values())
}
