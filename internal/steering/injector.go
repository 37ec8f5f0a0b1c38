package steering

import (
	"errors"
	"fmt"
	"sync"

	"github.com/23skdu/longbow-steer/internal/cpu"
	"github.com/23skdu/longbow-steer/internal/logger"
	"github.com/23skdu/longbow-steer/internal/metrics"
	"github.com/23skdu/longbow-steer/internal/model"
)

var (
	ErrAlreadyActive     = errors.New("steering already active on this model")
	ErrNotActive         = errors.New("steering handle is not active")
	ErrDimensionMismatch = errors.New("steering vector does not match hidden size")
)

// Handle is an installed steering intervention.
type Handle struct {
	model  model.Model
	hook   model.HookHandle
	layer  int
	coef   float32
	active bool
}

func (h *Handle) Layer() int {
	return h.layer
}

func (h *Handle) Coef() float32 {
	return h.coef
}

// active holds the installed intervention of each model. Models are compared
// by identity, so implementations must be pointer types.
var (
	activeMu sync.Mutex
	active   = make(map[model.Model]*Handle)
)

// Activate adds coef*vec to every batch element and position of layer's
// output on each forward pass of m until the handle is deactivated. A zero
// coefficient installs the same hook and leaves outputs unchanged.
func Activate(m model.Model, layer int, vec Vector, coef float32) (*Handle, error) {
	if vec.Dim() != m.HiddenSize() {
		return nil, fmt.Errorf("%w: vector has %d values, hidden size is %d",
			ErrDimensionMismatch, vec.Dim(), m.HiddenSize())
	}

	activeMu.Lock()
	defer activeMu.Unlock()
	if cur, ok := active[m]; ok {
		return nil, fmt.Errorf("%w: layer %d coef %g", ErrAlreadyActive, cur.layer, cur.coef)
	}

	delta := vec.Scaled(coef)
	hook, err := m.RegisterLayerHook(layer, func(_ int, h *model.Hidden) {
		for b := 0; b < h.Batch; b++ {
			for t := 0; t < h.SeqLen; t++ {
				cpu.Add(h.Row(b, t), delta)
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("install steering hook: %w", err)
	}

	h := &Handle{model: m, hook: hook, layer: layer, coef: coef, active: true}
	active[m] = h
	metrics.RecordSteeringActivated(layer)
	logger.Component("steering").Debug("Steering activated", "layer", layer, "coef", coef)
	return h, nil
}

// Deactivate removes the intervention; later forward passes are unaffected.
func Deactivate(h *Handle) error {
	activeMu.Lock()
	defer activeMu.Unlock()
	if h == nil || !h.active {
		return ErrNotActive
	}
	if err := h.model.RemoveHook(h.hook); err != nil {
		return fmt.Errorf("remove steering hook: %w", err)
	}
	h.active = false
	delete(active, h.model)
	metrics.RecordSteeringDeactivated()
	logger.Component("steering").Debug("Steering deactivated", "layer", h.layer, "coef", h.coef)
	return nil
}

// WithSteering runs fn with the intervention installed and always removes it
// afterwards, whether fn fails or not.
func WithSteering(m model.Model, layer int, vec Vector, coef float32, fn func() error) (err error) {
	h, err := Activate(m, layer, vec, coef)
	if err != nil {
		return err
	}
	defer func() {
		if derr := Deactivate(h); derr != nil && err == nil {
			err = derr
		}
	}()
	return fn()
}
