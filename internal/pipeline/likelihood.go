// Package pipeline wires the measurement stages: likelihoods under steered
// and baseline conditions, then the steering effect score.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-steer/internal/config"
	"github.com/23skdu/longbow-steer/internal/dataset"
	"github.com/23skdu/longbow-steer/internal/engine"
	"github.com/23skdu/longbow-steer/internal/logger"
	"github.com/23skdu/longbow-steer/internal/steering"
	"github.com/23skdu/longbow-steer/internal/store"
)

const (
	ConditionControl    = "control"
	ConditionExperiment = "experiment"
)

// LikelihoodResult holds both conditions, matching half first.
type LikelihoodResult struct {
	Control    store.Records
	Experiment store.Records
}

// Likelihoods scores every example with the steering vector at cfg.Coef and
// at coefficient 0, one half at a time, and persists both arrays to
// cfg.ControlPath() and cfg.ExperimentPath().
func Likelihoods(ctx context.Context, cfg config.Config) (*LikelihoodResult, error) {
	if err := cfg.ValidateLikelihood(); err != nil {
		return nil, err
	}
	log := logger.Component("pipeline")

	group, err := dataset.LoadGroup(cfg.Data)
	if err != nil {
		return nil, err
	}
	m, tok, err := engine.Open(cfg.Model, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to open model: %w", err)
	}
	det, err := steering.NewBoundary(cfg.ModelFamily, tok, cfg.DelimiterToken)
	if err != nil {
		return nil, err
	}
	vec, err := store.LoadVector(cfg.SteerVector, cfg.SteerLayer)
	if err != nil {
		return nil, fmt.Errorf("failed to load steering vector: %w", err)
	}
	if vec.Layer != cfg.SteerLayer {
		log.Warn("Steering vector was extracted at a different layer",
			"vector_layer", vec.Layer, "steer_layer", cfg.SteerLayer)
	}

	runID := store.NewRunID()
	log.Info("Starting likelihood run",
		"run_id", runID,
		"model", cfg.Model,
		"examples", group.Len(),
		"layer", cfg.SteerLayer,
		"coef", cfg.Coef)

	var steered, baseline []float64
	for i, half := range group.Halves() {
		log.Info("Scoring half", "half", i, "examples", len(half))
		s, err := steering.Estimate(m, tok, half, cfg.SteerLayer, vec, cfg.Coef, cfg.BatchSize, det)
		if err != nil {
			return nil, fmt.Errorf("steered likelihoods: %w", err)
		}
		b, err := steering.Estimate(m, tok, half, cfg.SteerLayer, vec, 0, cfg.BatchSize, det)
		if err != nil {
			return nil, fmt.Errorf("baseline likelihoods: %w", err)
		}
		steered = append(steered, s...)
		baseline = append(baseline, b...)
	}

	meta := store.RecordMeta{
		RunID:     runID,
		Model:     cfg.Model,
		Layer:     cfg.SteerLayer,
		Seed:      cfg.Seed,
		CreatedAt: time.Now().UTC(),
	}
	res := &LikelihoodResult{
		Control:    store.Records{Meta: meta, Values: baseline},
		Experiment: store.Records{Meta: meta, Values: steered},
	}
	res.Control.Meta.Condition = ConditionControl
	res.Experiment.Meta.Condition = ConditionExperiment
	res.Experiment.Meta.Coef = cfg.Coef

	if err := store.SaveRecords(cfg.ControlPath(), res.Control); err != nil {
		return nil, fmt.Errorf("failed to save control likelihoods: %w", err)
	}
	if err := store.SaveRecords(cfg.ExperimentPath(), res.Experiment); err != nil {
		return nil, fmt.Errorf("failed to save experiment likelihoods: %w", err)
	}
	log.Info("Saved likelihoods", "control", cfg.ControlPath(), "experiment", cfg.ExperimentPath())

	if cfg.FlightAddr != "" {
		if err := publish(ctx, cfg.FlightAddr, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func publish(ctx context.Context, addr string, res *LikelihoodResult) error {
	sink := store.NewFlightSink(addr)
	if err := sink.Connect(ctx); err != nil {
		return err
	}
	defer sink.Close()
	for _, r := range []store.Records{res.Control, res.Experiment} {
		if err := sink.Put(ctx, r); err != nil {
			return fmt.Errorf("failed to publish %s likelihoods: %w", r.Meta.Condition, err)
		}
	}
	return nil
}
