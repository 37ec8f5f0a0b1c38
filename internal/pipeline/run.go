package pipeline

import (
	"context"
	"io"
	"path/filepath"

	"github.com/23skdu/longbow-steer/internal/config"
)

// Run computes likelihoods and scores them in one pass. The score stage
// reads the files the likelihood stage just wrote; an empty title defaults to
// the base name of cfg.Output.
func Run(ctx context.Context, cfg config.Config, out io.Writer) (*LikelihoodResult, *ScoreResult, error) {
	lr, err := Likelihoods(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	cfg.Control = cfg.ControlPath()
	cfg.Experiment = cfg.ExperimentPath()
	if cfg.Title == "" {
		cfg.Title = filepath.Base(cfg.Output)
	}
	sr, err := Score(cfg, out)
	if err != nil {
		return lr, nil, err
	}
	return lr, sr, nil
}
