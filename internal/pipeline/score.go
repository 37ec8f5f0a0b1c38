package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"

	"github.com/23skdu/longbow-steer/internal/config"
	"github.com/23skdu/longbow-steer/internal/logger"
	"github.com/23skdu/longbow-steer/internal/steering"
	"github.com/23skdu/longbow-steer/internal/store"
)

// ScoreResult is the outcome of the score stage and where it was written.
type ScoreResult struct {
	Score     steering.SteeringScore
	Plot      steering.Plot
	ScorePath string
	PlotPath  string
}

// Score compares cfg.Experiment against cfg.Control, writes
// <results_dir>/<title>/<title>.txt and the plot series <title>.tsv, and
// prints a summary table to out when out is non-nil.
func Score(cfg config.Config, out io.Writer) (*ScoreResult, error) {
	if err := cfg.ValidateScore(); err != nil {
		return nil, err
	}
	control, err := store.LoadRecords(cfg.Control)
	if err != nil {
		return nil, fmt.Errorf("failed to load control likelihoods: %w", err)
	}
	experiment, err := store.LoadRecords(cfg.Experiment)
	if err != nil {
		return nil, fmt.Errorf("failed to load experiment likelihoods: %w", err)
	}

	score, err := steering.Score(control.Values, experiment.Values)
	if err != nil {
		return nil, err
	}
	plot, err := steering.PlotSeries(control.Values, experiment.Values)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(cfg.ResultsDir, cfg.Title)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	res := &ScoreResult{
		Score:     score,
		Plot:      plot,
		ScorePath: filepath.Join(dir, cfg.Title+".txt"),
		PlotPath:  filepath.Join(dir, cfg.Title+".tsv"),
	}
	if err := writeFile(res.ScorePath, func(w io.Writer) error {
		_, err := score.WriteTo(w)
		return err
	}); err != nil {
		return nil, err
	}
	if err := writeFile(res.PlotPath, plot.WriteTSV); err != nil {
		return nil, err
	}

	logger.Component("pipeline").Info("Wrote steering score",
		"score", res.ScorePath,
		"plot", res.PlotPath,
		"examples", len(control.Values))
	if out != nil {
		renderScore(out, cfg, score)
	}
	return res, nil
}

func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

var windowNames = [steering.Windows]string{"25%", "50%", "75%", "100%"}

func renderScore(w io.Writer, cfg config.Config, score steering.SteeringScore) {
	fmt.Fprintf(w, "%s: %s vs %s\n", cfg.Title, cfg.ExperimentName, cfg.ControlName)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"WINDOW", "MATCHING", "MISMATCHING"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for i, win := range score {
		table.Append([]string{windowNames[i], steering.FormatFloat(win.Matching), steering.FormatFloat(win.Mismatching)})
	}
	table.Render()
}
