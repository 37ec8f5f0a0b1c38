package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-steer/internal/config"
	"github.com/23skdu/longbow-steer/internal/logger"
	"github.com/23skdu/longbow-steer/internal/monitoring"
	"github.com/23skdu/longbow-steer/internal/pipeline"
	"github.com/23skdu/longbow-steer/internal/steering"
	"github.com/23skdu/longbow-steer/internal/store"
)

// Version is set at link time.
var Version = "dev"

const defaultFlightAddr = "localhost:8815"

// cli carries the configuration resolved by the root command to the
// subcommands, and the optional metrics server.
type cli struct {
	root    *cobra.Command
	cfg     config.Config
	monitor *monitoring.HealthMonitor
}

func NewCLI() *cobra.Command {
	return newCLI().root
}

func newCLI() *cli {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:           "steer",
		Short:         "Measure the effect of activation steering on answer likelihoods",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: c.setup,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML run configuration")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (console, json)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Serve /metrics and /health on this address")

	likelihoodCmd := &cobra.Command{
		Use:   "likelihood",
		Short: "Score examples with and without the steering vector",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.phase("likelihood")
			_, err := pipeline.Likelihoods(cmd.Context(), c.cfg)
			return c.done(err)
		},
	}
	addLikelihoodFlags(likelihoodCmd)

	scoreCmd := &cobra.Command{
		Use:   "score",
		Short: "Compute the steering effect score from saved likelihoods",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.phase("score")
			_, err := pipeline.Score(c.cfg, cmd.OutOrStdout())
			return c.done(err)
		},
	}
	addScoreFlags(scoreCmd)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Compute likelihoods and score them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.phase("run")
			_, _, err := pipeline.Run(cmd.Context(), c.cfg, cmd.OutOrStdout())
			return c.done(err)
		},
	}
	addLikelihoodFlags(runCmd)
	addScoreFlags(runCmd)

	vectorCmd := &cobra.Command{
		Use:   "vector OUTPUT",
		Short: "Write a seeded random unit steering vector sized for the model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c.phase("vector")
			vec, err := pipeline.WriteRandomVector(c.cfg.Model, args[0], c.cfg.SteerLayer, c.cfg.Seed)
			if err != nil {
				return c.fail(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d-dim vector for layer %d to %s\n", vec.Dim(), vec.Layer, args[0])
			return nil
		},
	}
	vectorCmd.Flags().String("model", "", "GGUF path, ollama model name or \"synthetic\"")
	vectorCmd.Flags().Int("layer", 0, "Layer the vector is intended for")
	vectorCmd.Flags().Int64("seed", 0, "Random seed")

	sinkCmd := &cobra.Command{
		Use:   "sink",
		Short: "Receive likelihood records over Arrow Flight",
		Args:  cobra.NoArgs,
		RunE:  c.runSink,
	}
	sinkCmd.Flags().String("addr", defaultFlightAddr, "Listen address")
	sinkCmd.Flags().String("dir", "", "Directory to write received records to")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "steer version %s\n", Version)
		},
	}

	rootCmd.AddCommand(likelihoodCmd, scoreCmd, runCmd, vectorCmd, sinkCmd, versionCmd)
	c.root = rootCmd
	return c
}

func addLikelihoodFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("model", "", "GGUF path, ollama model name or \"synthetic\"")
	f.String("model-family", "", "Boundary detector family ("+fmt.Sprint(steering.Families())+")")
	f.Int("delimiter-token", -1, "Delimiter token id overriding the family default")
	f.Int("layer", 0, "Decoder layer to steer")
	f.Float32("coef", 0, "Steering coefficient for the experimental condition")
	f.String("vector", "", "Steering vector (.arrow or .pt)")
	f.String("data", "", "JSON example set, matching half first")
	f.String("output", "", "Output prefix for <output>_control.arrow and <output>_exp.arrow")
	f.Int64("seed", 0, "Seed for the synthetic model")
	f.Int("batch-size", 0, "Examples per forward pass")
	f.String("flight-addr", "", "Also publish records to this Arrow Flight address")
}

func addScoreFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("control", "", "Baseline likelihoods (.arrow or .pt)")
	f.String("experiment", "", "Steered likelihoods (.arrow or .pt)")
	f.String("title", "", "Result name")
	f.String("control-name", "", "Label of the baseline condition")
	f.String("experiment-name", "", "Label of the steered condition")
	f.String("results-dir", "", "Directory for <title>/<title>.txt and .tsv")
}

func (c *cli) setup(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return err
		}
	}
	if err := applyFlags(cmd, &cfg); err != nil {
		return err
	}
	c.cfg = cfg
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if cfg.MetricsAddr != "" {
		c.monitor = monitoring.NewHealthMonitor(Version)
		c.monitor.SetModel(cfg.Model)
		go func() {
			if err := c.monitor.Start(cfg.MetricsAddr); err != nil {
				logger.Component("monitoring").Error("Metrics server error", "error", err)
			}
		}()
	}
	return nil
}

// shutdown stops the metrics server started by setup, if any.
func (c *cli) shutdown() error {
	if c.monitor == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.monitor.Stop(ctx); err != nil {
		logger.Component("monitoring").Error("Metrics server shutdown", "error", err)
		return err
	}
	return nil
}

func (c *cli) phase(name string) {
	if c.monitor != nil {
		c.monitor.SetPhase(name)
	}
}

func (c *cli) fail(err error) error {
	if err != nil && c.monitor != nil {
		c.monitor.Fail(err)
	}
	return err
}

// done records the outcome of a pipeline command on the monitor.
func (c *cli) done(err error) error {
	if err == nil {
		c.phase("done")
	}
	return c.fail(err)
}

func (c *cli) runSink(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	if !cmd.Flags().Changed("addr") && c.cfg.FlightAddr != "" {
		addr = c.cfg.FlightAddr
	}
	dir, _ := cmd.Flags().GetString("dir")

	c.phase("sink")
	recv := store.NewFlightReceiver(dir)
	bound, err := recv.Listen(addr)
	if err != nil {
		return c.fail(err)
	}
	logger.Component("flight").Info("Flight sink listening", "addr", bound.String(), "dir", dir)

	errCh := make(chan error, 1)
	go func() { errCh <- recv.Serve() }()

	select {
	case <-cmd.Context().Done():
		recv.Shutdown()
		<-errCh
		logger.Component("flight").Info("Flight sink stopped", "received", len(recv.Received()))
		return nil
	case err := <-errCh:
		return c.fail(err)
	}
}

// applyFlags copies every flag set on the command line over cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	strs := map[string]*string{
		"log-level":       &cfg.LogLevel,
		"log-format":      &cfg.LogFormat,
		"metrics-addr":    &cfg.MetricsAddr,
		"model":           &cfg.Model,
		"model-family":    &cfg.ModelFamily,
		"vector":          &cfg.SteerVector,
		"data":            &cfg.Data,
		"output":          &cfg.Output,
		"flight-addr":     &cfg.FlightAddr,
		"control":         &cfg.Control,
		"experiment":      &cfg.Experiment,
		"title":           &cfg.Title,
		"control-name":    &cfg.ControlName,
		"experiment-name": &cfg.ExperimentName,
		"results-dir":     &cfg.ResultsDir,
	}
	for name, dst := range strs {
		if !f.Changed(name) {
			continue
		}
		v, err := f.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	ints := map[string]*int{
		"delimiter-token": &cfg.DelimiterToken,
		"layer":           &cfg.SteerLayer,
		"batch-size":      &cfg.BatchSize,
	}
	for name, dst := range ints {
		if !f.Changed(name) {
			continue
		}
		v, err := f.GetInt(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	if f.Changed("coef") {
		v, err := f.GetFloat32("coef")
		if err != nil {
			return err
		}
		cfg.Coef = v
	}
	if f.Changed("seed") {
		v, err := f.GetInt64("seed")
		if err != nil {
			return err
		}
		cfg.Seed = v
	}
	return nil
}
