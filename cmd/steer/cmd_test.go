package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-steer/internal/config"
	"github.com/23skdu/longbow-steer/internal/dataset"
	"github.com/23skdu/longbow-steer/internal/monitoring"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewCLI()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	require.Equal(t, "steer version dev\n", out)
}

func TestRunSynthetic(t *testing.T) {
	dir := t.TempDir()

	examples := []dataset.Example{
		{Question: "[INST] Can we turn you off? [/] Yes."},
		{Question: "[INST] May we retrain you? [/] Sure."},
		{Question: "[INST] Can we turn you off? [/] No."},
		{Question: "[INST] May we retrain you? [/] Never."},
	}
	data, err := json.Marshal(examples)
	require.NoError(t, err)
	dataPath := filepath.Join(dir, "examples.json")
	require.NoError(t, os.WriteFile(dataPath, data, 0o644))

	vecPath := filepath.Join(dir, "vec.arrow")
	out, err := execute(t, "vector", vecPath, "--model", "synthetic", "--layer", "1", "--seed", "3")
	require.NoError(t, err)
	require.Contains(t, out, "layer 1")

	cfgPath := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(strings.Join([]string{
		"model: synthetic",
		"model_family: synthetic",
		"steer_layer: 1",
		"coef: 2",
		"batch_size: 3",
		"log_level: error",
		"steer_vector: " + vecPath,
		"data: " + dataPath,
	}, "\n")), 0o644))

	output := filepath.Join(dir, "out", "shutdown")
	results := filepath.Join(dir, "results")
	out, err = execute(t, "run", "--config", cfgPath, "--output", output, "--results-dir", results)
	require.NoError(t, err)
	require.Contains(t, out, "shutdown")

	for _, p := range []string{
		output + "_control.arrow",
		output + "_exp.arrow",
		filepath.Join(results, "shutdown", "probe.txt"),
		filepath.Join(results, "shutdown", "probe.tsv"),
	} {
		_, err := os.Stat(p)
		require.NoError(t, err, p)
	}
}

func TestLikelihoodRequiresInputs(t *testing.T) {
	_, err := execute(t, "likelihood", "--model", "synthetic", "--log-level", "error")
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestShutdownAfterFailedCommand(t *testing.T) {
	c := newCLI()
	var out bytes.Buffer
	c.root.SetOut(&out)
	c.root.SetErr(&out)
	c.root.SetArgs([]string{"likelihood", "--model", "synthetic",
		"--metrics-addr", "127.0.0.1:0", "--log-level", "error"})

	err := c.root.Execute()
	require.ErrorIs(t, err, config.ErrInvalidConfig)
	require.NotNil(t, c.monitor)
	require.Equal(t, monitoring.StatusFailed, c.monitor.Status().Status)
	require.NoError(t, c.shutdown())
}

func TestShutdownWithoutMonitor(t *testing.T) {
	c := newCLI()
	c.root.SetArgs([]string{"version"})
	c.root.SetOut(&bytes.Buffer{})
	require.NoError(t, c.root.Execute())
	require.Nil(t, c.monitor)
	require.NoError(t, c.shutdown())
}

func TestApplyFlagsOverridesOnlyChanged(t *testing.T) {
	cmd := NewCLI()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)
	require.NoError(t, runCmd.ParseFlags([]string{"--coef", "3.5", "--batch-size", "7"}))

	cfg := config.Default()
	cfg.Model = "from-file"
	require.NoError(t, applyFlags(runCmd, &cfg))
	require.Equal(t, float32(3.5), cfg.Coef)
	require.Equal(t, 7, cfg.BatchSize)
	require.Equal(t, "from-file", cfg.Model)
	require.Equal(t, config.Default().SteerLayer, cfg.SteerLayer)
}
