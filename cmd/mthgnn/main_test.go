package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/openfluke/mthgnn/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("MTHGNN_EPOCHS", "7")
	t.Setenv("MTHGNN_LEARNING_RATE", "0.01")
	t.Setenv("MTHGNN_SEED", "9")
	t.Setenv("MTHGNN_OPTIMIZER", "adamw")

	cfg := nn.DefaultConfig()
	require.NoError(t, applyEnv(&cfg))
	assert.Equal(t, 7, cfg.Epochs)
	assert.Equal(t, 0.01, cfg.Optimizer.LearningRate)
	assert.Equal(t, int64(9), cfg.Seed)
	assert.Equal(t, "adamw", cfg.Optimizer.Type)
}

func TestApplyEnvRejectsGarbage(t *testing.T) {
	t.Setenv("MTHGNN_WORKERS", "many")
	cfg := nn.DefaultConfig()
	assert.ErrorIs(t, applyEnv(&cfg), nn.ErrConfiguration)
}

func TestEnvOr(t *testing.T) {
	t.Setenv("MTHGNN_LOG_LEVEL", "debug")
	assert.Equal(t, "debug", envOr("MTHGNN_LOG_LEVEL", "info", false))
	assert.Equal(t, "warn", envOr("MTHGNN_LOG_LEVEL", "warn", true))
	assert.Equal(t, "info", envOr("MTHGNN_UNSET_FOR_TEST", "info", false))
}

func TestDescribeCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"describe", "--env-file", filepath.Join(t.TempDir(), "missing.env")})
	require.NoError(t, rootCmd.Execute())

	var bp nn.Blueprint
	require.NoError(t, json.Unmarshal(out.Bytes(), &bp))
	assert.Equal(t, nn.DefaultConfig().Structure(), bp.Structure)
	assert.Positive(t, bp.TotalParams)
	assert.NotEmpty(t, bp.ID)
}

func TestCompressCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.safetensors")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{
		"compress",
		"--env-file", filepath.Join(t.TempDir(), "missing.env"),
		"--log-level", "error",
		"--nodes", "20", "--edges", "40",
		"--dtype", "int8", "--prune", "0.2", "--runs", "1",
		"--output", path,
	})
	require.NoError(t, rootCmd.Execute())

	var report compressReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, nn.DTypeI8, report.Quantization.DType)
	require.NotNil(t, report.Prune)
	assert.Positive(t, report.Prune.Pruned)
	assert.Equal(t, report.Before.Parameters, report.After.Parameters)
	assert.Equal(t, 20, report.After.Nodes)
	assert.GreaterOrEqual(t, report.ScoreDrift, 0.0)
	assert.Less(t, report.ScoreDrift, 1.0)
	assert.Greater(t, report.SizeReduction, 7.0)
	assert.Equal(t, path, report.Output)

	ckpt, err := nn.LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, nn.DTypeI8, ckpt.DType)
	assert.Empty(t, ckpt.Optimizer.Slots)
	_, err = ckpt.Model()
	require.NoError(t, err)
}

func TestDescribeProfile(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{
		"describe",
		"--env-file", filepath.Join(t.TempDir(), "missing.env"),
		"--nodes", "20", "--edges", "40",
		"--profile", "--runs", "1",
	})
	require.NoError(t, rootCmd.Execute())

	var got profiledBlueprint
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, got.Blueprint.TotalParams, got.Profile.Parameters)
	assert.Equal(t, 1, got.Profile.Runs)
	assert.Equal(t, 2*got.Profile.Parameters, got.Profile.Sizes[nn.DTypeF16].TotalBytes)
	assert.Contains(t, got.Profile.Sparsity, "fusion")
}
