// Command mthgnn trains, evaluates and explains MT-HGNN fraud detection
// models on synthetic transaction graphs.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/openfluke/mthgnn/logging"
	"github.com/openfluke/mthgnn/nn"
	"github.com/openfluke/mthgnn/synth"
	"github.com/spf13/cobra"
)

// =============================================================================
// Root Command Flags
// =============================================================================

var (
	configPath string
	envFile    string
	logLevel   string
	logFormat  string

	dataNodes     int
	dataEdges     int
	dataBatches   int
	dataFraudRate float64
	dataSegments  int
	dataSeed      int64
)

var rootCmd = &cobra.Command{
	Use:   "mthgnn",
	Short: "MT-HGNN fraud detection",
	Long: `Train, evaluate and explain the multi-branch graph / temporal / scene
fraud detection model.

Configuration is read from --config (YAML) over the built-in defaults, then
MTHGNN_* environment variables (optionally from --env-file) override it.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "YAML model and training configuration")
	pf.StringVar(&envFile, "env-file", ".env", "dotenv file with MTHGNN_* overrides")
	pf.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	defaults := synth.DefaultOptions()
	pf.IntVar(&dataNodes, "nodes", defaults.Nodes, "nodes per synthetic batch")
	pf.IntVar(&dataEdges, "edges", defaults.Edges, "edges per synthetic batch")
	pf.IntVar(&dataBatches, "batches", defaults.Batches, "synthetic batches per epoch")
	pf.Float64Var(&dataFraudRate, "fraud-rate", defaults.FraudRate, "fraction of fraudulent nodes")
	pf.IntVar(&dataSegments, "segments", defaults.Segments, "batch-id segments per batch")
	pf.Int64Var(&dataSeed, "data-seed", defaults.Seed, "synthetic data seed")

	rootCmd.AddCommand(trainCmd, evaluateCmd, explainCmd, describeCmd, compressCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// =============================================================================
// Shared setup
// =============================================================================

// setup loads the environment, the configuration and the logger.
func setup(cmd *cobra.Command) (nn.Config, *slog.Logger, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nn.Config{}, nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	level := envOr("MTHGNN_LOG_LEVEL", logLevel, cmd.Flags().Changed("log-level"))
	format := envOr("MTHGNN_LOG_FORMAT", logFormat, cmd.Flags().Changed("log-format"))
	logger := logging.New(level, format)

	cfg := nn.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = nn.LoadConfig(configPath); err != nil {
			return nn.Config{}, nil, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nn.Config{}, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nn.Config{}, nil, err
	}
	return cfg, logger, nil
}

// envOr prefers an explicitly set flag, then the environment, then the flag
// default.
func envOr(key, flagValue string, flagSet bool) string {
	if flagSet {
		return flagValue
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return flagValue
}

// applyEnv overrides training hyperparameters from MTHGNN_* variables.
func applyEnv(cfg *nn.Config) error {
	ints := map[string]*int{
		"MTHGNN_EPOCHS":   &cfg.Epochs,
		"MTHGNN_PATIENCE": &cfg.Patience,
		"MTHGNN_WORKERS":  &cfg.Workers,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q is not an integer", nn.ErrConfiguration, key, v)
			}
			*dst = n
		}
	}
	floats := map[string]*float64{
		"MTHGNN_LEARNING_RATE": &cfg.Optimizer.LearningRate,
		"MTHGNN_DROPOUT":       &cfg.Dropout,
		"MTHGNN_THRESHOLD":     &cfg.Threshold,
	}
	for key, dst := range floats {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%w: %s=%q is not a number", nn.ErrConfiguration, key, v)
			}
			*dst = f
		}
	}
	if v := os.Getenv("MTHGNN_SEED"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: MTHGNN_SEED=%q is not an integer", nn.ErrConfiguration, v)
		}
		cfg.Seed = seed
	}
	if v := os.Getenv("MTHGNN_OPTIMIZER"); v != "" {
		cfg.Optimizer.Type = v
	}
	if v := os.Getenv("MTHGNN_DEVICE"); v != "" {
		cfg.Device = v
	}
	return nil
}

// dataset returns the synthetic source for the given seed offset.
func dataset(cfg nn.Config, batches int, seedOffset int64) (*synth.Generator, error) {
	return synth.New(cfg, synth.Options{
		Nodes:     dataNodes,
		Edges:     dataEdges,
		Batches:   batches,
		FraudRate: dataFraudRate,
		Segments:  dataSegments,
		Signal:    synth.DefaultOptions().Signal,
		Seed:      dataSeed + seedOffset,
	})
}

// loadModel restores a model from a checkpoint, or builds a fresh one from
// cfg when path is empty.
func loadModel(path string, cfg nn.Config) (*nn.Model, error) {
	if path == "" {
		return nn.NewModel(cfg)
	}
	ckpt, err := nn.LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	return ckpt.Model()
}
