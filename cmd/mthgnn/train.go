package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/openfluke/mthgnn/logging"
	"github.com/openfluke/mthgnn/nn"
	"github.com/openfluke/mthgnn/train"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	trainCheckpointDir string
	trainResume        string
	trainHistoryPath   string
	trainMetricsAddr   string
	trainValBatches    int
	trainWorkers       int
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a model on synthetic batches",
	Long: `Train a model with early stopping. Every validation improvement writes
best_model_epoch_<n>.safetensors into --checkpoint-dir.

Examples:
  mthgnn train --config model.yaml
  mthgnn train --workers 4 --metrics-addr :9100
  mthgnn train --resume checkpoints/best_model_epoch_7.safetensors`,
	RunE: runTrain,
}

func init() {
	f := trainCmd.Flags()
	f.StringVar(&trainCheckpointDir, "checkpoint-dir", "checkpoints", "directory for best-model checkpoints")
	f.StringVar(&trainResume, "resume", "", "checkpoint to resume from")
	f.StringVar(&trainHistoryPath, "history", "", "write the training history as JSON to this file")
	f.StringVar(&trainMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while training")
	f.IntVar(&trainValBatches, "val-batches", 1, "synthetic validation batches")
	f.IntVar(&trainWorkers, "workers", 0, "data-parallel replicas (0 uses the configured workers)")
}

// fitter is satisfied by both the sequential and the parallel trainer.
type fitter interface {
	Fit(ctx context.Context, trainSrc, valSrc train.BatchSource) (*train.History, error)
	Resume(ckpt *nn.Checkpoint) error
	RunID() string
}

func runTrain(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	if dir := os.Getenv("MTHGNN_CHECKPOINT_DIR"); dir != "" && !cmd.Flags().Changed("checkpoint-dir") {
		trainCheckpointDir = dir
	}
	if addr := os.Getenv("MTHGNN_METRICS_ADDR"); addr != "" && !cmd.Flags().Changed("metrics-addr") {
		trainMetricsAddr = addr
	}

	trainSrc, err := dataset(cfg, dataBatches, 0)
	if err != nil {
		return err
	}
	valSrc, err := dataset(cfg, trainValBatches, 1)
	if err != nil {
		return err
	}

	model, err := nn.NewModel(cfg)
	if err != nil {
		return err
	}
	checkpoints, err := train.NewFileCheckpointer(trainCheckpointDir)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promSink, err := train.NewPrometheusSink(reg)
	if err != nil {
		return err
	}

	opts := []train.Option{
		train.WithLogger(logger),
		train.WithCheckpointer(checkpoints),
		train.WithSink(train.MultiSink{train.LogSink{Logger: logger}, promSink}),
	}
	workers := trainWorkers
	if workers <= 0 {
		workers = cfg.Workers
	}
	var t fitter
	if workers > 1 {
		t, err = train.NewParallelTrainer(model, workers, opts...)
	} else {
		t, err = train.NewTrainer(model, opts...)
	}
	if err != nil {
		return err
	}
	ctx := logging.WithRunID(cmd.Context(), t.RunID())
	log := logging.L(logging.WithLogger(ctx, logger))

	if trainResume != "" {
		ckpt, err := nn.LoadCheckpoint(trainResume)
		if err != nil {
			return err
		}
		if err := t.Resume(ckpt); err != nil {
			return err
		}
	}

	if trainMetricsAddr != "" {
		srv := serveMetrics(trainMetricsAddr, reg, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	history, fitErr := t.Fit(ctx, trainSrc, valSrc)
	if trainHistoryPath != "" && history != nil {
		if err := writeJSON(trainHistoryPath, history); err != nil {
			log.Error("failed to write history", "path", trainHistoryPath, "error", err)
		}
	}
	if fitErr != nil {
		if errors.Is(fitErr, context.Canceled) {
			log.Warn("training interrupted", "epochs", history.Len())
			return nil
		}
		return fitErr
	}

	fmt.Fprintf(cmd.OutOrStdout(), "stop: %s, epochs: %d, best epoch: %d, best val loss: %.6f\n",
		history.StopReason, history.Len(), history.BestEpoch, history.BestLoss)
	if latest := checkpoints.Latest(); latest != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "best checkpoint: %s\n", latest)
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "error", err)
		}
	}()
	return srv
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
