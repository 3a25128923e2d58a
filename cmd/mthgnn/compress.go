package main

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/openfluke/mthgnn/nn"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"
)

var (
	compressCheckpoint string
	compressDType      string
	compressPrune      float64
	compressOutput     string
	compressRuns       int
)

var compressCmd = &cobra.Command{
	Use:   "compress",
	Short: "Prune and quantize a checkpoint for inference",
	Long: `Prune the smallest weights, round every parameter to a narrower
precision and write an inference checkpoint. The model is profiled on one
synthetic batch before and after, and the report is printed as JSON.

Examples:
  mthgnn compress --checkpoint best.safetensors --dtype F16 --output best.f16.safetensors
  mthgnn compress --checkpoint best.safetensors --prune 0.3 --dtype I8 --output small.safetensors`,
	RunE: runCompress,
}

func init() {
	f := compressCmd.Flags()
	f.StringVar(&compressCheckpoint, "checkpoint", "", "checkpoint to compress (empty uses a fresh model)")
	f.StringVar(&compressDType, "dtype", nn.DTypeF16, "storage precision (F64, F32, F16, BF16, I8)")
	f.Float64Var(&compressPrune, "prune", 0, "fraction of weights to zero by magnitude")
	f.StringVar(&compressOutput, "output", "", "where to write the compressed checkpoint")
	f.IntVar(&compressRuns, "runs", nn.DefaultProfileRuns, "timed forward passes per profile")
}

// compressReport is the JSON printed by the compress command.
type compressReport struct {
	Before       nn.Profile            `json:"before"`
	After        nn.Profile            `json:"after"`
	Prune        *nn.PruneReport       `json:"prune,omitempty"`
	Quantization nn.QuantizationReport `json:"quantization"`
	ScoreDrift   float64               `json:"score_drift"`
	// SizeReduction is F64 bytes over stored bytes.
	SizeReduction    float64 `json:"size_reduction"`
	SpeedImprovement float64 `json:"speed_improvement"`
	Output           string  `json:"output,omitempty"`
}

func runCompress(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	dtype, err := nn.ParseDType(compressDType)
	if err != nil {
		return err
	}

	var (
		src   *nn.Checkpoint
		model *nn.Model
	)
	if compressCheckpoint == "" {
		if model, err = nn.NewModel(cfg); err != nil {
			return err
		}
		src = nn.NewCheckpoint(model, 0)
		src.ValLoss = math.Inf(1)
	} else {
		if src, err = nn.LoadCheckpoint(compressCheckpoint); err != nil {
			return err
		}
		if model, err = src.Model(); err != nil {
			return err
		}
	}

	gen, err := dataset(model.Config(), 1, 2)
	if err != nil {
		return err
	}
	b, err := gen.Batch(0)
	if err != nil {
		return err
	}

	var report compressReport
	if report.Before, err = nn.ProfileModel(model, b, compressRuns); err != nil {
		return err
	}
	logits, err := model.Forward(b)
	if err != nil {
		return err
	}
	before := nn.FraudScores(logits)

	if compressPrune > 0 {
		pr, err := model.Store().Prune(compressPrune)
		if err != nil {
			return err
		}
		report.Prune = &pr
		logger.Info("pruned weights", "pruned", pr.Pruned, "candidates", pr.Candidates, "threshold", pr.Threshold)
	}
	if report.Quantization, err = model.Store().Quantize(dtype); err != nil {
		return err
	}

	if report.After, err = nn.ProfileModel(model, b, compressRuns); err != nil {
		return err
	}
	if logits, err = model.Forward(b); err != nil {
		return err
	}
	report.ScoreDrift = floats.Distance(before, nn.FraudScores(logits), math.Inf(1))
	report.SizeReduction = float64(report.Before.Sizes[nn.DTypeF64].TotalBytes) / float64(report.Quantization.Bytes)
	if report.After.MeanLatency > 0 {
		report.SpeedImprovement = float64(report.Before.MeanLatency) / float64(report.After.MeanLatency)
	}
	logger.Info("compressed model",
		"dtype", dtype,
		"bytes", report.Quantization.Bytes,
		"max_abs_error", report.Quantization.MaxAbsError,
		"score_drift", report.ScoreDrift)

	if compressOutput != "" {
		snap := nn.NewCheckpoint(model, src.Epoch)
		snap.RunID = src.RunID
		snap.ValLoss = src.ValLoss
		out, err := snap.Export(dtype)
		if err != nil {
			return err
		}
		if err := out.Save(compressOutput); err != nil {
			return err
		}
		report.Output = compressOutput
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
