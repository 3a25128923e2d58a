package main

import (
	"encoding/json"
	"fmt"

	"github.com/openfluke/mthgnn/explain"
	"github.com/spf13/cobra"
)

var (
	explainCheckpoint string
	explainNode       int
	explainClass      int
	explainSteps      int
	explainMaxSteps   int
	explainMethod     string
	explainTolerance  float64
	explainTopK       int
	explainBatch      int
	explainJSON       bool
)

var explainCmd = &cobra.Command{
	Use:   "explain",
	Short: "Attribute one node's prediction with integrated gradients",
	Long: `Explain the fraud logit of one node of a synthetic batch.

Examples:
  mthgnn explain --checkpoint best.safetensors --node 17
  mthgnn explain --checkpoint best.safetensors --node 17 --json`,
	RunE: runExplain,
}

func init() {
	f := explainCmd.Flags()
	f.StringVar(&explainCheckpoint, "checkpoint", "", "checkpoint to explain (empty uses a fresh model)")
	f.IntVar(&explainNode, "node", 0, "node to explain")
	f.IntVar(&explainClass, "class", -1, "output column to explain (negative selects the fraud column)")
	f.IntVar(&explainSteps, "steps", explain.DefaultSteps, "initial integration steps")
	f.IntVar(&explainMaxSteps, "max-steps", 0, "refinement cap (0 is 27x steps)")
	f.StringVar(&explainMethod, "method", explain.RiemannMiddle, "path integration rule (riemann_middle, gausslegendre)")
	f.Float64Var(&explainTolerance, "tolerance", explain.DefaultTolerance, "completeness gap that stops refinement")
	f.IntVar(&explainTopK, "top-k", explain.DefaultTopK, "features listed in the summary")
	f.IntVar(&explainBatch, "batch", 0, "index of the synthetic batch")
	f.BoolVar(&explainJSON, "json", false, "print the full explanation as JSON")
}

func runExplain(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	model, err := loadModel(explainCheckpoint, cfg)
	if err != nil {
		return err
	}
	src, err := dataset(model.Config(), explainBatch+1, 2)
	if err != nil {
		return err
	}
	b, err := src.Batch(explainBatch)
	if err != nil {
		return err
	}

	x, err := explain.New(model, explain.Options{
		NSteps:    explainSteps,
		MaxSteps:  explainMaxSteps,
		Method:    explainMethod,
		Tolerance: explainTolerance,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	exp, err := x.Explain(b, explain.Target{Node: explainNode, Class: explainClass})
	if err != nil {
		return err
	}
	logger.Info("explanation complete", "node", exp.Node, "output", exp.Output, "delta", exp.Delta)

	out := cmd.OutOrStdout()
	if explainJSON {
		data, err := json.MarshalIndent(exp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}
	fmt.Fprintln(out, explain.Summary(exp, explainTopK))
	return nil
}
