package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/openfluke/mthgnn/nn"
	"github.com/spf13/cobra"
)

var (
	describeCheckpoint string
	describeProfile    bool
	describeRuns       int
)

var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Print the model blueprint",
	Long: `Print the structure and parameter count of every component as JSON.
With --checkpoint the blueprint is read from the checkpoint configuration.
With --profile the model is also timed on one synthetic batch, and the output
gains per-dtype sizes, weight sparsity and latency.`,
	RunE: runDescribe,
}

func init() {
	f := describeCmd.Flags()
	f.StringVar(&describeCheckpoint, "checkpoint", "", "checkpoint to describe")
	f.BoolVar(&describeProfile, "profile", false, "time forward passes and report sizes")
	f.IntVar(&describeRuns, "runs", nn.DefaultProfileRuns, "timed forward passes with --profile")
}

// profiledBlueprint is the describe output with --profile.
type profiledBlueprint struct {
	Blueprint nn.Blueprint `json:"blueprint"`
	Profile   nn.Profile   `json:"profile"`
}

func runDescribe(cmd *cobra.Command, _ []string) error {
	cfg, _, err := setup(cmd)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	var model *nn.Model
	if describeCheckpoint != "" {
		ckpt, err := nn.LoadCheckpoint(describeCheckpoint)
		if err != nil {
			return err
		}
		if ckpt.RunID != "" {
			id = ckpt.RunID
		}
		if model, err = ckpt.Model(); err != nil {
			return err
		}
	} else if model, err = nn.NewModel(cfg); err != nil {
		return err
	}

	var out any = nn.ExtractBlueprint(model, id)
	if describeProfile {
		gen, err := dataset(model.Config(), 1, 2)
		if err != nil {
			return err
		}
		b, err := gen.Batch(0)
		if err != nil {
			return err
		}
		p, err := nn.ProfileModel(model, b, describeRuns)
		if err != nil {
			return err
		}
		out = profiledBlueprint{Blueprint: nn.ExtractBlueprint(model, id), Profile: p}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
