package cli

import (
	"fmt"
	"text/tabwriter"

	"chimera/internal/workflow"

	"github.com/spf13/cobra"
)

func newPresetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List workflow presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PRESET\tREVIEW\tSTRICTNESS\tREFINE\tPARALLEL\tCHECKPOINTS")
			presets := workflow.Presets()
			for _, name := range workflow.PresetNames() {
				c := presets[name]
				marker := ""
				if name == workflow.DefaultPreset {
					marker = " (default)"
				}
				checkpoints := "stops only"
				if c.EnableCheckpointing {
					checkpoints = "every node"
				}
				fmt.Fprintf(tw, "%s%s\t%t\t%s\t%d\t%t\t%s\n",
					name, marker, c.EnableReview, c.ReviewStrictness, c.MaxRefinementIterations, c.ParallelGeneration, checkpoints)
			}
			return tw.Flush()
		},
	}
}
