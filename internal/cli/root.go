// Package cli implements the chimera command line: running a job locally
// with interactive answers and approval, resuming a checkpointed job,
// serving the HTTP API and listing presets.
package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

type globalFlags struct {
	verbose bool
}

func NewRootCommand() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "chimera",
		Short: "Multi-backend code generation workflow",
		Long: `Chimera turns a short product brief into UI code by asking clarifying
questions, drafting a plan for approval, generating code with several
backends in parallel and reviewing and refining the results.`,
		Version:      Version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log workflow internals to stderr")

	cmd.AddCommand(newRunCommand(g))
	cmd.AddCommand(newResumeCommand(g))
	cmd.AddCommand(newServeCommand(g))
	cmd.AddCommand(newPresetsCommand())
	return cmd
}

func (g *globalFlags) logger(w io.Writer) *slog.Logger {
	if !g.verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
