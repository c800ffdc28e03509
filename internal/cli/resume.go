package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chimera/internal/checkpoint"

	"github.com/spf13/cobra"
)

func newResumeCommand(g *globalFlags) *cobra.Command {
	var (
		yes    bool
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Continue a checkpointed job",
		Long: `Load a job from the configured checkpoint store and continue it from
its last checkpoint, answering any suspend point on stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()
			sess, err := openSession(ctx, false, nil, out, g.logger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer sess.close()

			st, err := sess.store.Load(ctx, args[0])
			if errors.Is(err, checkpoint.ErrNotFound) {
				return fmt.Errorf("no checkpoint for job %s", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "job %s resumed at %s\n", st.JobID, st.Stage)
			st, err = drive(ctx, sess, st, bufio.NewReader(cmd.InOrStdin()), out, yes)
			if err != nil {
				return err
			}
			return finish(sess, st, out, outDir)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "approve the plan without asking")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "write each backend's code into this directory")
	return cmd
}
