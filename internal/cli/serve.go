package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chimera/internal/gateway/app"

	"github.com/spf13/cobra"
)

func newServeCommand(g *globalFlags) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and WebSocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port != "" {
				if err := os.Setenv("PORT", port); err != nil {
					return err
				}
			}
			logger := g.logger(cmd.ErrOrStderr())
			if !g.verbose {
				logger = defaultServerLogger(cmd.ErrOrStderr())
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, logger)
			if err != nil {
				return err
			}
			errCh := make(chan error, 1)
			go func() { errCh <- a.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			logger.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return a.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen address, overrides PORT")
	return cmd
}
