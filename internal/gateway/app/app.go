package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chimera/internal/gateway/config"
	"chimera/internal/gateway/handler"
	"chimera/internal/gateway/run"
	"chimera/internal/gateway/server"
	"chimera/internal/workflow"
)

type App struct {
	server     *server.Server
	jobs       *run.Service
	closeStore func() error
	log        *slog.Logger
}

func New(ctx context.Context, logger *slog.Logger) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return NewWithConfig(ctx, cfg, logger)
}

func NewWithConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Dependencies
	reg, err := BuildRegistry(ctx, cfg.Backends, cfg.Roles, logger)
	if err != nil {
		return nil, err
	}
	store, closeStore, err := OpenCheckpointStore(ctx, cfg.Checkpoint, logger)
	if err != nil {
		return nil, err
	}
	broker := run.NewBroker()
	traces := run.NewTraceLog(cfg.TraceDir)
	engine := workflow.New(reg,
		workflow.WithSink(workflow.Fanout(broker, traces)),
		workflow.WithCheckpointer(store),
		workflow.WithLogger(logger),
	)
	jobs := run.New(engine, store, reg, broker, logger)
	if ids, err := jobs.Recover(ctx); err != nil {
		logger.Warn("job recovery failed", "err", err)
	} else if len(ids) > 0 {
		logger.Info("jobs recovered", "count", len(ids))
	}

	// Routing & Server
	jobsHandler := handler.NewJobsHandler(jobs, reg, traces)
	streamHandler := handler.NewStreamHandler(jobs, broker, logger)
	mux := server.NewMux(jobsHandler, streamHandler, cfg.AllowedOrigins)
	srv := server.New(cfg.Port, mux, logger)

	return &App{server: srv, jobs: jobs, closeStore: closeStore, log: logger}, nil
}

func (a *App) Start() error {
	return a.server.Start()
}

// Shutdown stops accepting requests, gives running jobs until ctx expires
// to reach a stopping point and closes the store.
func (a *App) Shutdown(ctx context.Context) error {
	return errors.Join(
		a.server.Shutdown(ctx),
		a.jobs.Shutdown(ctx),
		a.closeStore(),
	)
}
