package app

import (
	"context"
	"fmt"
	"log/slog"

	"chimera/internal/checkpoint"
	"chimera/internal/gateway/config"
)

// OpenCheckpointStore builds the configured store, optionally behind the
// LRU cache. The returned close func releases database handles.
func OpenCheckpointStore(ctx context.Context, cfg config.CheckpointConfig, logger *slog.Logger) (checkpoint.Store, func() error, error) {
	noop := func() error { return nil }
	var (
		origin checkpoint.Store
		closer = noop
	)
	switch cfg.Driver {
	case config.DriverMemory, "":
		origin = checkpoint.NewMemoryStore()
		logger.Info("checkpoint store: in-memory")
	case config.DriverFile:
		fs, err := checkpoint.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, noop, err
		}
		origin = fs
		logger.Info("checkpoint store: file", "dir", cfg.Dir)
	case config.DriverSQLite:
		ss, err := checkpoint.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open sqlite checkpoint store: %w", err)
		}
		origin, closer = ss, ss.Close
		logger.Info("checkpoint store: sqlite", "path", cfg.SQLitePath)
	case config.DriverPostgres:
		ps, err := checkpoint.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open postgres checkpoint store: %w", err)
		}
		origin, closer = ps, ps.Close
		logger.Info("checkpoint store: postgres")
	case config.DriverS3:
		s3, err := checkpoint.NewS3Store(checkpoint.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			UseSSL:    cfg.S3.UseSSL,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("failed to initialize checkpoint s3 store: %w", err)
		}
		origin = s3
		logger.Info("checkpoint store: s3", "bucket", cfg.S3.Bucket, "endpoint", cfg.S3.Endpoint)
	default:
		return nil, noop, fmt.Errorf("unknown checkpoint store %q", cfg.Driver)
	}

	if !cfg.Cache || cfg.Driver == config.DriverMemory || cfg.Driver == "" {
		return origin, closer, nil
	}
	cacheCfg := checkpoint.DefaultCacheConfig()
	if cfg.CacheSize > 0 {
		cacheCfg.MaxEntries = cfg.CacheSize
	}
	if cfg.CacheTTL > 0 {
		cacheCfg.TTL = cfg.CacheTTL
	}
	return checkpoint.NewCachedStore(origin, cacheCfg), closer, nil
}
