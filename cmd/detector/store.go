package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/HatiCode/vigil/cmd/detector/config"
	"github.com/HatiCode/vigil/pkg/storage"
)

// newStore builds the snapshot store. The returned closer may be nil.
func newStore(cfg *config.Config, logger *slog.Logger) (storage.Store, io.Closer, error) {
	switch cfg.Storage {
	case "", "memory":
		logger.Info("using in-memory snapshot storage")
		return storage.NewMemoryStore(), nil, nil
	case "redis":
		logger.Info("using redis snapshot storage", "addr", cfg.RedisAddr, "db", cfg.RedisDB, "ttl", cfg.RedisTTL)
		rs, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
		if err != nil {
			return nil, nil, err
		}
		return rs, rs, nil
	default:
		return nil, nil, fmt.Errorf("invalid storage backend %q (must be memory or redis)", cfg.Storage)
	}
}

// newStateStore builds the model state store, or nil when persistence is
// disabled. A redis snapshot store is reused for the redis backend.
func newStateStore(ctx context.Context, cfg *config.Config, snapshots storage.Store, logger *slog.Logger) (storage.StateStore, io.Closer, error) {
	switch cfg.StateBackend {
	case "", "none":
		return nil, nil, nil
	case "memory":
		if ms, ok := snapshots.(*storage.MemoryStore); ok {
			return ms, nil, nil
		}
		return storage.NewMemoryStore(), nil, nil
	case "file":
		logger.Info("persisting detector state to files", "dir", cfg.StateDir)
		fs, err := storage.NewFileStateStore(cfg.StateDir)
		return fs, nil, err
	case "redis":
		if rs, ok := snapshots.(*storage.RedisStore); ok {
			return rs, nil, nil
		}
		logger.Info("persisting detector state to redis", "addr", cfg.RedisAddr)
		rs, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
		if err != nil {
			return nil, nil, err
		}
		return rs, rs, nil
	case "s3":
		logger.Info("persisting detector state to s3", "bucket", cfg.S3Bucket, "prefix", cfg.S3Prefix)
		s3s, err := storage.NewS3StateStore(ctx, storage.S3Config{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			Prefix:       cfg.S3Prefix,
			UsePathStyle: cfg.S3Endpoint != "",
		})
		return s3s, nil, err
	default:
		return nil, nil, fmt.Errorf("invalid state backend %q (must be none, memory, file, redis or s3)", cfg.StateBackend)
	}
}
