package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmcleod/hubguard/config"
	"github.com/jmcleod/hubguard/session"
	"github.com/jmcleod/hubguard/storage"
	bboltstorage "github.com/jmcleod/hubguard/storage/bbolt"
	"github.com/jmcleod/hubguard/storage/memory"
	"github.com/jmcleod/hubguard/storage/postgres"
	"github.com/jmcleod/hubguard/storage/redisstore"
)

// stores is the set of opened backends. sessions is the primary backend
// unless session records were moved to Redis.
type stores struct {
	primary  storage.Backend
	sessions session.Store
	closers  []func() error
}

func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	primary, err := openPrimary(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &stores{primary: primary, sessions: primary, closers: []func() error{primary.Close}}

	if cfg.SessionBackend == config.SessionBackendRedis {
		rs, err := redisstore.Open(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("opening redis session store: %w", err)
		}
		s.sessions = rs
		s.closers = append(s.closers, rs.Close)
	}

	logger.Info("stores opened", "backend", cfg.Backend, "session_backend", cfg.SessionBackend)
	return s, nil
}

func openPrimary(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		st, err := bboltstorage.Open(filepath.Join(cfg.DataDir, "hubguard.db"), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open bbolt store: %w", err)
		}
		return st, nil
	case config.BackendPostgres:
		st, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
