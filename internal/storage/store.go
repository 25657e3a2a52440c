package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"price-alerts/internal/config"
)

// NewPool configures a PostgreSQL connection pool and checks connectivity.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, ErrNotConfigured
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Open returns the PostgreSQL repository when a DSN is configured and the
// in-memory repository otherwise. Pending migrations are applied when
// cfg.AutoMigrate is set.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (Repository, error) {
	if cfg.DSN == "" {
		logger.Warn().Msg("database.dsn not configured; using in-memory storage")
		return NewMemory(), nil
	}

	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		applied, err := Migrate(ctx, pool, MigrationsFS(cfg.MigrationsPath), logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info().Int("applied", len(applied)).Msg("database migrations checked")
	}
	return NewStore(pool), nil
}
