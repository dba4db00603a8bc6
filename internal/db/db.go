package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	Url      string `mapstructure:"url"`
	Schema   string `mapstructure:"schema"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// InitDB opens the pool shared by the monitoring loop and the status API.
// The agent does one store call at a time, so the pool stays small.
func InitDB(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 4
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 1

	if cfg.Schema != "" {
		poolConfig.ConnConfig.RuntimeParams["search_path"] = cfg.Schema

		// Poolers such as PgBouncer may reset session settings between
		// transactions.
		schema := cfg.Schema
		poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if _, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize()); err != nil {
				slog.Warn("Failed to set search_path in AfterConnect", "error", err)
				return err
			}
			return nil
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	slog.Info("Connected to PostgreSQL", "schema", cfg.Schema, "max_conns", poolConfig.MaxConns)
	return pool, nil
}
