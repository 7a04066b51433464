// Package db owns pool construction for the Postgres-backed stores.
package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const pingTimeout = 5 * time.Second

// Connect builds a pgx pool, verifies it with a bounded ping and returns it.
// A pool that cannot ping is closed and never handed to callers; every store
// in this module assumes a live pool.
func Connect(ctx context.Context, dsn string, poolMax int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if poolMax > 0 {
		cfg.MaxConns = int32(poolMax)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
