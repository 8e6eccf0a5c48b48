// Package archive writes ingestion batches to the PostgreSQL archive and
// owns the durable watermark. All writes are idempotent: contacts and
// threads are upserted by natural key, messages and join rows are
// insert-or-ignore, so a replayed batch is always safe.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// connectTimeout bounds connection acquisition; nothing in the pipeline
// blocks indefinitely waiting for the destination.
const connectTimeout = 10 * time.Second

// Connect opens a pgx pool against the archive and verifies connectivity.
// An unreachable destination is a configuration error surfaced immediately.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid destination DSN: %w", err)
	}
	cfg.ConnConfig.ConnectTimeout = connectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach archive: %w", err)
	}

	return pool, nil
}
