package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Watermark is the durable checkpoint: the timestamp and source row id of
// the most recent message already committed to the archive.
type Watermark struct {
	LastMessageAt time.Time `json:"last_message_at"`
	LastMessageID int64     `json:"last_message_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// WatermarkStore reads and writes the singleton watermark row.
type WatermarkStore struct {
	pool *pgxpool.Pool
}

// NewWatermarkStore creates a watermark store on the given pool.
func NewWatermarkStore(pool *pgxpool.Pool) *WatermarkStore {
	return &WatermarkStore{pool: pool}
}

// The watermark timestamp is persisted as Unix nanoseconds, not as a
// timestamptz: that column type truncates to microseconds, and a cutoff up
// to 999ns below the last committed message re-selects it on every run.
func encodeWatermarkAt(t time.Time) int64 {
	return t.UnixNano()
}

func decodeWatermarkAt(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// Load retrieves the current watermark. It returns nil only on a true first
// run, when no row exists yet.
func (s *WatermarkStore) Load(ctx context.Context) (*Watermark, error) {
	var (
		wm Watermark
		ns int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT last_message_at_ns, last_message_id, updated_at
		FROM ingest_watermark
		WHERE id = 1
	`).Scan(&ns, &wm.LastMessageID, &wm.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load watermark: %w", err)
	}
	wm.LastMessageAt = decodeWatermarkAt(ns)
	return &wm, nil
}

// SaveTx writes the watermark within a caller-supplied transaction so the
// advance commits atomically with the batch it describes. The value must be
// derived from the chronologically last message in that batch, never from
// wall-clock time.
func (s *WatermarkStore) SaveTx(ctx context.Context, tx pgx.Tx, at time.Time, messageID int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ingest_watermark (id, last_message_at, last_message_at_ns, last_message_id, updated_at)
		VALUES (1, $1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET
			last_message_at = EXCLUDED.last_message_at,
			last_message_at_ns = EXCLUDED.last_message_at_ns,
			last_message_id = EXCLUDED.last_message_id,
			updated_at = EXCLUDED.updated_at
	`, at, encodeWatermarkAt(at), messageID)
	if err != nil {
		return fmt.Errorf("failed to save watermark in transaction: %w", err)
	}
	return nil
}
