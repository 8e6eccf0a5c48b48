// Package ingest orchestrates one incremental run: load the watermark, read
// everything newer from the snapshot, commit it to the archive in a single
// transaction, and report what changed. Runs are idempotent; a failed run
// leaves the watermark where it was and the next run repeats the same work.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/russellbrenner/chatpulse/internal/archive"
	"github.com/russellbrenner/chatpulse/internal/source"
)

// State names the phase a run is in, for logging and run summaries.
type State string

const (
	StateIdle     State = "idle"
	StateReading  State = "reading"
	StateWriting  State = "writing"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

// SourceReader reads incremental batches from the message snapshot.
type SourceReader interface {
	ReadSince(ctx context.Context, since *time.Time) (*source.Batch, error)
}

// BatchWriter commits a batch to the archive atomically.
type BatchWriter interface {
	Apply(ctx context.Context, runID uuid.UUID, startedAt time.Time, batch *source.Batch) (*archive.WriteResult, error)
}

// WatermarkLoader retrieves the durable checkpoint.
type WatermarkLoader interface {
	Load(ctx context.Context) (*archive.Watermark, error)
}

// RunSummary reports the outcome of one run.
type RunSummary struct {
	RunID            uuid.UUID          `json:"run_id"`
	State            State              `json:"state"`
	StartedAt        time.Time          `json:"started_at"`
	FinishedAt       time.Time          `json:"finished_at"`
	MessagesRead     int                `json:"messages_read"`
	MessagesIngested int                `json:"messages_ingested"`
	ContactsUpserted int                `json:"contacts_upserted"`
	ThreadsUpserted  int                `json:"threads_upserted"`
	Watermark        *archive.Watermark `json:"watermark,omitempty"`
}

// Runner executes ingestion runs against fixed source and destination
// endpoints.
type Runner struct {
	reader     SourceReader
	writer     BatchWriter
	watermarks WatermarkLoader
}

// NewRunner assembles a runner from its three collaborators.
func NewRunner(reader SourceReader, writer BatchWriter, watermarks WatermarkLoader) *Runner {
	return &Runner{reader: reader, writer: writer, watermarks: watermarks}
}

// Run performs one complete incremental pass. An empty read is a successful
// no-op: no transaction is opened and the prior watermark is reported
// unchanged.
func (r *Runner) Run(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{
		RunID:     uuid.New(),
		State:     StateIdle,
		StartedAt: time.Now().UTC(),
	}

	prior, err := r.watermarks.Load(ctx)
	if err != nil {
		return r.fail(summary, &TransientError{Stage: "load watermark", Err: err})
	}
	var since *time.Time
	if prior != nil {
		since = &prior.LastMessageAt
		summary.Watermark = prior
	}

	summary.State = StateReading
	batch, err := r.reader.ReadSince(ctx, since)
	if err != nil {
		// Only rows that cannot be re-typed are integrity failures; an I/O
		// or lock error against the snapshot is worth retrying.
		if errors.Is(err, source.ErrMalformed) {
			return r.fail(summary, &IntegrityError{Stage: "read snapshot", Err: err})
		}
		return r.fail(summary, &TransientError{Stage: "read snapshot", Err: err})
	}
	summary.MessagesRead = len(batch.Messages)

	if batch.Empty() {
		summary.State = StateComplete
		summary.FinishedAt = time.Now().UTC()
		log.Info().
			Str("run_id", summary.RunID.String()).
			Msg("no new messages, archive is current")
		return summary, nil
	}

	summary.State = StateWriting
	result, err := r.writer.Apply(ctx, summary.RunID, summary.StartedAt, batch)
	if err != nil {
		if errors.Is(err, archive.ErrIntegrity) {
			return r.fail(summary, &IntegrityError{Stage: "apply batch", Err: err})
		}
		return r.fail(summary, &TransientError{Stage: "apply batch", Err: err})
	}

	summary.State = StateComplete
	summary.FinishedAt = time.Now().UTC()
	summary.MessagesIngested = result.MessagesIngested
	summary.ContactsUpserted = result.ContactsUpserted
	summary.ThreadsUpserted = result.ThreadsUpserted
	summary.Watermark = &result.Watermark
	return summary, nil
}

func (r *Runner) fail(summary *RunSummary, err error) (*RunSummary, error) {
	summary.State = StateFailed
	summary.FinishedAt = time.Now().UTC()
	return summary, err
}

// Run opens the snapshot and the archive, ensures the schema exists, and
// executes a single ingestion run.
func Run(ctx context.Context, sourcePath, destDSN string) (*RunSummary, error) {
	pool, err := archive.Connect(ctx, destDSN)
	if err != nil {
		return nil, &ConfigError{Stage: "connect archive", Err: err}
	}
	defer pool.Close()

	if err := archive.InitSchema(ctx, pool); err != nil {
		return nil, &ConfigError{Stage: "init schema", Err: err}
	}

	return RunWithPool(ctx, sourcePath, pool)
}

// RunWithPool executes one ingestion run against an already-connected
// archive whose schema exists. The snapshot is reopened on every call so an
// externally refreshed file is always picked up; the pool is the caller's
// to reuse across runs.
func RunWithPool(ctx context.Context, sourcePath string, pool *pgxpool.Pool) (*RunSummary, error) {
	reader, err := source.Open(sourcePath)
	if err != nil {
		return nil, &ConfigError{Stage: "open source", Err: err}
	}
	defer reader.Close()

	watermarks := archive.NewWatermarkStore(pool)
	runner := NewRunner(reader, archive.NewWriter(pool, watermarks), watermarks)
	return runner.Run(ctx)
}
