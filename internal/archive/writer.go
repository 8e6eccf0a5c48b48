package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/russellbrenner/chatpulse/internal/source"
)

// ErrIntegrity marks a batch that is not referentially self-contained.
// Such a batch is abandoned before any transaction is opened.
var ErrIntegrity = errors.New("batch integrity violation")

// txBeginner is the one method of pgxpool.Pool the writer needs to open
// its transaction.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Writer applies one batch to the archive atomically: entity upserts,
// message and join inserts, the run audit row and the watermark advance all
// commit together or not at all.
type Writer struct {
	db         txBeginner
	watermarks *WatermarkStore
}

// NewWriter creates a writer that persists watermarks through the given
// store.
func NewWriter(db txBeginner, watermarks *WatermarkStore) *Writer {
	return &Writer{db: db, watermarks: watermarks}
}

// WriteResult reports what one committed batch changed.
type WriteResult struct {
	MessagesIngested int
	ContactsUpserted int
	ThreadsUpserted  int
	Watermark        Watermark
}

// Apply writes the batch in a single transaction. Contacts and threads are
// upserted before the messages and join rows that reference them; the
// watermark is the terminal write so a crash can never leave data committed
// without it. Any error rolls the whole transaction back, and the next run
// recomputes the identical batch from the unchanged watermark.
func (w *Writer) Apply(ctx context.Context, runID uuid.UUID, startedAt time.Time, batch *source.Batch) (*WriteResult, error) {
	if batch.Empty() {
		return nil, fmt.Errorf("refusing to apply an empty batch")
	}
	if err := validateBatch(batch); err != nil {
		return nil, err
	}

	tx, err := w.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result := &WriteResult{}

	// The IS DISTINCT FROM guard leaves already-archived, unchanged rows
	// genuinely untouched, so re-observing a known contact is a no-op.
	for _, c := range batch.Contacts {
		tag, err := tx.Exec(ctx, `
			INSERT INTO contacts (id, address, service, display_name, updated_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), now())
			ON CONFLICT (id) DO UPDATE SET
				address = EXCLUDED.address,
				service = EXCLUDED.service,
				display_name = EXCLUDED.display_name,
				updated_at = EXCLUDED.updated_at
			WHERE (contacts.address, contacts.service, contacts.display_name)
				IS DISTINCT FROM (EXCLUDED.address, EXCLUDED.service, EXCLUDED.display_name)
		`, c.RowID, c.Address, c.Service, c.DisplayName)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert contact %d: %w", c.RowID, err)
		}
		result.ContactsUpserted += int(tag.RowsAffected())
	}

	for _, t := range batch.Threads {
		tag, err := tx.Exec(ctx, `
			INSERT INTO threads (id, guid, identifier, display_name, is_group, updated_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, now())
			ON CONFLICT (id) DO UPDATE SET
				guid = EXCLUDED.guid,
				identifier = EXCLUDED.identifier,
				display_name = EXCLUDED.display_name,
				is_group = EXCLUDED.is_group,
				updated_at = EXCLUDED.updated_at
			WHERE (threads.guid, threads.identifier, threads.display_name, threads.is_group)
				IS DISTINCT FROM (EXCLUDED.guid, EXCLUDED.identifier, EXCLUDED.display_name, EXCLUDED.is_group)
		`, t.RowID, t.GUID, t.Identifier, t.DisplayName, t.IsGroup)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert thread %d: %w", t.RowID, err)
		}
		result.ThreadsUpserted += int(tag.RowsAffected())
	}

	// Messages are immutable history: insert-or-ignore, never overwrite.
	for _, m := range batch.Messages {
		tag, err := tx.Exec(ctx, `
			INSERT INTO messages (id, guid, body, sender_id, sent_at, delivered_at, read_at,
				is_from_me, has_attachment, reaction_type, reaction_target)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, 0), $5, $6, $7, $8, $9, NULLIF($10, 0), NULLIF($11, ''))
			ON CONFLICT (id) DO NOTHING
		`, m.RowID, m.GUID, m.Text, m.SenderID, m.SentAt, m.DeliveredAt, m.ReadAt,
			m.IsFromMe, m.HasAttachment, m.ReactionType, m.ReactionTarget)
		if err != nil {
			return nil, fmt.Errorf("failed to insert message %d: %w", m.RowID, err)
		}
		result.MessagesIngested += int(tag.RowsAffected())
	}

	for _, tc := range batch.ThreadContacts {
		_, err := tx.Exec(ctx, `
			INSERT INTO thread_contacts (thread_id, contact_id)
			VALUES ($1, $2)
			ON CONFLICT (thread_id, contact_id) DO NOTHING
		`, tc.ThreadID, tc.ContactID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert thread-contact %d/%d: %w", tc.ThreadID, tc.ContactID, err)
		}
	}

	for _, tm := range batch.ThreadMessages {
		_, err := tx.Exec(ctx, `
			INSERT INTO thread_messages (thread_id, message_id)
			VALUES ($1, $2)
			ON CONFLICT (thread_id, message_id) DO NOTHING
		`, tm.ThreadID, tm.MessageID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert thread-message %d/%d: %w", tm.ThreadID, tm.MessageID, err)
		}
	}

	// The new watermark is the chronologically last message actually in the
	// batch, never wall-clock time.
	last := batch.Last()
	if err := w.watermarks.SaveTx(ctx, tx, last.SentAt, last.RowID); err != nil {
		return nil, err
	}
	result.Watermark = Watermark{
		LastMessageAt: last.SentAt,
		LastMessageID: last.RowID,
		UpdatedAt:     time.Now().UTC(),
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ingest_runs (run_id, started_at, completed_at, messages_ingested,
			contacts_upserted, threads_upserted, watermark_at, status)
		VALUES ($1, $2, now(), $3, $4, $5, $6, 'completed')
	`, runID, startedAt, result.MessagesIngested, result.ContactsUpserted,
		result.ThreadsUpserted, last.SentAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Info().
		Str("run_id", runID.String()).
		Int("messages", result.MessagesIngested).
		Int("contacts", result.ContactsUpserted).
		Int("threads", result.ThreadsUpserted).
		Time("watermark", last.SentAt).
		Msg("batch committed")

	return result, nil
}

// validateBatch checks the batch is referentially self-contained before any
// transaction is opened: every message sender, thread member and join
// endpoint must resolve within the batch. A violation means the source
// handed back an inconsistent snapshot and the batch must be abandoned, not
// partially applied.
func validateBatch(batch *source.Batch) error {
	contacts := make(map[int64]struct{}, len(batch.Contacts))
	for _, c := range batch.Contacts {
		contacts[c.RowID] = struct{}{}
	}
	threads := make(map[int64]struct{}, len(batch.Threads))
	for _, t := range batch.Threads {
		threads[t.RowID] = struct{}{}
	}
	messages := make(map[int64]struct{}, len(batch.Messages))
	for _, m := range batch.Messages {
		messages[m.RowID] = struct{}{}
	}

	for _, m := range batch.Messages {
		if m.SenderID != 0 {
			if _, ok := contacts[m.SenderID]; !ok {
				return fmt.Errorf("%w: message %d references unknown contact %d", ErrIntegrity, m.RowID, m.SenderID)
			}
		}
	}
	for _, tc := range batch.ThreadContacts {
		if _, ok := threads[tc.ThreadID]; !ok {
			return fmt.Errorf("%w: thread-contact row references unknown thread %d", ErrIntegrity, tc.ThreadID)
		}
		if _, ok := contacts[tc.ContactID]; !ok {
			return fmt.Errorf("%w: thread-contact row references unknown contact %d", ErrIntegrity, tc.ContactID)
		}
	}
	for _, tm := range batch.ThreadMessages {
		if _, ok := threads[tm.ThreadID]; !ok {
			return fmt.Errorf("%w: thread-message row references unknown thread %d", ErrIntegrity, tm.ThreadID)
		}
		if _, ok := messages[tm.MessageID]; !ok {
			return fmt.Errorf("%w: thread-message row references unknown message %d", ErrIntegrity, tm.MessageID)
		}
	}
	return nil
}
