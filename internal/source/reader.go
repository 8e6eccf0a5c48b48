// Package source reads an Apple Messages chat.db snapshot.
//
// The snapshot is opened strictly read-only via a URI connection string, so
// the file is never locked for writing or mutated even while another process
// refreshes it. Untyped source rows are re-typed here into the plain records
// in types.go; nothing downstream sees the snapshot schema.
package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/russellbrenner/chatpulse/internal/appletime"
)

// ErrMalformed marks a snapshot row that cannot be re-typed into the
// records in types.go. Re-reading the same snapshot will fail identically;
// a transient I/O failure never carries this sentinel.
var ErrMalformed = errors.New("malformed snapshot row")

// Reader fetches new rows from a chat.db snapshot.
type Reader struct {
	db   *sql.DB
	path string
}

// Open opens the snapshot read-only. A missing or unreadable file is a
// configuration error: it is reported immediately and never retried.
func Open(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("snapshot not readable: %w", err)
	}

	dsn := "file:" + path + "?mode=ro&_pragma=busy_timeout(10000)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open snapshot %s: %w", path, err)
	}

	return &Reader{db: db, path: path}, nil
}

// Close closes the snapshot connection.
func (r *Reader) Close() error {
	return r.db.Close()
}

// Path returns the snapshot file path.
func (r *Reader) Path() string {
	return r.path
}

// ReadSince returns every message with a source timestamp strictly greater
// than since, plus all related entities, in a single read pass. A nil since
// means a true first run: all messages are returned.
func (r *Reader) ReadSince(ctx context.Context, since *time.Time) (*Batch, error) {
	cutoff := int64(math.MinInt64)
	if since != nil {
		cutoff = appletime.FromTime(*since)
	}

	messages, err := r.readMessages(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	batch := &Batch{Messages: messages}
	if len(messages) == 0 {
		return batch, nil
	}

	messageIDs := make([]int64, 0, len(messages))
	senderIDs := make(map[int64]struct{})
	for _, m := range messages {
		messageIDs = append(messageIDs, m.RowID)
		if m.SenderID != 0 {
			senderIDs[m.SenderID] = struct{}{}
		}
	}

	batch.ThreadMessages, err = r.readThreadMessages(ctx, messageIDs)
	if err != nil {
		return nil, err
	}

	threadIDs := make(map[int64]struct{})
	for _, tm := range batch.ThreadMessages {
		threadIDs[tm.ThreadID] = struct{}{}
	}

	batch.Threads, err = r.readThreads(ctx, keys(threadIDs))
	if err != nil {
		return nil, err
	}

	batch.ThreadContacts, err = r.readThreadContacts(ctx, keys(threadIDs))
	if err != nil {
		return nil, err
	}

	// Contacts to fetch: message senders plus every thread member, so the
	// membership rows never reference a contact absent from the batch.
	for _, tc := range batch.ThreadContacts {
		senderIDs[tc.ContactID] = struct{}{}
	}

	batch.Contacts, err = r.readContacts(ctx, keys(senderIDs))
	if err != nil {
		return nil, err
	}

	return batch, nil
}

func (r *Reader) readMessages(ctx context.Context, cutoff int64) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			message.ROWID,
			message.guid,
			message.text,
			message.handle_id,
			message.date,
			message.date_delivered,
			message.date_read,
			message.is_from_me,
			message.cache_has_attachments,
			message.associated_message_type,
			message.associated_message_guid
		FROM message
		WHERE message.date > ?
		ORDER BY message.date ASC, message.ROWID ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			m             Message
			text          sql.NullString
			rawDate       int64
			rawDelivered  sql.NullInt64
			rawRead       sql.NullInt64
			fromMe        int
			hasAttachment sql.NullInt64
			reactionType  sql.NullInt64
			reactionGUID  sql.NullString
		)
		if err := rows.Scan(&m.RowID, &m.GUID, &text, &m.SenderID, &rawDate,
			&rawDelivered, &rawRead, &fromMe, &hasAttachment,
			&reactionType, &reactionGUID); err != nil {
			return nil, fmt.Errorf("%w: message: %v", ErrMalformed, err)
		}

		m.Text = text.String
		m.SentAt = appletime.ToTime(rawDate)
		if rawDelivered.Valid && rawDelivered.Int64 != 0 {
			t := appletime.ToTime(rawDelivered.Int64)
			m.DeliveredAt = &t
		}
		if rawRead.Valid && rawRead.Int64 != 0 {
			t := appletime.ToTime(rawRead.Int64)
			m.ReadAt = &t
		}
		m.IsFromMe = fromMe != 0
		m.HasAttachment = hasAttachment.Valid && hasAttachment.Int64 != 0
		m.ReactionType = int(reactionType.Int64)
		m.ReactionTarget = reactionGUID.String

		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return messages, nil
}

func (r *Reader) readContacts(ctx context.Context, ids []int64) ([]Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT handle.ROWID, handle.id, handle.service, handle.uncanonicalized_id
		FROM handle
		WHERE handle.ROWID IN (%s)
		ORDER BY handle.ROWID
	`, placeholders(len(ids)))

	rows, err := r.db.QueryContext(ctx, query, args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query handles: %w", err)
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		var (
			c       Contact
			service sql.NullString
			display sql.NullString
		)
		if err := rows.Scan(&c.RowID, &c.Address, &service, &display); err != nil {
			return nil, fmt.Errorf("%w: handle: %v", ErrMalformed, err)
		}
		c.Service = service.String
		c.DisplayName = display.String
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read handles: %w", err)
	}
	return contacts, nil
}

// groupChatStyle is the chat.style value Apple assigns to group chats.
const groupChatStyle = 43

func (r *Reader) readThreads(ctx context.Context, ids []int64) ([]Thread, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT chat.ROWID, chat.guid, chat.chat_identifier, chat.display_name, chat.style
		FROM chat
		WHERE chat.ROWID IN (%s)
		ORDER BY chat.ROWID
	`, placeholders(len(ids)))

	rows, err := r.db.QueryContext(ctx, query, args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		var (
			t          Thread
			identifier sql.NullString
			display    sql.NullString
			style      sql.NullInt64
		)
		if err := rows.Scan(&t.RowID, &t.GUID, &identifier, &display, &style); err != nil {
			return nil, fmt.Errorf("%w: chat: %v", ErrMalformed, err)
		}
		t.Identifier = identifier.String
		t.DisplayName = display.String
		t.IsGroup = style.Int64 == groupChatStyle
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chats: %w", err)
	}
	return threads, nil
}

func (r *Reader) readThreadMessages(ctx context.Context, messageIDs []int64) ([]ThreadMessage, error) {
	query := fmt.Sprintf(`
		SELECT chat_id, message_id
		FROM chat_message_join
		WHERE message_id IN (%s)
		ORDER BY chat_id, message_id
	`, placeholders(len(messageIDs)))

	rows, err := r.db.QueryContext(ctx, query, args(messageIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat_message_join: %w", err)
	}
	defer rows.Close()

	var joins []ThreadMessage
	for rows.Next() {
		var tm ThreadMessage
		if err := rows.Scan(&tm.ThreadID, &tm.MessageID); err != nil {
			return nil, fmt.Errorf("%w: chat_message_join: %v", ErrMalformed, err)
		}
		joins = append(joins, tm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chat_message_join: %w", err)
	}
	return joins, nil
}

func (r *Reader) readThreadContacts(ctx context.Context, threadIDs []int64) ([]ThreadContact, error) {
	if len(threadIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT chat_id, handle_id
		FROM chat_handle_join
		WHERE chat_id IN (%s)
		ORDER BY chat_id, handle_id
	`, placeholders(len(threadIDs)))

	rows, err := r.db.QueryContext(ctx, query, args(threadIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat_handle_join: %w", err)
	}
	defer rows.Close()

	var joins []ThreadContact
	for rows.Next() {
		var tc ThreadContact
		if err := rows.Scan(&tc.ThreadID, &tc.ContactID); err != nil {
			return nil, fmt.Errorf("%w: chat_handle_join: %v", ErrMalformed, err)
		}
		joins = append(joins, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chat_handle_join: %w", err)
	}
	return joins, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func args(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func keys(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
