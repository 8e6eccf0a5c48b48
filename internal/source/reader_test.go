package source

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/russellbrenner/chatpulse/internal/appletime"
)

// newFixture creates a minimal chat.db on disk with the tables the reader
// touches, then returns its path.
func newFixture(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "chat.db")
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("failed to create fixture db: %v", err)
	}
	defer db.Close()

	schema := `
	CREATE TABLE message (
		ROWID INTEGER PRIMARY KEY,
		guid TEXT NOT NULL,
		text TEXT,
		handle_id INTEGER NOT NULL DEFAULT 0,
		date INTEGER NOT NULL,
		date_delivered INTEGER DEFAULT 0,
		date_read INTEGER DEFAULT 0,
		is_from_me INTEGER NOT NULL DEFAULT 0,
		cache_has_attachments INTEGER DEFAULT 0,
		associated_message_type INTEGER DEFAULT 0,
		associated_message_guid TEXT
	);
	CREATE TABLE handle (
		ROWID INTEGER PRIMARY KEY,
		id TEXT NOT NULL,
		service TEXT,
		uncanonicalized_id TEXT
	);
	CREATE TABLE chat (
		ROWID INTEGER PRIMARY KEY,
		guid TEXT NOT NULL,
		chat_identifier TEXT,
		display_name TEXT,
		style INTEGER DEFAULT 45
	);
	CREATE TABLE chat_message_join (
		chat_id INTEGER NOT NULL,
		message_id INTEGER NOT NULL
	);
	CREATE TABLE chat_handle_join (
		chat_id INTEGER NOT NULL,
		handle_id INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("failed to create fixture schema: %v", err)
	}

	seed := `
	INSERT INTO handle (ROWID, id, service, uncanonicalized_id) VALUES
		(1, '+15551230001', 'iMessage', NULL),
		(2, 'bob@example.com', 'iMessage', 'bob@example.com'),
		(3, '+15551230003', 'SMS', NULL);
	INSERT INTO chat (ROWID, guid, chat_identifier, display_name, style) VALUES
		(10, 'iMessage;-;+15551230001', '+15551230001', NULL, 45),
		(11, 'iMessage;+;chat99', 'chat99', 'Ski Trip', 43);
	-- handle 3 is a group member who has not sent any message yet
	INSERT INTO chat_handle_join (chat_id, handle_id) VALUES
		(10, 1), (11, 1), (11, 2), (11, 3);
	INSERT INTO message (ROWID, guid, text, handle_id, date, is_from_me, cache_has_attachments, associated_message_type, associated_message_guid) VALUES
		(100, 'msg-100', 'hello', 1, 700000000000000000, 0, 0, 0, NULL),
		(101, 'msg-101', 'hi back', 0, 700000001000000000, 1, 0, 0, NULL),
		(102, 'msg-102', NULL, 2, 700000002000000000, 0, 1, 0, NULL),
		(103, 'msg-103', NULL, 2, 700000003000000000, 0, 0, 2001, 'p:0/msg-101');
	INSERT INTO chat_message_join (chat_id, message_id) VALUES
		(10, 100), (10, 101), (11, 102), (11, 103);`
	if _, err := db.Exec(seed); err != nil {
		t.Fatalf("failed to seed fixture: %v", err)
	}

	return path
}

func TestOpenMissingFile(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing.db")); err == nil {
		t.Fatal("Open succeeded on a missing snapshot")
	}
}

func TestReadSinceFirstRun(t *testing.T) {
	r, err := Open(newFixture(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	batch, err := r.ReadSince(context.Background(), nil)
	if err != nil {
		t.Fatalf("ReadSince failed: %v", err)
	}

	if got := len(batch.Messages); got != 4 {
		t.Fatalf("got %d messages, want 4", got)
	}
	if got := len(batch.Contacts); got != 3 {
		t.Errorf("got %d contacts, want 3 (senders plus group members)", got)
	}
	if got := len(batch.Threads); got != 2 {
		t.Errorf("got %d threads, want 2", got)
	}
	if got := len(batch.ThreadMessages); got != 4 {
		t.Errorf("got %d thread-message joins, want 4", got)
	}
	if got := len(batch.ThreadContacts); got != 4 {
		t.Errorf("got %d thread-contact joins, want 4", got)
	}

	// Messages come back ordered ascending by timestamp.
	for i := 1; i < len(batch.Messages); i++ {
		if batch.Messages[i].SentAt.Before(batch.Messages[i-1].SentAt) {
			t.Errorf("messages out of order at index %d", i)
		}
	}
	if last := batch.Last(); last == nil || last.RowID != 103 {
		t.Errorf("Last() = %+v, want message 103", last)
	}
}

func TestReadSinceRetypesRows(t *testing.T) {
	r, err := Open(newFixture(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	batch, err := r.ReadSince(context.Background(), nil)
	if err != nil {
		t.Fatalf("ReadSince failed: %v", err)
	}

	byID := make(map[int64]Message, len(batch.Messages))
	for _, m := range batch.Messages {
		byID[m.RowID] = m
	}

	m := byID[100]
	if m.Text != "hello" || m.SenderID != 1 || m.IsFromMe || m.HasAttachment {
		t.Errorf("message 100 re-typed incorrectly: %+v", m)
	}
	if want := appletime.ToTime(700000000000000000); !m.SentAt.Equal(want) {
		t.Errorf("message 100 SentAt = %v, want %v", m.SentAt, want)
	}

	if m := byID[101]; !m.IsFromMe || m.SenderID != 0 {
		t.Errorf("message 101 should be from-self with no sender: %+v", m)
	}
	if m := byID[102]; m.Text != "" || !m.HasAttachment {
		t.Errorf("message 102 should have empty text and an attachment: %+v", m)
	}
	if m := byID[103]; m.ReactionType != 2001 || m.ReactionTarget != "p:0/msg-101" {
		t.Errorf("message 103 reaction fields wrong: %+v", m)
	}

	groupSeen := false
	for _, th := range batch.Threads {
		if th.RowID == 11 {
			groupSeen = true
			if !th.IsGroup || th.DisplayName != "Ski Trip" {
				t.Errorf("thread 11 re-typed incorrectly: %+v", th)
			}
		}
	}
	if !groupSeen {
		t.Error("group thread 11 missing from batch")
	}
}

func TestReadSinceCutoffIsStrict(t *testing.T) {
	r, err := Open(newFixture(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	// Cutoff equal to message 102's timestamp: only 103 is newer.
	since := appletime.ToTime(700000002000000000)
	batch, err := r.ReadSince(context.Background(), &since)
	if err != nil {
		t.Fatalf("ReadSince failed: %v", err)
	}

	if got := len(batch.Messages); got != 1 {
		t.Fatalf("got %d messages, want 1", got)
	}
	if batch.Messages[0].RowID != 103 {
		t.Errorf("got message %d, want 103", batch.Messages[0].RowID)
	}
	// Only the group thread and its members are resolved.
	if got := len(batch.Threads); got != 1 {
		t.Errorf("got %d threads, want 1", got)
	}
	if got := len(batch.ThreadContacts); got != 3 {
		t.Errorf("got %d thread-contact joins, want 3", got)
	}
}

func TestReadSinceNothingNew(t *testing.T) {
	r, err := Open(newFixture(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	since := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	batch, err := r.ReadSince(context.Background(), &since)
	if err != nil {
		t.Fatalf("ReadSince failed: %v", err)
	}
	if !batch.Empty() {
		t.Errorf("expected empty batch, got %d messages", len(batch.Messages))
	}
	if batch.Last() != nil {
		t.Error("Last() on empty batch should be nil")
	}
}

func TestReaderIsReadOnly(t *testing.T) {
	r, err := Open(newFixture(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	if _, err := r.db.Exec(`INSERT INTO handle (ROWID, id) VALUES (99, 'x')`); err == nil {
		t.Fatal("write through the read-only connection should fail")
	}
}
