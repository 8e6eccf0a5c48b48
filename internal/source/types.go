package source

import "time"

// Message is one message row re-typed from the snapshot. RowID is the
// source's own ROWID and is carried into the archive unchanged as the
// natural key.
type Message struct {
	RowID          int64
	GUID           string
	Text           string
	SenderID       int64 // handle ROWID; 0 when the source recorded no sender
	SentAt         time.Time
	DeliveredAt    *time.Time
	ReadAt         *time.Time
	IsFromMe       bool
	HasAttachment  bool
	ReactionType   int    // associated_message_type; 0 = not a reaction
	ReactionTarget string // associated_message_guid
}

// Contact is a handle row: a phone number or email address plus service tag.
type Contact struct {
	RowID       int64
	Address     string
	Service     string
	DisplayName string
}

// Thread is a chat row (1:1 or group conversation).
type Thread struct {
	RowID       int64
	GUID        string
	Identifier  string
	DisplayName string
	IsGroup     bool
}

// ThreadContact links a thread to a member contact.
type ThreadContact struct {
	ThreadID  int64
	ContactID int64
}

// ThreadMessage links a thread to one of its messages.
type ThreadMessage struct {
	ThreadID  int64
	MessageID int64
}

// Batch is one self-contained read pass over the snapshot: every message
// newer than the watermark plus all contacts, threads and join rows those
// messages reference. The writer performs no further reads against the
// source.
type Batch struct {
	Messages       []Message
	Contacts       []Contact
	Threads        []Thread
	ThreadContacts []ThreadContact
	ThreadMessages []ThreadMessage
}

// Empty reports whether the batch contains no new messages.
func (b *Batch) Empty() bool {
	return len(b.Messages) == 0
}

// Last returns the chronologically last message in the batch, or nil when
// the batch is empty. Messages are ordered ascending by timestamp, with the
// ROWID breaking ties.
func (b *Batch) Last() *Message {
	if len(b.Messages) == 0 {
		return nil
	}
	return &b.Messages[len(b.Messages)-1]
}
