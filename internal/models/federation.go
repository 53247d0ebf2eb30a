package models

import (
	"encoding/json"
	"time"
)

// DestinationStatus describes where a destination worker is in its
// send/retry cycle.
type DestinationStatus string

const (
	DestinationIdle    DestinationStatus = "idle"
	DestinationSending DestinationStatus = "sending"
	DestinationBackoff DestinationStatus = "backoff"
)

// QueuedItem is one durable delivery item for a destination. Seq is
// assigned by the queue store and is strictly increasing per destination.
type QueuedItem struct {
	Destination string          `db:"destination"`
	Seq         int64           `db:"seq"`
	Payload     json.RawMessage `db:"payload"`
	QueuedAt    time.Time       `db:"queued_at"`
}

// Transaction is one batched delivery to a remote server. Durable events
// are replayed in queue order; ephemeral EDUs are a snapshot of current
// state at build time.
type Transaction struct {
	ID        string            `json:"transaction_id"`
	Origin    string            `json:"origin"`
	Events    []json.RawMessage `json:"events"`
	Ephemeral []EDU             `json:"ephemeral,omitempty"`

	// AckSeq is the highest durable sequence included, used to remove
	// items from the queue after the remote acknowledges. Not serialized.
	AckSeq int64 `json:"-"`
}

// EDU is an ephemeral data unit: a transient signal where only the
// latest value matters.
type EDU struct {
	Type    string          `json:"edu_type"`
	Content json.RawMessage `json:"content"`
}

const (
	EDUTypeTyping  = "typing"
	EDUTypeReceipt = "receipt"
)

// TypingContent is the payload of a typing EDU: the complete set of
// users currently typing in the room, not a delta.
type TypingContent struct {
	RoomID  string   `json:"room_id"`
	UserIDs []string `json:"user_ids"`
}

// ReceiptContent maps users to their read cursor within one room.
type ReceiptContent struct {
	RoomID   string             `json:"room_id"`
	Receipts map[string]Receipt `json:"receipts"`
}

// Receipt is one user's read position in a room. Cursor values are
// strictly increasing per user so stale snapshots can be discarded.
type Receipt struct {
	EventID string `json:"event_id"`
	Cursor  int64  `json:"cursor"`
	TS      int64  `json:"ts"`
}

// RoomMember records one (room, user, server) membership row. The server
// column is what the federation sender fans out on.
type RoomMember struct {
	RoomID string `db:"room_id" json:"room_id"`
	UserID string `db:"user_id" json:"user_id"`
	Server string `db:"server" json:"server"`
}
