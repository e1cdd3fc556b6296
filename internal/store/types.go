package store

import "tgterm/internal/event"

// Chat is the denormalized read-side projection of a chat.
type Chat struct {
	ChatID        event.ChatID
	Title         string
	LastMessageID *event.MessageID
	LastMessageAt int64 // unix millis, 0 when unknown
	UnreadCount   int
	LastSyncedAt  int64
}

// Message is a cached message. Timestamps are unix millis.
type Message struct {
	ChatID          event.ChatID
	MessageID       event.MessageID
	SenderID        *event.UserID
	Text            string
	Timestamp       int64
	TimestampSource string
	EditTimestamp   *int64
	Outgoing        bool
}

// Outbound request states as persisted.
const (
	OutboundPending   = "pending"
	OutboundInFlight  = "in_flight"
	OutboundSent      = "sent"
	OutboundFailed    = "failed"
	OutboundCancelled = "cancelled"
)

// OutboundRecord is the durable form of an outbound request. The send
// pipeline owns these records; the store never mutates one on its own.
type OutboundRecord struct {
	OutboundID      int64
	ChatID          event.ChatID
	Kind            string // send, reply, edit, delete
	TargetMessageID *event.MessageID
	Body            string
	State           string
	FailReason      string
	AttemptCount    int
	CreatedAt       int64
	UpdatedAt       int64
}
