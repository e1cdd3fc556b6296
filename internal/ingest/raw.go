// Package ingest translates raw protocol updates from the network layer
// into domain events and publishes them, in network order, on the bus.
package ingest

import "context"

// Raw update discriminants. The wire protocol below this layer produces
// many more kinds; anything not listed here is dropped with a log line.
const (
	KindNewMessage         = "new_message"
	KindNewChannelMessage  = "new_channel_message"
	KindEditMessage        = "edit_message"
	KindEditChannelMessage = "edit_channel_message"
	KindReadOutbox         = "read_outbox"
	KindUserTyping         = "user_typing"
)

// RawUpdate is a structured protocol update as handed up by the network
// layer. Opaque to this core beyond the discriminant and the payload
// fields needed for mapping. Zero-valued fields are absent.
type RawUpdate struct {
	Seq       int64  // protocol sequence number, 0 when the kind is unsequenced
	Kind      string // discriminant
	ChatID    int64
	MessageID int64
	SenderID  int64 // 0 when the server did not name a user sender
	Text      string
	Date      int64 // unix seconds from the server, 0 when not supplied
	EditDate  int64 // unix seconds, edits only
	MaxID     int64 // read receipts: highest read message id
	Out       bool  // update concerns a message this account sent
	Typing    bool
}

// UpdateSource yields raw updates in network order. Next blocks until an
// update is available or the source fails.
type UpdateSource interface {
	Next(ctx context.Context) (RawUpdate, error)
}

// Resolver fetches a fresh chat identity from the network on cache miss.
// Best-effort: failures are swallowed and the chat stays title-less until
// a later update names it.
type Resolver interface {
	ResolveChatTitle(ctx context.Context, chatID int64) (string, error)
}
