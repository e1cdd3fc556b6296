// Package event defines the protocol-independent domain events that flow
// between the ingest adapter, the send pipeline and their consumers.
package event

import "time"

// ChatID identifies a chat. Opaque; never interchangeable with other ids.
type ChatID int64

// MessageID identifies a message within a chat.
type MessageID int64

// UserID identifies a user.
type UserID int64

// TimestampSource records where an event timestamp came from.
type TimestampSource string

const (
	// SourceServer means the timestamp was supplied by the network.
	SourceServer TimestampSource = "server"
	// SourceReceive means the timestamp was assigned at local receipt time.
	SourceReceive TimestampSource = "receive"
)

// ConnState is the connectivity state reported by the connection supervisor.
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateConnected    ConnState = "CONNECTED"
	StateReconnecting ConnState = "RECONNECTING"
)

// DeliveryOutcome describes the fate of an outbound request.
type DeliveryOutcome string

const (
	DeliveryQueued DeliveryOutcome = "queued"
	DeliverySent   DeliveryOutcome = "sent"
	DeliveryFailed DeliveryOutcome = "failed"
)

// DomainEvent is a normalized fact about chat activity. Every variant
// carries enough identity for a consumer to re-apply it idempotently.
type DomainEvent interface {
	Kind() string
	When() time.Time
}

// MessageReceived reports a new message in a chat.
type MessageReceived struct {
	ChatID          ChatID
	MessageID       MessageID
	SenderID        *UserID
	Timestamp       time.Time
	TimestampSource TimestampSource
	Text            *string
	Outgoing        bool
}

func (MessageReceived) Kind() string      { return "message.received" }
func (e MessageReceived) When() time.Time { return e.Timestamp }

// MessageEdited reports an edit to an existing message.
type MessageEdited struct {
	ChatID          ChatID
	MessageID       MessageID
	EditorID        *UserID
	Timestamp       time.Time
	TimestampSource TimestampSource
	NewText         *string
}

func (MessageEdited) Kind() string      { return "message.edited" }
func (e MessageEdited) When() time.Time { return e.Timestamp }

// ReadReceipt reports that a peer has read messages up to MessageID.
type ReadReceipt struct {
	ChatID          ChatID
	MessageID       MessageID
	ReaderID        *UserID
	Timestamp       time.Time
	TimestampSource TimestampSource
}

func (ReadReceipt) Kind() string      { return "message.read" }
func (e ReadReceipt) When() time.Time { return e.Timestamp }

// TypingStatus reports a user starting or stopping typing in a chat.
type TypingStatus struct {
	ChatID          ChatID
	UserID          UserID
	IsTyping        bool
	Timestamp       time.Time
	TimestampSource TimestampSource
}

func (TypingStatus) Kind() string      { return "chat.typing" }
func (e TypingStatus) When() time.Time { return e.Timestamp }

// ConnectionState reports a connectivity transition.
type ConnectionState struct {
	State     ConnState
	Timestamp time.Time
}

func (ConnectionState) Kind() string      { return "conn.state" }
func (e ConnectionState) When() time.Time { return e.Timestamp }

// DeliveryStatus reports the outcome of an outbound request.
type DeliveryStatus struct {
	OutboundID int64
	ChatID     ChatID
	Outcome    DeliveryOutcome
	Reason     string
	Timestamp  time.Time
}

func (DeliveryStatus) Kind() string      { return "delivery.status" }
func (e DeliveryStatus) When() time.Time { return e.Timestamp }

// StreamLag is synthesized by the event bus when a subscriber falls behind
// and events had to be dropped. It is inserted at the point of loss.
type StreamLag struct {
	SubscriberContext string
	EventsDropped     uint64
	Timestamp         time.Time
}

func (StreamLag) Kind() string      { return "bus.lag" }
func (e StreamLag) When() time.Time { return e.Timestamp }
