// Package outbound implements the durable send pipeline: per-chat ordered
// queues, token-bucket rate limits, retry with backoff, and write-ahead
// persistence of every user action.
package outbound

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"tgterm/internal/event"
	"tgterm/internal/store"
)

// ActionKind discriminates user-issued actions.
type ActionKind string

const (
	ActionSend   ActionKind = "send"
	ActionReply  ActionKind = "reply"
	ActionEdit   ActionKind = "edit"
	ActionDelete ActionKind = "delete"
)

// Action is a user-issued chat action awaiting delivery.
type Action struct {
	Kind            ActionKind
	Text            string
	TargetMessageID event.MessageID // reply target, or the message to edit/delete
}

// Send builds a plain text send action.
func Send(text string) Action { return Action{Kind: ActionSend, Text: text} }

// Reply builds a reply to an existing message.
func Reply(target event.MessageID, text string) Action {
	return Action{Kind: ActionReply, Text: text, TargetMessageID: target}
}

// Edit builds an edit of an existing message.
func Edit(target event.MessageID, text string) Action {
	return Action{Kind: ActionEdit, Text: text, TargetMessageID: target}
}

// Delete builds a deletion of an existing message.
func Delete(target event.MessageID) Action {
	return Action{Kind: ActionDelete, TargetMessageID: target}
}

// State is the lifecycle state of an outbound request.
type State string

const (
	StatePending   State = store.OutboundPending
	StateInFlight  State = store.OutboundInFlight
	StateSent      State = store.OutboundSent
	StateFailed    State = store.OutboundFailed
	StateCancelled State = store.OutboundCancelled
)

// Request is a durable record of a user action. The pipeline exclusively
// owns a request once created; the store is only its backing representation.
type Request struct {
	OutboundID int64
	ChatID     event.ChatID
	Action     Action
	// LocalMessageID is the provisional id a pending send is known by
	// until the network assigns the real one. Edits and deletes that
	// target it are reconciled against the pending send in place.
	LocalMessageID event.MessageID
	CreatedAt      time.Time

	mu         sync.Mutex
	state      State
	attempts   int
	failReason string
	retry      backoff.BackOff
	// pendingEdit holds replacement text from an edit that arrived while an
	// attempt was dispatched. A retry carries it directly; an acknowledged
	// attempt turns it into a follow-up edit of the real message id.
	pendingEdit *string
}

// State returns the current lifecycle state.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempts returns how many network attempts have been made.
func (r *Request) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// FailReason returns the terminal failure reason, if any.
func (r *Request) FailReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failReason
}

// OutcomeStatus classifies the result of a single network attempt.
type OutcomeStatus string

const (
	// Acknowledged: the server accepted the action.
	Acknowledged OutcomeStatus = "acknowledged"
	// RateLimited: the server ordered a wait before the next attempt.
	RateLimited OutcomeStatus = "rate_limited"
	// TransientFailure: worth retrying (timeout, unreachable, 5xx).
	TransientFailure OutcomeStatus = "transient_failure"
	// PermanentFailure: not retryable (rejected content, permissions).
	PermanentFailure OutcomeStatus = "permanent_failure"
)

// Outcome is the typed result of Transport.Attempt.
type Outcome struct {
	Status     OutcomeStatus
	MessageID  event.MessageID // Acknowledged sends: server-assigned id
	RetryAfter time.Duration   // RateLimited: server-suggested wait
	Reason     string          // failures: human-readable cause
}

// Transport is the network-attempt capability supplied by the lower layer.
type Transport interface {
	Attempt(ctx context.Context, req *Request) Outcome
}

// Config tunes the pipeline.
type Config struct {
	MaxAttempts       int           // retry ceiling for transient failures
	AttemptTimeout    time.Duration // per network attempt
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	GlobalRate        rate.Limit // actions per second across all chats
	GlobalBurst       int
	ChatRate          rate.Limit // actions per second per chat
	ChatBurst         int
	TerminalRetention time.Duration // how long Sent/Failed/Cancelled rows linger
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		AttemptTimeout:    30 * time.Second,
		RetryBaseDelay:    500 * time.Millisecond,
		RetryMaxDelay:     30 * time.Second,
		GlobalRate:        rate.Limit(25),
		GlobalBurst:       25,
		ChatRate:          rate.Limit(1),
		ChatBurst:         3,
		TerminalRetention: 10 * time.Minute,
	}
}

// ErrNotStarted is returned by Submit before Start.
var ErrNotStarted = errors.New("outbound pipeline not started")

// ErrUnknownRequest is returned by Cancel for ids not in the pending set.
var ErrUnknownRequest = errors.New("unknown outbound request")

// ErrInFlight is returned by Cancel when the attempt is already dispatched;
// the network outcome is authoritative and the cancellation is ignored.
var ErrInFlight = errors.New("request already in flight")

// ErrEmptyText is returned for send/reply/edit actions with no text.
var ErrEmptyText = errors.New("action text is empty")

func newRetry(cfg Config) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryBaseDelay
	b.MaxInterval = cfg.RetryMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
