package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tgterm/internal/bus"
	"tgterm/internal/event"
	"tgterm/internal/store"
)

// Projector maintains the denormalized chats/messages read model from
// domain events. Every apply is idempotent: replayed events leave the
// cache unchanged, including unread counters.
type Projector struct {
	db      *store.DB
	bus     *bus.Bus
	logger  *zap.Logger
	keep    int // per-chat message cap; oldest evicted past it
	cancel  context.CancelFunc
	stopped chan struct{}
}

// DefaultMessageCap bounds the cached messages per chat.
const DefaultMessageCap = 500

func NewProjector(db *store.DB, b *bus.Bus, keep int, logger *zap.Logger) *Projector {
	if keep <= 0 {
		keep = DefaultMessageCap
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{
		db:     db,
		bus:    b,
		logger: logger,
		keep:   keep,
	}
}

// Start subscribes to the bus and applies events until Stop.
func (p *Projector) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	sub := p.bus.Subscribe("projector")
	p.stopped = make(chan struct{})

	go func() {
		defer close(p.stopped)
		defer sub.Close()
		for {
			evt, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if err := p.Apply(evt); err != nil {
				p.logger.Error("projection failed",
					zap.String("kind", evt.Kind()),
					zap.Error(err))
			}
		}
	}()
}

// Stop halts the projector and waits for the in-flight event to finish.
func (p *Projector) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.stopped
	}
}

// Apply folds one domain event into the cache.
func (p *Projector) Apply(evt event.DomainEvent) error {
	switch e := evt.(type) {
	case event.MessageReceived:
		return p.applyMessage(e)
	case event.MessageEdited:
		return p.applyEdit(e)
	case event.ReadReceipt:
		return p.applyRead(e)
	case event.StreamLag:
		p.logger.Warn("event stream lagged, cache may be stale",
			zap.Uint64("events_dropped", e.EventsDropped))
		return nil
	default:
		// Typing, connectivity and delivery statuses carry no cache state.
		return nil
	}
}

func (p *Projector) applyMessage(e event.MessageReceived) error {
	existing, err := p.db.GetMessage(e.ChatID, e.MessageID)
	if err != nil {
		return fmt.Errorf("lookup message: %w", err)
	}

	msg := &store.Message{
		ChatID:          e.ChatID,
		MessageID:       e.MessageID,
		SenderID:        e.SenderID,
		Timestamp:       e.Timestamp.UnixMilli(),
		TimestampSource: string(e.TimestampSource),
		Outgoing:        e.Outgoing,
	}
	if e.Text != nil {
		msg.Text = *e.Text
	}
	if err := p.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	// Chat activity moves only for genuinely new messages; a replayed
	// event must not inflate the unread counter.
	if existing == nil {
		incoming := !e.Outgoing
		if err := p.db.BumpChatActivity(e.ChatID, e.MessageID, msg.Timestamp, incoming); err != nil {
			return fmt.Errorf("bump chat activity: %w", err)
		}
		if evicted, err := p.db.PruneMessages(e.ChatID, p.keep); err != nil {
			p.logger.Warn("message prune failed",
				zap.Int64("chat_id", int64(e.ChatID)),
				zap.Error(err))
		} else if evicted > 0 {
			p.logger.Debug("evicted cached messages",
				zap.Int64("chat_id", int64(e.ChatID)),
				zap.Int64("count", evicted))
		}
	}
	return nil
}

func (p *Projector) applyEdit(e event.MessageEdited) error {
	text := ""
	if e.NewText != nil {
		text = *e.NewText
	}
	if err := p.db.ApplyEdit(e.ChatID, e.MessageID, text, e.Timestamp.UnixMilli(), string(e.TimestampSource)); err != nil {
		return fmt.Errorf("apply edit: %w", err)
	}
	return nil
}

// applyRead treats a receipt as a chat-level read watermark: clearing the
// whole counter is coarse but idempotent, and a replay cannot resurrect it.
func (p *Projector) applyRead(e event.ReadReceipt) error {
	if err := p.db.MarkChatRead(e.ChatID, e.Timestamp.UnixMilli()); err != nil {
		return fmt.Errorf("clear unread: %w", err)
	}
	return nil
}
