package ingest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tgterm/internal/event"
	"tgterm/internal/store"
)

// Mapper converts raw protocol updates into domain events. Translation is a
// pure mapping plus best-effort enrichment lookups against the cache store;
// enrichment never blocks or fails a translation.
type Mapper struct {
	db       *store.DB
	resolver Resolver
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	resolving map[event.ChatID]struct{}
}

// NewMapper creates a mapper. resolver may be nil.
func NewMapper(db *store.DB, resolver Resolver, logger *zap.Logger) *Mapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mapper{
		db:        db,
		resolver:  resolver,
		logger:    logger,
		now:       time.Now,
		resolving: make(map[event.ChatID]struct{}),
	}
}

// Translate maps a raw update to zero or one domain event. Unmapped or
// malformed updates are dropped with a structured reason; dropping never
// surfaces an error to the caller.
func (m *Mapper) Translate(upd RawUpdate) (event.DomainEvent, bool) {
	switch upd.Kind {
	case KindNewMessage, KindNewChannelMessage:
		return m.mapMessage(upd)
	case KindEditMessage, KindEditChannelMessage:
		return m.mapEdit(upd)
	case KindReadOutbox:
		return m.mapReadReceipt(upd)
	case KindUserTyping:
		return m.mapTyping(upd)
	default:
		m.logger.Warn("dropping unsupported update",
			zap.String("kind", upd.Kind),
			zap.Int64("chat_id", upd.ChatID))
		return nil, false
	}
}

func (m *Mapper) mapMessage(upd RawUpdate) (event.DomainEvent, bool) {
	if upd.ChatID == 0 || upd.MessageID == 0 {
		m.logger.Warn("dropping malformed message update",
			zap.String("kind", upd.Kind),
			zap.Int64("chat_id", upd.ChatID),
			zap.Int64("message_id", upd.MessageID))
		return nil, false
	}
	ts, source := m.timestamp(upd.Date)
	evt := event.MessageReceived{
		ChatID:          event.ChatID(upd.ChatID),
		MessageID:       event.MessageID(upd.MessageID),
		SenderID:        optionalUser(upd.SenderID),
		Timestamp:       ts,
		TimestampSource: source,
		Text:            optionalText(upd.Text),
		Outgoing:        upd.Out,
	}
	m.enrichChat(evt.ChatID)
	return evt, true
}

func (m *Mapper) mapEdit(upd RawUpdate) (event.DomainEvent, bool) {
	if upd.ChatID == 0 || upd.MessageID == 0 {
		m.logger.Warn("dropping malformed edit update",
			zap.String("kind", upd.Kind),
			zap.Int64("chat_id", upd.ChatID),
			zap.Int64("message_id", upd.MessageID))
		return nil, false
	}
	// The edit date is authoritative when present; fall back to the
	// message date, then to receive time.
	date := upd.EditDate
	if date == 0 {
		date = upd.Date
	}
	ts, source := m.timestamp(date)
	return event.MessageEdited{
		ChatID:          event.ChatID(upd.ChatID),
		MessageID:       event.MessageID(upd.MessageID),
		EditorID:        optionalUser(upd.SenderID),
		Timestamp:       ts,
		TimestampSource: source,
		NewText:         optionalText(upd.Text),
	}, true
}

func (m *Mapper) mapReadReceipt(upd RawUpdate) (event.DomainEvent, bool) {
	if upd.ChatID == 0 || upd.MaxID == 0 {
		m.logger.Warn("dropping malformed read receipt",
			zap.Int64("chat_id", upd.ChatID),
			zap.Int64("max_id", upd.MaxID))
		return nil, false
	}
	ts, source := m.timestamp(upd.Date)
	return event.ReadReceipt{
		ChatID:          event.ChatID(upd.ChatID),
		MessageID:       event.MessageID(upd.MaxID),
		ReaderID:        optionalUser(upd.SenderID),
		Timestamp:       ts,
		TimestampSource: source,
	}, true
}

func (m *Mapper) mapTyping(upd RawUpdate) (event.DomainEvent, bool) {
	if upd.ChatID == 0 || upd.SenderID == 0 {
		m.logger.Warn("dropping malformed typing update",
			zap.Int64("chat_id", upd.ChatID),
			zap.Int64("user_id", upd.SenderID))
		return nil, false
	}
	ts, source := m.timestamp(upd.Date)
	return event.TypingStatus{
		ChatID:          event.ChatID(upd.ChatID),
		UserID:          event.UserID(upd.SenderID),
		IsTyping:        upd.Typing,
		Timestamp:       ts,
		TimestampSource: source,
	}, true
}

func (m *Mapper) timestamp(unixSec int64) (time.Time, event.TimestampSource) {
	if unixSec > 0 {
		return time.Unix(unixSec, 0), event.SourceServer
	}
	return m.now(), event.SourceReceive
}

// enrichChat asynchronously resolves a display title for chats not yet in
// the cache. At most one resolution per chat runs at a time.
func (m *Mapper) enrichChat(chatID event.ChatID) {
	if m.resolver == nil || m.db == nil {
		return
	}
	chat, err := m.db.GetChat(chatID)
	if err != nil || (chat != nil && chat.Title != "") {
		return
	}
	m.mu.Lock()
	if _, busy := m.resolving[chatID]; busy {
		m.mu.Unlock()
		return
	}
	m.resolving[chatID] = struct{}{}
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.resolving, chatID)
			m.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		title, err := m.resolver.ResolveChatTitle(ctx, int64(chatID))
		if err != nil || title == "" {
			m.logger.Debug("chat title resolution failed",
				zap.Int64("chat_id", int64(chatID)), zap.Error(err))
			return
		}
		if err := m.db.UpsertChat(&store.Chat{ChatID: chatID, Title: title}); err != nil {
			m.logger.Warn("failed to cache resolved title",
				zap.Int64("chat_id", int64(chatID)), zap.Error(err))
		}
	}()
}

func optionalUser(id int64) *event.UserID {
	if id == 0 {
		return nil
	}
	uid := event.UserID(id)
	return &uid
}

func optionalText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
