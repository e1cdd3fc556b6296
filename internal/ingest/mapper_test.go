package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tgterm/internal/event"
	"tgterm/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestTranslateNewMessage(t *testing.T) {
	m := NewMapper(nil, nil, nil)

	evt, ok := m.Translate(RawUpdate{
		Kind: KindNewMessage, ChatID: 42, MessageID: 7, SenderID: 9,
		Text: "hello", Date: 1700000000,
	})
	if !ok {
		t.Fatal("mappable update was dropped")
	}
	got, ok := evt.(event.MessageReceived)
	if !ok {
		t.Fatalf("got %T, want MessageReceived", evt)
	}
	if got.ChatID != 42 || got.MessageID != 7 {
		t.Errorf("ids = %d/%d", got.ChatID, got.MessageID)
	}
	if got.SenderID == nil || *got.SenderID != 9 {
		t.Errorf("sender = %v, want 9", got.SenderID)
	}
	if got.Text == nil || *got.Text != "hello" {
		t.Errorf("text = %v, want hello", got.Text)
	}
	if got.TimestampSource != event.SourceServer {
		t.Errorf("source = %q, want server", got.TimestampSource)
	}
	if got.Timestamp.Unix() != 1700000000 {
		t.Errorf("timestamp = %v", got.Timestamp)
	}
}

func TestTranslateAssignsReceiveTimeWhenServerDateMissing(t *testing.T) {
	m := NewMapper(nil, nil, nil)
	fixed := time.Unix(1234, 0)
	m.now = func() time.Time { return fixed }

	evt, ok := m.Translate(RawUpdate{Kind: KindUserTyping, ChatID: 1, SenderID: 2, Typing: true})
	if !ok {
		t.Fatal("typing update dropped")
	}
	got := evt.(event.TypingStatus)
	if got.TimestampSource != event.SourceReceive {
		t.Errorf("source = %q, want receive", got.TimestampSource)
	}
	if !got.Timestamp.Equal(fixed) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, fixed)
	}
}

func TestTranslateEditPrefersEditDate(t *testing.T) {
	m := NewMapper(nil, nil, nil)

	evt, ok := m.Translate(RawUpdate{
		Kind: KindEditMessage, ChatID: 1, MessageID: 2,
		Text: "fixed", Date: 100, EditDate: 200,
	})
	if !ok {
		t.Fatal("edit update dropped")
	}
	got := evt.(event.MessageEdited)
	if got.Timestamp.Unix() != 200 {
		t.Errorf("timestamp = %v, want edit date 200", got.Timestamp.Unix())
	}
	if got.NewText == nil || *got.NewText != "fixed" {
		t.Errorf("new text = %v", got.NewText)
	}
}

func TestTranslateReadReceipt(t *testing.T) {
	m := NewMapper(nil, nil, nil)

	evt, ok := m.Translate(RawUpdate{Kind: KindReadOutbox, ChatID: 5, MaxID: 30, Date: 1000})
	if !ok {
		t.Fatal("read receipt dropped")
	}
	got := evt.(event.ReadReceipt)
	if got.ChatID != 5 || got.MessageID != 30 {
		t.Errorf("receipt = %+v", got)
	}
	if got.ReaderID != nil {
		t.Errorf("reader = %v, want nil (server named no user)", got.ReaderID)
	}
}

func TestTranslateDropsUnknownKind(t *testing.T) {
	m := NewMapper(nil, nil, nil)

	if evt, ok := m.Translate(RawUpdate{Kind: "channel_pinned", ChatID: 1}); ok {
		t.Errorf("unknown kind mapped to %T", evt)
	}
}

func TestTranslateDropsMalformed(t *testing.T) {
	m := NewMapper(nil, nil, nil)

	malformed := []RawUpdate{
		{Kind: KindNewMessage},                // no ids at all
		{Kind: KindNewMessage, ChatID: 1},     // missing message id
		{Kind: KindReadOutbox, ChatID: 1},     // missing max id
		{Kind: KindUserTyping, ChatID: 1},     // missing user
		{Kind: KindEditMessage, MessageID: 2}, // missing chat
	}
	for _, upd := range malformed {
		if _, ok := m.Translate(upd); ok {
			t.Errorf("malformed update %+v was not dropped", upd)
		}
	}
}

type stubResolver struct {
	title string
	calls chan int64
}

func (r *stubResolver) ResolveChatTitle(_ context.Context, chatID int64) (string, error) {
	r.calls <- chatID
	return r.title, nil
}

func TestEnrichmentResolvesUnknownChat(t *testing.T) {
	db := testDB(t)
	resolver := &stubResolver{title: "Work Chat", calls: make(chan int64, 1)}
	m := NewMapper(db, resolver, nil)

	if _, ok := m.Translate(RawUpdate{Kind: KindNewMessage, ChatID: 42, MessageID: 1, Date: 100}); !ok {
		t.Fatal("update dropped")
	}

	select {
	case chatID := <-resolver.calls:
		if chatID != 42 {
			t.Errorf("resolved chat %d, want 42", chatID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("resolver was never called for unknown chat")
	}

	// The title lands in the cache shortly after.
	deadline := time.Now().Add(2 * time.Second)
	for {
		chat, err := db.GetChat(42)
		if err != nil {
			t.Fatal(err)
		}
		if chat != nil && chat.Title == "Work Chat" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("resolved title never cached")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEnrichmentSkipsKnownChat(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertChat(&store.Chat{ChatID: 42, Title: "Known"}); err != nil {
		t.Fatal(err)
	}
	resolver := &stubResolver{title: "Other", calls: make(chan int64, 1)}
	m := NewMapper(db, resolver, nil)

	if _, ok := m.Translate(RawUpdate{Kind: KindNewMessage, ChatID: 42, MessageID: 1, Date: 100}); !ok {
		t.Fatal("update dropped")
	}
	select {
	case <-resolver.calls:
		t.Error("resolver called for a chat already titled in cache")
	case <-time.After(100 * time.Millisecond):
	}
}
