package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"tgterm/internal/bus"
	"tgterm/internal/event"
)

// stubSource yields queued updates, then blocks until closed.
type stubSource struct {
	ch chan RawUpdate
}

func newStubSource(upds ...RawUpdate) *stubSource {
	s := &stubSource{ch: make(chan RawUpdate, len(upds)+16)}
	for _, u := range upds {
		s.ch <- u
	}
	return s
}

func (s *stubSource) Next(ctx context.Context) (RawUpdate, error) {
	select {
	case <-ctx.Done():
		return RawUpdate{}, ctx.Err()
	case upd, ok := <-s.ch:
		if !ok {
			return RawUpdate{}, errors.New("source closed")
		}
		return upd, nil
	}
}

func startPump(t *testing.T, src UpdateSource, b *bus.Bus) *Pump {
	t.Helper()
	p := NewPump(src, NewMapper(nil, nil, nil), b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	p.Resume()
	return p
}

// TestPumpPreservesOrder checks the order-preservation law: emitted events
// equal the input order restricted to mappable updates.
func TestPumpPreservesOrder(t *testing.T) {
	src := newStubSource(
		RawUpdate{Kind: KindNewMessage, ChatID: 1, MessageID: 1, Date: 100},
		RawUpdate{Kind: "unsupported_thing", ChatID: 1},
		RawUpdate{Kind: KindNewMessage, ChatID: 1, MessageID: 2, Date: 101},
		RawUpdate{Kind: KindEditMessage, ChatID: 1, MessageID: 1, Text: "x", Date: 102},
		RawUpdate{Kind: KindNewMessage, ChatID: 1, MessageID: 3, Date: 103},
	)
	b := bus.New(16, nil)
	sub := b.Subscribe("test")
	defer sub.Close()

	startPump(t, src, b)

	wantKinds := []string{"message.received", "message.received", "message.edited", "message.received"}
	for i, want := range wantKinds {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		evt, err := sub.Next(ctx)
		cancel()
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if evt.Kind() != want {
			t.Errorf("event %d kind = %q, want %q", i, evt.Kind(), want)
		}
	}
}

func TestPumpStartsPaused(t *testing.T) {
	src := newStubSource(RawUpdate{Kind: KindNewMessage, ChatID: 1, MessageID: 1, Date: 100})
	b := bus.New(16, nil)
	sub := b.Subscribe("test")
	defer sub.Close()

	p := NewPump(src, NewMapper(nil, nil, nil), b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	if evt, ok := sub.TryNext(); ok {
		t.Fatalf("paused pump published %v", evt)
	}

	p.Resume()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if _, err := sub.Next(waitCtx); err != nil {
		t.Fatalf("no event after resume: %v", err)
	}
}

func TestPumpSignalsDesyncOnSequenceGap(t *testing.T) {
	src := newStubSource(
		RawUpdate{Kind: KindNewMessage, ChatID: 1, MessageID: 1, Seq: 1, Date: 100},
		RawUpdate{Kind: KindNewMessage, ChatID: 1, MessageID: 5, Seq: 5, Date: 101},
	)
	b := bus.New(16, nil)
	sub := b.Subscribe("test")
	defer sub.Close()

	desync := make(chan error, 1)
	p := NewPump(src, NewMapper(nil, nil, nil), b, nil)
	p.OnDesync = func(err error) { desync <- err }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	p.Resume()

	select {
	case err := <-desync:
		if err == nil {
			t.Error("nil desync error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sequence gap did not trigger desync signal")
	}
}

func TestPumpDropsStaleSequence(t *testing.T) {
	src := newStubSource(
		RawUpdate{Kind: KindNewMessage, ChatID: 1, MessageID: 2, Seq: 2, Date: 100},
		RawUpdate{Kind: KindNewMessage, ChatID: 1, MessageID: 1, Seq: 1, Date: 99},
		RawUpdate{Kind: KindNewMessage, ChatID: 1, MessageID: 3, Seq: 3, Date: 101},
	)
	b := bus.New(16, nil)
	sub := b.Subscribe("test")
	defer sub.Close()

	startPump(t, src, b)

	first := mustNext(t, sub).(event.MessageReceived)
	second := mustNext(t, sub).(event.MessageReceived)
	if first.MessageID != 2 || second.MessageID != 3 {
		t.Errorf("got ids %d, %d; want 2, 3 (stale seq dropped)", first.MessageID, second.MessageID)
	}
}

func TestPumpPausesOnSourceError(t *testing.T) {
	src := newStubSource(RawUpdate{Kind: KindNewMessage, ChatID: 1, MessageID: 1, Date: 100})
	b := bus.New(16, nil)
	sub := b.Subscribe("test")
	defer sub.Close()

	failed := make(chan error, 1)
	p := NewPump(src, NewMapper(nil, nil, nil), b, nil)
	p.OnSourceError = func(err error) { failed <- err }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	p.Resume()

	mustNext(t, sub)
	close(src.ch) // source dies

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("source error never reported")
	}
}

func mustNext(t *testing.T, sub *bus.Subscription) event.DomainEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	evt, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return evt
}
