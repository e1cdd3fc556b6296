package bus

import (
	"context"
	"testing"
	"time"

	"tgterm/internal/event"
)

func recvOne(t *testing.T, sub *Subscription) event.DomainEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evt, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return evt
}

func msgEvent(id int64) event.MessageReceived {
	return event.MessageReceived{
		ChatID:          42,
		MessageID:       event.MessageID(id),
		Timestamp:       time.Now(),
		TimestampSource: event.SourceServer,
	}
}

func TestPublishSubscribeOrder(t *testing.T) {
	b := New(16, nil)
	sub := b.Subscribe("test")
	defer sub.Close()

	for i := int64(1); i <= 5; i++ {
		b.Publish(msgEvent(i))
	}
	for i := int64(1); i <= 5; i++ {
		evt := recvOne(t, sub)
		m, ok := evt.(event.MessageReceived)
		if !ok {
			t.Fatalf("got %T, want MessageReceived", evt)
		}
		if m.MessageID != event.MessageID(i) {
			t.Errorf("message %d out of order: got id %d", i, m.MessageID)
		}
	}
}

func TestNoHistoricalReplay(t *testing.T) {
	b := New(16, nil)
	b.Publish(msgEvent(1))

	sub := b.Subscribe("late")
	defer sub.Close()

	if evt, ok := sub.TryNext(); ok {
		t.Errorf("late subscriber received pre-subscribe event: %v", evt)
	}
}

func TestUnsubscribeIsImmediate(t *testing.T) {
	b := New(16, nil)
	sub := b.Subscribe("test")
	sub.Close()

	b.Publish(msgEvent(1))

	if _, err := sub.Next(context.Background()); err != ErrClosed {
		t.Errorf("Next after Close: err = %v, want ErrClosed", err)
	}
}

// TestLagSignal feeds capacity+1 events to an unread subscriber and checks
// that exactly one StreamLag{EventsDropped:1} appears at the drop point,
// followed by every subsequent event in order.
func TestLagSignal(t *testing.T) {
	const capacity = 1024
	b := New(capacity, nil)
	sub := b.Subscribe("slow")
	defer sub.Close()

	for i := int64(1); i <= capacity+1; i++ {
		b.Publish(msgEvent(i))
	}

	first := recvOne(t, sub)
	lag, ok := first.(event.StreamLag)
	if !ok {
		t.Fatalf("first event = %T, want StreamLag", first)
	}
	if lag.EventsDropped != 1 {
		t.Errorf("EventsDropped = %d, want 1", lag.EventsDropped)
	}
	if lag.SubscriberContext != "slow" {
		t.Errorf("SubscriberContext = %q, want slow", lag.SubscriberContext)
	}

	// Event 1 was dropped; 2..capacity+1 must follow in order.
	for i := int64(2); i <= capacity+1; i++ {
		evt := recvOne(t, sub)
		m, ok := evt.(event.MessageReceived)
		if !ok {
			t.Fatalf("got %T, want MessageReceived", evt)
		}
		if m.MessageID != event.MessageID(i) {
			t.Fatalf("after lag: got id %d, want %d", m.MessageID, i)
		}
	}
	if evt, ok := sub.TryNext(); ok {
		t.Errorf("unexpected trailing event: %v", evt)
	}
}

func TestLagCoalesces(t *testing.T) {
	b := New(2, nil)
	sub := b.Subscribe("slow")
	defer sub.Close()

	// Capacity 2: events 1 and 2 fill the queue, 3..5 each drop one.
	for i := int64(1); i <= 5; i++ {
		b.Publish(msgEvent(i))
	}

	first := recvOne(t, sub)
	lag, ok := first.(event.StreamLag)
	if !ok {
		t.Fatalf("first event = %T, want StreamLag", first)
	}
	if lag.EventsDropped != 3 {
		t.Errorf("EventsDropped = %d, want 3 (coalesced)", lag.EventsDropped)
	}
	for i := int64(4); i <= 5; i++ {
		m := recvOne(t, sub).(event.MessageReceived)
		if m.MessageID != event.MessageID(i) {
			t.Errorf("got id %d, want %d", m.MessageID, i)
		}
	}
}

func TestSubscribersAreIndependent(t *testing.T) {
	b := New(2, nil)
	fast := b.Subscribe("fast")
	defer fast.Close()
	slow := b.Subscribe("slow")
	defer slow.Close()

	b.Publish(msgEvent(1))
	if m := recvOne(t, fast).(event.MessageReceived); m.MessageID != 1 {
		t.Fatalf("fast got id %d, want 1", m.MessageID)
	}
	b.Publish(msgEvent(2))
	b.Publish(msgEvent(3))

	// slow overflowed (cap 2, three unread); fast did not.
	if m := recvOne(t, fast).(event.MessageReceived); m.MessageID != 2 {
		t.Errorf("fast got id %d, want 2", m.MessageID)
	}
	if _, ok := recvOne(t, slow).(event.StreamLag); !ok {
		t.Error("slow subscriber missing StreamLag after overflow")
	}
}

func TestPublishDoesNotBlock(t *testing.T) {
	b := New(1, nil)
	sub := b.Subscribe("stuck")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := int64(0); i < 10_000; i++ {
			b.Publish(msgEvent(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a stuck subscriber")
	}
}
