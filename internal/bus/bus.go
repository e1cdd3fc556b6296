// Package bus implements the in-process domain event bus: single logical
// producer, many subscribers, each with its own bounded ordered queue.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tgterm/internal/event"
)

// DefaultCapacity is the per-subscriber queue capacity when none is given.
const DefaultCapacity = 1024

// ErrClosed is returned by Subscription.Next after Close.
var ErrClosed = errors.New("subscription closed")

// Bus fans domain events out to subscribers. Publish never blocks: a
// subscriber that falls behind loses its oldest unread events, each loss
// marked in-queue by a synthetic StreamLag event.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string]*Subscription
	capacity int
	logger   *zap.Logger
}

// New creates a bus. capacity <= 0 selects DefaultCapacity.
func New(capacity int, logger *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:     make(map[string]*Subscription),
		capacity: capacity,
		logger:   logger,
	}
}

// Publish delivers evt to every current subscriber, in publish order.
func (b *Bus) Publish(evt event.DomainEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		sub.push(evt)
	}
}

// Subscribe registers a new subscriber. Only events published after this
// call are delivered; history comes from the cache store, not the bus.
func (b *Bus) Subscribe(name string) *Subscription {
	id := uuid.NewString()
	s := &Subscription{
		id:       id,
		context:  name,
		capacity: b.capacity,
		notify:   make(chan struct{}, 1),
		bus:      b,
	}
	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()
	return s
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is a single subscriber's view of the bus: a capped ordered
// queue of events. Lag markers inserted on overflow do not count against
// the capacity, so a reader always sees where its gap was.
type Subscription struct {
	id       string
	context  string
	capacity int
	bus      *Bus

	mu     sync.Mutex
	queue  []event.DomainEvent
	real   int // events in queue that are not lag markers
	closed bool
	notify chan struct{}
}

// Context returns the subscriber name passed to Subscribe.
func (s *Subscription) Context() string { return s.context }

// push appends evt, dropping the oldest unread event when the queue is at
// capacity. Consecutive drops with no intervening read coalesce into one
// StreamLag marker at the drop point.
func (s *Subscription) push(evt event.DomainEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.real >= s.capacity {
		if lag, ok := s.queue[0].(event.StreamLag); ok {
			// Marker already at the front: drop the oldest real event after it.
			lag.EventsDropped++
			s.queue[0] = lag
			s.queue = append(s.queue[:1], s.queue[2:]...)
		} else {
			s.queue[0] = event.StreamLag{
				SubscriberContext: s.context,
				EventsDropped:     1,
				Timestamp:         time.Now(),
			}
		}
		s.real--
		s.bus.logger.Debug("subscriber lagging, dropped oldest event",
			zap.String("subscriber", s.context))
	}
	s.queue = append(s.queue, evt)
	s.real++
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the next event in order, blocking until one is available,
// the context is cancelled, or the subscription is closed.
func (s *Subscription) Next(ctx context.Context) (event.DomainEvent, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			evt := s.queue[0]
			s.queue = s.queue[1:]
			if _, ok := evt.(event.StreamLag); !ok {
				s.real--
			}
			s.mu.Unlock()
			return evt, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

// TryNext returns the next event without blocking; ok is false when the
// queue is currently empty.
func (s *Subscription) TryNext() (event.DomainEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	evt := s.queue[0]
	s.queue = s.queue[1:]
	if _, ok := evt.(event.StreamLag); !ok {
		s.real--
	}
	return evt, true
}

// Close unsubscribes immediately and discards any unread events.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.real = 0
	s.mu.Unlock()
	s.bus.remove(s.id)
	close(s.notify)
}
