package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"tgterm/internal/bus"
)

// Pump drives the ingest adapter: it pulls raw updates from the source,
// translates them, and publishes the resulting events on the bus in the
// order the updates arrived.
type Pump struct {
	src    UpdateSource
	mapper *Mapper
	bus    *bus.Bus
	logger *zap.Logger

	// OnDesync is invoked when a sequence gap the adapter cannot locally
	// resolve is detected: the process-level fatal signal for protocol
	// desynchronization. Optional.
	OnDesync func(error)
	// OnSourceError is invoked when the update source fails; the
	// connection supervisor uses it to start reconnecting. Optional.
	OnSourceError func(error)

	mu      sync.Mutex
	paused  bool
	resume  chan struct{}
	lastSeq int64
}

// NewPump creates a pump. It starts paused; the connection supervisor
// resumes it once the transport is connected.
func NewPump(src UpdateSource, mapper *Mapper, b *bus.Bus, logger *zap.Logger) *Pump {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pump{
		src:    src,
		mapper: mapper,
		bus:    b,
		logger: logger,
		paused: true,
		resume: make(chan struct{}),
	}
}

// Run pulls updates until ctx is cancelled. It preserves network order:
// events are published in exactly the order their updates were received.
func (p *Pump) Run(ctx context.Context) {
	for {
		if err := p.waitResumed(ctx); err != nil {
			return
		}
		upd, err := p.src.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			p.logger.Warn("update source failed", zap.Error(err))
			p.Pause()
			if p.OnSourceError != nil {
				p.OnSourceError(err)
			}
			continue
		}
		if !p.checkSequence(upd) {
			continue
		}
		evt, ok := p.mapper.Translate(upd)
		if !ok {
			continue
		}
		p.bus.Publish(evt)
	}
}

// checkSequence tracks protocol sequence numbers. Stale or duplicate
// updates are dropped; a forward gap is escalated through OnDesync since
// the adapter has no way to locally recover the missed updates.
func (p *Pump) checkSequence(upd RawUpdate) bool {
	if upd.Seq == 0 {
		return true
	}
	p.mu.Lock()
	last := p.lastSeq
	if upd.Seq > last {
		p.lastSeq = upd.Seq
	}
	p.mu.Unlock()

	if last == 0 {
		return true
	}
	if upd.Seq <= last {
		p.logger.Warn("dropping stale update",
			zap.Int64("seq", upd.Seq), zap.Int64("last_seq", last))
		return false
	}
	if upd.Seq > last+1 {
		err := fmt.Errorf("update sequence gap: have %d, got %d", last, upd.Seq)
		p.logger.Error("protocol desynchronization", zap.Error(err))
		if p.OnDesync != nil {
			p.OnDesync(err)
		}
	}
	return true
}

// Pause stops translating until Resume. The in-progress source read, if
// any, still completes and is processed.
func (p *Pump) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		p.resume = make(chan struct{})
	}
}

// Resume restarts translation of fresh updates. Sequence tracking resets:
// after a reconnect the server numbering starts over.
func (p *Pump) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		p.lastSeq = 0
		close(p.resume)
	}
}

func (p *Pump) waitResumed(ctx context.Context) error {
	p.mu.Lock()
	paused := p.paused
	ch := p.resume
	p.mu.Unlock()
	if !paused {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}
