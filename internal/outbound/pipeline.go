package outbound

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tgterm/internal/bus"
	"tgterm/internal/event"
	"tgterm/internal/store"
)

// Pipeline accepts user actions, persists them before any network attempt,
// and delivers them with per-chat ordering, rate limits and retry/backoff.
// Chats proceed independently; within one chat, attempts follow submission
// order.
type Pipeline struct {
	db        *store.DB
	bus       *bus.Bus
	transport Transport
	cfg       Config
	logger    *zap.Logger
	global    *rate.Limiter

	mu       sync.Mutex
	queues   map[event.ChatID]*chatQueue
	requests map[int64]*Request // non-terminal requests by outbound id
	online   bool
	started  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// chatQueue serializes one chat's pending requests. All fields are guarded
// by the pipeline mutex.
type chatQueue struct {
	chatID         event.ChatID
	limiter        *rate.Limiter
	items          []*Request // FIFO; head is next to attempt
	suspendedUntil time.Time  // server-ordered or backoff wait
	notify         chan struct{}
	running        bool
}

// New creates a pipeline. It starts offline; the connection supervisor
// resumes it once the transport is connected.
func New(db *store.DB, transport Transport, b *bus.Bus, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		db:        db,
		bus:       b,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		global:    rate.NewLimiter(cfg.GlobalRate, cfg.GlobalBurst),
		queues:    make(map[event.ChatID]*chatQueue),
		requests:  make(map[int64]*Request),
	}
}

// Start reloads every non-terminal request from the store and prepares the
// per-chat queues. Nothing is attempted until Resume. Interrupted InFlight
// requests are demoted to Pending: the pipeline never assumes an attempt it
// cannot confirm succeeded.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	recs, err := p.db.LoadPendingOutbound()
	if err != nil {
		return fmt.Errorf("reload outbound queue: %w", err)
	}
	for i := range recs {
		rec := &recs[i]
		if rec.State == store.OutboundInFlight {
			if err := p.db.UpdateOutboundState(rec.OutboundID, store.OutboundPending, rec.AttemptCount, ""); err != nil {
				return fmt.Errorf("demote in-flight request %d: %w", rec.OutboundID, err)
			}
		}
		req := p.restore(rec)
		p.enqueueLocked(req)
	}
	if len(recs) > 0 {
		p.logger.Info("resumed persisted outbound requests", zap.Int("count", len(recs)))
	}

	p.started = true
	p.wg.Add(1)
	go p.janitor()
	return nil
}

// Stop halts all workers. Pending requests stay durable for the next start.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Submit records a user action and returns immediately after the durable
// write; it never blocks on the network. A persistence failure fails the
// submission outright: the pipeline does not accept actions it cannot make
// durable.
func (p *Pipeline) Submit(chatID event.ChatID, action Action) (*Request, error) {
	if err := validate(action); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil, ErrNotStarted
	}

	// An edit or delete aimed at a message this pipeline has not sent yet
	// is folded into the still-pending send instead of being queued
	// against a message id the server has never seen.
	if action.Kind == ActionEdit || action.Kind == ActionDelete {
		if req, done, err := p.reconcileLocked(chatID, action); done {
			return req, err
		}
	}

	rec := &store.OutboundRecord{
		ChatID: chatID,
		Kind:   string(action.Kind),
		Body:   action.Text,
	}
	if action.Kind != ActionSend {
		target := action.TargetMessageID
		rec.TargetMessageID = &target
	}
	id, err := p.db.AppendOutbound(rec)
	if err != nil {
		return nil, fmt.Errorf("persist outbound action: %w", err)
	}

	req := &Request{
		OutboundID:     id,
		ChatID:         chatID,
		Action:         action,
		LocalMessageID: event.MessageID(id),
		CreatedAt:      time.UnixMilli(rec.CreatedAt),
		state:          StatePending,
		retry:          newRetry(p.cfg),
	}
	p.enqueueLocked(req)
	p.logger.Info("outbound action queued",
		zap.Int64("outbound_id", id),
		zap.Int64("chat_id", int64(chatID)),
		zap.String("kind", string(action.Kind)))
	p.publishStatus(req, event.DeliveryQueued, "")
	return req, nil
}

// Cancel withdraws a Pending request. Cancelling an InFlight request is
// advisory only: the dispatched attempt's outcome stays authoritative.
func (p *Pipeline) Cancel(outboundID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.requests[outboundID]
	if !ok {
		return ErrUnknownRequest
	}
	req.mu.Lock()
	state := req.state
	req.mu.Unlock()
	if state == StateInFlight {
		p.logger.Info("cancellation ignored, request already dispatched",
			zap.Int64("outbound_id", outboundID))
		return ErrInFlight
	}
	p.removeLocked(req)
	p.setTerminal(req, StateCancelled, "")
	p.logger.Info("outbound request cancelled", zap.Int64("outbound_id", outboundID))
	return nil
}

// Resume lets the workers attempt deliveries again. Queues are woken oldest
// pending action first across chats, so chats that waited longest through an
// outage are served first.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	p.online = true
	queues := make([]*chatQueue, 0, len(p.queues))
	for _, q := range p.queues {
		if len(q.items) > 0 {
			queues = append(queues, q)
		}
	}
	sort.Slice(queues, func(i, j int) bool {
		return queues[i].items[0].CreatedAt.Before(queues[j].items[0].CreatedAt)
	})
	p.mu.Unlock()

	for _, q := range queues {
		ping(q.notify)
	}
	p.logger.Info("outbound pipeline resumed", zap.Int("active_chats", len(queues)))
}

// Pause stops new attempts. Submissions are still accepted and persisted.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	p.online = false
	p.mu.Unlock()
	p.logger.Info("outbound pipeline paused")
}

func validate(action Action) error {
	switch action.Kind {
	case ActionSend:
		if action.Text == "" {
			return ErrEmptyText
		}
	case ActionReply, ActionEdit:
		if action.Text == "" {
			return ErrEmptyText
		}
		if action.TargetMessageID == 0 {
			return fmt.Errorf("%s action missing target message", action.Kind)
		}
	case ActionDelete:
		if action.TargetMessageID == 0 {
			return fmt.Errorf("delete action missing target message")
		}
	default:
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}
	return nil
}

// reconcileLocked folds an edit/delete whose target is a still-pending send
// into that send. Returns done=true when the action was absorbed.
func (p *Pipeline) reconcileLocked(chatID event.ChatID, action Action) (*Request, bool, error) {
	q := p.queues[chatID]
	if q == nil {
		return nil, false, nil
	}
	for _, pending := range q.items {
		kind := pending.Action.Kind
		if kind != ActionSend && kind != ActionReply {
			continue
		}
		if pending.LocalMessageID != action.TargetMessageID {
			continue
		}
		pending.mu.Lock()
		inFlight := pending.state == StateInFlight
		pending.mu.Unlock()
		if inFlight {
			if action.Kind == ActionEdit {
				// The dispatched attempt carries the old text. Record the
				// rewrite on the request: a retry picks it up directly, an
				// acknowledgement replays it against the real message id.
				if err := p.db.RewriteOutboundBody(pending.OutboundID, action.Text); err != nil {
					return nil, true, fmt.Errorf("rewrite dispatched send: %w", err)
				}
				text := action.Text
				pending.mu.Lock()
				pending.pendingEdit = &text
				pending.mu.Unlock()
				p.logger.Info("edit folded into dispatched send",
					zap.Int64("outbound_id", pending.OutboundID),
					zap.Int64("chat_id", int64(chatID)))
				return pending, true, nil
			}
			// A delete queues behind the dispatched send; handleAck remaps
			// its target to the real id once the server assigns one.
			return nil, false, nil
		}
		if action.Kind == ActionEdit {
			if err := p.db.RewriteOutboundBody(pending.OutboundID, action.Text); err != nil {
				return nil, true, fmt.Errorf("rewrite pending send: %w", err)
			}
			pending.Action.Text = action.Text
			p.logger.Info("edit folded into pending send",
				zap.Int64("outbound_id", pending.OutboundID),
				zap.Int64("chat_id", int64(chatID)))
			return pending, true, nil
		}
		// Delete of an unsent message withdraws the pending send.
		p.removeLocked(pending)
		p.setTerminal(pending, StateCancelled, "")
		p.logger.Info("delete withdrew pending send",
			zap.Int64("outbound_id", pending.OutboundID),
			zap.Int64("chat_id", int64(chatID)))
		return pending, true, nil
	}
	return nil, false, nil
}

func (p *Pipeline) restore(rec *store.OutboundRecord) *Request {
	action := Action{Kind: ActionKind(rec.Kind), Text: rec.Body}
	if rec.TargetMessageID != nil {
		action.TargetMessageID = *rec.TargetMessageID
	}
	return &Request{
		OutboundID:     rec.OutboundID,
		ChatID:         rec.ChatID,
		Action:         action,
		LocalMessageID: event.MessageID(rec.OutboundID),
		CreatedAt:      time.UnixMilli(rec.CreatedAt),
		state:          StatePending,
		attempts:       rec.AttemptCount,
		retry:          newRetry(p.cfg),
	}
}

func (p *Pipeline) enqueueLocked(req *Request) {
	q := p.queues[req.ChatID]
	if q == nil {
		q = &chatQueue{
			chatID:  req.ChatID,
			limiter: rate.NewLimiter(p.cfg.ChatRate, p.cfg.ChatBurst),
			notify:  make(chan struct{}, 1),
		}
		p.queues[req.ChatID] = q
	}
	q.items = append(q.items, req)
	p.requests[req.OutboundID] = req
	if !q.running {
		q.running = true
		p.wg.Add(1)
		go p.runChat(q)
	}
	ping(q.notify)
}

func (p *Pipeline) removeLocked(req *Request) {
	delete(p.requests, req.OutboundID)
	q := p.queues[req.ChatID]
	if q == nil {
		return
	}
	for i, item := range q.items {
		if item == req {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	ping(q.notify)
}

func ping(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
