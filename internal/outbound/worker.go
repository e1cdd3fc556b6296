package outbound

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tgterm/internal/event"
	"tgterm/internal/store"
)

// retriesExhausted is the distinct terminal reason for hitting the retry
// ceiling, so consumers can tell systemic trouble from content rejection.
const retriesExhausted = "retries exhausted"

// runChat is the per-chat worker: it attempts the queue head whenever the
// pipeline is online, the chat is not suspended, and the limiters allow it.
func (p *Pipeline) runChat(q *chatQueue) {
	defer p.wg.Done()
	for {
		req, wait := p.nextReady(q)
		if p.ctx.Err() != nil {
			return
		}
		if req != nil {
			p.attempt(q, req)
			continue
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-p.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			case <-q.notify:
				timer.Stop()
			}
			continue
		}
		select {
		case <-p.ctx.Done():
			return
		case <-q.notify:
		}
	}
}

// nextReady returns the request to attempt now, or the wait until the
// chat's suspension lifts. Both zero means block until notified.
func (p *Pipeline) nextReady(q *chatQueue) (*Request, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.online || len(q.items) == 0 {
		return nil, 0
	}
	now := time.Now()
	if q.suspendedUntil.After(now) {
		return nil, q.suspendedUntil.Sub(now)
	}
	return q.items[0], 0
}

func (p *Pipeline) attempt(q *chatQueue, req *Request) {
	// Local limiters defer the attempt, they never fail it. The global
	// bucket is shared across chats; each chat also has its own.
	if err := p.global.Wait(p.ctx); err != nil {
		return
	}
	if err := q.limiter.Wait(p.ctx); err != nil {
		return
	}

	p.mu.Lock()
	// Re-check under the lock: the request may have been cancelled or the
	// pipeline paused while we waited on the limiters.
	if !p.online || len(q.items) == 0 || q.items[0] != req || q.suspendedUntil.After(time.Now()) {
		p.mu.Unlock()
		return
	}
	req.mu.Lock()
	req.state = StateInFlight
	req.attempts++
	attempts := req.attempts
	req.mu.Unlock()
	p.mu.Unlock()

	if err := p.db.UpdateOutboundState(req.OutboundID, store.OutboundInFlight, attempts, ""); err != nil {
		p.logger.Error("failed to mark request in flight",
			zap.Int64("outbound_id", req.OutboundID), zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.AttemptTimeout)
	outcome := p.transport.Attempt(ctx, req)
	cancel()

	switch outcome.Status {
	case Acknowledged:
		p.handleAck(q, req, outcome)
	case RateLimited:
		p.requeue(q, req, outcome.RetryAfter, "server rate limit")
	case TransientFailure:
		if attempts >= p.cfg.MaxAttempts {
			p.fail(q, req, retriesExhausted)
			return
		}
		req.mu.Lock()
		delay := req.retry.NextBackOff()
		req.mu.Unlock()
		p.requeue(q, req, delay, outcome.Reason)
	case PermanentFailure:
		p.fail(q, req, outcome.Reason)
	default:
		p.logger.Error("transport returned unknown outcome",
			zap.Int64("outbound_id", req.OutboundID),
			zap.String("status", string(outcome.Status)))
		p.fail(q, req, "unknown transport outcome")
	}
}

func (p *Pipeline) handleAck(q *chatQueue, req *Request, outcome Outcome) {
	sendLike := req.Action.Kind == ActionSend || req.Action.Kind == ActionReply

	p.mu.Lock()
	p.removeLocked(req)
	if sendLike {
		p.remapTargetsLocked(q, req.LocalMessageID, outcome.MessageID)
	}
	p.mu.Unlock()

	req.mu.Lock()
	req.state = StateSent
	attempts := req.attempts
	followUp := req.pendingEdit
	req.pendingEdit = nil
	req.mu.Unlock()
	if err := p.db.UpdateOutboundState(req.OutboundID, store.OutboundSent, attempts, ""); err != nil {
		p.logger.Error("failed to mark request sent",
			zap.Int64("outbound_id", req.OutboundID), zap.Error(err))
	}
	p.applyAckToCache(req, outcome)

	p.logger.Info("outbound request acknowledged",
		zap.Int64("outbound_id", req.OutboundID),
		zap.Int64("chat_id", int64(req.ChatID)),
		zap.String("kind", string(req.Action.Kind)),
		zap.Int("attempts", attempts))
	p.publishStatus(req, event.DeliverySent, "")

	// The acknowledged attempt carried text that was rewritten while it was
	// dispatched. Replay the rewrite against the id the server assigned.
	if sendLike && followUp != nil {
		if _, err := p.Submit(req.ChatID, Edit(outcome.MessageID, *followUp)); err != nil {
			p.logger.Error("failed to queue follow-up edit",
				zap.Int64("outbound_id", req.OutboundID), zap.Error(err))
		}
	}
}

// remapTargetsLocked points queued edits and deletes that referenced the
// provisional id of an acknowledged send at the server-assigned id.
func (p *Pipeline) remapTargetsLocked(q *chatQueue, local, assigned event.MessageID) {
	for _, item := range q.items {
		if item.Action.Kind != ActionEdit && item.Action.Kind != ActionDelete {
			continue
		}
		if item.Action.TargetMessageID != local {
			continue
		}
		item.Action.TargetMessageID = assigned
		if err := p.db.RemapOutboundTarget(item.OutboundID, assigned); err != nil {
			p.logger.Error("failed to remap outbound target",
				zap.Int64("outbound_id", item.OutboundID), zap.Error(err))
		}
	}
}

// applyAckToCache reflects an acknowledged action in the local read model.
func (p *Pipeline) applyAckToCache(req *Request, outcome Outcome) {
	now := time.Now().UnixMilli()
	var err error
	switch req.Action.Kind {
	case ActionSend, ActionReply:
		err = p.db.UpsertMessage(&store.Message{
			ChatID:          req.ChatID,
			MessageID:       outcome.MessageID,
			Text:            req.Action.Text,
			Timestamp:       now,
			TimestampSource: string(event.SourceReceive),
			Outgoing:        true,
		})
	case ActionEdit:
		err = p.db.ApplyEdit(req.ChatID, req.Action.TargetMessageID, req.Action.Text, now, string(event.SourceReceive))
	case ActionDelete:
		err = p.db.DeleteMessage(req.ChatID, req.Action.TargetMessageID)
	}
	if err != nil {
		p.logger.Warn("failed to reflect acknowledged action in cache",
			zap.Int64("outbound_id", req.OutboundID), zap.Error(err))
	}
}

// requeue returns the request to Pending and suspends its chat. A server
// supplied wait overrides anything the local limiters would allow.
func (p *Pipeline) requeue(q *chatQueue, req *Request, wait time.Duration, cause string) {
	if wait <= 0 {
		wait = p.cfg.RetryBaseDelay
	}
	p.mu.Lock()
	q.suspendedUntil = time.Now().Add(wait)
	req.mu.Lock()
	req.state = StatePending
	if req.pendingEdit != nil {
		req.Action.Text = *req.pendingEdit
		req.pendingEdit = nil
	}
	attempts := req.attempts
	req.mu.Unlock()
	p.mu.Unlock()

	if err := p.db.UpdateOutboundState(req.OutboundID, store.OutboundPending, attempts, ""); err != nil {
		p.logger.Error("failed to requeue request",
			zap.Int64("outbound_id", req.OutboundID), zap.Error(err))
	}
	p.logger.Warn("outbound attempt deferred",
		zap.Int64("outbound_id", req.OutboundID),
		zap.Int64("chat_id", int64(req.ChatID)),
		zap.Duration("wait", wait),
		zap.Int("attempt", attempts),
		zap.String("cause", cause))
	p.publishStatus(req, event.DeliveryQueued, cause)
	ping(q.notify)
}

func (p *Pipeline) fail(q *chatQueue, req *Request, reason string) {
	p.mu.Lock()
	p.removeLocked(req)
	// Queued actions aimed at this send's provisional id reference a message
	// that will never exist; withdraw them with it.
	var orphans []*Request
	if req.Action.Kind == ActionSend || req.Action.Kind == ActionReply {
		for _, item := range q.items {
			if item.Action.Kind != ActionEdit && item.Action.Kind != ActionDelete {
				continue
			}
			if item.Action.TargetMessageID == req.LocalMessageID {
				orphans = append(orphans, item)
			}
		}
		for _, o := range orphans {
			p.removeLocked(o)
		}
	}
	p.mu.Unlock()
	p.setTerminal(req, StateFailed, reason)
	for _, o := range orphans {
		p.setTerminal(o, StateCancelled, "")
		p.logger.Info("queued action withdrawn, its target was never sent",
			zap.Int64("outbound_id", o.OutboundID))
	}
	p.logger.Warn("outbound request failed",
		zap.Int64("outbound_id", req.OutboundID),
		zap.Int64("chat_id", int64(req.ChatID)),
		zap.String("reason", reason))
}

// setTerminal records a terminal state and publishes the matching status.
func (p *Pipeline) setTerminal(req *Request, state State, reason string) {
	req.mu.Lock()
	req.state = state
	req.failReason = reason
	attempts := req.attempts
	req.mu.Unlock()
	if err := p.db.UpdateOutboundState(req.OutboundID, string(state), attempts, reason); err != nil {
		p.logger.Error("failed to persist terminal state",
			zap.Int64("outbound_id", req.OutboundID),
			zap.String("state", string(state)), zap.Error(err))
	}
	if state == StateFailed {
		p.publishStatus(req, event.DeliveryFailed, reason)
	}
}

func (p *Pipeline) publishStatus(req *Request, outcome event.DeliveryOutcome, reason string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(event.DeliveryStatus{
		OutboundID: req.OutboundID,
		ChatID:     req.ChatID,
		Outcome:    outcome,
		Reason:     reason,
		Timestamp:  time.Now(),
	})
}

// janitor prunes terminal requests past their retention window.
func (p *Pipeline) janitor() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.cfg.TerminalRetention).UnixMilli()
			if n, err := p.db.PruneTerminalOutbound(cutoff); err != nil {
				p.logger.Warn("outbound prune failed", zap.Error(err))
			} else if n > 0 {
				p.logger.Debug("pruned terminal outbound requests", zap.Int64("count", n))
			}
		}
	}
}
