package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tgterm/internal/conn"
	"tgterm/internal/event"
	"tgterm/internal/ingest"
	"tgterm/internal/outbound"
)

// Loopback is an in-process stand-in for the protocol layer: a dialer whose
// links stay up until closed, a transport that acknowledges every action,
// and an update source that echoes acknowledged sends back as new-message
// updates. It lets the shipped binary run the full core without a wire
// protocol underneath.
type Loopback struct {
	mu      sync.Mutex
	nextMsg int64
	nextSeq int64
	updates chan ingest.RawUpdate
}

func NewLoopback() *Loopback {
	return &Loopback{updates: make(chan ingest.RawUpdate, 64)}
}

// Dial implements conn.Dialer.
func (l *Loopback) Dial(ctx context.Context) (conn.Link, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return newLoopLink(), nil
}

// Attempt implements outbound.Transport. Every send and reply is
// acknowledged with a fresh message id and echoed back through the update
// source; edits and deletes are acknowledged against their target.
func (l *Loopback) Attempt(_ context.Context, req *outbound.Request) outbound.Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch req.Action.Kind {
	case outbound.ActionSend, outbound.ActionReply:
		l.nextMsg++
		l.nextSeq++
		msgID := l.nextMsg
		select {
		case l.updates <- ingest.RawUpdate{
			Seq:       l.nextSeq,
			Kind:      ingest.KindNewMessage,
			ChatID:    int64(req.ChatID),
			MessageID: msgID,
			Text:      req.Action.Text,
			Date:      time.Now().Unix(),
			Out:       true,
		}:
		default:
			// Echo dropped when the buffer is full; the ack still stands.
		}
		return outbound.Outcome{Status: outbound.Acknowledged, MessageID: event.MessageID(msgID)}
	default:
		return outbound.Outcome{Status: outbound.Acknowledged, MessageID: req.Action.TargetMessageID}
	}
}

// Next implements ingest.UpdateSource.
func (l *Loopback) Next(ctx context.Context) (ingest.RawUpdate, error) {
	select {
	case upd := <-l.updates:
		return upd, nil
	case <-ctx.Done():
		return ingest.RawUpdate{}, ctx.Err()
	}
}

// Inject feeds a raw update into the source, as if the network produced it.
func (l *Loopback) Inject(upd ingest.RawUpdate) {
	l.updates <- upd
}

// ResolveChatTitle implements ingest.Resolver with a synthetic title.
func (l *Loopback) ResolveChatTitle(_ context.Context, chatID int64) (string, error) {
	return fmt.Sprintf("chat-%d", chatID), nil
}

type loopLink struct {
	dropped chan struct{}
	once    sync.Once
}

func newLoopLink() *loopLink {
	return &loopLink{dropped: make(chan struct{})}
}

func (l *loopLink) Wait() error {
	<-l.dropped
	return nil
}

func (l *loopLink) Close() error {
	l.once.Do(func() { close(l.dropped) })
	return nil
}
