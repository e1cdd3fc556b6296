package store

import (
	"database/sql"
	"fmt"
	"time"

	"tgterm/internal/event"
)

// AppendOutbound durably records a new outbound request before any network
// attempt and returns the assigned id. Ids are assigned from a single
// monotonic sequence, so they are monotonic within every chat.
func (db *DB) AppendOutbound(rec *OutboundRecord) (int64, error) {
	now := time.Now().UnixMilli()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	var target any
	if rec.TargetMessageID != nil {
		target = int64(*rec.TargetMessageID)
	}
	res, err := db.Exec(`
		INSERT INTO outbound (chat_id, kind, target_message_id, body, state, attempt_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		int64(rec.ChatID), rec.Kind, target, rec.Body, OutboundPending, rec.CreatedAt, now)
	if err != nil {
		return 0, fmt.Errorf("append outbound: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("outbound id: %w", err)
	}
	rec.OutboundID = id
	rec.State = OutboundPending
	return id, nil
}

// UpdateOutboundState moves a request to a new state, recording the attempt
// count and, for failures, the terminal reason.
func (db *DB) UpdateOutboundState(outboundID int64, state string, attemptCount int, failReason string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbound SET state = ?, attempt_count = ?, fail_reason = ?, updated_at = ?
		WHERE outbound_id = ?`,
		state, attemptCount, failReason, now, outboundID)
	return err
}

// RewriteOutboundBody replaces the payload of a not-yet-acknowledged request
// in place. Used when an edit targets a send the server has not confirmed,
// whether it is still queued or a dispatch is underway.
func (db *DB) RewriteOutboundBody(outboundID int64, body string) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbound SET body = ?, updated_at = ?
		WHERE outbound_id = ? AND state IN (?, ?)`,
		body, now, outboundID, OutboundPending, OutboundInFlight)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("outbound %d is already terminal", outboundID)
	}
	return nil
}

// RemapOutboundTarget points a queued edit or delete at the server-assigned
// message id once the provisional id it referenced has been acknowledged.
func (db *DB) RemapOutboundTarget(outboundID int64, target event.MessageID) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbound SET target_message_id = ?, updated_at = ?
		WHERE outbound_id = ?`,
		int64(target), now, outboundID)
	return err
}

// GetOutbound returns a single outbound record, or nil when unknown.
func (db *DB) GetOutbound(outboundID int64) (*OutboundRecord, error) {
	row := db.QueryRow(`
		SELECT outbound_id, chat_id, kind, target_message_id, body, state, fail_reason, attempt_count, created_at, updated_at
		FROM outbound WHERE outbound_id = ?`, outboundID)
	rec, err := scanOutbound(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// LoadPendingOutbound returns every non-terminal request ordered by creation
// time, oldest first. Called on process start to resume interrupted work.
func (db *DB) LoadPendingOutbound() ([]OutboundRecord, error) {
	rows, err := db.Query(`
		SELECT outbound_id, chat_id, kind, target_message_id, body, state, fail_reason, attempt_count, created_at, updated_at
		FROM outbound
		WHERE state IN (?, ?)
		ORDER BY created_at ASC, outbound_id ASC`,
		OutboundPending, OutboundInFlight)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []OutboundRecord
	for rows.Next() {
		rec, err := scanOutbound(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// PruneTerminalOutbound removes Sent/Failed/Cancelled requests whose last
// update is older than the cutoff. They are retained briefly only for UI
// feedback and manual inspection.
func (db *DB) PruneTerminalOutbound(olderThan int64) (int64, error) {
	res, err := db.Exec(`
		DELETE FROM outbound
		WHERE state IN (?, ?, ?) AND updated_at < ?`,
		OutboundSent, OutboundFailed, OutboundCancelled, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanOutbound(row rowScanner) (*OutboundRecord, error) {
	var rec OutboundRecord
	var target sql.NullInt64
	if err := row.Scan(&rec.OutboundID, &rec.ChatID, &rec.Kind, &target, &rec.Body,
		&rec.State, &rec.FailReason, &rec.AttemptCount, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if target.Valid {
		id := event.MessageID(target.Int64)
		rec.TargetMessageID = &id
	}
	return &rec, nil
}
