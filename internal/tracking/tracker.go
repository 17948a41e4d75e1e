// Package tracking records the lifecycle of every outbound warmup
// message: sent → delivered/bounced/failed, then opens and replies, with
// spam complaints as a side annotation. History is append-only in
// delivery_events; delivery_records is the denormalized current view.
package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Status is the current lifecycle state of a message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusBounced   Status = "bounced"
	StatusFailed    Status = "failed"
)

// ErrInvalidTransition is returned when a lifecycle update does not
// apply to the message's current state. The record is left untouched.
var ErrInvalidTransition = fmt.Errorf("invalid delivery state transition")

// ErrRecordNotFound is returned for unknown message ids.
var ErrRecordNotFound = fmt.Errorf("delivery record not found")

// Record is the denormalized current view of one message.
type Record struct {
	MessageID      string    `json:"message_id"`
	Sender         string    `json:"sender"`
	Receiver       string    `json:"receiver"`
	Subject        string    `json:"subject"`
	Status         Status    `json:"status"`
	Folder         string    `json:"folder,omitempty"`
	SentAt         time.Time `json:"sent_at"`
	Opened         bool      `json:"opened"`
	OpenCount      int       `json:"open_count"`
	Replied        bool      `json:"replied"`
	ReplyMessageID string    `json:"reply_message_id,omitempty"`
	SpamFlagged    bool      `json:"spam_flagged"`
}

// Tracker persists delivery records and enforces legal transitions.
type Tracker struct {
	db *sql.DB
}

// NewTracker creates a Postgres-backed tracker.
func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db}
}

// RecordSent creates the record in its initial state and appends the
// sent event.
func (t *Tracker) RecordSent(ctx context.Context, messageID, sender, receiver, subject string) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record sent: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO delivery_records
			(message_id, sender, receiver, subject, status, sent_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'sent', NOW(), NOW(), NOW())`,
		messageID, sender, receiver, subject)
	if err != nil {
		return fmt.Errorf("insert delivery record: %w", err)
	}
	if err := appendEvent(ctx, tx, messageID, "sent", ""); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkDelivered transitions sent → delivered and records the folder the
// message landed in.
func (t *Tracker) MarkDelivered(ctx context.Context, messageID, folder string) error {
	return t.transition(ctx, messageID, StatusDelivered, folder, "delivered in "+folder)
}

// MarkBounced transitions sent → bounced.
func (t *Tracker) MarkBounced(ctx context.Context, messageID, reason string) error {
	return t.transition(ctx, messageID, StatusBounced, "", reason)
}

// MarkFailed transitions sent → failed.
func (t *Tracker) MarkFailed(ctx context.Context, messageID, reason string) error {
	return t.transition(ctx, messageID, StatusFailed, "", reason)
}

// transition applies a terminal-ish sent→X move. The guard on the
// current status is what makes transitions append-only: a delivered
// message can never slide back to bounced.
func (t *Tracker) transition(ctx context.Context, messageID string, to Status, folder, detail string) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transition: %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if folder != "" {
		res, err = tx.ExecContext(ctx, `
			UPDATE delivery_records
			SET status = $2, folder = $3, updated_at = NOW()
			WHERE message_id = $1 AND status = 'sent'`,
			messageID, string(to), folder)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE delivery_records
			SET status = $2, updated_at = NOW()
			WHERE message_id = $1 AND status = 'sent'`,
			messageID, string(to))
	}
	if err != nil {
		return fmt.Errorf("update delivery record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}

	if err := appendEvent(ctx, tx, messageID, string(to), detail); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordOpen counts an open on a delivered message. Multiple opens are
// expected; each one appends an event and bumps the count.
func (t *Tracker) RecordOpen(ctx context.Context, messageID string) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record open: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE delivery_records
		SET opened = TRUE, open_count = open_count + 1, updated_at = NOW()
		WHERE message_id = $1 AND status = 'delivered'`,
		messageID)
	if err != nil {
		return fmt.Errorf("record open: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}

	if err := appendEvent(ctx, tx, messageID, "opened", ""); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordReply stores the reply linkage on a delivered message.
func (t *Tracker) RecordReply(ctx context.Context, messageID, replyMessageID string) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record reply: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE delivery_records
		SET replied = TRUE, reply_message_id = $2, updated_at = NOW()
		WHERE message_id = $1 AND status = 'delivered'`,
		messageID, replyMessageID)
	if err != nil {
		return fmt.Errorf("record reply: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}

	if err := appendEvent(ctx, tx, messageID, "replied", replyMessageID); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordSpamComplaint sets the spam annotation. It is not a state: the
// message keeps its lifecycle status and can be reclassified later.
func (t *Tracker) RecordSpamComplaint(ctx context.Context, messageID string) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record spam complaint: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE delivery_records
		SET spam_flagged = TRUE, updated_at = NOW()
		WHERE message_id = $1`,
		messageID)
	if err != nil {
		return fmt.Errorf("record spam complaint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}

	if err := appendEvent(ctx, tx, messageID, "spam_complaint", ""); err != nil {
		return err
	}
	return tx.Commit()
}

// MessageStatus returns the current view of one message.
func (t *Tracker) MessageStatus(ctx context.Context, messageID string) (*Record, error) {
	row := t.db.QueryRowContext(ctx, `
		SELECT message_id, sender, receiver, subject, status,
		       COALESCE(folder, ''), sent_at, opened, open_count,
		       replied, COALESCE(reply_message_id, ''), spam_flagged
		FROM delivery_records
		WHERE message_id = $1`, messageID)

	var (
		rec    Record
		status string
	)
	err := row.Scan(&rec.MessageID, &rec.Sender, &rec.Receiver, &rec.Subject, &status,
		&rec.Folder, &rec.SentAt, &rec.Opened, &rec.OpenCount,
		&rec.Replied, &rec.ReplyMessageID, &rec.SpamFlagged)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("message status: %w", err)
	}
	rec.Status = Status(status)
	return &rec, nil
}

// SenderStats summarizes one account's outcomes for today, feeding the
// quota status query.
type SenderStats struct {
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Bounced   int `json:"bounced"`
	Failed    int `json:"failed"`
	Spam      int `json:"spam"`
}

// SenderStatsToday aggregates today's records for a sender.
func (t *Tracker) SenderStatsToday(ctx context.Context, sender string) (*SenderStats, error) {
	row := t.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'delivered'),
		       COUNT(*) FILTER (WHERE status = 'bounced'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COUNT(*) FILTER (WHERE spam_flagged)
		FROM delivery_records
		WHERE sender = $1 AND sent_at >= date_trunc('day', NOW())`, sender)

	var s SenderStats
	if err := row.Scan(&s.Sent, &s.Delivered, &s.Bounced, &s.Failed, &s.Spam); err != nil {
		return nil, fmt.Errorf("sender stats: %w", err)
	}
	return &s, nil
}

func appendEvent(ctx context.Context, tx *sql.Tx, messageID, eventType, detail string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_events (message_id, event_type, detail, created_at)
		VALUES ($1, $2, $3, NOW())`,
		messageID, eventType, detail)
	if err != nil {
		return fmt.Errorf("append %s event: %w", eventType, err)
	}
	return nil
}
