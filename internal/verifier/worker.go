package verifier

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ignite/warmup-engine/internal/account"
	"github.com/ignite/warmup-engine/internal/pkg/logger"
)

const maxVerifyAttempts = 3

// deliveryTracker is the slice of the tracking state machine the
// verification loop feeds.
type deliveryTracker interface {
	MarkDelivered(ctx context.Context, messageID, folder string) error
	MarkBounced(ctx context.Context, messageID, reason string) error
	MarkFailed(ctx context.Context, messageID, reason string) error
	RecordSpamComplaint(ctx context.Context, messageID string) error
}

// senderBlocker lets a spam placement pull the sender out of admission
// for the rest of the day.
type senderBlocker interface {
	MarkBlocked(email string)
}

// Worker drains due verification checks. Checks are durable rows
// scheduled a settle delay after the send, so pending verifications
// survive restarts the same way queued jobs do.
type Worker struct {
	db        *sql.DB
	verifier  *Verifier
	tracker   deliveryTracker
	directory account.Directory
	blocker   senderBlocker

	pollInterval time.Duration
	checkTimeout time.Duration

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker creates the verification loop.
func NewWorker(db *sql.DB, v *Verifier, tracker deliveryTracker, directory account.Directory, blocker senderBlocker, pollInterval, checkTimeout time.Duration) *Worker {
	return &Worker{
		db:           db,
		verifier:     v,
		tracker:      tracker,
		directory:    directory,
		blocker:      blocker,
		pollInterval: pollInterval,
		checkTimeout: checkTimeout,
	}
}

// Enqueue schedules a placement check for messageID in the receiver's
// mailbox at dueAt.
func (w *Worker) Enqueue(ctx context.Context, messageID, sender, receiver string, dueAt time.Time) error {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO verification_checks (message_id, sender, receiver, due_at, attempts, created_at)
		VALUES ($1, $2, $3, $4, 0, NOW())
		ON CONFLICT (message_id) DO NOTHING`,
		messageID, sender, receiver, dueAt)
	if err != nil {
		return fmt.Errorf("enqueue verification check: %w", err)
	}
	return nil
}

// Start begins polling for due checks.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.mu.Unlock()

	log.Printf("[Verifier] Starting (poll interval %s)", w.pollInterval)
	w.wg.Add(1)
	go w.loop()
}

// Stop halts the loop and waits for the in-flight batch.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	log.Println("[Verifier] Stopped")
}

func (w *Worker) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.drainDue()
		}
	}
}

type check struct {
	messageID string
	sender    string
	receiver  string
	attempts  int
}

func (w *Worker) drainDue() {
	for {
		c, err := w.claimDue()
		if err != nil {
			log.Printf("[Verifier] Claim failed: %v", err)
			return
		}
		if c == nil {
			return
		}
		w.process(c)
	}
}

// claimDue leases one due check by pushing its due_at forward, so a
// crash mid-verification just means the check comes due again.
func (w *Worker) claimDue() (*check, error) {
	row := w.db.QueryRowContext(w.ctx, `
		WITH claimed AS (
			UPDATE verification_checks
			SET due_at = NOW() + INTERVAL '5 minutes', attempts = attempts + 1
			WHERE message_id IN (
				SELECT message_id FROM verification_checks
				WHERE due_at <= NOW()
				ORDER BY due_at ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING message_id, sender, receiver, attempts
		)
		SELECT message_id, sender, receiver, attempts FROM claimed`)

	var c check
	err := row.Scan(&c.messageID, &c.sender, &c.receiver, &c.attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (w *Worker) complete(messageID string) {
	if _, err := w.db.ExecContext(w.ctx, `
		DELETE FROM verification_checks WHERE message_id = $1`, messageID); err != nil {
		log.Printf("[Verifier] Failed to complete check %s: %v", messageID, err)
	}
}

func (w *Worker) process(c *check) {
	ctx, cancel := context.WithTimeout(w.ctx, w.checkTimeout)
	defer cancel()

	receiver, err := w.directory.Get(ctx, c.receiver)
	if err != nil {
		logger.Warn("verification receiver lookup failed",
			"receiver", c.receiver, "message_id", c.messageID, "error", err.Error())
		w.complete(c.messageID)
		return
	}

	result, err := w.verifier.Verify(ctx, receiver, c.messageID)
	if err == ErrBadMessageID {
		// Unverifiable record: classify as failed, never pass silently.
		if terr := w.tracker.MarkFailed(ctx, c.messageID, "unverifiable message id"); terr != nil {
			logger.Warn("mark failed errored", "message_id", c.messageID, "error", terr.Error())
		}
		w.complete(c.messageID)
		return
	}
	if err != nil {
		if c.attempts >= maxVerifyAttempts {
			logger.Warn("verification gave up",
				"message_id", c.messageID, "receiver", c.receiver, "error", err.Error())
			w.complete(c.messageID)
		}
		// Otherwise the pushed-forward due_at retries it.
		return
	}

	w.record(ctx, c, result)
	w.complete(c.messageID)
}

func (w *Worker) record(ctx context.Context, c *check, result *Result) {
	if !result.Exists {
		if err := w.tracker.MarkBounced(ctx, c.messageID, "message not found in receiving mailbox"); err != nil {
			logger.Warn("mark bounced errored", "message_id", c.messageID, "error", err.Error())
		}
		return
	}

	if err := w.tracker.MarkDelivered(ctx, c.messageID, result.Folder); err != nil {
		logger.Warn("mark delivered errored", "message_id", c.messageID, "error", err.Error())
		return
	}

	if !result.Skipped && !result.InboxPlaced {
		// Spam placement: record the signal and stop the sender for the
		// day. The message itself is left exactly where it landed.
		if err := w.tracker.RecordSpamComplaint(ctx, c.messageID); err != nil {
			logger.Warn("record spam signal errored", "message_id", c.messageID, "error", err.Error())
		}
		if w.blocker != nil {
			w.blocker.MarkBlocked(c.sender)
		}
		logger.Info("spam placement observed",
			"message_id", c.messageID, "sender", c.sender, "folder", result.Folder)
	}
}
