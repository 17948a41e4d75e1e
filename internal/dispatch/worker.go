// Package dispatch executes queued exchange jobs: it re-validates quota,
// generates content, sends through the account's channel, and hands the
// result to delivery tracking and verification.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/ignite/warmup-engine/internal/account"
	"github.com/ignite/warmup-engine/internal/content"
	"github.com/ignite/warmup-engine/internal/pkg/logger"
	"github.com/ignite/warmup-engine/internal/planner"
	"github.com/ignite/warmup-engine/internal/quota"
	"github.com/ignite/warmup-engine/internal/queue"
	"github.com/ignite/warmup-engine/internal/transport"
)

// deliveryLog is the slice of the tracking state machine dispatch feeds.
type deliveryLog interface {
	RecordSent(ctx context.Context, messageID, sender, receiver, subject string) error
	MarkDelivered(ctx context.Context, messageID, folder string) error
	MarkBounced(ctx context.Context, messageID, reason string) error
	MarkFailed(ctx context.Context, messageID, reason string) error
	RecordReply(ctx context.Context, messageID, replyMessageID string) error
}

// verifyScheduler queues a placement check after the settle delay.
type verifyScheduler interface {
	Enqueue(ctx context.Context, messageID, sender, receiver string, dueAt time.Time) error
}

// Options tune the worker pool.
type Options struct {
	Workers         int
	ClaimInterval   time.Duration
	InterPairDelay  time.Duration
	MaxSendAttempts int
	RetryBackoff    time.Duration
	SettleDelay     time.Duration
	NackDelay       time.Duration
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.ClaimInterval <= 0 {
		o.ClaimInterval = 10 * time.Second
	}
	if o.MaxSendAttempts <= 0 {
		o.MaxSendAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 5 * time.Second
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = 2 * time.Minute
	}
	if o.NackDelay <= 0 {
		o.NackDelay = 30 * time.Second
	}
}

// Worker is the dispatch worker pool.
type Worker struct {
	queue     queue.Queue
	directory account.Directory
	ledger    *quota.Ledger
	generator content.Generator
	transport transport.Transport
	tracker   deliveryLog
	verify    verifyScheduler
	dedupe    Deduper
	opts      Options

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewWorker wires the dispatch pool. dedupe may be nil in single-process
// deployments without Redis.
func NewWorker(q queue.Queue, directory account.Directory, ledger *quota.Ledger, generator content.Generator, tr transport.Transport, tracker deliveryLog, verify verifyScheduler, dedupe Deduper, opts Options) *Worker {
	opts.applyDefaults()
	if dedupe == nil {
		dedupe = noopDeduper{}
	}
	return &Worker{
		queue:     q,
		directory: directory,
		ledger:    ledger,
		generator: generator,
		transport: tr,
		tracker:   tracker,
		verify:    verify,
		dedupe:    dedupe,
		opts:      opts,
	}
}

// Start launches the worker goroutines.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.mu.Unlock()

	log.Printf("[Dispatch] Starting %d workers", w.opts.Workers)
	for i := 0; i < w.opts.Workers; i++ {
		w.wg.Add(1)
		go w.run(fmt.Sprintf("dispatch-%d", i+1))
	}
}

// Stop cancels the pool and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	log.Println("[Dispatch] Stopped")
}

func (w *Worker) run(workerID string) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.drain(workerID)
		}
	}
}

// drain claims and executes jobs until the queue is empty.
func (w *Worker) drain(workerID string) {
	for {
		if w.ctx.Err() != nil {
			return
		}
		job, err := w.queue.Claim(w.ctx, workerID)
		if err != nil {
			log.Printf("[Dispatch] %s claim failed: %v", workerID, err)
			return
		}
		if job == nil {
			return
		}
		w.execute(workerID, job)
	}
}

// execute runs all pairs of one job. Pair failures are isolated: one
// broken account never blocks the rest of the round. The job is acked
// once every pair has been resolved one way or the other; a shutdown
// mid-job nacks so the remainder is redelivered.
func (w *Worker) execute(workerID string, job *queue.Job) {
	logger.Info("job claimed",
		"worker", workerID, "job_id", job.ID, "round", job.Round, "pairs", len(job.Pairs))

	for i, pair := range job.Pairs {
		if w.ctx.Err() != nil {
			if err := w.queue.Nack(context.WithoutCancel(w.ctx), job.ID, w.opts.NackDelay, "shutdown mid-job"); err != nil {
				log.Printf("[Dispatch] Nack failed for job %s: %v", job.ID, err)
			}
			return
		}

		if err := w.processPair(w.ctx, job.ID, i, &pair); err != nil {
			logger.Warn("pair failed",
				"job_id", job.ID, "sender", pair.Sender, "receiver", pair.Receiver,
				"error", err.Error())
		}

		if i < len(job.Pairs)-1 && w.opts.InterPairDelay > 0 {
			select {
			case <-w.ctx.Done():
			case <-time.After(w.opts.InterPairDelay):
			}
		}
	}

	if err := w.queue.Ack(context.WithoutCancel(w.ctx), job.ID); err != nil {
		log.Printf("[Dispatch] Ack failed for job %s: %v", job.ID, err)
	}
}

// processPair performs one exchange: quota admission, content, send,
// tracking handoff, and the probabilistic reply. The Message-Id is
// derived from (job id, pair index), so a redelivered job re-derives the
// same id and the dedupe check skips pairs that already went out.
func (w *Worker) processPair(ctx context.Context, jobID string, pairIndex int, pair *planner.ExchangePair) error {
	sender, err := w.directory.Get(ctx, pair.Sender)
	if err != nil {
		return fmt.Errorf("load sender: %w", err)
	}
	receiver, err := w.directory.Get(ctx, pair.Receiver)
	if err != nil {
		return fmt.Errorf("load receiver: %w", err)
	}
	if !sender.Eligible() {
		logger.Debug("sender no longer eligible, pair dropped", "sender", sender.Email)
		return nil
	}

	messageID := transport.DeriveMessageID(jobID, pairIndex, sender.Domain())
	first, err := w.dedupe.FirstDelivery(ctx, messageID)
	if err != nil {
		logger.Warn("dedupe check failed, treating as first delivery",
			"message_id", messageID, "error", err.Error())
		first = true
	}
	if !first {
		logger.Debug("pair already sent on an earlier delivery, skipped", "message_id", messageID)
		return nil
	}

	// The plan was built from a quota snapshot; admission is re-checked
	// at send time against the live ledger.
	if err := w.ledger.Reserve(sender, 1); err != nil {
		logger.Debug("quota exhausted at send time, pair dropped", "sender", sender.Email)
		return nil
	}

	draft, err := w.generator.Generate(ctx, content.Request{
		SenderName:   displayName(sender),
		ReceiverName: displayName(receiver),
	})
	if err != nil {
		w.releaseQuota(sender.Email)
		return fmt.Errorf("generate content: %w", err)
	}

	msg := &transport.Message{
		From:      sender.Email,
		FromName:  sender.DisplayName,
		To:        receiver.Email,
		Subject:   draft.Subject,
		Body:      draft.Body,
		MessageID: messageID,
	}

	result, err := w.sendWithRetry(ctx, sender, msg)
	if err != nil {
		w.releaseQuota(sender.Email)
		w.handleSendFailure(ctx, sender, err)
		w.recordTerminalFailure(ctx, msg, err)
		return fmt.Errorf("send: %w", err)
	}

	if err := w.settle(ctx, sender, receiver, msg, result); err != nil {
		return err
	}

	// Replies are drawn only for warmup-originated traffic.
	if pair.Direction == planner.DirectionOutbound && rand.Float64() < pair.ReplyRate {
		if err := w.sendReply(ctx, receiver, sender, msg, draft); err != nil {
			logger.Warn("reply failed",
				"sender", receiver.Email, "in_reply_to", msg.MessageID, "error", err.Error())
		}
	}
	return nil
}

// settle confirms quota and records the send. Redelivery protection
// already happened before the send, so the confirm here is at most once
// per message id.
func (w *Worker) settle(ctx context.Context, sender, receiver *account.Account, msg *transport.Message, result *transport.SendResult) error {
	if err := w.ledger.Confirm(ctx, sender.Email, 1); err != nil {
		logger.Warn("quota confirm failed", "sender", sender.Email, "error", err.Error())
	}

	if err := w.tracker.RecordSent(ctx, msg.MessageID, sender.Email, receiver.Email, msg.Subject); err != nil {
		return fmt.Errorf("record sent: %w", err)
	}

	if result.DeliveredHint == transport.HintSkip {
		// Server-confirmed channel: delivered by policy, nothing to poll.
		if err := w.tracker.MarkDelivered(ctx, msg.MessageID, "INBOX"); err != nil {
			logger.Warn("mark delivered failed", "message_id", msg.MessageID, "error", err.Error())
		}
		return nil
	}

	dueAt := time.Now().Add(w.opts.SettleDelay)
	if err := w.verify.Enqueue(ctx, msg.MessageID, sender.Email, receiver.Email, dueAt); err != nil {
		return fmt.Errorf("enqueue verification: %w", err)
	}
	return nil
}

// sendReply sends the receiver's reply in the same thread. The reply
// consumes the replying account's own quota.
func (w *Worker) sendReply(ctx context.Context, replier, original *account.Account, parent *transport.Message, parentDraft *content.Draft) error {
	if !replier.Eligible() {
		return nil
	}
	if err := w.ledger.Reserve(replier, 1); err != nil {
		logger.Debug("reply skipped, replier out of quota", "sender", replier.Email)
		return nil
	}

	draft, err := w.generator.GenerateReply(ctx, content.Request{
		SenderName:   displayName(replier),
		ReceiverName: displayName(original),
	}, parentDraft)
	if err != nil {
		w.releaseQuota(replier.Email)
		return fmt.Errorf("generate reply: %w", err)
	}

	reply := &transport.Message{
		From:      replier.Email,
		FromName:  replier.DisplayName,
		To:        original.Email,
		Subject:   draft.Subject,
		Body:      draft.Body,
		MessageID: transport.GenerateMessageID(replier.Domain()),
		InReplyTo: parent.MessageID,
	}

	if _, err := w.sendWithRetry(ctx, replier, reply); err != nil {
		w.releaseQuota(replier.Email)
		w.handleSendFailure(ctx, replier, err)
		w.recordTerminalFailure(ctx, reply, err)
		return err
	}

	if err := w.ledger.Confirm(ctx, replier.Email, 1); err != nil {
		logger.Warn("quota confirm failed", "sender", replier.Email, "error", err.Error())
	}
	if err := w.tracker.RecordReply(ctx, parent.MessageID, reply.MessageID); err != nil {
		logger.Warn("record reply failed", "message_id", parent.MessageID, "error", err.Error())
	}
	return nil
}

// sendWithRetry attempts the send, retrying only transient failures.
func (w *Worker) sendWithRetry(ctx context.Context, acct *account.Account, msg *transport.Message) (*transport.SendResult, error) {
	var lastErr error
	for attempt := 1; attempt <= w.opts.MaxSendAttempts; attempt++ {
		result, err := w.transport.Send(ctx, acct, msg)
		if err == nil {
			return result, nil
		}
		lastErr = err

		kind := transport.Classify(err)
		if !kind.Retryable() || attempt == w.opts.MaxSendAttempts {
			break
		}

		backoff := w.opts.RetryBackoff * time.Duration(1<<(attempt-1))
		logger.Debug("transient send failure, retrying",
			"sender", acct.Email, "attempt", attempt, "backoff", backoff.String())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

// recordTerminalFailure writes the audit record for a send that will not
// be retried again. Hard bounces become bounced records; every other
// terminal kind, retry exhaustion included, becomes a failed record.
func (w *Worker) recordTerminalFailure(ctx context.Context, msg *transport.Message, sendErr error) {
	if err := w.tracker.RecordSent(ctx, msg.MessageID, msg.From, msg.To, msg.Subject); err != nil {
		logger.Warn("record sent failed", "message_id", msg.MessageID, "error", err.Error())
		return
	}
	if transport.Classify(sendErr) == transport.KindHardBounce {
		if err := w.tracker.MarkBounced(ctx, msg.MessageID, sendErr.Error()); err != nil {
			logger.Warn("mark bounced failed", "message_id", msg.MessageID, "error", err.Error())
		}
		return
	}
	if err := w.tracker.MarkFailed(ctx, msg.MessageID, sendErr.Error()); err != nil {
		logger.Warn("mark failed errored", "message_id", msg.MessageID, "error", err.Error())
	}
}

// handleSendFailure applies account policy for a classified failure.
func (w *Worker) handleSendFailure(ctx context.Context, sender *account.Account, err error) {
	switch transport.Classify(err) {
	case transport.KindAuthRequired:
		logger.Warn("sender requires reauthentication", "sender", sender.Email)
		if derr := w.directory.MarkReauthRequired(ctx, sender.Email); derr != nil {
			log.Printf("[Dispatch] Failed to flag %s for reauth: %v", sender.Email, derr)
		}
	case transport.KindBlocked:
		logger.Warn("sender blocked by provider for today", "sender", sender.Email)
		w.ledger.MarkBlocked(sender.Email)
	case transport.KindConfigError:
		logger.Error("sender channel misconfigured", "sender", sender.Email, "error", err.Error())
	}
}

func (w *Worker) releaseQuota(email string) {
	if err := w.ledger.Release(email, 1); err != nil {
		logger.Warn("quota release failed", "sender", email, "error", err.Error())
	}
}

func displayName(a *account.Account) string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Email
}
