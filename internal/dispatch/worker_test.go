package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/warmup-engine/internal/account"
	"github.com/ignite/warmup-engine/internal/content"
	"github.com/ignite/warmup-engine/internal/planner"
	"github.com/ignite/warmup-engine/internal/quota"
	"github.com/ignite/warmup-engine/internal/queue"
	"github.com/ignite/warmup-engine/internal/transport"
)

type fakeDirectory struct {
	account.Directory
	accounts map[string]*account.Account
	reauthed []string
}

func (f *fakeDirectory) Get(ctx context.Context, email string) (*account.Account, error) {
	a, ok := f.accounts[email]
	if !ok {
		return nil, account.ErrNotFound
	}
	return a, nil
}

func (f *fakeDirectory) MarkReauthRequired(ctx context.Context, email string) error {
	f.reauthed = append(f.reauthed, email)
	return nil
}

type fakeTransport struct {
	hint     transport.DeliveredHint
	errs     []error
	attempts int
	sent     []*transport.Message
}

func (f *fakeTransport) Send(ctx context.Context, acct *account.Account, msg *transport.Message) (*transport.SendResult, error) {
	f.attempts++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.sent = append(f.sent, msg)
	hint := f.hint
	if hint == "" {
		hint = transport.HintVerify
	}
	return &transport.SendResult{MessageID: msg.MessageID, Channel: transport.ChannelSMTP, DeliveredHint: hint}, nil
}

type fakeTracker struct {
	sent      []string
	delivered []string
	replies   []string
	bounced   map[string]string
	failed    map[string]string
}

func (f *fakeTracker) RecordSent(ctx context.Context, messageID, sender, receiver, subject string) error {
	f.sent = append(f.sent, messageID)
	return nil
}

func (f *fakeTracker) MarkDelivered(ctx context.Context, messageID, folder string) error {
	f.delivered = append(f.delivered, messageID)
	return nil
}

func (f *fakeTracker) MarkBounced(ctx context.Context, messageID, reason string) error {
	if f.bounced == nil {
		f.bounced = map[string]string{}
	}
	f.bounced[messageID] = reason
	return nil
}

func (f *fakeTracker) MarkFailed(ctx context.Context, messageID, reason string) error {
	if f.failed == nil {
		f.failed = map[string]string{}
	}
	f.failed[messageID] = reason
	return nil
}

func (f *fakeTracker) RecordReply(ctx context.Context, messageID, replyMessageID string) error {
	f.replies = append(f.replies, replyMessageID)
	return nil
}

type fakeVerify struct {
	enqueued []string
}

func (f *fakeVerify) Enqueue(ctx context.Context, messageID, sender, receiver string, dueAt time.Time) error {
	f.enqueued = append(f.enqueued, messageID)
	return nil
}

type failingDeduper struct{}

func (failingDeduper) FirstDelivery(ctx context.Context, messageID string) (bool, error) {
	return false, fmt.Errorf("redis unavailable")
}

func testAccount(email string) *account.Account {
	return &account.Account{
		Email:       email,
		DisplayName: "Test " + email,
		Kind:        account.KindGoogle,
		Status:      account.StatusActive,
		StartPerDay: 5,
		MaxPerDay:   10,
		SMTP:        &account.SMTPCredentials{Host: "smtp.example.com", Port: 587, Username: email, Password: "pw"},
	}
}

type harness struct {
	worker    *Worker
	directory *fakeDirectory
	transport *fakeTransport
	tracker   *fakeTracker
	verify    *fakeVerify
	ledger    *quota.Ledger
}

func newHarness(t *testing.T, tr *fakeTransport) *harness {
	t.Helper()
	dir := &fakeDirectory{accounts: map[string]*account.Account{
		"a@example.com": testAccount("a@example.com"),
		"b@example.com": testAccount("b@example.com"),
	}}
	ledger := quota.NewLedger(quota.Caps{GlobalDailyCap: 25, PoolDailyCap: 100}, quota.NoopStore{})
	tracker := &fakeTracker{}
	verify := &fakeVerify{}
	gen := content.NewTemplateGenerator()

	w := NewWorker(nil, dir, ledger, gen, tr, tracker, verify, nil, Options{
		MaxSendAttempts: 3,
		RetryBackoff:    time.Millisecond,
		SettleDelay:     time.Minute,
	})
	return &harness{worker: w, directory: dir, transport: tr, tracker: tracker, verify: verify, ledger: ledger}
}

func pairAB(replyRate float64) *planner.ExchangePair {
	return &planner.ExchangePair{
		Sender: "a@example.com", Receiver: "b@example.com",
		Direction: planner.DirectionOutbound, Round: 1, ReplyRate: replyRate,
	}
}

func TestProcessPairSendsAndSchedulesVerification(t *testing.T) {
	h := newHarness(t, &fakeTransport{hint: transport.HintVerify})

	if err := h.worker.processPair(context.Background(), "job-1", 0, pairAB(0)); err != nil {
		t.Fatalf("processPair failed: %v", err)
	}

	if len(h.transport.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(h.transport.sent))
	}
	msg := h.transport.sent[0]
	if !transport.ValidMessageID(msg.MessageID) {
		t.Errorf("invalid message id %q", msg.MessageID)
	}
	if len(h.tracker.sent) != 1 || h.tracker.sent[0] != msg.MessageID {
		t.Errorf("tracker.sent = %v", h.tracker.sent)
	}
	if len(h.verify.enqueued) != 1 {
		t.Errorf("verification enqueued %d times, want 1", len(h.verify.enqueued))
	}
	if len(h.tracker.delivered) != 0 {
		t.Errorf("message marked delivered before verification")
	}

	confirmed, pending := h.ledger.Snapshot("a@example.com")
	if confirmed != 1 || pending != 0 {
		t.Errorf("ledger confirmed=%d pending=%d, want 1/0", confirmed, pending)
	}
}

// A server-confirmed send is delivered by policy: no mailbox check is
// ever scheduled for it.
func TestProcessPairSkipHintDeliversImmediately(t *testing.T) {
	h := newHarness(t, &fakeTransport{hint: transport.HintSkip})

	if err := h.worker.processPair(context.Background(), "job-1", 0, pairAB(0)); err != nil {
		t.Fatalf("processPair failed: %v", err)
	}
	if len(h.verify.enqueued) != 0 {
		t.Errorf("verification enqueued for server-confirmed send")
	}
	if len(h.tracker.delivered) != 1 {
		t.Errorf("delivered records = %d, want 1", len(h.tracker.delivered))
	}
}

func TestProcessPairQuotaExhausted(t *testing.T) {
	h := newHarness(t, &fakeTransport{})

	sender := h.directory.accounts["a@example.com"]
	if err := h.ledger.Reserve(sender, h.ledger.DailyQuota(sender)); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	if err := h.worker.processPair(context.Background(), "job-1", 0, pairAB(0)); err != nil {
		t.Fatalf("processPair failed: %v", err)
	}
	if h.transport.attempts != 0 {
		t.Errorf("transport called %d times for exhausted sender", h.transport.attempts)
	}
}

func TestProcessPairAuthFailureFlagsAccount(t *testing.T) {
	authErr := transport.NewSendError(transport.KindAuthRequired, "token refresh rejected")
	h := newHarness(t, &fakeTransport{errs: []error{authErr}})

	if err := h.worker.processPair(context.Background(), "job-1", 0, pairAB(0)); err == nil {
		t.Fatal("expected error from failed send")
	}

	if len(h.directory.reauthed) != 1 || h.directory.reauthed[0] != "a@example.com" {
		t.Errorf("reauthed = %v, want sender flagged", h.directory.reauthed)
	}
	confirmed, pending := h.ledger.Snapshot("a@example.com")
	if confirmed != 0 || pending != 0 {
		t.Errorf("failed send left ledger at confirmed=%d pending=%d", confirmed, pending)
	}
	if h.transport.attempts != 1 {
		t.Errorf("auth failure retried %d times, want 1 attempt", h.transport.attempts)
	}
}

func TestProcessPairBlockedStopsSenderForDay(t *testing.T) {
	blockedErr := transport.NewSendError(transport.KindBlocked, "554 rejected due to policy")
	h := newHarness(t, &fakeTransport{errs: []error{blockedErr}})

	if err := h.worker.processPair(context.Background(), "job-1", 0, pairAB(0)); err == nil {
		t.Fatal("expected error from blocked send")
	}
	if h.ledger.CanSend(h.directory.accounts["a@example.com"]) {
		t.Error("blocked sender still admitted by ledger")
	}
}

func TestSendWithRetryTransientThenSuccess(t *testing.T) {
	soft := transport.NewSendError(transport.KindSoftBounce, "451 try again later")
	h := newHarness(t, &fakeTransport{errs: []error{soft, soft, nil}})

	if err := h.worker.processPair(context.Background(), "job-1", 0, pairAB(0)); err != nil {
		t.Fatalf("processPair failed: %v", err)
	}
	if h.transport.attempts != 3 {
		t.Errorf("attempts = %d, want 3", h.transport.attempts)
	}
	if len(h.tracker.sent) != 1 {
		t.Errorf("tracker.sent = %v, want one record", h.tracker.sent)
	}
}

func TestSendWithRetryTransientExhaustion(t *testing.T) {
	soft := transport.NewSendError(transport.KindSoftBounce, "451 try again later")
	h := newHarness(t, &fakeTransport{errs: []error{soft, soft, soft}})

	if err := h.worker.processPair(context.Background(), "job-1", 0, pairAB(0)); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if h.transport.attempts != 3 {
		t.Errorf("attempts = %d, want 3", h.transport.attempts)
	}
	confirmed, pending := h.ledger.Snapshot("a@example.com")
	if confirmed != 0 || pending != 0 {
		t.Errorf("exhausted send left ledger at confirmed=%d pending=%d", confirmed, pending)
	}
	if len(h.tracker.sent) != 1 {
		t.Fatalf("tracker.sent = %v, want the terminal record", h.tracker.sent)
	}
	if _, ok := h.tracker.failed[h.tracker.sent[0]]; !ok {
		t.Errorf("exhausted send not marked failed: %v", h.tracker.failed)
	}
}

// A permanently rejected recipient still leaves an audit record.
func TestProcessPairHardBounceRecordsBounce(t *testing.T) {
	hard := transport.NewSendError(transport.KindHardBounce, "550 no such user")
	h := newHarness(t, &fakeTransport{errs: []error{hard}})

	if err := h.worker.processPair(context.Background(), "job-1", 0, pairAB(0)); err == nil {
		t.Fatal("expected error from hard bounce")
	}
	if h.transport.attempts != 1 {
		t.Errorf("hard bounce retried %d times, want 1 attempt", h.transport.attempts)
	}
	if len(h.tracker.sent) != 1 {
		t.Fatalf("tracker.sent = %v, want the terminal record", h.tracker.sent)
	}
	if _, ok := h.tracker.bounced[h.tracker.sent[0]]; !ok {
		t.Errorf("hard bounce not marked bounced: %v", h.tracker.bounced)
	}
	confirmed, pending := h.ledger.Snapshot("a@example.com")
	if confirmed != 0 || pending != 0 {
		t.Errorf("bounced send left ledger at confirmed=%d pending=%d", confirmed, pending)
	}
}

func TestProcessPairReplyDraw(t *testing.T) {
	h := newHarness(t, &fakeTransport{})

	if err := h.worker.processPair(context.Background(), "job-1", 0, pairAB(1.0)); err != nil {
		t.Fatalf("processPair failed: %v", err)
	}

	if len(h.transport.sent) != 2 {
		t.Fatalf("sent %d messages, want exchange plus reply", len(h.transport.sent))
	}
	reply := h.transport.sent[1]
	if reply.From != "b@example.com" || reply.To != "a@example.com" {
		t.Errorf("reply from %s to %s", reply.From, reply.To)
	}
	if reply.InReplyTo != h.transport.sent[0].MessageID {
		t.Errorf("reply InReplyTo = %q, want original id", reply.InReplyTo)
	}
	if len(h.tracker.replies) != 1 {
		t.Errorf("tracked replies = %v", h.tracker.replies)
	}

	// The reply counts against the replier's own quota.
	confirmed, _ := h.ledger.Snapshot("b@example.com")
	if confirmed != 1 {
		t.Errorf("replier confirmed = %d, want 1", confirmed)
	}
}

func TestProcessPairNoReplyAtZeroRate(t *testing.T) {
	h := newHarness(t, &fakeTransport{})

	if err := h.worker.processPair(context.Background(), "job-1", 0, pairAB(0)); err != nil {
		t.Fatalf("processPair failed: %v", err)
	}
	if len(h.transport.sent) != 1 {
		t.Errorf("sent %d messages at reply rate 0, want 1", len(h.transport.sent))
	}
}

// The sender's pool counterpart initiates inbound pairs; the reply draw
// applies only to warmup-originated traffic.
func TestProcessPairNoReplyForInboundPair(t *testing.T) {
	h := newHarness(t, &fakeTransport{})
	pair := &planner.ExchangePair{
		Sender: "a@example.com", Receiver: "b@example.com",
		Direction: planner.DirectionInbound, Round: 1, ReplyRate: 1.0,
	}

	if err := h.worker.processPair(context.Background(), "job-1", 0, pair); err != nil {
		t.Fatalf("processPair failed: %v", err)
	}
	if len(h.transport.sent) != 1 {
		t.Errorf("inbound pair drew a reply: %d sends, want 1", len(h.transport.sent))
	}
}

// Processing the same job twice, as a reclaimed stale claim does, must
// send and count each pair exactly once.
func TestRedeliveredJobDoesNotDoubleCount(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	h := newHarness(t, &fakeTransport{})
	h.worker.dedupe = NewRedisDeduper(client)

	if err := h.worker.processPair(context.Background(), "job-1", 0, pairAB(0)); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := h.worker.processPair(context.Background(), "job-1", 0, pairAB(0)); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}

	if len(h.transport.sent) != 1 {
		t.Fatalf("sent %d messages across redelivery, want 1", len(h.transport.sent))
	}
	confirmed, pending := h.ledger.Snapshot("a@example.com")
	if confirmed != 1 || pending != 0 {
		t.Errorf("ledger confirmed=%d pending=%d after redelivery, want 1/0", confirmed, pending)
	}
	if len(h.tracker.sent) != 1 {
		t.Errorf("tracker.sent = %v, want one record", h.tracker.sent)
	}
}

// A dedupe backend outage must not stop sending.
func TestDedupeErrorStillSends(t *testing.T) {
	h := newHarness(t, &fakeTransport{})
	h.worker.dedupe = failingDeduper{}

	if err := h.worker.processPair(context.Background(), "job-1", 0, pairAB(0)); err != nil {
		t.Fatalf("processPair failed: %v", err)
	}
	if len(h.transport.sent) != 1 {
		t.Errorf("sent %d messages with failing deduper, want 1", len(h.transport.sent))
	}
	confirmed, _ := h.ledger.Snapshot("a@example.com")
	if confirmed != 1 {
		t.Errorf("confirmed = %d, want 1", confirmed)
	}
}

type fakeQueue struct {
	acked  []string
	nacked []string
}

func (f *fakeQueue) Publish(ctx context.Context, round int, pairs []planner.ExchangePair, visibleAt time.Time) (string, error) {
	return "", nil
}
func (f *fakeQueue) Claim(ctx context.Context, workerID string) (*queue.Job, error) { return nil, nil }
func (f *fakeQueue) Ack(ctx context.Context, jobID string) error {
	f.acked = append(f.acked, jobID)
	return nil
}
func (f *fakeQueue) Nack(ctx context.Context, jobID string, delay time.Duration, reason string) error {
	f.nacked = append(f.nacked, jobID)
	return nil
}

func TestExecuteAcksAfterAllPairs(t *testing.T) {
	h := newHarness(t, &fakeTransport{})
	q := &fakeQueue{}
	h.worker.queue = q
	h.worker.ctx, h.worker.cancel = context.WithCancel(context.Background())
	defer h.worker.cancel()

	job := &queue.Job{ID: "job-1", Round: 1, Pairs: []planner.ExchangePair{
		*pairAB(0),
		{Sender: "b@example.com", Receiver: "a@example.com", Direction: planner.DirectionOutbound, Round: 1},
	}}
	h.worker.execute("dispatch-test", job)

	if len(q.acked) != 1 || q.acked[0] != "job-1" {
		t.Errorf("acked = %v, want job-1", q.acked)
	}
	if len(h.transport.sent) != 2 {
		t.Errorf("sent %d messages, want 2", len(h.transport.sent))
	}
}

// A pair whose sender vanished must not block the rest of the job.
func TestExecutePairIsolation(t *testing.T) {
	h := newHarness(t, &fakeTransport{})
	q := &fakeQueue{}
	h.worker.queue = q
	h.worker.ctx, h.worker.cancel = context.WithCancel(context.Background())
	defer h.worker.cancel()

	job := &queue.Job{ID: "job-2", Round: 1, Pairs: []planner.ExchangePair{
		{Sender: "gone@example.com", Receiver: "b@example.com", Round: 1},
		*pairAB(0),
	}}
	h.worker.execute("dispatch-test", job)

	if len(h.transport.sent) != 1 {
		t.Errorf("sent %d messages, want the surviving pair only", len(h.transport.sent))
	}
	if len(q.acked) != 1 {
		t.Errorf("job not acked after partial failure")
	}
}
