// Package scheduler turns the eligible cohort into a published plan.
// Each pass reads remaining quota, builds the pairing plan, and stores
// one queue job per round with a staggered visibility time.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ignite/warmup-engine/internal/account"
	"github.com/ignite/warmup-engine/internal/pkg/distlock"
	"github.com/ignite/warmup-engine/internal/pkg/logger"
	"github.com/ignite/warmup-engine/internal/planner"
	"github.com/ignite/warmup-engine/internal/quota"
	"github.com/ignite/warmup-engine/internal/queue"
)

// ErrPassInFlight is returned when a scheduling pass is requested while
// another one is still running. At most one pass runs at a time.
var ErrPassInFlight = fmt.Errorf("scheduling pass already in flight")

// PassResult summarizes one completed scheduling pass.
type PassResult struct {
	Eligible    int       `json:"eligible_accounts"`
	Rounds      int       `json:"rounds"`
	Pairs       int       `json:"pairs"`
	FirstSlot   time.Time `json:"first_slot,omitempty"`
	LastSlot    time.Time `json:"last_slot,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Scheduler builds and publishes warmup plans.
type Scheduler struct {
	directory account.Directory
	ledger    *quota.Ledger
	queue     queue.Queue
	lock      distlock.DistLock

	replyRateCap float64
	baseDelay    time.Duration
	spacing      time.Duration
	interval     time.Duration

	mu       sync.Mutex
	inFlight bool

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a scheduler. lock may be nil for single-process
// deployments; when set, a pass that loses the lock publishes nothing.
func New(directory account.Directory, ledger *quota.Ledger, q queue.Queue, lock distlock.DistLock, replyRateCap float64, baseDelay, spacing, interval time.Duration) *Scheduler {
	return &Scheduler{
		directory:    directory,
		ledger:       ledger,
		queue:        q,
		lock:         lock,
		replyRateCap: replyRateCap,
		baseDelay:    baseDelay,
		spacing:      spacing,
		interval:     interval,
	}
}

// Start runs periodic scheduling passes until Stop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	log.Printf("[Scheduler] Starting (interval %s)", s.interval)
	s.wg.Add(1)
	go s.loop()
}

// Stop halts the periodic loop and waits for an in-flight pass.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	log.Println("[Scheduler] Stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunPass(s.runCtx); err != nil && err != ErrPassInFlight {
				log.Printf("[Scheduler] Pass failed: %v", err)
			}
		}
	}
}

// RunPass executes one scheduling pass: snapshot remaining quota, build
// the plan, publish one job per round. Publishing happens only after the
// full plan is built, so a failed pass leaves no partial schedule behind
// a successfully built one.
func (s *Scheduler) RunPass(ctx context.Context) (*PassResult, error) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return nil, ErrPassInFlight
	}
	s.inFlight = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	if s.lock != nil {
		acquired, err := s.lock.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire scheduler lock: %w", err)
		}
		if !acquired {
			logger.Debug("scheduling pass skipped, another instance holds the lock")
			return &PassResult{ScheduledAt: time.Now()}, nil
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("scheduler lock release failed", "error", err.Error())
			}
		}()
	}

	accounts, err := s.directory.ListEligible(ctx)
	if err != nil {
		return nil, fmt.Errorf("list eligible accounts: %w", err)
	}

	candidates := s.buildCandidates(accounts)
	plan := planner.BuildPlan(candidates)

	result := &PassResult{
		Eligible:    len(candidates),
		Rounds:      len(plan.Rounds),
		Pairs:       plan.TotalPairs(),
		ScheduledAt: time.Now(),
	}
	if plan.Empty() {
		logger.Info("scheduling pass produced no work", "eligible", len(candidates))
		return result, nil
	}

	now := time.Now()
	for i, round := range plan.Rounds {
		visibleAt := now.Add(s.baseDelay + time.Duration(i)*s.spacing)
		jobID, err := s.queue.Publish(ctx, round.Number, round.Pairs, visibleAt)
		if err != nil {
			return nil, fmt.Errorf("publish round %d: %w", round.Number, err)
		}
		if i == 0 {
			result.FirstSlot = visibleAt
		}
		result.LastSlot = visibleAt
		logger.Debug("round published",
			"job_id", jobID, "round", round.Number,
			"pairs", len(round.Pairs), "visible_at", visibleAt.Format(time.RFC3339))
	}

	logger.Info("scheduling pass complete",
		"eligible", result.Eligible, "rounds", result.Rounds, "pairs", result.Pairs)
	return result, nil
}

// buildCandidates converts eligible accounts into planner candidates.
// The send limit is today's remaining quota, so accounts that already
// hit their cap drop out of the plan entirely.
func (s *Scheduler) buildCandidates(accounts []*account.Account) []planner.Candidate {
	candidates := make([]planner.Candidate, 0, len(accounts))
	for _, a := range accounts {
		remaining := s.ledger.DailyQuota(a) - s.ledger.UsedToday(a.Email)
		if remaining <= 0 {
			continue
		}
		candidates = append(candidates, planner.Candidate{
			Email:     a.Email,
			Kind:      a.Kind,
			SendLimit: remaining,
			ReplyRate: a.EffectiveReplyRate(s.replyRateCap),
		})
	}
	return candidates
}
