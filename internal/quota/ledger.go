// Package quota implements the per-account daily send-quota ledger.
// In-memory counts are the single source of truth for admission control;
// confirmed counts persist asynchronously to Redis and are reloaded on
// process start, never the other way around.
package quota

import (
	"context"
	"fmt"
	"sync"

	"github.com/ignite/warmup-engine/internal/account"
	"github.com/ignite/warmup-engine/internal/pkg/logger"
)

// ErrQuotaExceeded is returned when a reservation would push an account
// past its daily quota.
var ErrQuotaExceeded = fmt.Errorf("daily quota exceeded")

// ErrNoReservation is returned when a confirm or release has no matching
// outstanding reservation.
var ErrNoReservation = fmt.Errorf("no outstanding reservation")

type entry struct {
	confirmed int
	pending   int
}

// Caps carries the system-wide quota ceilings.
type Caps struct {
	// GlobalDailyCap bounds every warmup account's quota regardless of
	// its configured maximum.
	GlobalDailyCap int
	// PoolDailyCap bounds pool accounts, which run a larger ceiling.
	PoolDailyCap int
}

// Ledger tracks confirmed and reserved sends per account for the current
// day. All mutation goes through Reserve/Confirm/Release; nothing else in
// the process may touch the counts.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*entry
	blocked map[string]bool
	caps    Caps
	store   CounterStore
}

// NewLedger creates an empty ledger. store may be a NoopStore when Redis
// is not configured.
func NewLedger(caps Caps, store CounterStore) *Ledger {
	if store == nil {
		store = NoopStore{}
	}
	return &Ledger{
		entries: make(map[string]*entry),
		blocked: make(map[string]bool),
		caps:    caps,
		store:   store,
	}
}

// DailyQuota computes the account's allowance for today:
// clamp(start + increase*dayCount, 1, min(maxPerDay, cap)).
func (l *Ledger) DailyQuota(a *account.Account) int {
	ceiling := l.caps.GlobalDailyCap
	if a.Kind == account.KindPool {
		ceiling = l.caps.PoolDailyCap
	}

	max := a.MaxPerDay
	if max <= 0 || max > ceiling {
		max = ceiling
	}

	raw := a.StartPerDay + a.IncreasePerDay*a.WarmupDayCount
	if raw < 1 {
		raw = 1
	}
	if raw > max {
		raw = max
	}
	return raw
}

// CanSend reports whether the account may take one more reservation.
func (l *Ledger) CanSend(a *account.Account) bool {
	quota := l.DailyQuota(a)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.blocked[a.Email] {
		return false
	}
	e := l.entries[a.Email]
	if e == nil {
		return quota > 0
	}
	return e.confirmed+e.pending < quota
}

// Reserve takes a provisional hold of n sends. The reservation is
// rejected atomically when it would exceed the daily quota; on rejection
// no state changes.
func (l *Ledger) Reserve(a *account.Account, n int) error {
	if n <= 0 {
		return fmt.Errorf("reserve: n must be positive")
	}
	quota := l.DailyQuota(a)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.blocked[a.Email] {
		return ErrQuotaExceeded
	}
	e := l.entries[a.Email]
	if e == nil {
		e = &entry{}
		l.entries[a.Email] = e
	}
	if e.confirmed+e.pending+n > quota {
		return ErrQuotaExceeded
	}
	e.pending += n
	return nil
}

// Confirm moves n units from pending to confirmed after a verified send
// and persists the new confirmed count asynchronously.
func (l *Ledger) Confirm(ctx context.Context, email string, n int) error {
	if n <= 0 {
		return fmt.Errorf("confirm: n must be positive")
	}

	l.mu.Lock()
	e := l.entries[email]
	if e == nil || e.pending < n {
		l.mu.Unlock()
		return ErrNoReservation
	}
	e.pending -= n
	e.confirmed += n
	l.mu.Unlock()

	// Persistence is best-effort; the in-memory count already moved.
	go func() {
		if _, err := l.store.IncrConfirmed(context.WithoutCancel(ctx), email, n); err != nil {
			logger.Warn("quota persist failed", "email", email, "error", err.Error())
		}
	}()
	return nil
}

// Release reverses a reservation whose send never happened.
func (l *Ledger) Release(email string, n int) error {
	if n <= 0 {
		return fmt.Errorf("release: n must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entries[email]
	if e == nil || e.pending < n {
		return ErrNoReservation
	}
	e.pending -= n
	return nil
}

// MarkBlocked excludes an account from CanSend until the next daily
// reset. Used when a spam complaint or policy block lands mid-day.
func (l *Ledger) MarkBlocked(email string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked[email] = true
}

// UsedToday returns confirmed+pending for the account, the planner's
// "already reserved today" input.
func (l *Ledger) UsedToday(email string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[email]
	if e == nil {
		return 0
	}
	return e.confirmed + e.pending
}

// Snapshot returns the confirmed and pending counts for one account.
func (l *Ledger) Snapshot(email string) (confirmed, pending int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[email]
	if e == nil {
		return 0, 0
	}
	return e.confirmed, e.pending
}

// ResetDay zeroes every counter and clears mid-day blocks at the daily
// boundary.
func (l *Ledger) ResetDay() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*entry)
	l.blocked = make(map[string]bool)
}

// Rebuild loads today's confirmed counts from the counter store after a
// restart. Pending reservations are process-local and start at zero.
func (l *Ledger) Rebuild(ctx context.Context) error {
	counts, err := l.store.ConfirmedCounts(ctx)
	if err != nil {
		return fmt.Errorf("rebuild ledger: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*entry)
	for email, n := range counts {
		l.entries[email] = &entry{confirmed: n}
	}
	logger.Info("ledger rebuilt", "accounts", fmt.Sprintf("%d", len(counts)))
	return nil
}
