package quota

import (
	"context"
	"log"
	"time"

	"github.com/ignite/warmup-engine/internal/account"
	"github.com/ignite/warmup-engine/internal/pkg/distlock"
)

// DailyReset watches for the local day boundary. When a new day starts it
// zeroes the ledger and, under a distributed lock so only one process
// does it, advances every active account's warmup day count.
type DailyReset struct {
	ledger    *Ledger
	directory account.Directory
	lock      distlock.DistLock
	loc       *time.Location
	interval  time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	lastDay   string
}

// NewDailyReset creates the reset loop. lock may be nil in single-process
// deployments; the curve then advances without cross-process coordination.
func NewDailyReset(ledger *Ledger, directory account.Directory, lock distlock.DistLock, loc *time.Location, interval time.Duration) *DailyReset {
	if loc == nil {
		loc = time.UTC
	}
	return &DailyReset{
		ledger:    ledger,
		directory: directory,
		lock:      lock,
		loc:       loc,
		interval:  interval,
		lastDay:   time.Now().In(loc).Format("2006-01-02"),
	}
}

// Start begins the reset loop.
func (r *DailyReset) Start() {
	r.ctx, r.cancel = context.WithCancel(context.Background())
	go func() {
		log.Println("[DailyReset] Watching for day boundary")
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.tick()
			case <-r.ctx.Done():
				log.Println("[DailyReset] Stopped")
				return
			}
		}
	}()
}

// Stop halts the reset loop.
func (r *DailyReset) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *DailyReset) tick() {
	today := time.Now().In(r.loc).Format("2006-01-02")
	if today == r.lastDay {
		return
	}
	r.lastDay = today

	// Every process zeroes its own in-memory counts.
	r.ledger.ResetDay()
	log.Printf("[DailyReset] Ledger reset for %s", today)

	// Exactly one process advances the quota curve.
	if r.lock != nil {
		acquired, err := r.lock.Acquire(r.ctx)
		if err != nil {
			log.Printf("[DailyReset] Lock error, skipping curve advance: %v", err)
			return
		}
		if !acquired {
			return
		}
		defer r.lock.Release(r.ctx)
	}

	n, err := r.directory.AdvanceWarmupDays(r.ctx)
	if err != nil {
		log.Printf("[DailyReset] Failed to advance warmup days: %v", err)
		return
	}
	log.Printf("[DailyReset] Advanced warmup day count for %d accounts", n)
}
