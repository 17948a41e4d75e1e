package quota

import (
	"context"
	"sync"
	"testing"

	"github.com/ignite/warmup-engine/internal/account"
)

func testCaps() Caps {
	return Caps{GlobalDailyCap: 25, PoolDailyCap: 100}
}

func warmupAccount(email string, dayCount int) *account.Account {
	return &account.Account{
		Email:          email,
		Kind:           account.KindCustomSMTP,
		Status:         account.StatusActive,
		WarmupDayCount: dayCount,
		StartPerDay:    3,
		IncreasePerDay: 3,
		MaxPerDay:      25,
	}
}

func TestDailyQuotaCurve(t *testing.T) {
	l := NewLedger(testCaps(), nil)

	// start=3, increase=3, max=25
	tests := []struct {
		dayCount int
		want     int
	}{
		{0, 3},   // 3+3*0
		{7, 24},  // 3+3*7, still under the cap
		{20, 25}, // raw 63 clamps to the global cap
	}
	for _, tt := range tests {
		a := warmupAccount("curve@example.com", tt.dayCount)
		if got := l.DailyQuota(a); got != tt.want {
			t.Errorf("day %d: quota = %d, want %d", tt.dayCount, got, tt.want)
		}
	}
}

func TestDailyQuotaMonotonic(t *testing.T) {
	l := NewLedger(testCaps(), nil)
	prev := 0
	for day := 0; day <= 30; day++ {
		a := warmupAccount("mono@example.com", day)
		q := l.DailyQuota(a)
		if q < prev {
			t.Fatalf("quota decreased from %d to %d at day %d", prev, q, day)
		}
		if q > 25 {
			t.Fatalf("quota %d exceeds global cap at day %d", q, day)
		}
		prev = q
	}
	if prev != 25 {
		t.Errorf("quota should saturate at 25, got %d", prev)
	}
}

func TestDailyQuotaFloor(t *testing.T) {
	l := NewLedger(testCaps(), nil)
	a := &account.Account{Email: "floor@example.com", Kind: account.KindGoogle, MaxPerDay: 25}
	if got := l.DailyQuota(a); got != 1 {
		t.Errorf("zero-parameter account quota = %d, want floor of 1", got)
	}
}

func TestDailyQuotaPoolCeiling(t *testing.T) {
	l := NewLedger(testCaps(), nil)
	a := &account.Account{
		Email:       "pool@example.com",
		Kind:        account.KindPool,
		StartPerDay: 500,
		MaxPerDay:   500,
	}
	if got := l.DailyQuota(a); got != 100 {
		t.Errorf("pool quota = %d, want pool ceiling 100", got)
	}
}

func TestReserveConfirmRelease(t *testing.T) {
	l := NewLedger(testCaps(), nil)
	a := warmupAccount("flow@example.com", 0) // quota 3

	if err := l.Reserve(a, 1); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}
	if err := l.Reserve(a, 2); err != nil {
		t.Fatalf("second reserve failed: %v", err)
	}
	if err := l.Reserve(a, 1); err != ErrQuotaExceeded {
		t.Fatalf("reserve over quota: got %v, want ErrQuotaExceeded", err)
	}
	if l.CanSend(a) {
		t.Error("CanSend should be false at quota")
	}

	if err := l.Confirm(context.Background(), a.Email, 1); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if err := l.Release(a.Email, 2); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	confirmed, pending := l.Snapshot(a.Email)
	if confirmed != 1 || pending != 0 {
		t.Errorf("snapshot = (%d, %d), want (1, 0)", confirmed, pending)
	}
	if !l.CanSend(a) {
		t.Error("CanSend should be true again after release")
	}
}

func TestRejectedReservationChangesNothing(t *testing.T) {
	l := NewLedger(testCaps(), nil)
	a := warmupAccount("atomic@example.com", 0) // quota 3

	if err := l.Reserve(a, 2); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := l.Reserve(a, 2); err != ErrQuotaExceeded {
		t.Fatalf("got %v, want ErrQuotaExceeded", err)
	}
	_, pending := l.Snapshot(a.Email)
	if pending != 2 {
		t.Errorf("pending = %d after rejected reserve, want 2", pending)
	}
}

func TestConfirmWithoutReservation(t *testing.T) {
	l := NewLedger(testCaps(), nil)
	if err := l.Confirm(context.Background(), "ghost@example.com", 1); err != ErrNoReservation {
		t.Errorf("got %v, want ErrNoReservation", err)
	}
	if err := l.Release("ghost@example.com", 1); err != ErrNoReservation {
		t.Errorf("got %v, want ErrNoReservation", err)
	}
}

func TestMarkBlocked(t *testing.T) {
	l := NewLedger(testCaps(), nil)
	a := warmupAccount("spam@example.com", 10)

	l.MarkBlocked(a.Email)
	if l.CanSend(a) {
		t.Error("blocked account should not be sendable")
	}
	if err := l.Reserve(a, 1); err != ErrQuotaExceeded {
		t.Errorf("reserve on blocked account: got %v, want ErrQuotaExceeded", err)
	}

	l.ResetDay()
	if !l.CanSend(a) {
		t.Error("daily reset should clear mid-day blocks")
	}
}

// The quota invariant must hold at every observation point even under
// concurrent reservations.
func TestQuotaInvariantConcurrent(t *testing.T) {
	l := NewLedger(testCaps(), nil)
	a := warmupAccount("race@example.com", 7) // quota 24

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Reserve(a, 1); err == nil {
				_ = l.Confirm(context.Background(), a.Email, 1)
			}
		}()
	}
	wg.Wait()

	confirmed, pending := l.Snapshot(a.Email)
	if confirmed+pending > l.DailyQuota(a) {
		t.Errorf("invariant violated: confirmed %d + pending %d > quota %d",
			confirmed, pending, l.DailyQuota(a))
	}
	if confirmed != 24 {
		t.Errorf("confirmed = %d, want exactly the quota 24", confirmed)
	}
}

func TestResetDayZeroesCounters(t *testing.T) {
	l := NewLedger(testCaps(), nil)
	a := warmupAccount("reset@example.com", 0)

	if err := l.Reserve(a, 3); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	l.ResetDay()

	confirmed, pending := l.Snapshot(a.Email)
	if confirmed != 0 || pending != 0 {
		t.Errorf("counters after reset = (%d, %d), want (0, 0)", confirmed, pending)
	}
	if l.UsedToday(a.Email) != 0 {
		t.Error("UsedToday should be 0 after reset")
	}
}
