package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisLockAcquireRelease(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	lock := NewRedisLock(client, "warmup:lock:daily-reset", time.Minute)

	ok, err := lock.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("first Acquire should succeed")
	}

	// The key is stored exactly as passed, under the engine's namespace.
	if !mr.Exists("warmup:lock:daily-reset") {
		t.Error("lock key not stored verbatim")
	}

	other := NewRedisLock(client, "warmup:lock:daily-reset", time.Minute)
	ok, err = other.Acquire(ctx)
	if err != nil {
		t.Fatalf("contending Acquire failed: %v", err)
	}
	if ok {
		t.Error("second Acquire should fail while the lock is held")
	}

	// A contender's Release must not free a lock it does not own.
	if err := other.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !mr.Exists("warmup:lock:daily-reset") {
		t.Error("non-owner Release removed the lock")
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("owner Release failed: %v", err)
	}
	ok, err = other.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	if !ok {
		t.Error("lock should be free after the owner released it")
	}
}

func TestPGAdvisoryLockIDDeterministic(t *testing.T) {
	a := NewPGAdvisoryLock(nil, "warmup:lock:scheduler")
	b := NewPGAdvisoryLock(nil, "warmup:lock:scheduler")
	if a.lockID != b.lockID {
		t.Error("same key must derive the same advisory lock id")
	}
	c := NewPGAdvisoryLock(nil, "warmup:lock:daily-reset")
	if a.lockID == c.lockID {
		t.Error("different keys should derive different advisory lock ids")
	}
}
