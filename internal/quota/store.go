package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore persists confirmed send counts per account per day.
// The ledger writes asynchronously and reads only on Rebuild.
type CounterStore interface {
	IncrConfirmed(ctx context.Context, email string, n int) (int64, error)
	ConfirmedCounts(ctx context.Context) (map[string]int, error)
}

// NoopStore drops all writes and rebuilds to an empty ledger. Used when
// Redis is not configured; the engine then relies purely on in-memory
// counts for the lifetime of the process.
type NoopStore struct{}

func (NoopStore) IncrConfirmed(ctx context.Context, email string, n int) (int64, error) {
	return 0, nil
}

func (NoopStore) ConfirmedCounts(ctx context.Context) (map[string]int, error) {
	return map[string]int{}, nil
}

// Lua script for atomic increment-with-TTL of a daily counter.
// The TTL is set only when the key is created so a day's counter
// expires two days after its first send, independent of later writes.
const incrDailyLuaScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
    redis.call("EXPIRE", key, ttl)
end

return newVal
`

// RedisCounterStore keeps day-scoped confirmed counters in Redis under
// warmup:sent:<email>:day:<2006-01-02>.
type RedisCounterStore struct {
	client     *redis.Client
	incrScript *redis.Script
	loc        *time.Location
}

// NewRedisCounterStore creates a Redis-backed counter store. Day
// boundaries are evaluated in loc (UTC when nil).
func NewRedisCounterStore(client *redis.Client, loc *time.Location) *RedisCounterStore {
	if loc == nil {
		loc = time.UTC
	}
	return &RedisCounterStore{
		client:     client,
		incrScript: redis.NewScript(incrDailyLuaScript),
		loc:        loc,
	}
}

func (s *RedisCounterStore) dayKey(email string) string {
	day := time.Now().In(s.loc).Format("2006-01-02")
	return fmt.Sprintf("warmup:sent:%s:day:%s", email, day)
}

// IncrConfirmed atomically adds n to today's confirmed counter for the
// account and returns the new total.
func (s *RedisCounterStore) IncrConfirmed(ctx context.Context, email string, n int) (int64, error) {
	ttl := int((48 * time.Hour).Seconds())
	result, err := s.incrScript.Run(ctx, s.client, []string{s.dayKey(email)}, n, ttl).Result()
	if err != nil {
		return 0, fmt.Errorf("incr confirmed count: %w", err)
	}
	total, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("incr confirmed count: unexpected result type %T", result)
	}
	return total, nil
}

// ConfirmedCounts scans today's counters and returns a count per email.
func (s *RedisCounterStore) ConfirmedCounts(ctx context.Context) (map[string]int, error) {
	day := time.Now().In(s.loc).Format("2006-01-02")
	pattern := fmt.Sprintf("warmup:sent:*:day:%s", day)
	suffix := fmt.Sprintf(":day:%s", day)

	counts := make(map[string]int)
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan confirmed counters: %w", err)
		}
		for _, key := range keys {
			val, err := s.client.Get(ctx, key).Int()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("read counter %s: %w", key, err)
			}
			email := key[len("warmup:sent:") : len(key)-len(suffix)]
			counts[email] = val
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return counts, nil
}
