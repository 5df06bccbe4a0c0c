// Package ratelimit implements a fixed-window counter on Redis. Each window
// slot gets its own key so expiry handles cleanup; the Lua script keeps the
// increment and expiry atomic.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {current, ttl}
`)

type Limiter struct {
	rdb *redis.Client
	now func() time.Time
}

func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb, now: time.Now}
}

// Result reports one rate-limit decision.
type Result struct {
	Allowed           bool
	Remaining         int
	RetryAfterSeconds int
}

// Allow consumes one unit from the window for key. Redis failures deny the
// request: an unreachable limiter must not become an open gate.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) Result {
	if l.rdb == nil || limit <= 0 {
		return Result{Allowed: true, Remaining: limit}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	windowMs := window.Milliseconds()
	slot := l.now().UnixMilli() / windowMs
	slotKey := fmt.Sprintf("rl:%s:%d", key, slot)

	vals, err := incrScript.Run(ctx, l.rdb, []string{slotKey}, windowMs).Int64Slice()
	if err != nil || len(vals) != 2 {
		return Result{Allowed: false, RetryAfterSeconds: int(window.Seconds())}
	}
	count, ttlMs := vals[0], vals[1]
	retryAfter := int((ttlMs + 999) / 1000)
	if ttlMs < 0 {
		retryAfter = int(window.Seconds())
	}
	if count > int64(limit) {
		return Result{Allowed: false, RetryAfterSeconds: retryAfter}
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Remaining: remaining}
}
