/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "paygate:tps:"

const SystemScope = "system"

func MerchantScope(merchantID string) string {
	return "merchant:" + merchantID
}

func ChannelScope(channelID string) string {
	return "channel:" + channelID
}

// LimitExceededError is returned when a scope has used up its window.
type LimitExceededError struct {
	Scope      string
	Limit      int
	RetryAfter time.Duration
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d per window, retry after %s", e.Scope, e.Limit, e.RetryAfter)
}

// Limiter admits one unit of work for a scope. A limit <= 0 always admits.
type Limiter interface {
	Consume(ctx context.Context, scope string, limit int, window time.Duration) error
}

// consumeScript increments the counter for the current window and sets its
// expiry on the first hit. Returns the new count and the remaining TTL in ms.
var consumeScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter is a fixed-window counter shared by every process using the same Redis.
type RedisLimiter struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

func windowStart(now time.Time, window time.Duration) int64 {
	ms := window.Milliseconds()
	if ms <= 0 {
		ms = 1000
	}
	return now.UnixMilli() / ms * ms
}

func (l *RedisLimiter) Consume(ctx context.Context, scope string, limit int, window time.Duration) error {
	if limit <= 0 {
		return nil
	}
	if window <= 0 {
		window = time.Second
	}

	key := fmt.Sprintf("%s%s:%d", keyPrefix, scope, windowStart(l.now(), window))
	res, err := consumeScript.Run(ctx, l.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return fmt.Errorf("failed to consume rate limit for %s: %w", scope, err)
	}
	if len(res) != 2 {
		return fmt.Errorf("unexpected rate limit reply for %s: %v", scope, res)
	}

	if res[0] > int64(limit) {
		retryAfter := time.Duration(res[1]) * time.Millisecond
		if retryAfter <= 0 {
			retryAfter = window
		}
		return &LimitExceededError{Scope: scope, Limit: limit, RetryAfter: retryAfter}
	}
	return nil
}

type counter struct {
	start int64
	count int
}

// MemoryLimiter has the same semantics as RedisLimiter within one process.
type MemoryLimiter struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{counters: make(map[string]*counter), now: time.Now}
}

func (l *MemoryLimiter) Consume(_ context.Context, scope string, limit int, window time.Duration) error {
	if limit <= 0 {
		return nil
	}
	if window <= 0 {
		window = time.Second
	}

	now := l.now()
	start := windowStart(now, window)

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[scope]
	if !ok || c.start != start {
		c = &counter{start: start}
		l.counters[scope] = c
	}
	c.count++

	if c.count > limit {
		end := time.UnixMilli(start).Add(window)
		return &LimitExceededError{Scope: scope, Limit: limit, RetryAfter: end.Sub(now)}
	}
	return nil
}
