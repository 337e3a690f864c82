// Package governor isolates misbehaving subscribers (feeder clients and
// webhook subscriptions) behind a per-subscriber token bucket and failure
// breaker.
//
// All state lives in Redis so every process and worker sees the same
// counters; mutations run as Lua scripts to stay race-free under
// concurrent dispatchers. A denial is never a failure: callers reschedule
// the work for the returned retry time.
package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Subscriber kinds, used to namespace governor keys.
const (
	KindFeeder  = "feeder"
	KindWebhook = "webhook"
)

// Denial reasons reported on a Decision.
const (
	ReasonRateLimited = "rate_limited"
	ReasonBreakerOpen = "breaker_open"
)

// Limits carries the per-subscriber policy. Webhook subscriptions store
// their own rate limit; feeders share a configured default.
type Limits struct {
	RatePerMinute    int
	BreakerThreshold int
	BreakerReset     time.Duration
}

// Decision is the outcome of a Check. When Allowed is false, RetryAt is
// the earliest instant the caller should try again.
type Decision struct {
	Allowed bool
	Reason  string
	RetryAt time.Time
}

// bucketScript refills the token bucket lazily from elapsed time and takes
// one token if available. Returns {allowed, retry_at_ms}.
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local b = redis.call('HMGET', KEYS[1], 'tokens', 'updated_at')
local tokens = tonumber(b[1])
local updated = tonumber(b[2])
if tokens == nil then
  tokens = capacity
  updated = now
end
local elapsed = (now - updated) / 1000.0
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * refill)
end
if tokens >= 1 then
  redis.call('HSET', KEYS[1], 'tokens', tokens - 1, 'updated_at', now)
  redis.call('PEXPIRE', KEYS[1], 120000)
  return {1, 0}
end
redis.call('HSET', KEYS[1], 'tokens', tokens, 'updated_at', now)
redis.call('PEXPIRE', KEYS[1], 120000)
local wait = math.ceil((1 - tokens) / refill * 1000)
return {0, now + wait}
`)

// breakerCheckScript implements the closed/open/half-open state machine's
// read side. An open breaker past its reset window flips to half-open and
// lets exactly one probe through; checks racing that probe are denied
// until it resolves. Returns {allowed, retry_at_ms}.
var breakerCheckScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == false or state == 'closed' then
  return {1, 0}
end
local opened = tonumber(redis.call('HGET', KEYS[1], 'opened_at') or '0')
local reset = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
if state == 'open' and now - opened >= reset then
  redis.call('HSET', KEYS[1], 'state', 'half_open')
  return {1, 0}
end
local retry = opened + reset
if retry <= now then
  retry = now + 1000
end
return {0, retry}
`)

// breakerFailureScript records a failure: the threshold'th failure while
// closed opens the breaker, and any failure during a half-open probe
// re-opens it with a fresh reset window.
var breakerFailureScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'half_open' then
  redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', ARGV[2], 'failures', ARGV[1])
  return 'open'
end
local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
if failures >= tonumber(ARGV[1]) then
  redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', ARGV[2])
  return 'open'
end
return 'closed'
`)

// breakerSuccessScript closes the breaker and zeroes the counter; both
// for a success while closed and for a successful half-open probe.
var breakerSuccessScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', 0)
return 'closed'
`)

// Governor is the shared per-subscriber admission control for one kind of
// subscriber.
type Governor struct {
	rdb    *redis.Client
	kind   string
	logger *zap.Logger
}

// New creates a governor for the given subscriber kind.
func New(rdb *redis.Client, kind string, logger *zap.Logger) *Governor {
	return &Governor{rdb: rdb, kind: kind, logger: logger}
}

func (g *Governor) bucketKey(id string) string {
	return fmt.Sprintf("flyoverhead:governor:%s:%s:bucket", g.kind, id)
}

func (g *Governor) breakerKey(id string) string {
	return fmt.Sprintf("flyoverhead:governor:%s:%s:breaker", g.kind, id)
}

// Check consults the breaker first, then the token bucket. It consumes a
// token only when the breaker admits the request.
func (g *Governor) Check(ctx context.Context, id string, lim Limits) (Decision, error) {
	now := time.Now()

	res, err := breakerCheckScript.Run(ctx, g.rdb,
		[]string{g.breakerKey(id)},
		lim.BreakerReset.Milliseconds(), now.UnixMilli(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("governor %s/%s: breaker check: %w", g.kind, id, err)
	}
	if res[0].(int64) == 0 {
		return Decision{
			Allowed: false,
			Reason:  ReasonBreakerOpen,
			RetryAt: time.UnixMilli(res[1].(int64)),
		}, nil
	}

	refillPerSec := float64(lim.RatePerMinute) / 60.0
	res, err = bucketScript.Run(ctx, g.rdb,
		[]string{g.bucketKey(id)},
		lim.RatePerMinute, refillPerSec, now.UnixMilli(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("governor %s/%s: bucket check: %w", g.kind, id, err)
	}
	if res[0].(int64) == 0 {
		return Decision{
			Allowed: false,
			Reason:  ReasonRateLimited,
			RetryAt: time.UnixMilli(res[1].(int64)),
		}, nil
	}

	return Decision{Allowed: true}, nil
}

// RecordSuccess resets the failure counter and closes the breaker.
func (g *Governor) RecordSuccess(ctx context.Context, id string) error {
	err := breakerSuccessScript.Run(ctx, g.rdb, []string{g.breakerKey(id)}).Err()
	if err != nil {
		return fmt.Errorf("governor %s/%s: record success: %w", g.kind, id, err)
	}
	return nil
}

// RecordFailure bumps the failure counter and reports whether the breaker
// is now open.
func (g *Governor) RecordFailure(ctx context.Context, id string, lim Limits) (bool, error) {
	state, err := breakerFailureScript.Run(ctx, g.rdb,
		[]string{g.breakerKey(id)},
		lim.BreakerThreshold, time.Now().UnixMilli(),
	).Text()
	if err != nil {
		return false, fmt.Errorf("governor %s/%s: record failure: %w", g.kind, id, err)
	}
	if state == "open" {
		g.logger.Warn("breaker opened",
			zap.String("kind", g.kind),
			zap.String("subscriber", id),
		)
		return true, nil
	}
	return false, nil
}
