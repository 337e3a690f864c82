// Package queue implements the Redis-backed durable queues that decouple
// the source adapters from the ingestion worker and the webhook publisher
// from the dispatcher.
//
// Each named queue is three Redis structures sharing a key prefix:
//
//	<name>          main list, FIFO (LPUSH head, BRPOP tail)
//	<name>:delayed  sorted set scored by available_at in unix milliseconds
//	<name>:dlq      dead-letter list for messages that exhausted retries
//
// Delivery is at-least-once: a consumer crash between reserve and persist
// re-delivers the message, so consumers must be idempotent. Promotion from
// the delayed set to the main list runs as a Lua script so that no message
// is ever visible in both structures.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Key prefixes for the two queues the core runs.
const (
	KeyIngest   = "flyoverhead:aircraft_ingest"
	KeyWebhooks = "flyoverhead:webhooks"
)

const (
	delayedSuffix = ":delayed"
	dlqSuffix     = ":dlq"
)

// promoteScript atomically moves up to ARGV[2] messages whose score is due
// (≤ ARGV[1]) from the delayed set into the main list.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #due == 0 then
  return 0
end
for i = 1, #due do
  redis.call('LPUSH', KEYS[2], due[i])
  redis.call('ZREM', KEYS[1], due[i])
end
return #due
`)

// Envelope is the retry bookkeeping every queue message embeds. Backoff and
// attempt caps travel with the message so each source or subscription can
// carry its own policy.
type Envelope struct {
	Attempts    int   `json:"attempts"`
	MaxAttempts int   `json:"max_attempts"`
	BackoffMS   int64 `json:"backoff_ms"`
	JitterMS    int64 `json:"jitter_ms,omitempty"`
	AvailableAt int64 `json:"available_at,omitempty"`
}

// NextBackoff returns base·2^(attempts−1) plus uniform jitter, computed
// from the already-incremented attempt counter.
func (e *Envelope) NextBackoff() time.Duration {
	attempts := e.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := time.Duration(e.BackoffMS) * time.Millisecond << (attempts - 1)
	if e.JitterMS > 0 {
		backoff += time.Duration(rand.Int63n(e.JitterMS)) * time.Millisecond
	}
	return backoff
}

// Exhausted reports whether the message has used up its retry budget.
func (e *Envelope) Exhausted() bool {
	return e.Attempts >= e.MaxAttempts
}

// ParkedMessage wraps a dead-lettered payload with the reason it came to
// rest, for operator inspection. Payload is raw bytes, not RawMessage:
// undecodable messages are exactly what gets parked, and wrapping them as
// JSON would lose them.
type ParkedMessage struct {
	Reason   string    `json:"reason"`
	ParkedAt time.Time `json:"parked_at"`
	Payload  []byte    `json:"payload"`
}

// Depth is a point-in-time census of one queue's three structures.
type Depth struct {
	Ready   int64 `json:"ready"`
	Delayed int64 `json:"delayed"`
	Dead    int64 `json:"dead"`
}

// Queue is one named durable queue.
type Queue struct {
	rdb    *redis.Client
	name   string
	logger *zap.Logger
}

// New returns a queue rooted at the given key prefix.
func New(rdb *redis.Client, name string, logger *zap.Logger) *Queue {
	return &Queue{rdb: rdb, name: name, logger: logger}
}

// Name returns the queue's key prefix.
func (q *Queue) Name() string { return q.name }

// Enqueue pushes a message onto the head of the main list.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) error {
	if err := q.rdb.LPush(ctx, q.name, payload).Err(); err != nil {
		return fmt.Errorf("queue %s: enqueue: %w", q.name, err)
	}
	return nil
}

// Reserve blocking-pops one message from the tail of the main list. It
// returns (nil, nil) when the timeout elapses with no message available.
func (q *Queue) Reserve(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.name).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue %s: reserve: %w", q.name, err)
	}
	// BRPOP returns [key, value].
	return []byte(res[1]), nil
}

// Schedule adds a message to the delayed set, due at t.
func (q *Queue) Schedule(ctx context.Context, payload []byte, t time.Time) error {
	err := q.rdb.ZAdd(ctx, q.name+delayedSuffix, redis.Z{
		Score:  float64(t.UnixMilli()),
		Member: payload,
	}).Err()
	if err != nil {
		return fmt.Errorf("queue %s: schedule: %w", q.name, err)
	}
	return nil
}

// Promote atomically moves up to n due messages from the delayed set to the
// main list and returns how many moved.
func (q *Queue) Promote(ctx context.Context, now time.Time, n int) (int, error) {
	moved, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.name + delayedSuffix, q.name},
		now.UnixMilli(), n,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("queue %s: promote: %w", q.name, err)
	}
	return moved, nil
}

// Park pushes a message onto the dead-letter list. Parked messages are the
// only ones that come to rest without succeeding; they are left for manual
// inspection.
func (q *Queue) Park(ctx context.Context, payload []byte, reason string) error {
	parked, err := json.Marshal(ParkedMessage{
		Reason:   reason,
		ParkedAt: time.Now().UTC(),
		Payload:  payload,
	})
	if err != nil {
		return fmt.Errorf("queue %s: park: %w", q.name, err)
	}
	if err := q.rdb.LPush(ctx, q.name+dlqSuffix, parked).Err(); err != nil {
		return fmt.Errorf("queue %s: park: %w", q.name, err)
	}
	q.logger.Warn("message parked in DLQ",
		zap.String("queue", q.name),
		zap.String("reason", reason),
	)
	return nil
}

// DeadLetters returns up to n of the most recently parked messages.
func (q *Queue) DeadLetters(ctx context.Context, n int) ([]ParkedMessage, error) {
	raw, err := q.rdb.LRange(ctx, q.name+dlqSuffix, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue %s: dead letters: %w", q.name, err)
	}
	out := make([]ParkedMessage, 0, len(raw))
	for _, item := range raw {
		var pm ParkedMessage
		if err := json.Unmarshal([]byte(item), &pm); err != nil {
			q.logger.Warn("undecodable DLQ entry", zap.String("queue", q.name), zap.Error(err))
			continue
		}
		out = append(out, pm)
	}
	return out, nil
}

// Stats reports the current depth of the three structures.
func (q *Queue) Stats(ctx context.Context) (Depth, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.LLen(ctx, q.name)
	delayed := pipe.ZCard(ctx, q.name+delayedSuffix)
	dead := pipe.LLen(ctx, q.name+dlqSuffix)
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("queue %s: stats: %w", q.name, err)
	}
	return Depth{
		Ready:   ready.Val(),
		Delayed: delayed.Val(),
		Dead:    dead.Val(),
	}, nil
}
