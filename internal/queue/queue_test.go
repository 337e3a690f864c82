package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dhightnm/fly-overhead/internal/queue"
)

func newTestQueue(t *testing.T) (*queue.Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return queue.New(rdb, "flyoverhead:test", zaptest.NewLogger(t)), mr
}

func TestEnqueueReserve_FIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, []byte("first")))
	require.NoError(t, q.Enqueue(ctx, []byte("second")))

	msg, err := q.Reserve(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "first", string(msg))

	msg, err = q.Reserve(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "second", string(msg))
}

func TestReserve_TimeoutReturnsNil(t *testing.T) {
	q, _ := newTestQueue(t)

	msg, err := q.Reserve(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestPromote_MovesOnlyDueMessages(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, q.Schedule(ctx, []byte("due"), now.Add(-time.Second)))
	require.NoError(t, q.Schedule(ctx, []byte("also-due"), now.Add(-time.Minute)))
	require.NoError(t, q.Schedule(ctx, []byte("future"), now.Add(time.Hour)))

	moved, err := q.Promote(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	depth, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth.Ready)
	assert.Equal(t, int64(1), depth.Delayed)

	// The future message stays put on a second pass.
	moved, err = q.Promote(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
}

func TestPromote_RespectsLimit(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, q.Schedule(ctx, []byte(m), now.Add(-time.Second)))
	}

	moved, err := q.Promote(ctx, now, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	depth, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth.Delayed)
}

func TestPark_AndDeadLetters(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]string{"icao24": "a12b34"})
	require.NoError(t, q.Park(ctx, payload, "max attempts exceeded"))

	parked, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "max attempts exceeded", parked[0].Reason)
	assert.JSONEq(t, string(payload), string(parked[0].Payload))
}

func TestPark_KeepsNonJSONPayloadIntact(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// Garbage payloads are the common park case; they must survive
	// byte-for-byte for inspection.
	payload := []byte("{not json\x00\xff")
	require.NoError(t, q.Park(ctx, payload, "undecodable message"))

	parked, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "undecodable message", parked[0].Reason)
	assert.Equal(t, payload, parked[0].Payload)
}

func TestEnvelope_NextBackoff(t *testing.T) {
	env := queue.Envelope{Attempts: 1, MaxAttempts: 5, BackoffMS: 1000}
	assert.Equal(t, time.Second, env.NextBackoff())

	env.Attempts = 3
	assert.Equal(t, 4*time.Second, env.NextBackoff())

	// Jitter stays within [0, jitter).
	env.JitterMS = 500
	for i := 0; i < 20; i++ {
		d := env.NextBackoff()
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.Less(t, d, 4*time.Second+500*time.Millisecond)
	}
}

func TestEnvelope_Exhausted(t *testing.T) {
	env := queue.Envelope{Attempts: 2, MaxAttempts: 3}
	assert.False(t, env.Exhausted())
	env.Attempts = 3
	assert.True(t, env.Exhausted())
}
