package governor_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dhightnm/fly-overhead/internal/governor"
)

func newGovernor(t *testing.T) *governor.Governor {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return governor.New(rdb, governor.KindWebhook, zaptest.NewLogger(t))
}

func limits() governor.Limits {
	return governor.Limits{
		RatePerMinute:    60,
		BreakerThreshold: 5,
		BreakerReset:     5 * time.Minute,
	}
}

func TestTokenBucket_DrainAndRetryAt(t *testing.T) {
	g := newGovernor(t)
	ctx := context.Background()
	lim := limits()

	// The bucket starts full: the first 60 checks pass.
	for i := 0; i < 60; i++ {
		d, err := g.Check(ctx, "sub-1", lim)
		require.NoError(t, err)
		require.True(t, d.Allowed, "check %d should pass", i)
	}

	// The 61st is denied with a retry roughly one refill interval away
	// (60/min ⇒ one token per second).
	d, err := g.Check(ctx, "sub-1", lim)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, governor.ReasonRateLimited, d.Reason)
	wait := time.Until(d.RetryAt)
	assert.Greater(t, wait, 500*time.Millisecond)
	assert.LessOrEqual(t, wait, 1500*time.Millisecond)
}

func TestTokenBucket_IsolatedPerSubscriber(t *testing.T) {
	g := newGovernor(t)
	ctx := context.Background()
	lim := governor.Limits{RatePerMinute: 1, BreakerThreshold: 5, BreakerReset: time.Minute}

	d, err := g.Check(ctx, "noisy", lim)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = g.Check(ctx, "noisy", lim)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// A different subscriber still has a full bucket.
	d, err = g.Check(ctx, "quiet", lim)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	g := newGovernor(t)
	ctx := context.Background()
	lim := limits()

	for i := 0; i < 4; i++ {
		open, err := g.RecordFailure(ctx, "sub-1", lim)
		require.NoError(t, err)
		assert.False(t, open, "failure %d must not open the breaker", i+1)
	}

	// The 5th failure trips it.
	open, err := g.RecordFailure(ctx, "sub-1", lim)
	require.NoError(t, err)
	assert.True(t, open)

	d, err := g.Check(ctx, "sub-1", lim)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, governor.ReasonBreakerOpen, d.Reason)
	assert.InDelta(t, time.Now().Add(lim.BreakerReset).UnixMilli(), d.RetryAt.UnixMilli(), 2000)
}

func TestBreaker_DenialDuringProbeRetriesInFuture(t *testing.T) {
	g := newGovernor(t)
	ctx := context.Background()
	lim := governor.Limits{RatePerMinute: 600, BreakerThreshold: 1, BreakerReset: 50 * time.Millisecond}

	open, err := g.RecordFailure(ctx, "sub-1", lim)
	require.NoError(t, err)
	require.True(t, open)

	time.Sleep(60 * time.Millisecond)

	// Reset elapsed: the first check becomes the half-open probe.
	d, err := g.Check(ctx, "sub-1", lim)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// A check racing the unresolved probe is denied, and its retry time
	// must lie ahead of now or deferred work would loop hot.
	before := time.Now()
	d, err = g.Check(ctx, "sub-1", lim)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, governor.ReasonBreakerOpen, d.Reason)
	assert.True(t, d.RetryAt.After(before), "retry %v not after %v", d.RetryAt, before)
}

func TestBreaker_SuccessWhileClosedResetsCounter(t *testing.T) {
	g := newGovernor(t)
	ctx := context.Background()
	lim := limits()

	for i := 0; i < 4; i++ {
		_, err := g.RecordFailure(ctx, "sub-1", lim)
		require.NoError(t, err)
	}
	require.NoError(t, g.RecordSuccess(ctx, "sub-1"))

	// The counter restarted: four more failures still don't trip it.
	for i := 0; i < 4; i++ {
		open, err := g.RecordFailure(ctx, "sub-1", lim)
		require.NoError(t, err)
		assert.False(t, open)
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	g := newGovernor(t)
	ctx := context.Background()
	lim := governor.Limits{RatePerMinute: 600, BreakerThreshold: 1, BreakerReset: 50 * time.Millisecond}

	open, err := g.RecordFailure(ctx, "sub-1", lim)
	require.NoError(t, err)
	require.True(t, open)

	d, err := g.Check(ctx, "sub-1", lim)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	time.Sleep(60 * time.Millisecond)

	// Reset window elapsed: one probe gets through.
	d, err = g.Check(ctx, "sub-1", lim)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// A failed probe re-opens immediately.
	open, err = g.RecordFailure(ctx, "sub-1", lim)
	require.NoError(t, err)
	assert.True(t, open)
	d, err = g.Check(ctx, "sub-1", lim)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	time.Sleep(60 * time.Millisecond)

	// A successful probe closes the breaker for good.
	d, err = g.Check(ctx, "sub-1", lim)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.NoError(t, g.RecordSuccess(ctx, "sub-1"))

	d, err = g.Check(ctx, "sub-1", lim)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
