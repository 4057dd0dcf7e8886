package tokenecon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newClockedLimiter returns a limiter with a controllable clock and a sleep
// that records instead of blocking.
func newClockedLimiter(tokensPerMinute int, threshold float64) (*RateLimiter, *time.Time, *time.Duration) {
	limiter := NewRateLimiter(tokensPerMinute, threshold)
	now := time.Now()
	var slept time.Duration
	limiter.now = func() time.Time { return now }
	limiter.sleep = func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}
	return limiter, &now, &slept
}

func TestRateLimiterUnderLimit(t *testing.T) {
	limiter, _, slept := newClockedLimiter(1000, 0.8)
	limiter.RecordUsage(100)

	res, err := limiter.CheckAndWait(context.Background(), 100)
	require.NoError(t, err)
	assert.False(t, res.Waited)
	assert.Equal(t, 100, res.UsageAtCheck)
	assert.Zero(t, *slept)
}

func TestRateLimiterBacksOffNearLimit(t *testing.T) {
	limiter, now, slept := newClockedLimiter(1000, 0.8)
	limiter.RecordUsage(800)
	*now = now.Add(10 * time.Second)

	res, err := limiter.CheckAndWait(context.Background(), 300)
	require.NoError(t, err)
	assert.True(t, res.Waited)
	assert.Equal(t, 800, res.UsageAtCheck)
	// Wait until the 800-token record ages out: 60 - 10 + 1 seconds.
	assert.InDelta(t, 51, res.WaitSeconds, 0.01)
	assert.Equal(t, 51*time.Second, *slept)
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	limiter, now, _ := newClockedLimiter(1000, 0.8)
	limiter.RecordUsage(500)
	assert.Equal(t, 500, limiter.CurrentUsage())

	*now = now.Add(61 * time.Second)
	assert.Zero(t, limiter.CurrentUsage())

	limiter.RecordUsage(100)
	assert.Equal(t, 100, limiter.CurrentUsage())
}

func TestRateLimiterCheckDoesNotRecord(t *testing.T) {
	limiter, _, _ := newClockedLimiter(1000, 0.8)

	_, err := limiter.CheckAndWait(context.Background(), 400)
	require.NoError(t, err)
	assert.Zero(t, limiter.CurrentUsage())

	limiter.RecordUsage(450)
	assert.Equal(t, 450, limiter.CurrentUsage())
}

func TestRateLimiterStats(t *testing.T) {
	limiter, _, _ := newClockedLimiter(1000, 0.8)
	limiter.RecordUsage(400)

	stats := limiter.Stats()
	assert.Equal(t, 400, stats.CurrentUsage)
	assert.InDelta(t, 40.0, stats.UsagePercentage, 1e-9)
	assert.InDelta(t, 60.0, stats.TimeUntilReset, 0.01)
}

func TestRateLimiterSleepHonorsContext(t *testing.T) {
	limiter := NewRateLimiter(1000, 0.8)
	now := time.Now()
	limiter.now = func() time.Time { return now }
	limiter.RecordUsage(900)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := limiter.CheckAndWait(ctx, 100)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRateLimiterReset(t *testing.T) {
	limiter, _, _ := newClockedLimiter(1000, 0.8)
	limiter.RecordUsage(700)
	limiter.Reset()
	assert.Zero(t, limiter.CurrentUsage())
}
