package tokenecon

import (
	"context"
	"sync"
	"time"
)

const rateWindow = 60 * time.Second

type usageRecord struct {
	at     time.Time
	tokens int
}

// WaitResult reports what CheckAndWait did.
type WaitResult struct {
	Waited       bool
	WaitSeconds  float64
	UsageAtCheck int
}

// RateLimiterStats is a point-in-time usage snapshot.
type RateLimiterStats struct {
	CurrentUsage    int     `json:"current_usage"`
	TokensPerMinute int     `json:"tokens_per_minute"`
	UsagePercentage float64 `json:"usage_percentage"`
	TimeUntilReset  float64 `json:"time_until_reset"`
}

// RateLimiter enforces a sliding 60 second token window. When projected
// usage crosses the backoff threshold it sleeps until the oldest record
// ages out. The lock guards the window only; sleeping happens without it.
type RateLimiter struct {
	mu               sync.Mutex
	tokensPerMinute  int
	backoffThreshold float64
	window           []usageRecord

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter creates a limiter. Defaults: 80000 tokens/minute,
// threshold 0.8.
func NewRateLimiter(tokensPerMinute int, backoffThreshold float64) *RateLimiter {
	if tokensPerMinute <= 0 {
		tokensPerMinute = 80000
	}
	if backoffThreshold <= 0 || backoffThreshold > 1 {
		backoffThreshold = 0.8
	}
	return &RateLimiter{
		tokensPerMinute:  tokensPerMinute,
		backoffThreshold: backoffThreshold,
		now:              time.Now,
		sleep:            sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CheckAndWait gates one request of estimated size. If current plus
// estimated usage reaches the threshold, it sleeps until the oldest window
// record expires plus one second. The estimate is not recorded; callers
// report actual usage through RecordUsage afterwards.
func (r *RateLimiter) CheckAndWait(ctx context.Context, estimated int) (WaitResult, error) {
	r.mu.Lock()
	now := r.now()
	r.prune(now)
	current := r.currentLocked()
	projected := current + estimated

	if len(r.window) == 0 || float64(projected) < r.backoffThreshold*float64(r.tokensPerMinute) {
		r.mu.Unlock()
		return WaitResult{UsageAtCheck: current}, nil
	}

	oldest := r.window[0].at
	wait := rateWindow - now.Sub(oldest) + time.Second
	r.mu.Unlock()

	if wait <= 0 {
		return WaitResult{UsageAtCheck: current}, nil
	}
	if err := r.sleep(ctx, wait); err != nil {
		return WaitResult{UsageAtCheck: current}, err
	}
	return WaitResult{Waited: true, WaitSeconds: wait.Seconds(), UsageAtCheck: current}, nil
}

// RecordUsage appends an actual usage sample to the window.
func (r *RateLimiter) RecordUsage(tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.prune(now)
	r.window = append(r.window, usageRecord{at: now, tokens: tokens})
}

// CurrentUsage returns the token total inside the window.
func (r *RateLimiter) CurrentUsage() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(r.now())
	return r.currentLocked()
}

// Stats returns a usage snapshot.
func (r *RateLimiter) Stats() RateLimiterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.prune(now)
	stats := RateLimiterStats{
		CurrentUsage:    r.currentLocked(),
		TokensPerMinute: r.tokensPerMinute,
	}
	stats.UsagePercentage = float64(stats.CurrentUsage) / float64(r.tokensPerMinute) * 100
	if len(r.window) > 0 {
		stats.TimeUntilReset = (rateWindow - now.Sub(r.window[0].at)).Seconds()
	}
	return stats
}

// Reset clears the window.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window = nil
}

func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(r.window) && r.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		r.window = append(r.window[:0], r.window[i:]...)
	}
}

func (r *RateLimiter) currentLocked() int {
	total := 0
	for _, rec := range r.window {
		total += rec.tokens
	}
	return total
}
