package tokenecon

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor/conductor/internal/common/logger"
)

func testCostLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestCalculateCost(t *testing.T) {
	cost := CalculateCost(1000, 500, "claude-sonnet-4-5-20250929")
	assert.InDelta(t, 0.003+0.0075, cost, 1e-9)

	haiku := CalculateCost(1000, 500, "claude-3-5-haiku-20241022")
	assert.Less(t, haiku, cost)

	// Unknown models fall back to Sonnet pricing.
	unknown := CalculateCost(1000, 500, "some-future-model")
	assert.InDelta(t, cost, unknown, 1e-9)
}

func TestCostTrackerAccumulatesPerSession(t *testing.T) {
	tracker := NewCostTracker(10, 50, testCostLogger(t), nil)

	res := tracker.RecordUsage("sess-1", 1000, 500, "claude-sonnet-4-5-20250929")
	assert.InDelta(t, 0.0105, res.RequestCost, 1e-9)
	assert.Equal(t, AlertNone, res.AlertStatus)

	tracker.RecordUsage("sess-1", 1000, 500, "claude-sonnet-4-5-20250929")
	tracker.RecordUsage("sess-2", 100, 50, "claude-3-5-haiku-20241022")

	stats, ok := tracker.SessionStats("sess-1")
	require.True(t, ok)
	assert.Equal(t, int64(2000), stats.InputTokens)
	assert.Equal(t, int64(1000), stats.OutputTokens)
	assert.Equal(t, int64(2), stats.RequestCount)
	assert.InDelta(t, 0.021, stats.TotalCost, 1e-9)

	global := tracker.Stats()
	assert.Equal(t, 2, global.SessionCount)
	assert.Equal(t, int64(3), global.TotalRequests)
}

func TestCostTrackerAlertsFireOnce(t *testing.T) {
	var alerts []map[string]any
	tracker := NewCostTracker(0.01, 0.05, testCostLogger(t), func(alert map[string]any) {
		alerts = append(alerts, alert)
	})

	// Below the warning threshold: no alert.
	res := tracker.RecordUsage("sess-1", 1000, 0, "claude-sonnet-4-5-20250929") // $0.003
	assert.Equal(t, AlertNone, res.AlertStatus)
	assert.Empty(t, alerts)

	// Cross the warning threshold: exactly one warning.
	res = tracker.RecordUsage("sess-1", 3000, 0, "claude-sonnet-4-5-20250929") // $0.012 total
	assert.Equal(t, AlertWarning, res.AlertStatus)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertWarning, alerts[0]["level"])
	assert.Equal(t, "sess-1", alerts[0]["session_id"])

	// Still in warning territory: no second warning.
	res = tracker.RecordUsage("sess-1", 1000, 0, "claude-sonnet-4-5-20250929")
	assert.Equal(t, AlertWarning, res.AlertStatus)
	assert.Len(t, alerts, 1)

	// Cross critical: exactly one critical alert.
	res = tracker.RecordUsage("sess-1", 15000, 0, "claude-sonnet-4-5-20250929")
	assert.Equal(t, AlertCritical, res.AlertStatus)
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertCritical, alerts[1]["level"])

	tracker.RecordUsage("sess-1", 1000, 0, "claude-sonnet-4-5-20250929")
	assert.Len(t, alerts, 2)
}

func TestCostTrackerConcurrentSameSession(t *testing.T) {
	tracker := NewCostTracker(1000, 5000, testCostLogger(t), nil)

	const (
		workers  = 8
		requests = 25
	)
	perRequest := CalculateCost(1000, 500, "claude-sonnet-4-5-20250929")

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < requests; j++ {
				res := tracker.RecordUsage("sess-1", 1000, 500, "claude-sonnet-4-5-20250929")
				// The returned total is a consistent snapshot, never less
				// than this request's contribution.
				assert.GreaterOrEqual(t, res.SessionTotal, res.RequestCost)
			}
		}()
	}
	wg.Wait()

	stats, ok := tracker.SessionStats("sess-1")
	require.True(t, ok)
	assert.Equal(t, int64(workers*requests), stats.RequestCount)
	assert.InDelta(t, float64(workers*requests)*perRequest, stats.TotalCost, 1e-6)
}

func TestCostTrackerReset(t *testing.T) {
	tracker := NewCostTracker(10, 50, testCostLogger(t), nil)
	tracker.RecordUsage("sess-1", 1000, 500, "claude-sonnet-4-5-20250929")

	assert.True(t, tracker.ResetSession("sess-1"))
	assert.False(t, tracker.ResetSession("sess-1"))

	tracker.RecordUsage("sess-2", 1, 1, "claude-sonnet-4-5-20250929")
	tracker.ResetAll()
	stats := tracker.Stats()
	assert.Zero(t, stats.SessionCount)
	assert.Zero(t, stats.TotalCost)
}
