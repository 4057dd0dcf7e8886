package tokenecon

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conductor/conductor/internal/common/logger"
)

// ModelPricing holds USD rates per one million tokens.
type ModelPricing struct {
	Input  float64
	Output float64
}

// Pricing per 1M tokens, from the Anthropic pricing page.
var modelPricing = map[string]ModelPricing{
	"claude-3-5-sonnet-20241022": {Input: 3.00, Output: 15.00},
	"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
	"claude-3-5-haiku-20241022":  {Input: 0.80, Output: 4.00},
	"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
	"claude-3-opus-20240229":     {Input: 15.00, Output: 75.00},
	"claude-opus-4-5":            {Input: 15.00, Output: 75.00},
}

// defaultPricing falls back to Sonnet rates for unknown models.
var defaultPricing = ModelPricing{Input: 3.00, Output: 15.00}

// Alert levels reported by RecordUsage.
const (
	AlertNone     = "none"
	AlertWarning  = "warning"
	AlertCritical = "critical"
)

type sessionCost struct {
	inputTokens  int64
	outputTokens int64
	totalCost    float64
	requests     int64
	alertsSent   int
	createdAt    time.Time
	lastUpdated  time.Time
}

// RecordResult reports the outcome of one RecordUsage call.
type RecordResult struct {
	RequestCost  float64
	SessionTotal float64
	AlertStatus  string
}

// SessionCostStats is a per-session snapshot.
type SessionCostStats struct {
	SessionID    string  `json:"session_id"`
	TotalCost    float64 `json:"total_cost"`
	InputTokens  int64   `json:"total_input_tokens"`
	OutputTokens int64   `json:"total_output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	RequestCount int64   `json:"request_count"`
	AlertsSent   int     `json:"alerts_sent"`
}

// CostTrackerStats is a global snapshot.
type CostTrackerStats struct {
	TotalCost         float64 `json:"total_cost"`
	TotalRequests     int64   `json:"total_requests"`
	SessionCount      int     `json:"session_count"`
	AlertThreshold    float64 `json:"alert_threshold"`
	CriticalThreshold float64 `json:"critical_threshold"`
}

// CostTracker accumulates API spend per session and fires an at-most-once
// warning alert and an at-most-once critical alert per session.
type CostTracker struct {
	mu                sync.Mutex
	alertThreshold    float64
	criticalThreshold float64
	sessions          map[string]*sessionCost
	totalCost         float64
	totalRequests     int64

	logger  *logger.Logger
	alertFn AlertFunc
}

// NewCostTracker creates a tracker. alertFn receives cost_alert payloads
// and may be nil.
func NewCostTracker(alertThreshold, criticalThreshold float64, log *logger.Logger, alertFn AlertFunc) *CostTracker {
	if alertThreshold <= 0 {
		alertThreshold = 10.0
	}
	if criticalThreshold <= 0 {
		criticalThreshold = 50.0
	}
	if log == nil {
		log = logger.Default()
	}
	return &CostTracker{
		alertThreshold:    alertThreshold,
		criticalThreshold: criticalThreshold,
		sessions:          make(map[string]*sessionCost),
		logger:            log,
		alertFn:           alertFn,
	}
}

// CalculateCost returns the USD cost of a request against the pricing
// table, falling back to default rates for unknown models.
func CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		pricing = defaultPricing
	}
	return float64(inputTokens)/1_000_000*pricing.Input + float64(outputTokens)/1_000_000*pricing.Output
}

// RecordUsage adds one request's usage to the session totals and fires any
// due alert.
func (t *CostTracker) RecordUsage(sessionID string, inputTokens, outputTokens int64, model string) RecordResult {
	cost := CalculateCost(inputTokens, outputTokens, model)

	t.mu.Lock()
	session, ok := t.sessions[sessionID]
	if !ok {
		session = &sessionCost{createdAt: time.Now()}
		t.sessions[sessionID] = session
	}
	session.inputTokens += inputTokens
	session.outputTokens += outputTokens
	session.totalCost += cost
	session.requests++
	session.lastUpdated = time.Now()
	t.totalCost += cost
	t.totalRequests++

	status, alert := t.checkAlertsLocked(sessionID, session)
	// Snapshot under the lock; a concurrent RecordUsage on the same session
	// may mutate the entry once it is released.
	total := session.totalCost
	t.mu.Unlock()

	if alert != nil && t.alertFn != nil {
		t.alertFn(alert)
	}

	t.logger.Debug("Cost tracked",
		zap.String("session_id", sessionID),
		zap.Float64("request_cost", cost),
		zap.Float64("session_total", total),
		zap.String("model", model))

	return RecordResult{RequestCost: cost, SessionTotal: total, AlertStatus: status}
}

func (t *CostTracker) checkAlertsLocked(sessionID string, session *sessionCost) (string, map[string]any) {
	if session.totalCost >= t.criticalThreshold {
		if session.alertsSent < 2 {
			session.alertsSent = 2
			return AlertCritical, t.alertPayload(sessionID, session, AlertCritical, t.criticalThreshold)
		}
		return AlertCritical, nil
	}
	if session.totalCost >= t.alertThreshold {
		if session.alertsSent < 1 {
			session.alertsSent = 1
			return AlertWarning, t.alertPayload(sessionID, session, AlertWarning, t.alertThreshold)
		}
		return AlertWarning, nil
	}
	return AlertNone, nil
}

func (t *CostTracker) alertPayload(sessionID string, session *sessionCost, level string, threshold float64) map[string]any {
	message := fmt.Sprintf("Session %s has reached the $%.2f cost threshold (current: $%.2f)",
		shortID(sessionID), threshold, session.totalCost)
	if level == AlertCritical {
		t.logger.Error("Critical cost threshold crossed", zap.String("session_id", sessionID), zap.Float64("cost", session.totalCost))
	} else {
		t.logger.Warn("Cost threshold crossed", zap.String("session_id", sessionID), zap.Float64("cost", session.totalCost))
	}
	return map[string]any{
		"level":      level,
		"message":    message,
		"session_id": sessionID,
		"cost":       session.totalCost,
		"threshold":  threshold,
	}
}

// SessionStats returns the snapshot for one session.
func (t *CostTracker) SessionStats(sessionID string) (SessionCostStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	session, ok := t.sessions[sessionID]
	if !ok {
		return SessionCostStats{}, false
	}
	return SessionCostStats{
		SessionID:    sessionID,
		TotalCost:    session.totalCost,
		InputTokens:  session.inputTokens,
		OutputTokens: session.outputTokens,
		TotalTokens:  session.inputTokens + session.outputTokens,
		RequestCount: session.requests,
		AlertsSent:   session.alertsSent,
	}, true
}

// Stats returns the global snapshot.
func (t *CostTracker) Stats() CostTrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return CostTrackerStats{
		TotalCost:         t.totalCost,
		TotalRequests:     t.totalRequests,
		SessionCount:      len(t.sessions),
		AlertThreshold:    t.alertThreshold,
		CriticalThreshold: t.criticalThreshold,
	}
}

// ResetSession drops one session's tracking data.
func (t *CostTracker) ResetSession(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[sessionID]; !ok {
		return false
	}
	delete(t.sessions, sessionID)
	return true
}

// ResetAll drops all tracking data.
func (t *CostTracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions = make(map[string]*sessionCost)
	t.totalCost = 0
	t.totalRequests = 0
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
