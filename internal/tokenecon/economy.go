// Package tokenecon implements the token-economy control plane: context
// trimming, response caching, sliding-window rate limiting, per-session cost
// tracking, model tier selection and hard session budgets. All sub-modules
// are safe for concurrent use.
package tokenecon

import (
	"github.com/conductor/conductor/internal/common/config"
	"github.com/conductor/conductor/internal/common/logger"
)

// ModelTiers names the concrete model behind each capacity tier.
type ModelTiers struct {
	Cheap   string
	Mid     string
	Premium string
}

// AlertFunc receives cost alert payloads for broadcast.
type AlertFunc func(alert map[string]any)

// Economy bundles the token optimization sub-modules behind one switch.
// When Enabled is false callers skip the gates entirely.
type Economy struct {
	Enabled     bool
	Trimmer     *Trimmer
	Cache       *Cache
	RateLimiter *RateLimiter
	Costs       *CostTracker
	Selector    *ModelSelector
	Budget      *Budget
}

// New builds an Economy from configuration. alertFn may be nil.
func New(cfg config.TokenEconomyConfig, tiers ModelTiers, log *logger.Logger, alertFn AlertFunc) *Economy {
	if log == nil {
		log = logger.Default()
	}
	return &Economy{
		Enabled: cfg.Enabled,
		Trimmer: NewTrimmer(TrimmerConfig{
			MaxMessages: cfg.MaxContextMsgs,
			MaxTokens:   cfg.MaxContextTokens,
		}),
		Cache:       NewCache(cfg.CacheMaxEntries, cfg.CacheTTLDuration()),
		RateLimiter: NewRateLimiter(cfg.TokensPerMinute, cfg.BackoffThreshold),
		Costs:       NewCostTracker(cfg.AlertThreshold, cfg.CriticalThreshold, log, alertFn),
		Selector:    NewModelSelector(tiers),
		Budget:      NewBudget(cfg.SessionBudget),
	}
}

// EstimateTokens approximates the token count of text as one token per four
// characters, with a one-token floor for non-empty text.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}
