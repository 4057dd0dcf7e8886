package tokenecon

import (
	"strings"
	"sync"
)

// Tier is a model capacity class.
type Tier string

const (
	TierCheap   Tier = "cheap"
	TierMid     Tier = "mid"
	TierPremium Tier = "premium"
)

// Scoring thresholds for tier selection.
const (
	complexThreshold     = 6
	simpleThreshold      = 5
	simpleComplexCeiling = 2
	shortMessageChars    = 50
	longMessageChars     = 500
	shortMessageBonus    = 2
	longMessageBonus     = 2
	codeFenceBonus       = 3
)

var simpleKeywords = map[string]int{
	"read": 2, "show": 2, "list": 2, "cat": 2, "ls": 2,
	"what is": 2, "explain": 1,
	"config": 2, "setting": 1, "env": 1, "environment": 1,
	"docs": 2, "documentation": 2, "readme": 2, "help": 1,
	"status": 2, "check": 1, "verify": 1,
}

var complexKeywords = map[string]int{
	"architect": 3, "architecture": 3, "redesign": 3, "refactor": 3,
	"rewrite": 3, "design": 2, "optimize": 2, "debug": 2,
	"investigate": 2, "migrate": 2, "distributed": 2, "concurrency": 2,
	"security": 2, "implement": 1,
}

// Phrases that always demand the premium tier.
var architecturalPhrases = []string{
	"entire architecture",
	"system design",
	"from scratch",
}

// SelectorStats reports per-tier selection counts and the estimated spend
// reduction relative to routing everything to the mid tier.
type SelectorStats struct {
	Counts           map[Tier]int64 `json:"counts"`
	EstimatedSavings float64        `json:"estimated_savings_pct"`
}

// ModelSelector picks a model tier per user message with weighted keyword
// scoring.
type ModelSelector struct {
	mu     sync.Mutex
	tiers  ModelTiers
	counts map[Tier]int64
}

// NewModelSelector creates a selector over the configured tier models.
func NewModelSelector(tiers ModelTiers) *ModelSelector {
	return &ModelSelector{
		tiers:  tiers,
		counts: make(map[Tier]int64),
	}
}

// Select scores the message and returns the model for the chosen tier.
func (s *ModelSelector) Select(message string) (string, Tier) {
	tier := scoreTier(message)

	s.mu.Lock()
	s.counts[tier]++
	s.mu.Unlock()

	switch tier {
	case TierCheap:
		return s.tiers.Cheap, tier
	case TierPremium:
		return s.tiers.Premium, tier
	default:
		return s.tiers.Mid, tier
	}
}

func scoreTier(message string) Tier {
	lower := strings.ToLower(message)

	for _, phrase := range architecturalPhrases {
		if strings.Contains(lower, phrase) {
			return TierPremium
		}
	}

	simple, complex := 0, 0
	for kw, weight := range simpleKeywords {
		if strings.Contains(lower, kw) {
			simple += weight
		}
	}
	for kw, weight := range complexKeywords {
		if strings.Contains(lower, kw) {
			complex += weight
		}
	}

	if len(message) < shortMessageChars {
		simple += shortMessageBonus
	}
	if len(message) > longMessageChars {
		complex += longMessageBonus
	}
	if strings.Contains(message, "```") {
		complex += codeFenceBonus
	}

	switch {
	case complex >= complexThreshold:
		return TierPremium
	case simple >= simpleThreshold && complex < simpleComplexCeiling:
		return TierCheap
	default:
		return TierMid
	}
}

// Stats returns selection counts and estimated savings versus an all-mid
// baseline, weighted by the tier pricing tables.
func (s *ModelSelector) Stats() SelectorStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[Tier]int64, len(s.counts))
	var total int64
	for tier, n := range s.counts {
		counts[tier] = n
		total += n
	}

	stats := SelectorStats{Counts: counts}
	if total == 0 {
		return stats
	}

	unit := func(model string) float64 {
		pricing, ok := modelPricing[model]
		if !ok {
			pricing = defaultPricing
		}
		return pricing.Input + pricing.Output
	}
	midUnit := unit(s.tiers.Mid)
	baseline := float64(total) * midUnit
	actual := float64(counts[TierCheap])*unit(s.tiers.Cheap) +
		float64(counts[TierMid])*midUnit +
		float64(counts[TierPremium])*unit(s.tiers.Premium)
	if baseline > 0 {
		stats.EstimatedSavings = (baseline - actual) / baseline * 100
	}
	return stats
}
