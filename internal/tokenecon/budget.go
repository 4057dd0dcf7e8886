package tokenecon

import (
	"fmt"
	"sync"
)

// Per-task-kind token caps.
var taskBudgets = map[string]int{
	"simple":   5000,
	"moderate": 15000,
	"complex":  30000,
}

// BudgetReport is a snapshot of budget consumption.
type BudgetReport struct {
	Used       int            `json:"used"`
	Limit      int            `json:"limit"`
	Remaining  int            `json:"remaining"`
	Percentage float64        `json:"percentage"`
	ByTask     map[string]int `json:"by_task"`
	Warnings   []string       `json:"warnings"`
}

// Budget enforces a hard per-process token cap with once-only warnings at
// 50, 75 and 90 percent.
type Budget struct {
	mu           sync.Mutex
	limit        int
	used         int
	warningsSent map[string]bool
	byTask       map[string]int
}

// NewBudget creates a budget. A non-positive limit defaults to 50000.
func NewBudget(limit int) *Budget {
	if limit <= 0 {
		limit = 50000
	}
	return &Budget{
		limit:        limit,
		warningsSent: make(map[string]bool),
		byTask:       make(map[string]int),
	}
}

// Check reports whether estimated tokens fit the session and task-kind
// budgets. The second return is a warning message, empty when none is due.
// When the first return is false the caller must abort the spend.
func (b *Budget) Check(estimated int, taskKind string) (bool, string) {
	taskBudget, ok := taskBudgets[taskKind]
	if !ok {
		taskBudget = taskBudgets["moderate"]
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	projected := b.used + estimated
	if projected > b.limit {
		return false, fmt.Sprintf(
			"BUDGET EXCEEDED: %d/%d tokens used, request needs %d more. Halting to prevent runaway costs.",
			b.used, b.limit, estimated)
	}
	if estimated > taskBudget {
		return false, fmt.Sprintf(
			"TASK BUDGET EXCEEDED: request needs %d tokens but %s tasks are limited to %d",
			estimated, taskKind, taskBudget)
	}

	percentage := float64(projected) / float64(b.limit) * 100
	for _, threshold := range []struct {
		pct   float64
		key   string
		label string
	}{
		{90, "90%", "CRITICAL"},
		{75, "75%", "WARNING"},
		{50, "50%", "NOTICE"},
	} {
		if percentage >= threshold.pct && !b.warningsSent[threshold.key] {
			b.warningsSent[threshold.key] = true
			return true, fmt.Sprintf("%s: %s budget used (%d/%d tokens)",
				threshold.label, threshold.key, b.used, b.limit)
		}
	}
	return true, ""
}

// AddUsage records spent tokens against the budget.
func (b *Budget) AddUsage(tokens int, taskKind string) {
	if taskKind == "" {
		taskKind = "general"
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used += tokens
	b.byTask[taskKind] += tokens
}

// Remaining returns the unspent budget, never negative.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used >= b.limit {
		return 0
	}
	return b.limit - b.used
}

// Report returns a consumption snapshot.
func (b *Budget) Report() BudgetReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	report := BudgetReport{
		Used:   b.used,
		Limit:  b.limit,
		ByTask: make(map[string]int, len(b.byTask)),
	}
	if b.used < b.limit {
		report.Remaining = b.limit - b.used
	}
	if b.limit > 0 {
		report.Percentage = float64(b.used) / float64(b.limit) * 100
	}
	for k, v := range b.byTask {
		report.ByTask[k] = v
	}
	for k := range b.warningsSent {
		report.Warnings = append(report.Warnings, k)
	}
	return report
}

// Reset zeroes usage and re-arms the warnings.
func (b *Budget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used = 0
	b.warningsSent = make(map[string]bool)
	b.byTask = make(map[string]int)
}
