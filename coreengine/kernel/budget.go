// Package kernel provides turn budgets - per-task step ceilings.
//
// Features:
//   - Step counters keyed by task id with a shared ceiling
//   - Warning logs as a task approaches the ceiling
//   - Stale-entry pruning driven by the cleanup loop
package kernel

import (
	"sync"
	"time"
)

// DefaultMaxSteps is the default ceiling on turns per submitted task.
const DefaultMaxSteps = 200

// =============================================================================
// Task Budget (internal)
// =============================================================================

// taskBudget tracks step consumption for a single task.
type taskBudget struct {
	TaskID        string
	Steps         int
	StartedAt     time.Time
	LastUpdatedAt time.Time
}

// Logger is the logging interface used across the kernel package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Budget Guard
// =============================================================================

// BudgetGuard bounds the number of turns a single task may consume across
// the agent population. Thread-safe; entries are created lazily on the
// first recorded step and pruned once stale.
//
// Usage:
//
//	guard := NewBudgetGuard(200, logger)
//
//	steps, ok := guard.RecordStep(taskID)
//	if !ok {
//	    // Budget exhausted; fail the turn
//	}
type BudgetGuard struct {
	maxSteps int
	logger   Logger

	// Per-task counters
	tasks map[string]*taskBudget

	// System-wide counters
	totalTasks int
	totalSteps int

	mu sync.Mutex
}

// NewBudgetGuard creates a new budget guard. A non-positive maxSteps falls
// back to DefaultMaxSteps.
func NewBudgetGuard(maxSteps int, logger Logger) *BudgetGuard {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &BudgetGuard{
		maxSteps: maxSteps,
		logger:   logger,
		tasks:    make(map[string]*taskBudget),
	}
}

// MaxSteps returns the configured ceiling.
func (g *BudgetGuard) MaxSteps() int {
	return g.maxSteps
}

// RecordStep counts one turn against the task. Returns the running total
// and false once the ceiling is exceeded. An empty task id is unbudgeted.
func (g *BudgetGuard) RecordStep(taskID string) (int, bool) {
	if taskID == "" {
		return 0, true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UTC()
	tb, exists := g.tasks[taskID]
	if !exists {
		tb = &taskBudget{TaskID: taskID, StartedAt: now}
		g.tasks[taskID] = tb
		g.totalTasks++
	}

	tb.Steps++
	tb.LastUpdatedAt = now
	g.totalSteps++

	if tb.Steps > g.maxSteps {
		if g.logger != nil {
			g.logger.Warn("step_budget_exhausted",
				"task_id", taskID,
				"steps", tb.Steps,
				"max_steps", g.maxSteps,
			)
		}
		return tb.Steps, false
	}

	// Warn at 80% of the ceiling
	if g.logger != nil && tb.Steps >= int(float64(g.maxSteps)*0.8) {
		g.logger.Warn("approaching_step_limit",
			"task_id", taskID,
			"steps", tb.Steps,
			"max_steps", g.maxSteps,
		)
	}

	return tb.Steps, true
}

// Steps returns the current step count for a task, zero when untracked.
func (g *BudgetGuard) Steps(taskID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if tb, exists := g.tasks[taskID]; exists {
		return tb.Steps
	}
	return 0
}

// Release drops a task's counter. Returns true if the task was tracked.
func (g *BudgetGuard) Release(taskID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[taskID]; !exists {
		return false
	}
	delete(g.tasks, taskID)

	if g.logger != nil {
		g.logger.Debug("task_budget_released", "task_id", taskID)
	}
	return true
}

// PruneStale removes counters not updated within the given duration.
// Returns the number pruned.
func (g *BudgetGuard) PruneStale(olderThan time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	pruned := 0
	for taskID, tb := range g.tasks {
		if tb.LastUpdatedAt.Before(cutoff) {
			delete(g.tasks, taskID)
			pruned++
		}
	}

	if pruned > 0 && g.logger != nil {
		g.logger.Debug("stale_budgets_pruned", "count", pruned)
	}
	return pruned
}

// TaskCount returns the number of tracked tasks.
func (g *BudgetGuard) TaskCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}

// GetStats returns budget counters.
func (g *BudgetGuard) GetStats() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return map[string]int{
		"tracked_tasks": len(g.tasks),
		"total_tasks":   g.totalTasks,
		"total_steps":   g.totalSteps,
		"max_steps":     g.maxSteps,
	}
}
