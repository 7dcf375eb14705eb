// Package kernel provides background cleanup for resource management.
//
// CleanupLoop periodically cleans up:
//   - Stale task budgets (configurable retention)
package kernel

import (
	"time"
)

// CleanupConfig holds configurable cleanup parameters.
type CleanupConfig struct {
	// Interval is how often to run cleanup (default: 5 minutes).
	Interval time.Duration
	// BudgetRetention is how long an idle task budget survives before
	// being pruned (default: 30 minutes).
	BudgetRetention time.Duration
}

// DefaultCleanupConfig returns default cleanup configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:        5 * time.Minute,
		BudgetRetention: 30 * time.Minute,
	}
}

// StartCleanupLoop starts a background goroutine that periodically performs cleanup.
// Returns a stop function that should be called to stop the cleanup loop.
func (k *Kernel) StartCleanupLoop(cfg CleanupConfig) func() {
	if cfg.Interval == 0 {
		cfg = DefaultCleanupConfig()
	}

	ticker := time.NewTicker(cfg.Interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				k.runCleanupCycle(cfg)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

// runCleanupCycle performs a single cleanup cycle with panic recovery.
func (k *Kernel) runCleanupCycle(cfg CleanupConfig) {
	defer func() {
		if r := recover(); r != nil {
			if k.logger != nil {
				k.logger.Error("cleanup_panic_recovered", "error", r)
			}
		}
	}()

	// Task budgets are keyed by task id and nothing signals task
	// completion, so idle entries are aged out here.
	budgetCount := k.budget.PruneStale(cfg.BudgetRetention)

	if k.logger != nil {
		k.logger.Debug("cleanup_cycle_completed",
			"budgets_pruned", budgetCount,
		)
	}
}
