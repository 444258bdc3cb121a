package tasks

import (
	"context"
	"fmt"
	"time"
)

// newSQLMaintenanceTask creates the scheduled task for database maintenance.
func newSQLMaintenanceTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "sql_maintenance")

	return func(ctx context.Context) error {
		startTime := time.Now()

		if err := deps.Store.RunSQLMaintenance(ctx); err != nil {
			log.ErrorContext(ctx, "SQL maintenance task failed",
				"error", err, "duration", time.Since(startTime))
			return fmt.Errorf("sql maintenance failed: %w", err)
		}

		log.InfoContext(ctx, "SQL maintenance task completed", "duration", time.Since(startTime))
		return nil
	}
}

// newPruneDedupTask creates the scheduled task that trims expired entries
// from the router's dedup window.
func newPruneDedupTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "prune_dedup")

	return func(ctx context.Context) error {
		removed := deps.Router.PruneDedup()
		log.DebugContext(ctx, "Pruned dedup window", "removed", removed)
		return nil
	}
}
