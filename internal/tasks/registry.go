package tasks

import (
	"context"
)

// ScheduledTaskFunc is the signature all scheduled tasks share. The context
// provided by the scheduler must be respected for cancellation.
type ScheduledTaskFunc func(ctx context.Context) error

// RegisterAllTasks initializes and returns the map of scheduled tasks. The
// keys match the scheduler.tasks section of the configuration.
func RegisterAllTasks(deps TaskDeps) map[string]ScheduledTaskFunc {
	tasks := make(map[string]ScheduledTaskFunc)

	tasks["reconcile_bindings"] = newReconcileBindingsTask(deps)
	tasks["sql_maintenance"] = newSQLMaintenanceTask(deps)
	tasks["prune_dedup"] = newPruneDedupTask(deps)

	deps.Logger.Info("Initialized scheduled tasks", "count", len(tasks))
	return tasks
}
