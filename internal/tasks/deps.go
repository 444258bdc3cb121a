// Package tasks implements the router's scheduled background tasks: the
// binding reconciliation sweep, database maintenance, and dedup-window
// pruning.
package tasks

import (
	"log/slog"

	"github.com/heraldbot/herald/internal/backend"
	"github.com/heraldbot/herald/internal/config"
	"github.com/heraldbot/herald/internal/database"
	"github.com/heraldbot/herald/internal/resolver"
	"github.com/heraldbot/herald/internal/router"
)

// TaskDeps contains all dependencies required by scheduled tasks.
type TaskDeps struct {
	Logger   *slog.Logger
	Store    database.Store
	Resolver *resolver.Resolver
	Backend  *backend.Client
	Router   *router.Router
	Dispatch config.DispatchConfig
}
