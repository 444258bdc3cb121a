// Package main contains the entrypoint for the herald message router.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heraldbot/herald/internal/app"
	"github.com/heraldbot/herald/internal/backend"
	"github.com/heraldbot/herald/internal/config"
	"github.com/heraldbot/herald/internal/database"
	"github.com/heraldbot/herald/internal/dispatch"
	"github.com/heraldbot/herald/internal/logger"
	"github.com/heraldbot/herald/internal/platform"
	"github.com/heraldbot/herald/internal/registry"
	"github.com/heraldbot/herald/internal/resolver"
	"github.com/heraldbot/herald/internal/router"
	"github.com/heraldbot/herald/internal/tasks"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes and starts all application components (config, logger, db,
// clients, router, scheduler), handles graceful shutdown, and returns an exit
// code (0 for success, 1 for failure).
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	reg := registry.New(store, log)
	res := resolver.New(store, log)

	// The posting identity is operator-managed; warn early when it is missing
	// so replies do not start failing silently.
	if _, err := reg.Resolve(ctx, cfg.Platform.IdentityID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			log.Warn("Posting identity not registered yet; replies will fail until it is created",
				"identity_id", cfg.Platform.IdentityID)
		} else {
			log.Error("Failed to check posting identity", "error", err)
			return 1
		}
	}

	backendClient := backend.NewClient(log)
	locator := backend.NewBindingLocator(store, cfg.Dispatch.CharacterServiceURL, cfg.Dispatch.SessionServiceURL)
	dispatcher := dispatch.New(locator, backendClient, cfg.Dispatch, log)

	sender := platform.NewClient(cfg.Platform, reg, log)
	rt := router.New(cfg.Router, cfg.Platform.MaxReplyLength, res, dispatcher, sender, log)

	server := platform.NewServer(cfg.Server, platform.ServerDeps{
		Logger:   log,
		Router:   rt,
		Registry: reg,
		Health:   dispatcher,
	})

	var stream *platform.Stream
	if cfg.Platform.EventStreamURL != "" {
		stream = platform.NewStream(cfg.Platform.EventStreamURL, rt, log)
	}

	taskMap := tasks.RegisterAllTasks(tasks.TaskDeps{
		Logger:   log,
		Store:    store,
		Resolver: res,
		Backend:  backendClient,
		Router:   rt,
		Dispatch: cfg.Dispatch,
	})
	scheduler, err := app.NewScheduler(log, &cfg.Scheduler, taskMap)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	application := app.New(log, server, stream, rt, scheduler)

	log.Info("Starting herald...")
	runErr := application.Run(ctx)
	log.Info("Run loop finished. Initiating shutdown...")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Router stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Router stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}
