// Package app orchestrates the router's components: the HTTP server, the
// optional WebSocket event stream, the scheduler, and graceful shutdown.
package app

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/heraldbot/herald/internal/platform"
	"github.com/heraldbot/herald/internal/router"
)

// App runs the router's long-lived components until shutdown.
type App struct {
	logger    *slog.Logger
	server    *platform.Server
	stream    *platform.Stream // nil when no event stream is configured
	router    *router.Router
	scheduler *Scheduler
}

// New creates the orchestrator. stream may be nil.
func New(logger *slog.Logger, server *platform.Server, stream *platform.Stream, rt *router.Router, scheduler *Scheduler) *App {
	return &App{
		logger:    logger.With("component", "app"),
		server:    server,
		stream:    stream,
		router:    rt,
		scheduler: scheduler,
	}
}

// Run starts all components and blocks until the context is cancelled or a
// component fails. In-flight events are drained before returning.
func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("Starting HTTP server...")
		if err := a.server.Run(gCtx); err != nil {
			a.logger.Error("HTTP server failed", "error", err)
			return err
		}
		a.logger.Info("HTTP server stopped.")
		return nil
	})

	if a.stream != nil {
		g.Go(func() error {
			a.logger.Info("Starting event stream consumer...")
			if err := a.stream.Run(gCtx); err != nil {
				a.logger.Error("Event stream failed", "error", err)
				return err
			}
			a.logger.Info("Event stream stopped.")
			return nil
		})
	}

	g.Go(func() error {
		a.logger.Info("Starting scheduler...")
		if err := a.scheduler.Start(); err != nil {
			a.logger.Error("Failed to start scheduler", "error", err)
			return err
		}

		<-gCtx.Done()
		a.logger.Info("Shutdown signal received, stopping scheduler...")
		if err := a.scheduler.Stop(); err != nil {
			a.logger.Error("Error stopping scheduler", "error", err)
		}
		return nil
	})

	err := g.Wait()

	// No new events arrive once the inbound surfaces are down; let the
	// per-channel workers finish what they accepted.
	a.logger.Info("Draining in-flight events...")
	a.router.Close()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("Router stopped due to error", "error", err)
		return err
	}

	a.logger.Info("Router stopped gracefully.")
	return nil
}
