package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heraldbot/herald/internal/backend"
	"github.com/heraldbot/herald/internal/database"
	"github.com/heraldbot/herald/internal/resolver"
)

// newReconcileBindingsTask creates the sweep that repairs channel bindings
// missed when upstream entity creation and the bind call are not atomic. It
// lists each backend's entities, finds the ones without a binding, and binds
// those whose record names an expected channel. The bind uses the store's
// compare-and-set, so a sweep racing a live creation command cannot
// double-bind.
func newReconcileBindingsTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "reconcile_bindings")

	collections := map[string]struct {
		baseURL    string
		collection string
	}{
		database.KindCharacter: {deps.Dispatch.CharacterServiceURL, "beings"},
		database.KindSession:   {deps.Dispatch.SessionServiceURL, "sessions"},
	}

	return func(ctx context.Context) error {
		startTime := time.Now()
		repaired, skipped := 0, 0

		for kind, svc := range collections {
			records, err := deps.Backend.ListEntities(ctx, svc.baseURL, svc.collection)
			if err != nil {
				log.ErrorContext(ctx, "Failed to list entities for reconciliation",
					"entity_kind", kind, "error", err)
				return fmt.Errorf("list %s entities: %w", kind, err)
			}

			byID := make(map[string]backend.EntityRecord, len(records))
			known := make([]resolver.EntityRef, 0, len(records))
			for _, rec := range records {
				byID[rec.ID] = rec
				known = append(known, resolver.EntityRef{Kind: kind, ID: rec.ID})
			}

			unbound, err := deps.Resolver.ListUnboundEntities(ctx, known)
			if err != nil {
				return fmt.Errorf("list unbound %s entities: %w", kind, err)
			}

			for _, ref := range unbound {
				rec := byID[ref.ID]
				if rec.ChannelID == "" {
					// No expected channel recorded upstream, nothing to repair.
					skipped++
					continue
				}
				if _, err := deps.Resolver.BindChannel(ctx, rec.ChannelID, kind, ref.ID); err != nil {
					if errors.Is(err, database.ErrAlreadyBound) {
						skipped++
						continue
					}
					log.ErrorContext(ctx, "Failed to repair binding",
						"entity_kind", kind, "entity_id", ref.ID, "channel_id", rec.ChannelID, "error", err)
					continue
				}
				repaired++
			}
		}

		log.InfoContext(ctx, "Binding reconciliation completed",
			"repaired", repaired, "skipped", skipped, "duration", time.Since(startTime))
		return nil
	}
}
