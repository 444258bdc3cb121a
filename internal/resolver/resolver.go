// Package resolver maps chat channels to the domain entity (character or
// session) they carry, and back. Bindings are created when an entity is
// created upstream and removed on entity deletion; a periodic reconciliation
// sweep repairs bindings missed by partial failures.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/heraldbot/herald/internal/database"
)

// Resolver manages channel bindings over the durable store.
type Resolver struct {
	store  database.Store
	logger *slog.Logger
}

// New creates a Resolver backed by the given store.
func New(store database.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  store,
		logger: logger.With("component", "resolver"),
	}
}

// BindChannel binds a channel to an entity. Binding the same entity again is
// idempotent and returns the existing binding; binding a channel that already
// maps to a different entity fails with database.ErrAlreadyBound. The bind
// uses the store's compare-and-set insert, so concurrent workers and the
// reconciliation sweep cannot double-bind.
func (r *Resolver) BindChannel(ctx context.Context, channelID, entityKind, entityID string) (*database.ChannelBinding, error) {
	binding, err := r.store.UpsertBinding(ctx, &database.ChannelBinding{
		ChannelID:  channelID,
		EntityKind: entityKind,
		EntityID:   entityID,
	})
	if err != nil {
		return nil, fmt.Errorf("bind channel: %w", err)
	}
	r.logger.InfoContext(ctx, "Channel bound",
		"channel_id", channelID, "entity_kind", entityKind, "entity_id", entityID)
	return binding, nil
}

// ResolveChannel returns the binding for a channel, or database.ErrNotFound
// for unbound channels.
func (r *Resolver) ResolveChannel(ctx context.Context, channelID string) (*database.ChannelBinding, error) {
	binding, err := r.store.GetBindingByChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("resolve channel: %w", err)
	}
	return binding, nil
}

// ResolveEntity returns the binding for an entity, or database.ErrNotFound
// if the entity has no bound channel.
func (r *Resolver) ResolveEntity(ctx context.Context, entityKind, entityID string) (*database.ChannelBinding, error) {
	binding, err := r.store.GetBindingByEntity(ctx, entityKind, entityID)
	if err != nil {
		return nil, fmt.Errorf("resolve entity: %w", err)
	}
	return binding, nil
}

// Unbind removes the binding for a channel. Unbinding an unbound channel is
// a no-op.
func (r *Resolver) Unbind(ctx context.Context, channelID string) error {
	if err := r.store.DeleteBinding(ctx, channelID); err != nil {
		return fmt.Errorf("unbind channel: %w", err)
	}
	r.logger.InfoContext(ctx, "Channel unbound", "channel_id", channelID)
	return nil
}

// EntityRef names one known upstream entity for reconciliation.
type EntityRef struct {
	Kind string
	ID   string
}

// ListUnboundEntities returns the subset of known entities that currently
// have no channel binding, so a periodic sweep can repair bindings missed
// when upstream creation and the bind call are not atomic.
func (r *Resolver) ListUnboundEntities(ctx context.Context, known []EntityRef) ([]EntityRef, error) {
	bindings, err := r.store.ListBindings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}

	bound := make(map[EntityRef]struct{}, len(bindings))
	for _, b := range bindings {
		bound[EntityRef{Kind: b.EntityKind, ID: b.EntityID}] = struct{}{}
	}

	var unbound []EntityRef
	for _, ref := range known {
		if _, ok := bound[ref]; !ok {
			unbound = append(unbound, ref)
		}
	}
	return unbound, nil
}

// IsUnbound reports whether err denotes an unbound channel or entity.
func IsUnbound(err error) bool {
	return errors.Is(err, database.ErrNotFound)
}
