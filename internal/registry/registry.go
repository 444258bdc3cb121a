// Package registry implements the bot identity registry: the durable mapping
// from bot identity to credentials and status. The router obtains the
// identity it speaks as through this interface, never through ambient state.
package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/heraldbot/herald/internal/database"
)

// Registry manages bot identities over the durable store. All writes are
// committed before the call returns.
type Registry struct {
	store  database.Store
	logger *slog.Logger
}

// New creates a Registry backed by the given store.
func New(store database.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		logger: logger.With("component", "registry"),
	}
}

// Register creates a new identity. It fails with database.ErrDuplicateIdentity
// if an active identity with the same id already exists; registering over a
// deactivated identity reactivates it under the new credentials.
func (r *Registry) Register(ctx context.Context, id, displayName, token string) (*database.BotIdentity, error) {
	identity := &database.BotIdentity{
		ID:              id,
		DisplayName:     displayName,
		CredentialToken: token,
	}
	if err := r.store.InsertIdentity(ctx, identity); err != nil {
		return nil, fmt.Errorf("register identity: %w", err)
	}
	r.logger.InfoContext(ctx, "Registered bot identity", "identity_id", id)
	return identity, nil
}

// Resolve returns the identity for id, or database.ErrNotFound.
func (r *Registry) Resolve(ctx context.Context, id string) (*database.BotIdentity, error) {
	identity, err := r.store.GetIdentity(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	return identity, nil
}

// RotateToken atomically overwrites the credential token. In-flight calls
// holding the old token are not retroactively invalidated.
func (r *Registry) RotateToken(ctx context.Context, id, newToken string) error {
	if err := r.store.UpdateIdentityToken(ctx, id, newToken); err != nil {
		return fmt.Errorf("rotate token: %w", err)
	}
	r.logger.InfoContext(ctx, "Rotated identity token", "identity_id", id)
	return nil
}

// Deactivate marks an identity inactive. Deactivating an already-inactive
// identity is a no-op, not an error.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	if err := r.store.DeactivateIdentity(ctx, id); err != nil {
		return fmt.Errorf("deactivate identity: %w", err)
	}
	r.logger.InfoContext(ctx, "Deactivated bot identity", "identity_id", id)
	return nil
}
