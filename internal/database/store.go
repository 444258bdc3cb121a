package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Sentinel errors returned by Store implementations. Callers match with
// errors.Is after unwrapping.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateIdentity indicates an active identity with the same id exists.
	ErrDuplicateIdentity = errors.New("identity already registered")
	// ErrAlreadyBound indicates the channel or entity is already bound elsewhere.
	ErrAlreadyBound = errors.New("already bound to a different entity")
)

// Store defines the data access interface for the router's durable state:
// bot identities and channel bindings. All methods accept a context for
// cancellation and timeouts, and all writes are durably committed before
// returning success.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// InsertIdentity creates an identity, or reactivates a previously
	// deactivated one under the same id. Returns ErrDuplicateIdentity if an
	// active identity with the same id exists.
	InsertIdentity(ctx context.Context, identity *BotIdentity) error

	// GetIdentity retrieves an identity by id. Returns ErrNotFound if absent.
	GetIdentity(ctx context.Context, id string) (*BotIdentity, error)

	// UpdateIdentityToken atomically overwrites the credential token of an
	// active identity. Returns ErrNotFound if the identity is absent or inactive.
	UpdateIdentityToken(ctx context.Context, id, token string) error

	// DeactivateIdentity marks an identity inactive. Deactivating an already
	// inactive or absent identity is a no-op.
	DeactivateIdentity(ctx context.Context, id string) error

	// UpsertBinding binds a channel to an entity with compare-and-set
	// semantics: re-binding the same (channel, kind, entity) returns the
	// existing row; any conflicting binding returns ErrAlreadyBound.
	UpsertBinding(ctx context.Context, binding *ChannelBinding) (*ChannelBinding, error)

	// GetBindingByChannel retrieves the binding for a channel. Returns
	// ErrNotFound if the channel is unbound.
	GetBindingByChannel(ctx context.Context, channelID string) (*ChannelBinding, error)

	// GetBindingByEntity retrieves the binding for an entity. Returns
	// ErrNotFound if the entity has no bound channel.
	GetBindingByEntity(ctx context.Context, entityKind, entityID string) (*ChannelBinding, error)

	// DeleteBinding removes the binding for a channel. Deleting an unbound
	// channel is a no-op.
	DeleteBinding(ctx context.Context, channelID string) error

	// ListBindings returns all bindings, used by the reconciliation sweep.
	ListBindings(ctx context.Context) ([]ChannelBinding, error)

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error
}

// sqlxStore implements Store using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a Store backed by the given sqlx connection pool.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) InsertIdentity(ctx context.Context, identity *BotIdentity) error {
	if identity == nil {
		return errors.New("cannot insert nil identity")
	}
	if identity.ID == "" {
		return errors.New("identity must have a non-empty id")
	}

	now := time.Now().UTC()
	identity.CreatedAt = now
	identity.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx, s.logger)

	var existing BotIdentity
	err = tx.GetContext(ctx, &existing,
		`SELECT id, display_name, credential_token, active, created_at, updated_at
		   FROM bot_identities WHERE id = ?`, identity.ID)
	switch {
	case err == nil && existing.Active:
		return fmt.Errorf("identity %q: %w", identity.ID, ErrDuplicateIdentity)
	case err == nil:
		// Reactivate the soft-deleted row under fresh credentials.
		_, err = tx.ExecContext(ctx,
			`UPDATE bot_identities
			    SET display_name = ?, credential_token = ?, active = 1, updated_at = ?
			  WHERE id = ?`,
			identity.DisplayName, identity.CredentialToken, identity.UpdatedAt, identity.ID)
		if err != nil {
			return fmt.Errorf("failed to reactivate identity: %w", err)
		}
		identity.CreatedAt = existing.CreatedAt
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO bot_identities (id, display_name, credential_token, active, created_at, updated_at)
			 VALUES (?, ?, ?, 1, ?, ?)`,
			identity.ID, identity.DisplayName, identity.CredentialToken, identity.CreatedAt, identity.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert identity: %w", err)
		}
	default:
		return fmt.Errorf("failed to query identity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit identity: %w", err)
	}
	identity.Active = true
	return nil
}

func (s *sqlxStore) GetIdentity(ctx context.Context, id string) (*BotIdentity, error) {
	var identity BotIdentity
	err := s.db.GetContext(ctx, &identity,
		`SELECT id, display_name, credential_token, active, created_at, updated_at
		   FROM bot_identities WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("identity %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	return &identity, nil
}

func (s *sqlxStore) UpdateIdentityToken(ctx context.Context, id, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bot_identities SET credential_token = ?, updated_at = ?
		  WHERE id = ? AND active = 1`,
		token, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to rotate token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rotation result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("identity %q: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqlxStore) DeactivateIdentity(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bot_identities SET active = 0, updated_at = ? WHERE id = ? AND active = 1`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate identity: %w", err)
	}
	return nil
}

func (s *sqlxStore) UpsertBinding(ctx context.Context, binding *ChannelBinding) (*ChannelBinding, error) {
	if binding == nil {
		return nil, errors.New("cannot upsert nil binding")
	}
	if binding.ChannelID == "" || binding.EntityID == "" {
		return nil, errors.New("binding must have channel_id and entity_id")
	}
	if binding.EntityKind != KindCharacter && binding.EntityKind != KindSession {
		return nil, fmt.Errorf("unknown entity kind %q", binding.EntityKind)
	}

	if binding.CreatedAt.IsZero() {
		binding.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx, s.logger)

	// ON CONFLICT DO NOTHING covers both unique constraints (channel_id and
	// entity kind+id); the follow-up reads decide idempotent vs. conflicting.
	res, err := tx.ExecContext(ctx,
		`INSERT INTO channel_bindings (channel_id, entity_kind, entity_id, created_at)
		 VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		binding.ChannelID, binding.EntityKind, binding.EntityID, binding.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert binding: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check binding result: %w", err)
	}
	if affected == 1 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit binding: %w", err)
		}
		return binding, nil
	}

	var existing ChannelBinding
	err = tx.GetContext(ctx, &existing,
		`SELECT channel_id, entity_kind, entity_id, created_at
		   FROM channel_bindings WHERE channel_id = ?`, binding.ChannelID)
	switch {
	case err == nil:
		if existing.EntityKind == binding.EntityKind && existing.EntityID == binding.EntityID {
			return &existing, nil
		}
		return nil, fmt.Errorf("channel %q: %w", binding.ChannelID, ErrAlreadyBound)
	case errors.Is(err, sql.ErrNoRows):
		// The entity index blocked the insert: same entity bound to another channel.
		return nil, fmt.Errorf("entity %s/%s: %w", binding.EntityKind, binding.EntityID, ErrAlreadyBound)
	default:
		return nil, fmt.Errorf("failed to read existing binding: %w", err)
	}
}

func (s *sqlxStore) GetBindingByChannel(ctx context.Context, channelID string) (*ChannelBinding, error) {
	var binding ChannelBinding
	err := s.db.GetContext(ctx, &binding,
		`SELECT channel_id, entity_kind, entity_id, created_at
		   FROM channel_bindings WHERE channel_id = ?`, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %q: %w", channelID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binding: %w", err)
	}
	return &binding, nil
}

func (s *sqlxStore) GetBindingByEntity(ctx context.Context, entityKind, entityID string) (*ChannelBinding, error) {
	var binding ChannelBinding
	err := s.db.GetContext(ctx, &binding,
		`SELECT channel_id, entity_kind, entity_id, created_at
		   FROM channel_bindings WHERE entity_kind = ? AND entity_id = ?`, entityKind, entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s/%s: %w", entityKind, entityID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binding: %w", err)
	}
	return &binding, nil
}

func (s *sqlxStore) DeleteBinding(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM channel_bindings WHERE channel_id = ?`, channelID)
	if err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}
	return nil
}

func (s *sqlxStore) ListBindings(ctx context.Context) ([]ChannelBinding, error) {
	var bindings []ChannelBinding
	err := s.db.SelectContext(ctx, &bindings,
		`SELECT channel_id, entity_kind, entity_id, created_at
		   FROM channel_bindings ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	return bindings, nil
}

func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	for _, stmt := range []string{"VACUUM", "ANALYZE"} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("maintenance %s failed: %w", stmt, err)
		}
	}
	s.logger.InfoContext(ctx, "Database maintenance completed")
	return nil
}

// rollback rolls a transaction back, ignoring the error a completed commit
// leaves behind.
func rollback(tx *sqlx.Tx, logger *slog.Logger) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.Error("Failed to roll back transaction", "error", err)
	}
}
