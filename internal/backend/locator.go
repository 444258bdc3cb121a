package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/heraldbot/herald/internal/database"
)

// ErrEntityNotFound indicates no backend instance serves the entity.
var ErrEntityNotFound = errors.New("no backend serves entity")

// Locator resolves which backend instance serves an entity. Injected into
// the dispatcher so deployments with per-entity service instances can swap
// in their own index.
type Locator interface {
	Locate(ctx context.Context, entityKind, entityID string) (string, error)
}

// BindingLocator serves entities from a fixed base URL per kind, treating an
// entity as existing iff it has a channel binding.
type BindingLocator struct {
	store        database.Store
	characterURL string
	sessionURL   string
}

// NewBindingLocator creates a BindingLocator over the given store and
// per-kind service URLs.
func NewBindingLocator(store database.Store, characterURL, sessionURL string) *BindingLocator {
	return &BindingLocator{
		store:        store,
		characterURL: characterURL,
		sessionURL:   sessionURL,
	}
}

// Locate returns the base URL of the service handling the entity, or
// ErrEntityNotFound if the entity is unknown.
func (l *BindingLocator) Locate(ctx context.Context, entityKind, entityID string) (string, error) {
	if _, err := l.store.GetBindingByEntity(ctx, entityKind, entityID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return "", fmt.Errorf("%s/%s: %w", entityKind, entityID, ErrEntityNotFound)
		}
		return "", fmt.Errorf("locate entity: %w", err)
	}

	switch entityKind {
	case database.KindCharacter:
		return l.characterURL, nil
	case database.KindSession:
		return l.sessionURL, nil
	default:
		return "", fmt.Errorf("%s/%s: %w", entityKind, entityID, ErrEntityNotFound)
	}
}

// BaseURL returns the collection-level URL for a kind, used for creation
// calls where the entity does not exist yet.
func (l *BindingLocator) BaseURL(entityKind string) (string, error) {
	switch entityKind {
	case database.KindCharacter:
		return l.characterURL, nil
	case database.KindSession:
		return l.sessionURL, nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", entityKind)
	}
}
