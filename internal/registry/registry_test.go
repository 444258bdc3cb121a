package registry_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/heraldbot/herald/internal/database"
	"github.com/heraldbot/herald/internal/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "herald.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	return registry.New(database.NewStore(db, nil), nil)
}

func TestRegisterAndResolve(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := newTestRegistry(t)

	identity, err := reg.Register(ctx, "herald-1", "Herald", "tok-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !identity.Active {
		t.Error("registered identity should be active")
	}

	got, err := reg.Resolve(ctx, "herald-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.DisplayName != "Herald" || got.CredentialToken != "tok-1" {
		t.Errorf("identity = %+v", got)
	}

	t.Run("duplicate registration is rejected", func(t *testing.T) {
		_, err := reg.Register(ctx, "herald-1", "Herald Again", "tok-x")
		if !errors.Is(err, database.ErrDuplicateIdentity) {
			t.Errorf("error = %v, want ErrDuplicateIdentity", err)
		}
	})

	t.Run("unknown identity is not found", func(t *testing.T) {
		_, err := reg.Resolve(ctx, "nobody")
		if !errors.Is(err, database.ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestRotateToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := newTestRegistry(t)

	if _, err := reg.Register(ctx, "herald-1", "Herald", "tok-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.RotateToken(ctx, "herald-1", "tok-2"); err != nil {
		t.Fatalf("RotateToken: %v", err)
	}

	got, err := reg.Resolve(ctx, "herald-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.CredentialToken != "tok-2" {
		t.Errorf("token = %q, want tok-2", got.CredentialToken)
	}

	if err := reg.RotateToken(ctx, "nobody", "tok"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestDeactivateAndReRegister(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := newTestRegistry(t)

	if _, err := reg.Register(ctx, "herald-1", "Herald", "tok-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := reg.Deactivate(ctx, "herald-1"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if err := reg.Deactivate(ctx, "herald-1"); err != nil {
		t.Errorf("repeated deactivation should be a no-op, got %v", err)
	}

	got, err := reg.Resolve(ctx, "herald-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Active {
		t.Error("identity should be inactive")
	}

	// Deactivated identities can be registered again with new credentials.
	reborn, err := reg.Register(ctx, "herald-1", "Herald", "tok-2")
	if err != nil {
		t.Fatalf("re-registration failed: %v", err)
	}
	if !reborn.Active || reborn.CredentialToken != "tok-2" {
		t.Errorf("identity = %+v, want active with tok-2", reborn)
	}
}
