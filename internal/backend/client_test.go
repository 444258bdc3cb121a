package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/heraldbot/herald/internal/backend"
	"github.com/heraldbot/herald/internal/database"
)

func TestConverseRequestShape(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(backend.Reply{
			Text:        "I see a gate",
			SideEffects: []backend.SideEffect{{EntityID: "sess-1", Effect: "channel_created:session:ch-9"}},
		})
	}))
	defer srv.Close()

	c := backend.NewClient(nil)
	reply, err := c.Converse(context.Background(), srv.URL, "char-1", "user-1", "what do you see?", []string{"char-2"})
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}

	if gotPath != "/beings/char-1/converse" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["speaker"] != "user-1" || gotBody["text"] != "what do you see?" {
		t.Errorf("body = %v", gotBody)
	}
	if reply.Text != "I see a gate" {
		t.Errorf("reply = %q", reply.Text)
	}
	if len(reply.SideEffects) != 1 || reply.SideEffects[0].Effect != "channel_created:session:ch-9" {
		t.Errorf("side effects = %v", reply.SideEffects)
	}
}

func TestCreateEntityFallsBackToMintedID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Some backends acknowledge creation with an empty body.
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := backend.NewClient(nil)
	created, err := c.CreateEntity(context.Background(), srv.URL, "beings", "id-42", "Gandalf", "user-1")
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if created.ID != "id-42" {
		t.Errorf("id = %q, want the minted id echoed back", created.ID)
	}
}

func TestListEntities(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/sessions" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode([]backend.EntityRecord{
			{ID: "sess-1", Name: "Moria", ChannelID: "ch-1"},
			{ID: "sess-2", Name: "Shire"},
		})
	}))
	defer srv.Close()

	c := backend.NewClient(nil)
	records, err := c.ListEntities(context.Background(), srv.URL, "sessions")
	if err != nil {
		t.Fatalf("ListEntities: %v", err)
	}
	if len(records) != 2 || records[0].ChannelID != "ch-1" || records[1].ChannelID != "" {
		t.Errorf("records = %v", records)
	}
}

func TestStatusErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such being", http.StatusNotFound)
	}))
	defer srv.Close()

	c := backend.NewClient(nil)
	_, err := c.Converse(context.Background(), srv.URL, "char-gone", "user-1", "hello", nil)
	if err == nil {
		t.Fatal("expected an error for a 404 response")
	}

	var statusErr *backend.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error %v should carry the status code", err)
	}
	if statusErr.Code != http.StatusNotFound || statusErr.Detail != "no such being" {
		t.Errorf("status error = %+v", statusErr)
	}
	if !backend.IsNotFound(err) {
		t.Error("IsNotFound should match a 404")
	}
	if backend.Retryable(err) {
		t.Error("a 404 is not retryable")
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		err       error
		notFound  bool
		timeout   bool
		retryable bool
	}{
		{
			name:      "server error",
			err:       &backend.StatusError{Code: http.StatusInternalServerError},
			retryable: true,
		},
		{
			name: "client error",
			err:  &backend.StatusError{Code: http.StatusBadRequest},
		},
		{
			name:     "not found",
			err:      &backend.StatusError{Code: http.StatusNotFound},
			notFound: true,
		},
		{
			name:      "deadline expiry",
			err:       context.DeadlineExceeded,
			timeout:   true,
			retryable: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := backend.IsNotFound(tc.err); got != tc.notFound {
				t.Errorf("IsNotFound = %v, want %v", got, tc.notFound)
			}
			if got := backend.IsTimeout(tc.err); got != tc.timeout {
				t.Errorf("IsTimeout = %v, want %v", got, tc.timeout)
			}
			if got := backend.Retryable(tc.err); got != tc.retryable {
				t.Errorf("Retryable = %v, want %v", got, tc.retryable)
			}
		})
	}
}

func TestClientTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := backend.NewClient(nil)
	_, err := c.Narrate(ctx, srv.URL, "sess-1", "user-1", "the door creaks")
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if !backend.IsTimeout(err) {
		t.Errorf("IsTimeout(%v) = false, want true", err)
	}
}

type bindingStore struct {
	database.Store
	binding *database.ChannelBinding
}

func (s bindingStore) GetBindingByEntity(_ context.Context, entityKind, entityID string) (*database.ChannelBinding, error) {
	if s.binding != nil && s.binding.EntityKind == entityKind && s.binding.EntityID == entityID {
		return s.binding, nil
	}
	return nil, database.ErrNotFound
}

func TestBindingLocator(t *testing.T) {
	t.Parallel()

	store := bindingStore{binding: &database.ChannelBinding{
		ChannelID:  "ch-1",
		EntityKind: database.KindCharacter,
		EntityID:   "char-1",
	}}
	locator := backend.NewBindingLocator(store, "http://characters", "http://sessions")

	addr, err := locator.Locate(context.Background(), database.KindCharacter, "char-1")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if addr != "http://characters" {
		t.Errorf("addr = %q", addr)
	}

	_, err = locator.Locate(context.Background(), database.KindSession, "sess-unknown")
	if !errors.Is(err, backend.ErrEntityNotFound) {
		t.Errorf("error = %v, want ErrEntityNotFound", err)
	}
}
