package dispatch_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/heraldbot/herald/internal/backend"
	"github.com/heraldbot/herald/internal/config"
	"github.com/heraldbot/herald/internal/database"
	"github.com/heraldbot/herald/internal/dispatch"
	"github.com/heraldbot/herald/internal/parser"
)

// fixedLocator resolves every entity to a single base URL.
type fixedLocator struct {
	addr string
	err  error
}

func (l fixedLocator) Locate(context.Context, string, string) (string, error) {
	return l.addr, l.err
}

func newDispatcher(locator backend.Locator, characterURL, sessionURL string) *dispatch.Dispatcher {
	cfg := config.DispatchConfig{
		CharacterServiceURL: characterURL,
		SessionServiceURL:   sessionURL,
		Timeout:             100 * time.Millisecond,
		MaxRetries:          2,
	}
	return dispatch.New(locator, backend.NewClient(nil), cfg, nil)
}

func plainText(body string) parser.ParsedMessage {
	return parser.ParsedMessage{Kind: parser.KindPlainText, Body: body}
}

func TestDispatchConverse(t *testing.T) {
	t.Parallel()

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(backend.Reply{Text: "the gate is closed"})
	}))
	defer srv.Close()

	d := newDispatcher(fixedLocator{addr: srv.URL}, srv.URL, srv.URL)
	res := d.Dispatch(context.Background(), database.KindCharacter, "char-1", plainText("what do you see?"), "user-1")

	if res.Status != dispatch.StatusOK {
		t.Fatalf("status = %s, err = %v, want ok", res.Status.String(), res.Err)
	}
	if res.ReplyText != "the gate is closed" {
		t.Errorf("reply = %q", res.ReplyText)
	}
	if gotPath != "/beings/char-1/converse" {
		t.Errorf("path = %q, want /beings/char-1/converse", gotPath)
	}
}

func TestDispatchRetriesTimedOutQuery(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		time.Sleep(500 * time.Millisecond) // outlives the per-attempt deadline
	}))
	defer srv.Close()

	d := newDispatcher(fixedLocator{addr: srv.URL}, srv.URL, srv.URL)
	res := d.Dispatch(context.Background(), database.KindCharacter, "char-1", plainText("hello"), "user-1")

	if res.Status != dispatch.StatusTimeout {
		t.Errorf("status = %s, want timeout", res.Status.String())
	}
	// MaxRetries = 2 means one initial attempt plus two retries.
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestDispatchRecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(backend.Reply{Text: "recovered"})
	}))
	defer srv.Close()

	d := newDispatcher(fixedLocator{addr: srv.URL}, srv.URL, srv.URL)
	res := d.Dispatch(context.Background(), database.KindCharacter, "char-1", plainText("hello"), "user-1")

	if res.Status != dispatch.StatusOK {
		t.Fatalf("status = %s, err = %v, want ok after retries", res.Status.String(), res.Err)
	}
	if res.ReplyText != "recovered" {
		t.Errorf("reply = %q", res.ReplyText)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestDispatchDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "malformed question", http.StatusBadRequest)
	}))
	defer srv.Close()

	d := newDispatcher(fixedLocator{addr: srv.URL}, srv.URL, srv.URL)
	msg := parser.ParsedMessage{Kind: parser.KindCommand, Command: parser.CmdDecide, CommandName: "decide", Args: []string{"?"}}
	res := d.Dispatch(context.Background(), database.KindCharacter, "char-1", msg, "user-1")

	if res.Status != dispatch.StatusBackendError {
		t.Errorf("status = %s, want backend_error", res.Status.String())
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, a 4xx must not be retried", got)
	}
}

func TestDispatchDoesNotRetryMutations(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := newDispatcher(fixedLocator{addr: srv.URL}, srv.URL, srv.URL)
	// Narration appends to the session log, so a replay could duplicate it.
	res := d.Dispatch(context.Background(), database.KindSession, "sess-1", plainText("the door creaks open"), "user-1")

	if res.Status != dispatch.StatusBackendError {
		t.Errorf("status = %s, want backend_error", res.Status.String())
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, mutations must not be retried", got)
	}
}

func TestDispatchNotFound(t *testing.T) {
	t.Parallel()

	t.Run("backend 404 maps to not found", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no such being", http.StatusNotFound)
		}))
		defer srv.Close()

		d := newDispatcher(fixedLocator{addr: srv.URL}, srv.URL, srv.URL)
		res := d.Dispatch(context.Background(), database.KindCharacter, "char-gone", plainText("hello"), "user-1")
		if res.Status != dispatch.StatusNotFound {
			t.Errorf("status = %s, want not_found", res.Status.String())
		}
	})

	t.Run("locate miss short-circuits without any call", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
		}))
		defer srv.Close()

		d := newDispatcher(fixedLocator{err: backend.ErrEntityNotFound}, srv.URL, srv.URL)
		res := d.Dispatch(context.Background(), database.KindCharacter, "char-gone", plainText("hello"), "user-1")
		if res.Status != dispatch.StatusNotFound {
			t.Errorf("status = %s, want not_found", res.Status.String())
		}
		if calls.Load() != 0 {
			t.Error("no backend call may be made for an unlocatable entity")
		}
	})
}

func TestDispatchJoinSession(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(backend.Reply{Text: "char-7 joined"})
	}))
	defer srv.Close()

	d := newDispatcher(fixedLocator{addr: srv.URL}, srv.URL, srv.URL)
	msg := parser.ParsedMessage{Kind: parser.KindCommand, Command: parser.CmdJoin, CommandName: "join", Args: []string{"char-7"}}
	res := d.Dispatch(context.Background(), database.KindSession, "sess-1", msg, "user-1")

	if res.Status != dispatch.StatusOK {
		t.Fatalf("status = %s, err = %v", res.Status.String(), res.Err)
	}
	if gotPath != "/sessions/sess-1/join" {
		t.Errorf("path = %q, want /sessions/sess-1/join", gotPath)
	}
	if gotBody["character_id"] != "char-7" {
		t.Errorf("body = %v, want character_id char-7", gotBody)
	}
}

func TestCreateEntity(t *testing.T) {
	t.Parallel()

	t.Run("posts the minted id exactly once", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		var gotBody map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			json.NewDecoder(r.Body).Decode(&gotBody)
			w.WriteHeader(http.StatusCreated)
		}))
		defer srv.Close()

		d := newDispatcher(fixedLocator{addr: srv.URL}, srv.URL, srv.URL)
		id, res := d.CreateEntity(context.Background(), database.KindCharacter, "Gandalf", "user-1")

		if res.Status != dispatch.StatusOK {
			t.Fatalf("status = %s, err = %v", res.Status.String(), res.Err)
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, creation must happen exactly once", calls.Load())
		}
		if id == "" || gotBody["id"] != id {
			t.Errorf("minted id %q must be sent to the backend, body = %v", id, gotBody)
		}
		if res.ReplyText == "" {
			t.Error("a default reply must be synthesized when the backend sends none")
		}
	})

	t.Run("creation failure is not retried", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		d := newDispatcher(fixedLocator{addr: srv.URL}, srv.URL, srv.URL)
		_, res := d.CreateEntity(context.Background(), database.KindSession, "Moria", "user-1")

		if res.Status != dispatch.StatusBackendError {
			t.Errorf("status = %s, want backend_error", res.Status.String())
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, creation must not be retried", calls.Load())
		}
	})
}

func TestHealth(t *testing.T) {
	t.Parallel()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer broken.Close()

	d := newDispatcher(fixedLocator{addr: healthy.URL}, healthy.URL, broken.URL)
	status := d.Health(context.Background())

	if status["characters"] != "ok" {
		t.Errorf("characters = %q, want ok", status["characters"])
	}
	if status["sessions"] == "ok" || status["sessions"] == "" {
		t.Errorf("sessions = %q, want an error description", status["sessions"])
	}
}
