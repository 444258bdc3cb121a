// Package dispatch selects the destination backend for a parsed message and
// issues the call with timeout, retry, and circuit-breaker policy. Only
// retry-safe operations (read-like or declared idempotent) are retried;
// mutations fail on first error to avoid duplicate entity creation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/heraldbot/herald/internal/backend"
	"github.com/heraldbot/herald/internal/config"
	"github.com/heraldbot/herald/internal/database"
	"github.com/heraldbot/herald/internal/parser"
	"github.com/heraldbot/herald/internal/resilience"
)

// Status is the terminal state of one dispatch call.
type Status int

const (
	StatusOK Status = iota
	StatusBackendError
	StatusTimeout
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBackendError:
		return "backend_error"
	case StatusTimeout:
		return "timeout"
	case StatusNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Result is returned to the router for reply formatting. Err preserves the
// last error detail for logging; it is never shown to end users.
type Result struct {
	Status      Status
	ReplyText   string
	SideEffects []backend.SideEffect
	Err         error
}

// Dispatcher routes parsed messages to the backend service responsible for
// an entity.
type Dispatcher struct {
	locator    backend.Locator
	client     *backend.Client
	logger     *slog.Logger
	timeout    time.Duration
	maxRetries int

	characterURL string
	sessionURL   string

	breakers map[string]*resilience.CircuitBreaker
}

// New creates a Dispatcher with one circuit breaker per backend kind.
func New(locator backend.Locator, client *backend.Client, cfg config.DispatchConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		locator:      locator,
		client:       client,
		logger:       logger.With("component", "dispatcher"),
		timeout:      cfg.Timeout,
		maxRetries:   cfg.MaxRetries,
		characterURL: cfg.CharacterServiceURL,
		sessionURL:   cfg.SessionServiceURL,
		breakers: map[string]*resilience.CircuitBreaker{
			database.KindCharacter: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "characters"}),
			database.KindSession:   resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "sessions"}),
		},
	}
}

// Dispatch resolves the entity to a backend address and issues the call.
// A locate miss returns StatusNotFound immediately with no retry.
func (d *Dispatcher) Dispatch(ctx context.Context, entityKind, entityID string, msg parser.ParsedMessage, sourceUserID string) Result {
	addr, err := d.locator.Locate(ctx, entityKind, entityID)
	if err != nil {
		if errors.Is(err, backend.ErrEntityNotFound) {
			return Result{Status: StatusNotFound, Err: err}
		}
		return Result{Status: StatusBackendError, Err: err}
	}

	call, retrySafe := d.buildCall(addr, entityKind, entityID, msg, sourceUserID)

	var reply *backend.Reply
	var permanent error
	operation := func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		return d.breakers[entityKind].Execute(callCtx, func(ctx context.Context) error {
			r, callErr := call(ctx)
			if callErr != nil {
				// 4xx responses cannot succeed on a later attempt; capture
				// the error and end the retry loop.
				if !backend.Retryable(callErr) {
					permanent = callErr
					return nil
				}
				return callErr
			}
			reply = r
			return nil
		})
	}

	if retrySafe {
		retryCfg := resilience.DefaultRetryConfig()
		retryCfg.MaxAttempts = d.maxRetries + 1
		err = resilience.WithRetry(ctx, operation, retryCfg)
	} else {
		err = operation(ctx)
	}
	if permanent != nil {
		err = permanent
	}

	if err != nil {
		status := classify(err)
		d.logger.ErrorContext(ctx, "Dispatch failed",
			"entity_kind", entityKind,
			"entity_id", entityID,
			"status", status.String(),
			"retry_safe", retrySafe,
			"error", err,
		)
		return Result{Status: status, Err: err}
	}

	return Result{Status: StatusOK, ReplyText: reply.Text, SideEffects: reply.SideEffects}
}

// CreateEntity creates a character or session under a freshly minted id.
// Creation mutates backend state the backend cannot retry idempotently, so
// the call is made exactly once; failures surface as BackendError.
func (d *Dispatcher) CreateEntity(ctx context.Context, entityKind, name, sourceUserID string) (string, Result) {
	baseURL, collection := d.characterURL, "beings"
	if entityKind == database.KindSession {
		baseURL, collection = d.sessionURL, "sessions"
	}

	entityID := uuid.NewString()

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var created *backend.CreatedEntity
	err := d.breakers[entityKind].Execute(callCtx, func(ctx context.Context) error {
		c, callErr := d.client.CreateEntity(ctx, baseURL, collection, entityID, name, sourceUserID)
		if callErr != nil {
			return callErr
		}
		created = c
		return nil
	})
	if err != nil {
		status := classify(err)
		d.logger.ErrorContext(ctx, "Entity creation failed",
			"entity_kind", entityKind, "name", name, "status", status.String(), "error", err)
		return "", Result{Status: status, Err: err}
	}

	replyText := created.Reply
	if replyText == "" {
		replyText = fmt.Sprintf("Created %s %q with id %s", entityKind, name, created.ID)
	}
	return created.ID, Result{Status: StatusOK, ReplyText: replyText}
}

// Health probes each backend's health endpoint with a short deadline and
// returns a per-backend status string.
func (d *Dispatcher) Health(ctx context.Context) map[string]string {
	status := make(map[string]string, 2)
	for name, baseURL := range map[string]string{
		"characters": d.characterURL,
		"sessions":   d.sessionURL,
	} {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := d.client.Ping(probeCtx, baseURL); err != nil {
			status[name] = err.Error()
		} else {
			status[name] = "ok"
		}
		cancel()
	}
	return status
}

type backendCall func(ctx context.Context) (*backend.Reply, error)

// buildCall maps a parsed message to the backend operation for the bound
// entity kind and reports whether the operation is safe to retry.
func (d *Dispatcher) buildCall(addr, entityKind, entityID string, msg parser.ParsedMessage, sourceUserID string) (backendCall, bool) {
	if entityKind == database.KindSession {
		switch msg.Command {
		case parser.CmdJoin:
			characterID := msg.Args[0]
			return func(ctx context.Context) (*backend.Reply, error) {
				return d.client.JoinSession(ctx, addr, entityID, characterID, sourceUserID)
			}, false
		default:
			// Narration appends to the session log; the backend cannot
			// deduplicate a replay, so it is not retried.
			text := msg.Body
			return func(ctx context.Context) (*backend.Reply, error) {
				return d.client.Narrate(ctx, addr, entityID, sourceUserID, text)
			}, false
		}
	}

	if msg.Kind == parser.KindCommand {
		name, args := msg.CommandName, msg.Args
		// decide is a pure query against the character's state.
		retrySafe := msg.Command == parser.CmdDecide
		return func(ctx context.Context) (*backend.Reply, error) {
			return d.client.Command(ctx, addr, entityID, sourceUserID, name, args)
		}, retrySafe
	}

	body, mentions := msg.Body, msg.MentionedEntityIDs
	return func(ctx context.Context) (*backend.Reply, error) {
		return d.client.Converse(ctx, addr, entityID, sourceUserID, body, mentions)
	}, true
}

func classify(err error) Status {
	switch {
	case backend.IsNotFound(err):
		return StatusNotFound
	case backend.IsTimeout(err):
		return StatusTimeout
	default:
		return StatusBackendError
	}
}
