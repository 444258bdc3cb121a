// Package backend builds requests to the character and session services and
// parses their responses. The services' request/response shapes are a stable
// external contract; this package owns only the mapping between parsed
// messages and those shapes.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// SideEffect is one backend-reported side effect the router must act on,
// e.g. binding a freshly created channel.
type SideEffect struct {
	EntityID string `json:"entity_id"`
	Effect   string `json:"effect"`
}

// Reply is a backend's textual response plus any side effects.
type Reply struct {
	Text        string       `json:"reply"`
	SideEffects []SideEffect `json:"side_effects"`
}

// CreatedEntity is the response to an entity creation call.
type CreatedEntity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Reply string `json:"reply"`
}

// StatusError reports a non-2xx backend response.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Detail)
}

// IsNotFound reports whether err is a backend 404.
func IsNotFound(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound
}

// IsTimeout reports whether err is a timeout or deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Retryable reports whether err may succeed on retry: timeouts, transport
// errors, and 5xx responses qualify; 4xx responses do not.
func Retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= http.StatusInternalServerError
	}
	return true
}

// Client issues HTTP calls to the backend services.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a backend client. Per-call deadlines come from the
// caller's context, so the underlying http.Client carries no timeout itself.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{},
		logger:     logger.With("component", "backend_client"),
	}
}

type converseRequest struct {
	Speaker  string   `json:"speaker"`
	Text     string   `json:"text"`
	Mentions []string `json:"mentions,omitempty"`
}

// Converse sends a conversational message to a character.
func (c *Client) Converse(ctx context.Context, baseURL, characterID, speaker, text string, mentions []string) (*Reply, error) {
	url := fmt.Sprintf("%s/beings/%s/converse", strings.TrimRight(baseURL, "/"), characterID)
	var reply Reply
	if err := c.post(ctx, url, converseRequest{Speaker: speaker, Text: text, Mentions: mentions}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

type commandRequest struct {
	Speaker string   `json:"speaker"`
	Name    string   `json:"name"`
	Args    []string `json:"args,omitempty"`
}

// Command forwards a recognized command to a character, e.g. decide.
func (c *Client) Command(ctx context.Context, baseURL, characterID, speaker, name string, args []string) (*Reply, error) {
	url := fmt.Sprintf("%s/beings/%s/command", strings.TrimRight(baseURL, "/"), characterID)
	var reply Reply
	if err := c.post(ctx, url, commandRequest{Speaker: speaker, Name: name, Args: args}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

type createRequest struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Creator string `json:"creator"`
}

// CreateEntity creates a character or session under a router-minted id.
// collection is the service's collection path, e.g. "beings" or "sessions".
func (c *Client) CreateEntity(ctx context.Context, baseURL, collection, id, name, creator string) (*CreatedEntity, error) {
	url := fmt.Sprintf("%s/%s", strings.TrimRight(baseURL, "/"), collection)
	var created CreatedEntity
	if err := c.post(ctx, url, createRequest{ID: id, Name: name, Creator: creator}, &created); err != nil {
		return nil, err
	}
	if created.ID == "" {
		created.ID = id
	}
	return &created, nil
}

type joinRequest struct {
	CharacterID string `json:"character_id"`
	Speaker     string `json:"speaker"`
}

// JoinSession adds a character to a session.
func (c *Client) JoinSession(ctx context.Context, baseURL, sessionID, characterID, speaker string) (*Reply, error) {
	url := fmt.Sprintf("%s/sessions/%s/join", strings.TrimRight(baseURL, "/"), sessionID)
	var reply Reply
	if err := c.post(ctx, url, joinRequest{CharacterID: characterID, Speaker: speaker}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

type narrateRequest struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Narrate sends narration or table talk to a session.
func (c *Client) Narrate(ctx context.Context, baseURL, sessionID, speaker, text string) (*Reply, error) {
	url := fmt.Sprintf("%s/sessions/%s/narrate", strings.TrimRight(baseURL, "/"), sessionID)
	var reply Reply
	if err := c.post(ctx, url, narrateRequest{Speaker: speaker, Text: text}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// EntityRecord is one entity as listed by a backend service. ChannelID names
// the chat channel the entity expects to be bound to, when the backend knows it.
type EntityRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ChannelID string `json:"channel_id"`
}

// ListEntities fetches the backend's entity collection, used by the binding
// reconciliation sweep.
func (c *Client) ListEntities(ctx context.Context, baseURL, collection string) ([]EntityRecord, error) {
	url := fmt.Sprintf("%s/%s", strings.TrimRight(baseURL, "/"), collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build list request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read list response from %s: %w", url, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &StatusError{Code: resp.StatusCode, Detail: strings.TrimSpace(string(body))}
	}

	var records []EntityRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to decode list response from %s: %w", url, err)
	}
	return records, nil
}

// Ping probes a service's health endpoint.
func (c *Client) Ping(ctx context.Context, baseURL string) error {
	url := strings.TrimRight(baseURL, "/") + "/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{Code: resp.StatusCode, Detail: "health check failed"}
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", url, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail := strings.TrimSpace(string(respBody))
		if len(detail) > 256 {
			detail = detail[:256]
		}
		return &StatusError{Code: resp.StatusCode, Detail: detail}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", url, err)
		}
	}
	return nil
}
