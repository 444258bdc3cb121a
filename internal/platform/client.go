// Package platform adapts the router to the chat platform: the outbound
// post-message client, the inbound webhook and admin HTTP server, and the
// optional WebSocket event stream.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/heraldbot/herald/internal/config"
	"github.com/heraldbot/herald/internal/registry"
)

// Client posts messages to the chat platform, speaking as the registry
// identity configured for this router.
type Client struct {
	httpClient *http.Client
	postURL    string
	identityID string
	registry   *registry.Registry
	logger     *slog.Logger
}

// NewClient creates a platform client.
func NewClient(cfg config.PlatformConfig, reg *registry.Registry, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		postURL:    cfg.PostMessageURL,
		identityID: cfg.IdentityID,
		registry:   reg,
		logger:     logger.With("component", "platform_client"),
	}
}

type postMessageRequest struct {
	ChannelID         string `json:"channel_id"`
	Text              string `json:"text"`
	AuthorDisplayName string `json:"author_display_name"`
}

// PostMessage sends one message to a channel. The identity is resolved per
// call, so a rotated token takes effect on the next message.
func (c *Client) PostMessage(ctx context.Context, channelID, text string) error {
	identity, err := c.registry.Resolve(ctx, c.identityID)
	if err != nil {
		return fmt.Errorf("resolve posting identity: %w", err)
	}
	if !identity.Active {
		return fmt.Errorf("posting identity %q is deactivated", c.identityID)
	}

	body, err := json.Marshal(postMessageRequest{
		ChannelID:         channelID,
		Text:              text,
		AuthorDisplayName: identity.DisplayName,
	})
	if err != nil {
		return fmt.Errorf("encode post message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.postURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build post message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+identity.CredentialToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post message to %s: %w", channelID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post message to %s: platform returned status %d: %s",
			channelID, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	c.logger.DebugContext(ctx, "Posted message", "channel_id", channelID, "length", len(text))
	return nil
}
