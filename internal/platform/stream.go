package platform

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heraldbot/herald/internal/router"
)

const (
	streamReconnectMin = time.Second
	streamReconnectMax = 30 * time.Second
	streamReadLimit    = 1 << 20
)

// Stream consumes the platform's WebSocket event feed and hands events to
// the router. Events delivered on both the stream and the webhook are folded
// together by the router's dedup window.
type Stream struct {
	url    string
	router *router.Router
	logger *slog.Logger
}

// NewStream creates a stream consumer for the given WebSocket URL.
func NewStream(url string, rt *router.Router, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		url:    url,
		router: rt,
		logger: logger.With("component", "event_stream"),
	}
}

// Run consumes events until the context is cancelled, reconnecting with
// capped exponential backoff on connection loss.
func (s *Stream) Run(ctx context.Context) error {
	backoff := streamReconnectMin

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		err := s.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}

		s.logger.Warn("Event stream disconnected, reconnecting",
			"error", err, "backoff", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		backoff *= 2
		if backoff > streamReconnectMax {
			backoff = streamReconnectMax
		}
	}
}

func (s *Stream) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetReadLimit(streamReadLimit)
	s.logger.Info("Event stream connected", "url", s.url)

	// Unblock the read loop when the context is cancelled. The watcher is
	// scoped to this connection so reconnects do not accumulate goroutines.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var req inboundEventRequest
		if err := conn.ReadJSON(&req); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return nil
			}
			return err
		}

		if req.EventID == "" || req.ChannelID == "" || req.AuthorID == "" {
			s.logger.Warn("Skipping malformed stream event", "event_id", req.EventID)
			continue
		}

		receivedAt := time.Now().UTC()
		if req.Timestamp != "" {
			if ts, parseErr := time.Parse(time.RFC3339, req.Timestamp); parseErr == nil {
				receivedAt = ts
			}
		}

		s.router.Ingest(router.InboundEvent{
			EventID:    req.EventID,
			ChannelID:  req.ChannelID,
			AuthorID:   req.AuthorID,
			Text:       req.MessageText,
			ReceivedAt: receivedAt,
		})
	}
}
