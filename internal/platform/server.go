package platform

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/heraldbot/herald/internal/config"
	"github.com/heraldbot/herald/internal/database"
	"github.com/heraldbot/herald/internal/logger"
	"github.com/heraldbot/herald/internal/registry"
	"github.com/heraldbot/herald/internal/router"
)

// HealthChecker reports per-backend reachability for the health endpoint.
type HealthChecker interface {
	Health(ctx context.Context) map[string]string
}

// Server exposes the inbound webhook, the health check, and the registry
// management surface.
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// ServerDeps provides dependencies for the HTTP server.
type ServerDeps struct {
	Logger   *slog.Logger
	Router   *router.Router
	Registry *registry.Registry
	Health   HealthChecker
}

// NewServer builds the HTTP server and its routes.
func NewServer(cfg config.ServerConfig, deps ServerDeps) *Server {
	log := deps.Logger.With("component", "http_server")

	s := &Server{
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          log,
	}

	r := mux.NewRouter()
	r.Use(logger.Middleware(log))

	r.HandleFunc("/events", s.handleEvent(deps.Router)).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth(deps.Health)).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/identities", s.handleRegisterIdentity(deps.Registry)).Methods(http.MethodPost)
	admin.HandleFunc("/identities/{id}/rotate", s.handleRotateToken(deps.Registry)).Methods(http.MethodPost)
	admin.HandleFunc("/identities/{id}", s.handleDeactivateIdentity(deps.Registry)).Methods(http.MethodDelete)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

type inboundEventRequest struct {
	EventID     string `json:"event_id"`
	ChannelID   string `json:"channel_id"`
	AuthorID    string `json:"author_id"`
	MessageText string `json:"message_text"`
	Timestamp   string `json:"timestamp"`
}

// handleEvent accepts one webhook delivery. The platform only needs a 2xx
// inside its timeout window; processing happens asynchronously and the reply
// goes out through the post-message call.
func (s *Server) handleEvent(rt *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req inboundEventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.EventID == "" || req.ChannelID == "" || req.AuthorID == "" {
			http.Error(w, "event_id, channel_id, and author_id are required", http.StatusBadRequest)
			return
		}

		receivedAt := time.Now().UTC()
		if req.Timestamp != "" {
			if ts, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
				receivedAt = ts
			}
		}

		rt.Ingest(router.InboundEvent{
			EventID:    req.EventID,
			ChannelID:  req.ChannelID,
			AuthorID:   req.AuthorID,
			Text:       req.MessageText,
			ReceivedAt: receivedAt,
		})

		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleHealth(health HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backends := health.Health(r.Context())

		code := http.StatusOK
		for _, status := range backends {
			if status != "ok" {
				code = http.StatusServiceUnavailable
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(map[string]any{"backends": backends}); err != nil {
			s.logger.Error("Failed to encode health response", "error", err)
		}
	}
}

type registerIdentityRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Token       string `json:"token"`
}

func (s *Server) handleRegisterIdentity(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerIdentityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.ID == "" || req.Token == "" {
			http.Error(w, "id and token are required", http.StatusBadRequest)
			return
		}

		identity, err := reg.Register(r.Context(), req.ID, req.DisplayName, req.Token)
		if err != nil {
			if errors.Is(err, database.ErrDuplicateIdentity) {
				http.Error(w, "identity already registered", http.StatusConflict)
				return
			}
			s.logger.ErrorContext(r.Context(), "Failed to register identity", "identity_id", req.ID, "error", err)
			http.Error(w, "failed to register identity", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		if err := json.NewEncoder(w).Encode(map[string]string{
			"id":           identity.ID,
			"display_name": identity.DisplayName,
		}); err != nil {
			s.logger.Error("Failed to encode identity response", "error", err)
		}
	}
}

type rotateTokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleRotateToken(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		var req rotateTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
			http.Error(w, "token is required", http.StatusBadRequest)
			return
		}

		if err := reg.RotateToken(r.Context(), id, req.Token); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				http.Error(w, "identity not found", http.StatusNotFound)
				return
			}
			s.logger.ErrorContext(r.Context(), "Failed to rotate token", "identity_id", id, "error", err)
			http.Error(w, "failed to rotate token", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleDeactivateIdentity(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		if err := reg.Deactivate(r.Context(), id); err != nil {
			s.logger.ErrorContext(r.Context(), "Failed to deactivate identity", "identity_id", id, "error", err)
			http.Error(w, "failed to deactivate identity", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
