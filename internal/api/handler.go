// Package api provides the REST surface: file access, port discovery, and
// health. The websocket protocol is the primary interface; these endpoints
// serve the same session state for plain HTTP clients.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/codehaven/codehaven/internal/session"
	"github.com/codehaven/codehaven/internal/storage"
	"github.com/codehaven/codehaven/internal/store"
)

// Handler provides common handler dependencies.
type Handler struct {
	repo     store.Repository
	sessions *session.Manager
	durable  storage.Store
}

// NewHandler creates a Handler with common dependencies.
func NewHandler(repo store.Repository, sessions *session.Manager, durable storage.Store) *Handler {
	return &Handler{repo: repo, sessions: sessions, durable: durable}
}

// touchLastSeen refreshes the user's idle clock in the background so REST
// activity counts against the session TTL the same as terminal input.
func (h *Handler) touchLastSeen(userID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.repo.UpdateLastSeen(ctx, userID, time.Now()); err != nil {
			slog.Warn("failed to update last seen", "error", err, "user_id", userID)
		}
	}()
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// HealthHandler reports the status of the server and its dependencies.
type HealthHandler struct {
	repo     store.Repository
	durable  storage.Store
	sessions *session.Manager
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(repo store.Repository, durable storage.Store, sessions *session.Manager) *HealthHandler {
	return &HealthHandler{repo: repo, durable: durable, sessions: sessions}
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// Health returns the health status of the API and its dependencies. The
// durable store being down degrades status but the API stays up: live
// sessions keep working against their containers.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("health check: database unreachable", "error", err)
		checks["database"] = "unreachable"
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.durable.IsHealthy(ctx) {
		checks["storage"] = "ok"
	} else {
		checks["storage"] = "unreachable"
		if status == "healthy" {
			status = "degraded"
		}
	}

	JSON(w, statusCode, map[string]interface{}{
		"status":          status,
		"checks":          checks,
		"active_sessions": h.sessions.ActiveCount(),
	})
}
