package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/codehaven/codehaven/internal/container"
	"github.com/codehaven/codehaven/internal/identity"
)

// PortsHandler exposes the ports a user's sandbox has published, so the
// frontend can offer preview links for dev servers started in the shell.
type PortsHandler struct {
	*Handler
	ports container.PortDiscovery
}

// NewPortsHandler creates a ports handler.
func NewPortsHandler(base *Handler, ports container.PortDiscovery) *PortsHandler {
	return &PortsHandler{Handler: base, ports: ports}
}

// RegisterRoutes registers the port routes.
func (h *PortsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/user", func(r chi.Router) {
		r.Get("/ports", h.List)
		r.Get("/port-status/{port}", h.Status)
	})
}

// List returns the container's published port mappings. An absent container
// yields an empty list, not an error.
func (h *PortsHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	mappings, err := h.ports.ListPortMappings(r.Context(), userID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to inspect ports")
		return
	}
	if mappings == nil {
		mappings = []container.PortMapping{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"ports": mappings})
}

// Status reports whether a process inside the container is listening on the
// given port. Inconclusive probes report inactive.
func (h *PortsHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil || port <= 0 || port > 65535 {
		Error(w, http.StatusBadRequest, "invalid port")
		return
	}

	active := h.ports.IsPortActive(r.Context(), userID, port)
	JSON(w, http.StatusOK, map[string]interface{}{"port": port, "active": active})
}
