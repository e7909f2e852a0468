package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/codehaven/codehaven/internal/container"
	"github.com/codehaven/codehaven/internal/identity"
	"github.com/codehaven/codehaven/internal/sanitize"
	"github.com/codehaven/codehaven/internal/session"
	"github.com/codehaven/codehaven/internal/storage"
)

// FilesHandler exposes workspace file operations over REST. All operations
// require a Ready session except content reads, which fall back to the
// durable store so editors can browse files between sessions.
type FilesHandler struct {
	*Handler
}

// NewFilesHandler creates a files handler.
func NewFilesHandler(base *Handler) *FilesHandler {
	return &FilesHandler{Handler: base}
}

// RegisterRoutes registers the file routes.
func (h *FilesHandler) RegisterRoutes(r chi.Router) {
	r.Route("/files", func(r chi.Router) {
		r.Get("/", h.Tree)
		r.Get("/content", h.Content)
		r.Post("/create", h.Create)
		r.Post("/rename", h.Rename)
		r.Post("/delete", h.Delete)
		r.Post("/directory", h.Directory)
	})
}

type fileEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
}

type fileRequest struct {
	Path    string `json:"path"`
	NewPath string `json:"newPath,omitempty"`
	Content string `json:"content,omitempty"`
	IsDir   bool   `json:"isDir,omitempty"`
}

func decodeFileRequest(w http.ResponseWriter, r *http.Request) (*fileRequest, bool) {
	var req fileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if req.Path == "" {
		Error(w, http.StatusBadRequest, "path is required")
		return nil, false
	}
	return &req, true
}

func writeFileError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotReady):
		Error(w, http.StatusConflict, "session not ready")
	case errors.Is(err, container.ErrPathNotFound):
		Error(w, http.StatusNotFound, "path not found")
	case errors.Is(err, container.ErrUnavailable):
		Error(w, http.StatusServiceUnavailable, "container unavailable")
	default:
		Error(w, http.StatusInternalServerError, err.Error())
	}
}

// Tree returns the full workspace manifest.
func (h *FilesHandler) Tree(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	entries, err := h.sessions.ListFiles(r.Context(), userID)
	if err != nil {
		writeFileError(w, err)
		return
	}

	out := make([]fileEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, fileEntry{Path: e.Path, IsDir: e.IsDir})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"entries": out})
}

// Content returns one file's content. Live sessions serve from the
// container; without one the durable copy is returned so files stay
// readable between sessions.
func (h *FilesHandler) Content(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	rawPath := r.URL.Query().Get("path")
	path := sanitize.NormalizePath(rawPath)
	if path == "" {
		Error(w, http.StatusBadRequest, "invalid path")
		return
	}

	var content []byte
	var err error
	if h.sessions.Ready(userID) {
		content, err = h.sessions.ReadFile(r.Context(), userID, path)
	} else {
		content, err = h.durable.LoadFile(r.Context(), userID, path)
		if errors.Is(err, storage.ErrNotFound) {
			Error(w, http.StatusNotFound, "path not found")
			return
		}
	}
	if err != nil {
		writeFileError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]string{"path": path, "content": string(content)})
}

// Create writes a new file (or overwrites an existing one).
func (h *FilesHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	req, ok := decodeFileRequest(w, r)
	if !ok {
		return
	}

	path, err := h.sessions.SaveFile(r.Context(), userID, req.Path, []byte(req.Content))
	if err != nil {
		writeFileError(w, err)
		return
	}
	slog.Info("file created", "user_id", userID, "path", path)
	h.touchLastSeen(userID)
	JSON(w, http.StatusOK, map[string]string{"path": path})
}

// Rename moves a file or directory.
func (h *FilesHandler) Rename(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	req, ok := decodeFileRequest(w, r)
	if !ok {
		return
	}
	if req.NewPath == "" {
		Error(w, http.StatusBadRequest, "newPath is required")
		return
	}

	oldPath, newPath, err := h.sessions.RenamePath(r.Context(), userID, req.Path, req.NewPath)
	if err != nil {
		writeFileError(w, err)
		return
	}
	h.touchLastSeen(userID)
	JSON(w, http.StatusOK, map[string]string{"oldPath": oldPath, "newPath": newPath})
}

// Delete removes a file or directory.
func (h *FilesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	req, ok := decodeFileRequest(w, r)
	if !ok {
		return
	}

	path, err := h.sessions.DeletePath(r.Context(), userID, req.Path, req.IsDir)
	if err != nil {
		writeFileError(w, err)
		return
	}
	h.touchLastSeen(userID)
	JSON(w, http.StatusOK, map[string]string{"path": path})
}

// Directory creates an empty directory.
func (h *FilesHandler) Directory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	req, ok := decodeFileRequest(w, r)
	if !ok {
		return
	}

	path, err := h.sessions.CreateDirectory(r.Context(), userID, req.Path)
	if err != nil {
		writeFileError(w, err)
		return
	}
	h.touchLastSeen(userID)
	JSON(w, http.StatusOK, map[string]string{"path": path})
}
