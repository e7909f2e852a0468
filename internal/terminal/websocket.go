// Package terminal bridges browser websocket connections to live sandbox
// sessions: the auth handshake, the message protocol, and the bidirectional
// shell pumps.
package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/codehaven/codehaven/internal/container"
	"github.com/codehaven/codehaven/internal/identity"
	"github.com/codehaven/codehaven/internal/session"
	"github.com/codehaven/codehaven/internal/store"
)

// teardownTimeout bounds the backup-and-remove sequence after a client
// disconnects.
const teardownTimeout = 2 * time.Minute

// Message is the websocket protocol envelope, both directions.
type Message struct {
	Type    string `json:"type"`
	Path    string `json:"path,omitempty"`
	NewPath string `json:"newPath,omitempty"`
	Content string `json:"content,omitempty"`
	IsDir   bool   `json:"isDir,omitempty"`
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	Cols    uint   `json:"cols,omitempty"`
	Rows    uint   `json:"rows,omitempty"`

	Entries []treeEntry `json:"entries,omitempty"`
}

type treeEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
}

// WebSocketHandler upgrades connections, authenticates them, and drives a
// session for the lifetime of the socket.
type WebSocketHandler struct {
	verifier      *identity.Verifier
	repo          store.Repository
	sessions      *session.Manager
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a websocket handler.
func NewWebSocketHandler(verifier *identity.Verifier, repo store.Repository, sessions *session.Manager, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		verifier:      verifier,
		repo:          repo,
		sessions:      sessions,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsWriter adapts websocket.Conn to io.Writer for the shell output pump.
// Writes use context.Background() because the library tracks connection
// state itself; the stored context only short-circuits after cancellation.
type wsWriter struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (w *wsWriter) Write(p []byte) (int, error) {
	if w.ctx.Err() != nil {
		return 0, w.ctx.Err()
	}
	msg := Message{Type: "terminal:data", Content: string(p)}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	if err := w.conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		if w.ctx.Err() != nil {
			return 0, w.ctx.Err()
		}
		slog.Debug("websocket write error", "error", err)
		return 0, err
	}
	return len(p), nil
}

// ServeHTTP implements the upgrade: origin check, token handshake, session
// connect, then the two pumps until either side closes.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr)
		}
	}()

	// Auth handshake. The token arrives in the Authorization header or the
	// token query parameter; no session state is touched before it verifies.
	token := identity.TokenFromRequest(r)
	if token == "" {
		h.writeMessage(ws, Message{Type: "auth:required"})
		return
	}
	userID, err := h.verifier.Verify(token)
	if err != nil {
		slog.Warn("websocket auth failed", "error", err, "ip", r.RemoteAddr)
		h.writeMessage(ws, Message{Type: "auth:invalid"})
		return
	}
	if err := identity.EnsureUser(r.Context(), h.repo, userID); err != nil {
		slog.Error("failed to ensure user", "error", err, "user_id", userID)
		h.writeMessage(ws, Message{Type: "error", Error: "failed to initialize user"})
		return
	}

	slog.Info("websocket connected", "user_id", userID, "ip", r.RemoteAddr)

	sess, err := h.sessions.Connect(r.Context(), userID)
	if err != nil {
		slog.Error("session connect failed", "error", err, "user_id", userID)
		h.writeMessage(ws, Message{Type: "error", Error: "failed to provision session"})
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		h.sessions.Disconnect(ctx, userID)
	}()

	go func() {
		updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.repo.UpdateContainerID(updateCtx, userID, sess.ContainerID, ""); err != nil {
			slog.Warn("failed to record container id", "error", err, "user_id", userID)
		}
	}()

	h.writeMessage(ws, Message{Type: "ready"})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: websocket -> session.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, userID)
	}()

	// Output loop: shell -> websocket.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, sess.Shell)
	}()

	wg.Wait()
	slog.Info("websocket session ended", "user_id", userID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, userID string) {
	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("websocket closed by client", "user_id", userID)
			} else if ctx.Err() == nil {
				slog.Warn("websocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Raw bytes from clients that skip the envelope go straight to
			// the shell.
			if werr := h.sessions.WriteInput(userID, raw); werr != nil {
				slog.Warn("shell write failed", "error", werr, "user_id", userID)
				return
			}
			continue
		}

		h.dispatch(ctx, ws, userID, msg)

		go func() {
			updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.repo.UpdateLastSeen(updateCtx, userID, time.Now()); err != nil {
				slog.Warn("failed to update last seen", "error", err, "user_id", userID)
			}
		}()
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, ws *websocket.Conn, userID string, msg Message) {
	switch msg.Type {
	case "terminal:input":
		if err := h.sessions.WriteInput(userID, []byte(msg.Content)); err != nil {
			h.sendError(ws, msg.Path, err)
		}

	case "resize":
		if err := h.sessions.Resize(ctx, userID, msg.Cols, msg.Rows); err != nil {
			slog.Warn("resize failed", "error", err, "user_id", userID)
		}

	case "ping":
		h.writeMessage(ws, Message{Type: "pong"})

	case "file:change", "file:save", "file:create":
		if msg.IsDir {
			if _, err := h.sessions.CreateDirectory(ctx, userID, msg.Path); err != nil {
				h.sendError(ws, msg.Path, err)
				return
			}
			h.sendTree(ctx, ws, userID)
			return
		}
		path, err := h.sessions.SaveFile(ctx, userID, msg.Path, []byte(msg.Content))
		if err != nil {
			h.writeMessage(ws, Message{Type: "file:saved", Path: msg.Path, Error: errorText(err)})
			return
		}
		if msg.Type == "file:save" {
			// Explicit saves flush the container filesystem too.
			h.sessions.FlushWorkspace(ctx, userID)
		}
		h.writeMessage(ws, Message{Type: "file:saved", Path: path, Success: true})
		h.sendTree(ctx, ws, userID)

	case "file:delete":
		if _, err := h.sessions.DeletePath(ctx, userID, msg.Path, msg.IsDir); err != nil {
			h.sendError(ws, msg.Path, err)
			return
		}
		h.sendTree(ctx, ws, userID)

	case "file:rename":
		if _, _, err := h.sessions.RenamePath(ctx, userID, msg.Path, msg.NewPath); err != nil {
			h.sendError(ws, msg.Path, err)
			return
		}
		h.sendTree(ctx, ws, userID)

	case "tree:list":
		h.sendTree(ctx, ws, userID)

	case "file:content":
		content, err := h.sessions.ReadFile(ctx, userID, msg.Path)
		if err != nil {
			h.sendError(ws, msg.Path, err)
			return
		}
		h.writeMessage(ws, Message{Type: "file:content", Path: msg.Path, Content: string(content)})

	case "dir:list":
		entries, err := h.sessions.ListDirectory(ctx, userID, msg.Path)
		if err != nil {
			h.sendError(ws, msg.Path, err)
			return
		}
		h.writeMessage(ws, Message{Type: "dir:list", Path: msg.Path, Entries: toTreeEntries(entries)})

	default:
		slog.Debug("unknown message type", "type", msg.Type, "user_id", userID)
	}
}

func (h *WebSocketHandler) sendTree(ctx context.Context, ws *websocket.Conn, userID string) {
	entries, err := h.sessions.ListFiles(ctx, userID)
	if err != nil {
		h.sendError(ws, "", err)
		return
	}
	h.writeMessage(ws, Message{Type: "tree:changed", Entries: toTreeEntries(entries)})
}

func (h *WebSocketHandler) sendError(ws *websocket.Conn, path string, err error) {
	h.writeMessage(ws, Message{Type: "file:error", Path: path, Error: errorText(err)})
}

// errorText maps internal errors to the client-facing strings.
func errorText(err error) string {
	switch {
	case errors.Is(err, session.ErrNotReady):
		return "session not ready"
	case errors.Is(err, container.ErrPathNotFound):
		return "path not found"
	case errors.Is(err, container.ErrUnavailable):
		return "container unavailable"
	}
	return "operation failed"
}

func (h *WebSocketHandler) outputLoop(ctx context.Context, ws *websocket.Conn, shell io.Reader) {
	writer := &wsWriter{conn: ws, ctx: ctx}
	_, err := io.Copy(writer, shell)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
		slog.Warn("shell output error", "error", err)
	}
}

func (h *WebSocketHandler) writeMessage(ws *websocket.Conn, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal message", "error", err, "type", msg.Type)
		return
	}
	if err := ws.Write(context.Background(), websocket.MessageText, data); err != nil {
		slog.Debug("failed to write message", "error", err, "type", msg.Type)
	}
}

func toTreeEntries(entries []container.Entry) []treeEntry {
	out := make([]treeEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, treeEntry{Path: e.Path, IsDir: e.IsDir})
	}
	return out
}
