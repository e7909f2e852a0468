// Package sync keeps each user's container filesystem and durable store
// converged. The container is authoritative while a session is live: every
// mutation lands there synchronously, then is mirrored to the durable store
// in the background. Durable failures are logged and absorbed so that a
// storage outage never degrades the live editing experience.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	gosync "sync"
	"time"

	"github.com/codehaven/codehaven/internal/container"
	"github.com/codehaven/codehaven/internal/sanitize"
	"github.com/codehaven/codehaven/internal/storage"
)

// saveTimeout bounds each background durable write so a hung storage
// backend cannot accumulate goroutines forever.
const saveTimeout = 30 * time.Second

// Engine coordinates the two storage tiers for all users. It is stateless
// with respect to sessions; callers serialize per-user mutations. In-flight
// durable writes are tracked per user so one user's teardown never waits on
// another's backlog.
type Engine struct {
	runtime container.Runtime
	store   storage.Store
	logger  *slog.Logger

	mu       gosync.Mutex
	inflight map[string]*gosync.WaitGroup
}

// NewEngine creates a sync engine over a container runtime and a durable
// store.
func NewEngine(runtime container.Runtime, store storage.Store, logger *slog.Logger) *Engine {
	return &Engine{
		runtime:  runtime,
		store:    store,
		logger:   logger,
		inflight: make(map[string]*gosync.WaitGroup),
	}
}

// RestoreSession populates a fresh container from the durable store.
// Individual file failures are logged and skipped so one corrupt record
// cannot block a session from starting. Returns the number of entries
// restored.
func (e *Engine) RestoreSession(ctx context.Context, userID string) (int, error) {
	records, err := e.store.RestoreAllUserFiles(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("restore user files: %w", err)
	}

	restored := 0
	for _, rec := range records {
		if rec.IsDirectory {
			if err := e.runtime.CreateDirectory(ctx, userID, rec.Path); err != nil {
				e.logger.Warn("restore: create directory failed", "user_id", userID, "path", rec.Path, "error", err)
				continue
			}
		} else {
			if err := e.runtime.WriteFile(ctx, userID, rec.Path, rec.Content); err != nil {
				e.logger.Warn("restore: write file failed", "user_id", userID, "path", rec.Path, "error", err)
				continue
			}
		}
		restored++
	}

	e.logger.Info("session restored", "user_id", userID, "entries", restored, "total", len(records))
	return restored, nil
}

// ApplyChange sanitizes and persists a file edit. The container write is
// synchronous; the durable mirror runs in the background. Returns the
// normalized path the content was stored under.
func (e *Engine) ApplyChange(ctx context.Context, userID, rawPath string, content []byte) (string, error) {
	path := sanitize.NormalizePath(rawPath)
	if path == "" {
		return "", fmt.Errorf("invalid path %q", rawPath)
	}
	path = sanitize.RepairExtension(path)
	clean := []byte(sanitize.SanitizeContent(string(content), path))

	if err := e.runtime.WriteFile(ctx, userID, path, clean); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}

	e.saveAsync(userID, path, clean)

	if err := e.runtime.ReconcileDuplicates(ctx, userID); err != nil {
		e.logger.Warn("reconcile after write failed", "user_id", userID, "error", err)
	}
	return path, nil
}

// CreateDirectory creates a directory in the container and marks it in the
// durable store so empty directories survive restores.
func (e *Engine) CreateDirectory(ctx context.Context, userID, rawPath string) (string, error) {
	path := sanitize.NormalizePath(rawPath)
	if path == "" {
		return "", fmt.Errorf("invalid path %q", rawPath)
	}

	if err := e.runtime.CreateDirectory(ctx, userID, path); err != nil {
		return "", fmt.Errorf("create directory %s: %w", path, err)
	}

	e.background(userID, func(ctx context.Context) {
		if !e.store.CreateDirectoryMarker(ctx, userID, path) {
			e.logger.Warn("durable directory marker failed", "user_id", userID, "path", path)
		}
	})
	return path, nil
}

// DeletePath removes a path from the container and, best effort, from the
// durable store. The caller states whether the path is a directory; the
// container runtime cannot report that after the fact, and file deletes in
// object stores succeed for keys that never existed, so guessing is not
// possible here.
func (e *Engine) DeletePath(ctx context.Context, userID, rawPath string, isDir bool) (string, error) {
	path := sanitize.NormalizePath(rawPath)
	if path == "" {
		return "", fmt.Errorf("invalid path %q", rawPath)
	}

	if err := e.runtime.DeletePath(ctx, userID, path); err != nil {
		return "", fmt.Errorf("delete %s: %w", path, err)
	}

	e.background(userID, func(ctx context.Context) {
		if isDir {
			if !e.store.DeleteDirectory(ctx, userID, path) {
				e.logger.Warn("durable directory delete failed", "user_id", userID, "path", path)
			}
			return
		}
		if !e.store.DeleteFile(ctx, userID, path) {
			e.logger.Warn("durable delete failed", "user_id", userID, "path", path)
		}
	})
	return path, nil
}

// RenamePath moves a file or directory in the container and mirrors the
// move durably by re-saving under the new path and dropping the old one.
// Directory renames drop the old durable subtree; the relocated contents
// converge at the next backup.
func (e *Engine) RenamePath(ctx context.Context, userID, rawOld, rawNew string) (string, string, error) {
	oldPath := sanitize.NormalizePath(rawOld)
	newPath := sanitize.NormalizePath(rawNew)
	if oldPath == "" || newPath == "" {
		return "", "", fmt.Errorf("invalid rename %q -> %q", rawOld, rawNew)
	}
	newPath = sanitize.RepairExtension(newPath)

	if err := e.runtime.RenamePath(ctx, userID, oldPath, newPath); err != nil {
		return "", "", fmt.Errorf("rename %s -> %s: %w", oldPath, newPath, err)
	}

	// A readable new path means a file moved; anything else is a directory.
	content, err := e.runtime.ReadFile(ctx, userID, newPath)
	isFile := err == nil
	if isFile {
		e.saveAsync(userID, newPath, content)
	}
	e.background(userID, func(ctx context.Context) {
		if isFile {
			if !e.store.DeleteFile(ctx, userID, oldPath) {
				e.logger.Warn("durable delete failed", "user_id", userID, "path", oldPath)
			}
			return
		}
		if !e.store.DeleteDirectory(ctx, userID, oldPath) {
			e.logger.Warn("durable directory delete failed", "user_id", userID, "path", oldPath)
		}
	})
	return oldPath, newPath, nil
}

// BackupAll copies every file in the container to the durable store. This
// is the convergence point at session teardown: any durable writes lost to
// transient outages during the session are retried here. Returns the number
// of files backed up.
func (e *Engine) BackupAll(ctx context.Context, userID string) (int, error) {
	entries, err := e.runtime.ListFiles(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list files: %w", err)
	}

	// Directories holding anything are implied by their children's paths;
	// only empty ones need a marker, and stale markers converge away here.
	hasChild := make(map[string]bool)
	for _, entry := range entries {
		p := entry.Path
		for {
			i := strings.LastIndexByte(p, '/')
			if i <= 0 {
				break
			}
			p = p[:i]
			hasChild[p] = true
		}
	}

	files := make(map[string][]byte)
	for _, entry := range entries {
		if entry.IsDir {
			if hasChild[entry.Path] {
				e.store.RemoveDirectoryMarker(ctx, userID, entry.Path)
				continue
			}
			if !e.store.CreateDirectoryMarker(ctx, userID, entry.Path) {
				e.logger.Warn("backup: directory marker failed", "user_id", userID, "path", entry.Path)
			}
			continue
		}
		content, err := e.runtime.ReadFile(ctx, userID, entry.Path)
		if err != nil {
			e.logger.Warn("backup: read failed", "user_id", userID, "path", entry.Path, "error", err)
			continue
		}
		files[entry.Path] = content
	}

	saved := e.store.BackupAllUserFiles(ctx, userID, files)
	e.logger.Info("session backed up", "user_id", userID, "saved", saved, "files", len(files))
	return saved, nil
}

// LoadWithFallback reads a file from the container, falling back to the
// durable copy when the container cannot serve it.
func (e *Engine) LoadWithFallback(ctx context.Context, userID, rawPath string) ([]byte, error) {
	path := sanitize.NormalizePath(rawPath)
	if path == "" {
		return nil, fmt.Errorf("invalid path %q", rawPath)
	}

	content, err := e.runtime.ReadFile(ctx, userID, path)
	if err == nil {
		return content, nil
	}

	durable, derr := e.store.LoadFile(ctx, userID, path)
	if derr != nil {
		return nil, err
	}
	e.logger.Info("served file from durable store", "user_id", userID, "path", path)
	return durable, nil
}

func (e *Engine) saveAsync(userID, path string, content []byte) {
	e.background(userID, func(ctx context.Context) {
		if !e.store.SaveFile(ctx, userID, path, content) {
			e.logger.Warn("durable save failed, will converge at backup", "user_id", userID, "path", path)
			return
		}
		// The parent directory now provably holds a file; its marker is
		// redundant and would resurrect the directory twice on restore.
		if i := strings.LastIndexByte(path, '/'); i > 0 {
			e.store.RemoveDirectoryMarker(ctx, userID, path[:i])
		}
	})
}

func (e *Engine) userInflight(userID string) *gosync.WaitGroup {
	e.mu.Lock()
	defer e.mu.Unlock()
	wg, ok := e.inflight[userID]
	if !ok {
		wg = &gosync.WaitGroup{}
		e.inflight[userID] = wg
	}
	return wg
}

// background runs fn on its own timeout context, tracked under the user so
// Flush can wait for that user's pending durable writes.
func (e *Engine) background(userID string, fn func(ctx context.Context)) {
	wg := e.userInflight(userID)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Flush blocks until the user's in-flight durable writes have completed.
// Called before BackupAll at teardown so the backup observes a quiet store.
func (e *Engine) Flush(userID string) {
	e.userInflight(userID).Wait()
}
