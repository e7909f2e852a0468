// Package container provides exclusive control of per-user Docker sandboxes:
// image build, container lifecycle, command execution, and live filesystem
// access. No other package mutates container processes.
package container

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/codehaven/codehaven/internal/sanitize"
)

var (
	// ErrProvision means a container could not be created or started.
	// Fatal to that session's startup, never to the process.
	ErrProvision = errors.New("container provisioning failed")

	// ErrUnavailable means no running container exists for the user.
	ErrUnavailable = errors.New("container unavailable")

	// ErrPathNotFound means the requested path does not exist in the
	// container filesystem.
	ErrPathNotFound = errors.New("path not found in container")
)

// Entry is one row of a container's file manifest.
type Entry struct {
	Path  string
	IsDir bool
}

// Runtime is the contract the sync engine and session manager program
// against. A single Docker-backed implementation exists; tests substitute
// fakes.
type Runtime interface {
	// BuildBaseImage builds the shared sandbox image. Idempotent: a no-op
	// when the image already exists.
	BuildBaseImage(ctx context.Context) error

	// CreateUserContainer starts a container named deterministically from
	// userID, removing any stale container with the same name first.
	// Returns the container ID.
	CreateUserContainer(ctx context.Context, userID string) (string, error)

	// CreateShellSession attaches an interactive shell, returning the exec
	// ID (for resizes) and the duplex stream.
	CreateShellSession(ctx context.Context, userID string) (string, io.ReadWriteCloser, error)

	// ResizeShell resizes a shell session's terminal.
	ResizeShell(ctx context.Context, execID string, cols, rows uint) error

	// ExecuteCommand runs a one-shot command and returns its combined
	// output.
	ExecuteCommand(ctx context.Context, userID, command string) ([]byte, error)

	WriteFile(ctx context.Context, userID, path string, content []byte) error
	ReadFile(ctx context.Context, userID, path string) ([]byte, error)
	ListFiles(ctx context.Context, userID string) ([]Entry, error)
	ListDirectory(ctx context.Context, userID, path string) ([]Entry, error)
	CreateDirectory(ctx context.Context, userID, path string) error
	DeletePath(ctx context.Context, userID, path string) error
	RenamePath(ctx context.Context, userID, oldPath, newPath string) error

	// ReconcileDuplicates merges manifest entries whose normalized paths
	// collide, keeping the most recently written version.
	ReconcileDuplicates(ctx context.Context, userID string) error

	// StopAndRemove tears the user's container down. Best-effort: failures
	// are logged, never returned, so teardown cannot block other sessions.
	StopAndRemove(ctx context.Context, userID string)

	// CleanupOrphans force-removes every container matching the naming
	// convention. Run at startup before accepting sessions.
	CleanupOrphans(ctx context.Context) (int, error)
}

// statEntry is a manifest row with enough metadata to pick a winner when
// normalized paths collide.
type statEntry struct {
	path  string
	isDir bool
	mtime float64
}

// parseManifest parses `find -printf '%P|%y|%T@\n'` output. Malformed lines
// are skipped.
func parseManifest(out string) []statEntry {
	var entries []statEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 2 || parts[0] == "" {
			continue
		}
		e := statEntry{path: parts[0], isDir: parts[1] == "d"}
		if len(parts) >= 3 {
			if mt, err := strconv.ParseFloat(parts[2], 64); err == nil {
				e.mtime = mt
			}
		}
		entries = append(entries, e)
	}
	return entries
}

// duplicateMerge describes one reconciliation: read from keep, remove every
// path in drop, and write the content at canonical.
type duplicateMerge struct {
	canonical string
	keep      string
	drop      []string
}

// planReconciliation groups file entries by normalized path and, for each
// collision, keeps the most recently written spelling. Directories are left
// alone: merging them would require moving children and the manifest already
// collapses them once their files are merged.
func planReconciliation(entries []statEntry) []duplicateMerge {
	groups := make(map[string][]statEntry)
	for _, e := range entries {
		if e.isDir {
			continue
		}
		norm := sanitize.NormalizePath(e.path)
		if norm == "" {
			continue
		}
		groups[norm] = append(groups[norm], e)
	}

	var merges []duplicateMerge
	for norm, group := range groups {
		needsMerge := len(group) > 1
		if len(group) == 1 && group[0].path != norm {
			// Single entry under a non-canonical raw spelling.
			needsMerge = true
		}
		if !needsMerge {
			continue
		}

		sort.Slice(group, func(i, j int) bool { return group[i].mtime > group[j].mtime })
		m := duplicateMerge{canonical: norm, keep: group[0].path}
		for _, e := range group {
			if e.path != norm {
				m.drop = append(m.drop, e.path)
			}
		}
		merges = append(merges, m)
	}

	sort.Slice(merges, func(i, j int) bool { return merges[i].canonical < merges[j].canonical })
	return merges
}
