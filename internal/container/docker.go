package container

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/codehaven/codehaven/internal/config"
	"github.com/codehaven/codehaven/internal/sanitize"
)

const (
	containerNamePrefix = "codehaven-"
	workspaceDir        = sanitize.WorkspaceRoot
	stopTimeoutSecs     = 10

	defaultCols = 80
	defaultRows = 24

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond

	// Manifest listing: %P is the path relative to the search root, %y the
	// type letter, %T@ the mtime with fractional seconds.
	manifestFormat = `%P|%y|%T@\n`
)

// DockerRuntime implements Runtime against the Docker Engine API.
type DockerRuntime struct {
	cli *client.Client
	cfg *config.Config

	// handles maps userID to the live container ID. Access is serialized;
	// operations for different users resolve independently by name when the
	// cache misses.
	mu      sync.RWMutex
	handles map[string]string
}

// NewDockerRuntime creates a Docker-backed runtime. Fails if the engine is
// unreachable, which is fatal at startup.
func NewDockerRuntime(ctx context.Context, cfg *config.Config) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping docker engine: %w", err)
	}

	slog.Info("Docker client initialized", "image", cfg.SandboxImage)
	return &DockerRuntime{
		cli:     cli,
		cfg:     cfg,
		handles: make(map[string]string),
	}, nil
}

// ContainerName derives the deterministic container name for a user. A
// restart recognizes orphans by this convention.
func ContainerName(userID string) string {
	return containerNamePrefix + userID
}

// resolve returns the container ID for a user, consulting the engine by
// name when the handle cache misses.
func (r *DockerRuntime) resolve(ctx context.Context, userID string) (string, error) {
	r.mu.RLock()
	id, ok := r.handles[userID]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	inspect, err := r.cli.ContainerInspect(ctx, ContainerName(userID))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: no container for user %s", ErrUnavailable, userID)
		}
		return "", fmt.Errorf("%w: inspect %s: %v", ErrUnavailable, userID, err)
	}
	if !inspect.State.Running {
		return "", fmt.Errorf("%w: container for user %s is not running", ErrUnavailable, userID)
	}

	r.mu.Lock()
	r.handles[userID] = inspect.ID
	r.mu.Unlock()
	return inspect.ID, nil
}

// CreateUserContainer starts a fresh container for the user. A stale
// container left behind by a prior crash is removed first.
func (r *DockerRuntime) CreateUserContainer(ctx context.Context, userID string) (string, error) {
	name := ContainerName(userID)

	if inspect, err := r.cli.ContainerInspect(ctx, name); err == nil {
		slog.Info("Removing stale container before create", "container_id", inspect.ID, "user_id", userID)
		r.removeByID(ctx, inspect.ID)
	}

	cfg := &container.Config{
		Image:      r.cfg.SandboxImage,
		WorkingDir: workspaceDir,
		Tty:        true,
		Cmd:        []string{"sleep", "infinity"},
	}
	hostCfg := &container.HostConfig{
		PublishAllPorts: true,
		Resources: container.Resources{
			Memory:    r.cfg.MemoryLimitBytes,
			CPUQuota:  r.cfg.CPUQuota,
			PidsLimit: ptr(r.cfg.PidsLimit),
		},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("%w: create container: %v", ErrProvision, createErr)
		}

		// A delayed removal can hold the name briefly. Force the old one
		// out and retry shortly.
		slog.Warn("Container name conflict during create, retrying",
			"user_id", userID, "attempt", i+1, "error", createErr)
		if inspect, inspectErr := r.cli.ContainerInspect(ctx, name); inspectErr == nil {
			r.removeByID(ctx, inspect.ID)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrProvision, ctx.Err())
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("%w: create container after retries: %v", ErrProvision, createErr)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		r.removeByID(ctx, resp.ID)
		return "", fmt.Errorf("%w: start container: %v", ErrProvision, err)
	}

	if err := r.execSilent(ctx, resp.ID, "mkdir -p "+workspaceDir); err != nil {
		slog.Warn("Failed to ensure workspace directory", "user_id", userID, "error", err)
	}

	r.mu.Lock()
	r.handles[userID] = resp.ID
	r.mu.Unlock()

	slog.Info("Container created and started", "container_id", resp.ID, "user_id", userID)
	return resp.ID, nil
}

// CreateShellSession attaches an interactive bash shell.
func (r *DockerRuntime) CreateShellSession(ctx context.Context, userID string) (string, io.ReadWriteCloser, error) {
	containerID, err := r.resolve(ctx, userID)
	if err != nil {
		return "", nil, err
	}

	execConfig := container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Cmd:          []string{"/bin/bash"},
		WorkingDir:   workspaceDir,
		ConsoleSize:  &[2]uint{defaultCols, defaultRows},
	}

	resp, err := r.cli.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return "", nil, fmt.Errorf("%w: create shell exec: %v", ErrUnavailable, err)
	}

	attachResp, err := r.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return "", nil, fmt.Errorf("%w: attach shell exec: %v", ErrUnavailable, err)
	}

	slog.Info("Shell session created", "exec_id", resp.ID, "container_id", containerID, "user_id", userID)
	return resp.ID, attachResp.Conn, nil
}

// ResizeShell resizes a running shell session.
func (r *DockerRuntime) ResizeShell(ctx context.Context, execID string, cols, rows uint) error {
	if err := r.cli.ContainerExecResize(ctx, execID, container.ResizeOptions{
		Height: rows,
		Width:  cols,
	}); err != nil {
		return fmt.Errorf("resize shell %s to %dx%d: %w", execID, cols, rows, err)
	}
	return nil
}

// ExecuteCommand runs a one-shot shell command and returns its combined
// output once the command exits.
func (r *DockerRuntime) ExecuteCommand(ctx context.Context, userID, command string) ([]byte, error) {
	containerID, err := r.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	stdout, stderr, exitCode, err := r.exec(ctx, containerID, command)
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return append(stdout, stderr...), fmt.Errorf("command exited with code %d: %s", exitCode, strings.TrimSpace(string(stderr)))
	}
	return append(stdout, stderr...), nil
}

// exec runs a command under sh -c and waits for its output and exit code.
func (r *DockerRuntime) exec(ctx context.Context, containerID, command string) (stdout, stderr []byte, exitCode int, err error) {
	resp, err := r.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"sh", "-c", command},
	})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("%w: create exec: %v", ErrUnavailable, err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("%w: attach exec: %v", ErrUnavailable, err)
	}
	defer attach.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, attach.Reader); err != nil {
		return nil, nil, 0, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("inspect exec: %w", err)
	}
	return outBuf.Bytes(), errBuf.Bytes(), inspect.ExitCode, nil
}

// execSilent runs a command, caring only about a zero exit.
func (r *DockerRuntime) execSilent(ctx context.Context, containerID, command string) error {
	_, stderr, exitCode, err := r.exec(ctx, containerID, command)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("command %q exited with code %d: %s", command, exitCode, strings.TrimSpace(string(stderr)))
	}
	return nil
}

// containerPath joins a normalized relative path onto the workspace root.
func containerPath(p string) string {
	return path.Join(workspaceDir, p)
}

// WriteFile writes content into the container filesystem, creating parent
// directories as needed.
func (r *DockerRuntime) WriteFile(ctx context.Context, userID, p string, content []byte) error {
	containerID, err := r.resolve(ctx, userID)
	if err != nil {
		return err
	}

	if dir := path.Dir(p); dir != "." {
		if err := r.execSilent(ctx, containerID, "mkdir -p "+shellQuote(containerPath(dir))); err != nil {
			return fmt.Errorf("create parent directory for %s: %w", p, err)
		}
	}

	archive, err := tarFile(p, content)
	if err != nil {
		return fmt.Errorf("build archive for %s: %w", p, err)
	}
	if err := r.cli.CopyToContainer(ctx, containerID, workspaceDir, archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("%w: copy %s into container: %v", ErrUnavailable, p, err)
	}
	return nil
}

// ReadFile reads one file's content from the container filesystem.
func (r *DockerRuntime) ReadFile(ctx context.Context, userID, p string) ([]byte, error) {
	containerID, err := r.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	rc, _, err := r.cli.CopyFromContainer(ctx, containerID, containerPath(p))
	if err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "No such container:path") {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, p)
		}
		return nil, fmt.Errorf("%w: copy %s from container: %v", ErrUnavailable, p, err)
	}
	defer func() {
		if closeErr := rc.Close(); closeErr != nil {
			slog.Debug("Failed to close copy stream", "path", p, "error", closeErr)
		}
	}()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, p)
		}
		if err != nil {
			return nil, fmt.Errorf("read archive for %s: %w", p, err)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		return io.ReadAll(tr)
	}
}

// ListFiles returns the flat manifest of the container workspace.
func (r *DockerRuntime) ListFiles(ctx context.Context, userID string) ([]Entry, error) {
	entries, err := r.listEntries(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	return toEntries(entries), nil
}

// ListDirectory lists the immediate children of one directory.
func (r *DockerRuntime) ListDirectory(ctx context.Context, userID, p string) ([]Entry, error) {
	containerID, err := r.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	target := containerPath(p)
	if err := r.execSilent(ctx, containerID, "test -d "+shellQuote(target)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, p)
	}

	cmd := fmt.Sprintf("cd %s && find . -mindepth 1 -maxdepth 1 -printf '%s'", shellQuote(target), manifestFormat)
	stdout, _, exitCode, err := r.exec(ctx, containerID, cmd)
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, p)
	}
	return toEntries(parseManifest(string(stdout))), nil
}

// listEntries returns the manifest with mtimes, rooted at the workspace or a
// subdirectory of it.
func (r *DockerRuntime) listEntries(ctx context.Context, userID, sub string) ([]statEntry, error) {
	containerID, err := r.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	root := workspaceDir
	if sub != "" {
		root = containerPath(sub)
	}
	cmd := fmt.Sprintf("cd %s && find . -mindepth 1 -printf '%s'", shellQuote(root), manifestFormat)
	stdout, stderr, exitCode, err := r.exec(ctx, containerID, cmd)
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("list files: %s", strings.TrimSpace(string(stderr)))
	}
	return parseManifest(string(stdout)), nil
}

// CreateDirectory creates a directory (and parents) in the workspace.
func (r *DockerRuntime) CreateDirectory(ctx context.Context, userID, p string) error {
	containerID, err := r.resolve(ctx, userID)
	if err != nil {
		return err
	}
	if err := r.execSilent(ctx, containerID, "mkdir -p "+shellQuote(containerPath(p))); err != nil {
		return fmt.Errorf("create directory %s: %w", p, err)
	}
	return nil
}

// DeletePath removes a file or directory tree from the workspace.
func (r *DockerRuntime) DeletePath(ctx context.Context, userID, p string) error {
	containerID, err := r.resolve(ctx, userID)
	if err != nil {
		return err
	}
	target := shellQuote(containerPath(p))
	if err := r.execSilent(ctx, containerID, "test -e "+target); err != nil {
		return fmt.Errorf("%w: %s", ErrPathNotFound, p)
	}
	if err := r.execSilent(ctx, containerID, "rm -rf "+target); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

// RenamePath moves a file or directory within the workspace.
func (r *DockerRuntime) RenamePath(ctx context.Context, userID, oldPath, newPath string) error {
	containerID, err := r.resolve(ctx, userID)
	if err != nil {
		return err
	}
	src := shellQuote(containerPath(oldPath))
	dst := containerPath(newPath)
	if err := r.execSilent(ctx, containerID, "test -e "+src); err != nil {
		return fmt.Errorf("%w: %s", ErrPathNotFound, oldPath)
	}
	cmd := fmt.Sprintf("mkdir -p %s && mv %s %s", shellQuote(path.Dir(dst)), src, shellQuote(dst))
	if err := r.execSilent(ctx, containerID, cmd); err != nil {
		return fmt.Errorf("rename %s to %s: %w", oldPath, newPath, err)
	}
	return nil
}

// ReconcileDuplicates merges manifest entries whose normalized paths
// collide, keeping the newest content under the canonical spelling.
func (r *DockerRuntime) ReconcileDuplicates(ctx context.Context, userID string) error {
	entries, err := r.listEntries(ctx, userID, "")
	if err != nil {
		return err
	}

	for _, merge := range planReconciliation(entries) {
		content, err := r.ReadFile(ctx, userID, merge.keep)
		if err != nil {
			slog.Warn("Skipping duplicate merge, winner unreadable",
				"user_id", userID, "path", merge.keep, "error", err)
			continue
		}
		for _, raw := range merge.drop {
			if err := r.DeletePath(ctx, userID, raw); err != nil {
				slog.Warn("Failed to remove superseded duplicate",
					"user_id", userID, "path", raw, "error", err)
			}
		}
		if merge.keep != merge.canonical {
			if err := r.WriteFile(ctx, userID, merge.canonical, content); err != nil {
				return fmt.Errorf("write canonical %s: %w", merge.canonical, err)
			}
		}
		slog.Info("Merged duplicate paths", "user_id", userID,
			"canonical", merge.canonical, "removed", len(merge.drop))
	}
	return nil
}

// StopAndRemove tears down the user's container. Best-effort by contract:
// every failure is logged and swallowed.
func (r *DockerRuntime) StopAndRemove(ctx context.Context, userID string) {
	r.mu.Lock()
	id, ok := r.handles[userID]
	delete(r.handles, userID)
	r.mu.Unlock()

	if !ok {
		inspect, err := r.cli.ContainerInspect(ctx, ContainerName(userID))
		if err != nil {
			if !errdefs.IsNotFound(err) {
				slog.Warn("Failed to inspect container for removal", "user_id", userID, "error", err)
			}
			return
		}
		id = inspect.ID
	}
	r.removeByID(ctx, id)
	slog.Info("Container stopped and removed", "container_id", id, "user_id", userID)
}

// removeByID stops then force-removes one container, tolerating every
// already-gone condition.
func (r *DockerRuntime) removeByID(ctx context.Context, containerID string) {
	timeout := stopTimeoutSecs
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
	}
	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return
		}
		slog.Warn("Failed to remove container", "container_id", containerID, "error", err)
	}
}

// CleanupOrphans removes every container matching the naming convention.
// Guards against leaked containers from an unclean prior shutdown.
func (r *DockerRuntime) CleanupOrphans(ctx context.Context) (int, error) {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", containerNamePrefix)),
	})
	if err != nil {
		return 0, fmt.Errorf("list containers: %w", err)
	}

	removed := 0
	for _, c := range containers {
		if !hasPrefixedName(c.Names) {
			continue
		}
		r.removeByID(ctx, c.ID)
		removed++
	}
	if removed > 0 {
		slog.Info("Removed orphaned containers", "count", removed)
	}
	return removed, nil
}

// hasPrefixedName reports whether any of the container's names carries the
// deterministic prefix. Docker returns names with a leading slash.
func hasPrefixedName(names []string) bool {
	for _, name := range names {
		if strings.HasPrefix(strings.TrimPrefix(name, "/"), containerNamePrefix) {
			return true
		}
	}
	return false
}

// tarFile builds a single-file tar archive rooted at the workspace.
func tarFile(p string, content []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    p,
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(content); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return bytes.NewReader(buf.Bytes()), nil
}

// shellQuote wraps a path in single quotes for sh -c commands.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func toEntries(stats []statEntry) []Entry {
	entries := make([]Entry, 0, len(stats))
	for _, s := range stats {
		entries = append(entries, Entry{Path: s.path, IsDir: s.isDir})
	}
	return entries
}

func ptr[T any](v T) *T {
	return &v
}
