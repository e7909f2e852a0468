// Package session owns the lifecycle of live user sessions: one sandbox
// container plus one shell per connected user, driven through an explicit
// state machine. All cross-session coordination lives here; no package
// globals hold session state.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/codehaven/codehaven/internal/container"
	filesync "github.com/codehaven/codehaven/internal/sync"
)

// State is a session's lifecycle phase. Transitions are strictly
// Provisioning -> Ready -> Terminating -> Closed; a failed provision jumps
// straight to Closed.
type State int

const (
	StateProvisioning State = iota
	StateReady
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "provisioning"
	case StateReady:
		return "ready"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotReady is returned for file and terminal operations attempted while
// the session is not in the Ready state.
var ErrNotReady = errors.New("session not ready")

// Session is one user's live sandbox attachment.
type Session struct {
	UserID      string
	ContainerID string
	ExecID      string
	Shell       io.ReadWriteCloser
	CreatedAt   time.Time

	mu    sync.Mutex
	state State
}

// State returns the session's current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// Config carries the manager's tunables.
type Config struct {
	ProvisionTimeout time.Duration
}

// Manager enforces the at-most-one-session-per-user rule and sequences
// provisioning, restore, and teardown. Per-user operations are serialized
// by a keyed mutex so a reconnect cannot interleave with a teardown.
type Manager struct {
	runtime container.Runtime
	engine  *filesync.Engine
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex
}

// NewManager creates a session manager.
func NewManager(runtime container.Runtime, engine *filesync.Engine, cfg Config, logger *slog.Logger) *Manager {
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = 60 * time.Second
	}
	return &Manager{
		runtime:  runtime,
		engine:   engine,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex serializing all lifecycle work for one user.
func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[userID] = lock
	}
	return lock
}

// Get returns the user's live session, or nil.
func (m *Manager) Get(userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[userID]
}

// Ready reports whether the user has a session accepting operations.
func (m *Manager) Ready(userID string) bool {
	s := m.Get(userID)
	return s != nil && s.State() == StateReady
}

// ActiveCount returns the number of registered sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Connect provisions a session for the user: supersedes any existing one,
// starts a container, restores durable files into it, and attaches a shell.
// On any failure everything already created is torn down and no session
// remains registered.
func (m *Manager) Connect(ctx context.Context, userID string) (*Session, error) {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	// A reconnect supersedes the previous attachment. The old container is
	// backed up and removed before the new one starts so both never run at
	// once.
	if existing := m.Get(userID); existing != nil {
		m.logger.Info("superseding existing session", "user_id", userID)
		m.teardownLocked(ctx, existing)
	}

	session := &Session{
		UserID:    userID,
		CreatedAt: time.Now(),
		state:     StateProvisioning,
	}
	m.register(session)

	provCtx, cancel := context.WithTimeout(ctx, m.cfg.ProvisionTimeout)
	defer cancel()

	containerID, err := m.runtime.CreateUserContainer(provCtx, userID)
	if err != nil {
		m.abandon(session)
		return nil, fmt.Errorf("%w: %v", container.ErrProvision, err)
	}
	session.ContainerID = containerID

	if _, err := m.engine.RestoreSession(provCtx, userID); err != nil {
		m.logger.Warn("restore failed, starting with empty workspace", "user_id", userID, "error", err)
	}

	execID, shell, err := m.runtime.CreateShellSession(provCtx, userID)
	if err != nil {
		m.runtime.StopAndRemove(ctx, userID)
		m.abandon(session)
		return nil, fmt.Errorf("%w: attach shell: %v", container.ErrProvision, err)
	}
	session.ExecID = execID
	session.Shell = shell

	session.setState(StateReady)
	m.logger.Info("session ready", "user_id", userID, "container_id", containerID)
	return session, nil
}

// Disconnect tears the user's session down: final backup, container
// removal, state Closed. Best effort throughout; a failed backup is logged
// and teardown continues.
func (m *Manager) Disconnect(ctx context.Context, userID string) {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	session := m.Get(userID)
	if session == nil {
		return
	}
	m.teardownLocked(ctx, session)
}

// teardownLocked runs the Terminating -> Closed sequence. Caller holds the
// user lock.
func (m *Manager) teardownLocked(ctx context.Context, session *Session) {
	if session.State() == StateClosed {
		return
	}
	session.setState(StateTerminating)

	if session.Shell != nil {
		session.Shell.Close()
	}

	// Let this user's in-flight durable writes drain, then converge.
	m.engine.Flush(session.UserID)
	if _, err := m.engine.BackupAll(ctx, session.UserID); err != nil {
		m.logger.Warn("final backup failed", "user_id", session.UserID, "error", err)
	}

	m.runtime.StopAndRemove(ctx, session.UserID)

	session.setState(StateClosed)
	m.unregister(session)
	m.logger.Info("session closed", "user_id", session.UserID)
}

// abandon removes a session that never reached Ready.
func (m *Manager) abandon(session *Session) {
	session.setState(StateClosed)
	m.unregister(session)
}

func (m *Manager) register(session *Session) {
	m.mu.Lock()
	m.sessions[session.UserID] = session
	m.mu.Unlock()
}

func (m *Manager) unregister(session *Session) {
	m.mu.Lock()
	if m.sessions[session.UserID] == session {
		delete(m.sessions, session.UserID)
	}
	m.mu.Unlock()
}

// requireReady fetches the user's session if it accepts operations.
func (m *Manager) requireReady(userID string) (*Session, error) {
	session := m.Get(userID)
	if session == nil || session.State() != StateReady {
		return nil, ErrNotReady
	}
	return session, nil
}

// WriteInput forwards terminal input to the session's shell.
func (m *Manager) WriteInput(userID string, data []byte) error {
	session, err := m.requireReady(userID)
	if err != nil {
		return err
	}
	_, err = session.Shell.Write(data)
	return err
}

// Resize adjusts the shell's terminal dimensions.
func (m *Manager) Resize(ctx context.Context, userID string, cols, rows uint) error {
	session, err := m.requireReady(userID)
	if err != nil {
		return err
	}
	return m.runtime.ResizeShell(ctx, session.ExecID, cols, rows)
}

// SaveFile applies a file edit through the sync engine. Rejected unless the
// session is Ready.
func (m *Manager) SaveFile(ctx context.Context, userID, path string, content []byte) (string, error) {
	if _, err := m.requireReady(userID); err != nil {
		return "", err
	}
	return m.engine.ApplyChange(ctx, userID, path, content)
}

// FlushWorkspace forces buffered filesystem writes to disk inside the
// container. Best effort, used on explicit saves.
func (m *Manager) FlushWorkspace(ctx context.Context, userID string) {
	if _, err := m.requireReady(userID); err != nil {
		return
	}
	if _, err := m.runtime.ExecuteCommand(ctx, userID, "sync"); err != nil {
		m.logger.Debug("workspace flush failed", "user_id", userID, "error", err)
	}
}

// CreateDirectory creates a directory in the user's workspace.
func (m *Manager) CreateDirectory(ctx context.Context, userID, path string) (string, error) {
	if _, err := m.requireReady(userID); err != nil {
		return "", err
	}
	return m.engine.CreateDirectory(ctx, userID, path)
}

// DeletePath removes a file or directory from the user's workspace. isDir
// selects single-record versus recursive durable deletion.
func (m *Manager) DeletePath(ctx context.Context, userID, path string, isDir bool) (string, error) {
	if _, err := m.requireReady(userID); err != nil {
		return "", err
	}
	return m.engine.DeletePath(ctx, userID, path, isDir)
}

// RenamePath moves a file or directory in the user's workspace.
func (m *Manager) RenamePath(ctx context.Context, userID, oldPath, newPath string) (string, string, error) {
	if _, err := m.requireReady(userID); err != nil {
		return "", "", err
	}
	return m.engine.RenamePath(ctx, userID, oldPath, newPath)
}

// ListFiles returns the workspace manifest.
func (m *Manager) ListFiles(ctx context.Context, userID string) ([]container.Entry, error) {
	if _, err := m.requireReady(userID); err != nil {
		return nil, err
	}
	return m.runtime.ListFiles(ctx, userID)
}

// ListDirectory returns one directory's immediate children.
func (m *Manager) ListDirectory(ctx context.Context, userID, path string) ([]container.Entry, error) {
	if _, err := m.requireReady(userID); err != nil {
		return nil, err
	}
	return m.runtime.ListDirectory(ctx, userID, path)
}

// ReadFile fetches file content, preferring the live container and falling
// back to the durable store.
func (m *Manager) ReadFile(ctx context.Context, userID, path string) ([]byte, error) {
	if _, err := m.requireReady(userID); err != nil {
		return nil, err
	}
	return m.engine.LoadWithFallback(ctx, userID, path)
}
