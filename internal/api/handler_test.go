package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/codehaven/codehaven/internal/container"
	"github.com/codehaven/codehaven/internal/domain"
	"github.com/codehaven/codehaven/internal/identity"
	"github.com/codehaven/codehaven/internal/session"
	"github.com/codehaven/codehaven/internal/storage"
	filesync "github.com/codehaven/codehaven/internal/sync"
)

// apiRuntime is an in-memory runtime backing the REST handler tests.
type apiRuntime struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newAPIRuntime() *apiRuntime {
	return &apiRuntime{files: make(map[string][]byte)}
}

type blockedReader struct{ closed chan struct{} }

func (b *blockedReader) Read(p []byte) (int, error)  { <-b.closed; return 0, io.EOF }
func (b *blockedReader) Write(p []byte) (int, error) { return len(p), nil }
func (b *blockedReader) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

func (r *apiRuntime) BuildBaseImage(ctx context.Context) error { return nil }
func (r *apiRuntime) CreateUserContainer(ctx context.Context, userID string) (string, error) {
	return "ctr", nil
}
func (r *apiRuntime) CreateShellSession(ctx context.Context, userID string) (string, io.ReadWriteCloser, error) {
	return "exec", &blockedReader{closed: make(chan struct{})}, nil
}
func (r *apiRuntime) ResizeShell(ctx context.Context, execID string, cols, rows uint) error {
	return nil
}
func (r *apiRuntime) ExecuteCommand(ctx context.Context, userID, command string) ([]byte, error) {
	return nil, nil
}
func (r *apiRuntime) WriteFile(ctx context.Context, userID, path string, content []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[path] = append([]byte(nil), content...)
	return nil
}
func (r *apiRuntime) ReadFile(ctx context.Context, userID, path string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	content, ok := r.files[path]
	if !ok {
		return nil, container.ErrPathNotFound
	}
	return content, nil
}
func (r *apiRuntime) ListFiles(ctx context.Context, userID string) ([]container.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []container.Entry
	for p := range r.files {
		entries = append(entries, container.Entry{Path: p})
	}
	return entries, nil
}
func (r *apiRuntime) ListDirectory(ctx context.Context, userID, path string) ([]container.Entry, error) {
	return nil, nil
}
func (r *apiRuntime) CreateDirectory(ctx context.Context, userID, path string) error { return nil }
func (r *apiRuntime) DeletePath(ctx context.Context, userID, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, path)
	return nil
}
func (r *apiRuntime) RenamePath(ctx context.Context, userID, oldPath, newPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	content, ok := r.files[oldPath]
	if !ok {
		return container.ErrPathNotFound
	}
	delete(r.files, oldPath)
	r.files[newPath] = content
	return nil
}
func (r *apiRuntime) ReconcileDuplicates(ctx context.Context, userID string) error { return nil }
func (r *apiRuntime) StopAndRemove(ctx context.Context, userID string)             {}
func (r *apiRuntime) CleanupOrphans(ctx context.Context) (int, error)              { return 0, nil }

// apiRepo satisfies store.Repository.
type apiRepo struct {
	pingErr error
}

func (m *apiRepo) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return nil, nil
}
func (m *apiRepo) UpsertUser(ctx context.Context, user *domain.User) error { return nil }
func (m *apiRepo) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	return nil
}
func (m *apiRepo) UpdateContainerID(ctx context.Context, userID, containerID, expectedID string) error {
	return nil
}
func (m *apiRepo) GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.User, error) {
	return nil, nil
}
func (m *apiRepo) Ping(ctx context.Context) error { return m.pingErr }
func (m *apiRepo) Close() error                   { return nil }

type fixture struct {
	durable  *storage.MemoryStore
	engine   *filesync.Engine
	sessions *session.Manager
	router   chi.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := newAPIRuntime()
	durable := storage.NewMemoryStore()
	engine := filesync.NewEngine(rt, durable, logger)
	sessions := session.NewManager(rt, engine, session.Config{ProvisionTimeout: 5 * time.Second}, logger)

	base := NewHandler(&apiRepo{}, sessions, durable)
	router := chi.NewRouter()
	// Inject the user identity directly; token verification is covered by
	// the identity package tests.
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(identity.WithUserID(r.Context(), "u1")))
		})
	})
	NewFilesHandler(base).RegisterRoutes(router)
	NewHealthHandler(&apiRepo{}, durable, sessions).RegisterHealth(router)

	return &fixture{durable: durable, engine: engine, sessions: sessions, router: router}
}

func (f *fixture) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestFilesRequireReadySession(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/files/", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("tree status = %d, want 409", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/files/create", map[string]string{"path": "a.txt", "content": "x"})
	if rec.Code != http.StatusConflict {
		t.Errorf("create status = %d, want 409", rec.Code)
	}
}

func TestFileLifecycleOverREST(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.sessions.Connect(ctx, "u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer f.sessions.Disconnect(ctx, "u1")

	rec := f.do(t, http.MethodPost, "/files/create", map[string]string{"path": "src/app.j", "content": "let x = 1\n"})
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}
	var created map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created["path"] != "src/app.js" {
		t.Errorf("created path = %q, want src/app.js", created["path"])
	}

	rec = f.do(t, http.MethodGet, "/files/content?path=src/app.js", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("content status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/files/rename", map[string]string{"path": "src/app.js", "newPath": "src/main.js"})
	if rec.Code != http.StatusOK {
		t.Fatalf("rename status = %d: %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodPost, "/files/delete", map[string]string{"path": "src/main.js"})
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body)
	}
	f.engine.Flush("u1")

	rec = f.do(t, http.MethodGet, "/files/content?path=src/main.js", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("deleted content status = %d, want 404", rec.Code)
	}
}

func TestDirectoryDeleteClearsDurableSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.sessions.Connect(ctx, "u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer f.sessions.Disconnect(ctx, "u1")

	rec := f.do(t, http.MethodPost, "/files/directory", map[string]string{"path": "pkg"})
	if rec.Code != http.StatusOK {
		t.Fatalf("directory status = %d: %s", rec.Code, rec.Body)
	}
	rec = f.do(t, http.MethodPost, "/files/create", map[string]string{"path": "pkg/lib.go", "content": "package pkg\n"})
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}
	f.engine.Flush("u1")

	rec = f.do(t, http.MethodPost, "/files/delete", map[string]interface{}{"path": "pkg", "isDir": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body)
	}
	f.engine.Flush("u1")

	records, err := f.durable.RestoreAllUserFiles(ctx, "u1")
	if err != nil {
		t.Fatalf("RestoreAllUserFiles: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("durable records after directory delete = %+v, want none", records)
	}
}

func TestContentFallsBackToDurableStore(t *testing.T) {
	f := newFixture(t)
	f.durable.SaveFile(context.Background(), "u1", "notes.md", []byte("# saved\n"))

	rec := f.do(t, http.MethodGet, "/files/content?path=notes.md", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["content"] != "# saved\n" {
		t.Errorf("content = %q", resp["content"])
	}
}

func TestContentRejectsEscapingPath(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/files/content?path=../../etc/passwd", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" || resp.Checks["database"] != "ok" || resp.Checks["storage"] != "ok" {
		t.Errorf("health = %+v", resp)
	}
}

func TestHealthDegradedStorage(t *testing.T) {
	f := newFixture(t)
	f.durable.Unhealthy = true

	rec := f.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with degraded body", rec.Code)
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
}

// fakePorts satisfies container.PortDiscovery.
type fakePorts struct {
	mappings []container.PortMapping
	active   map[int]bool
}

func (f *fakePorts) ListPortMappings(ctx context.Context, userID string) ([]container.PortMapping, error) {
	return f.mappings, nil
}

func (f *fakePorts) IsPortActive(ctx context.Context, userID string, port int) bool {
	return f.active[port]
}

func TestPortsEndpoints(t *testing.T) {
	f := newFixture(t)
	ports := &fakePorts{
		mappings: []container.PortMapping{{ContainerPort: 3000, HostPort: 32768}},
		active:   map[int]bool{3000: true},
	}
	base := NewHandler(&apiRepo{}, f.sessions, f.durable)
	NewPortsHandler(base, ports).RegisterRoutes(f.router)

	rec := f.do(t, http.MethodGet, "/api/user/ports", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ports status = %d", rec.Code)
	}
	var list struct {
		Ports []container.PortMapping `json:"ports"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Ports) != 1 || list.Ports[0].ContainerPort != 3000 {
		t.Errorf("ports = %+v", list.Ports)
	}

	rec = f.do(t, http.MethodGet, "/api/user/port-status/3000", nil)
	var status struct {
		Port   int  `json:"port"`
		Active bool `json:"active"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.Active {
		t.Error("port 3000 should be active")
	}

	rec = f.do(t, http.MethodGet, "/api/user/port-status/notaport", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad port status = %d, want 400", rec.Code)
	}
}
