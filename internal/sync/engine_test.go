package sync

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/codehaven/codehaven/internal/container"
	"github.com/codehaven/codehaven/internal/sanitize"
	"github.com/codehaven/codehaven/internal/storage"
)

// fakeRuntime is an in-memory container.Runtime. It stores files per user
// and records nothing about shells or images, which the engine never touches.
type fakeRuntime struct {
	files map[string]map[string][]byte
	dirs  map[string]map[string]bool

	writeErr error
	readErr  error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		files: make(map[string]map[string][]byte),
		dirs:  make(map[string]map[string]bool),
	}
}

func (f *fakeRuntime) userFiles(userID string) map[string][]byte {
	if f.files[userID] == nil {
		f.files[userID] = make(map[string][]byte)
	}
	return f.files[userID]
}

func (f *fakeRuntime) userDirs(userID string) map[string]bool {
	if f.dirs[userID] == nil {
		f.dirs[userID] = make(map[string]bool)
	}
	return f.dirs[userID]
}

func (f *fakeRuntime) BuildBaseImage(ctx context.Context) error { return nil }
func (f *fakeRuntime) CreateUserContainer(ctx context.Context, userID string) (string, error) {
	return "fake", nil
}
func (f *fakeRuntime) CreateShellSession(ctx context.Context, userID string) (string, io.ReadWriteCloser, error) {
	return "", nil, container.ErrUnavailable
}
func (f *fakeRuntime) ResizeShell(ctx context.Context, execID string, cols, rows uint) error {
	return nil
}
func (f *fakeRuntime) ExecuteCommand(ctx context.Context, userID, command string) ([]byte, error) {
	return nil, nil
}

func (f *fakeRuntime) WriteFile(ctx context.Context, userID, path string, content []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.userFiles(userID)[path] = append([]byte(nil), content...)
	return nil
}

func (f *fakeRuntime) ReadFile(ctx context.Context, userID, path string) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	content, ok := f.userFiles(userID)[path]
	if !ok {
		return nil, container.ErrPathNotFound
	}
	return content, nil
}

func (f *fakeRuntime) ListFiles(ctx context.Context, userID string) ([]container.Entry, error) {
	var entries []container.Entry
	for d := range f.userDirs(userID) {
		entries = append(entries, container.Entry{Path: d, IsDir: true})
	}
	for p := range f.userFiles(userID) {
		entries = append(entries, container.Entry{Path: p})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (f *fakeRuntime) ListDirectory(ctx context.Context, userID, path string) ([]container.Entry, error) {
	return nil, nil
}

func (f *fakeRuntime) CreateDirectory(ctx context.Context, userID, path string) error {
	f.userDirs(userID)[path] = true
	return nil
}

func (f *fakeRuntime) DeletePath(ctx context.Context, userID, path string) error {
	files := f.userFiles(userID)
	dirs := f.userDirs(userID)
	if _, ok := files[path]; !ok && !dirs[path] {
		return container.ErrPathNotFound
	}
	delete(files, path)
	delete(dirs, path)
	for p := range files {
		if strings.HasPrefix(p, path+"/") {
			delete(files, p)
		}
	}
	for d := range dirs {
		if strings.HasPrefix(d, path+"/") {
			delete(dirs, d)
		}
	}
	return nil
}

func (f *fakeRuntime) RenamePath(ctx context.Context, userID, oldPath, newPath string) error {
	files := f.userFiles(userID)
	dirs := f.userDirs(userID)
	if dirs[oldPath] {
		delete(dirs, oldPath)
		dirs[newPath] = true
		for p, c := range files {
			if strings.HasPrefix(p, oldPath+"/") {
				delete(files, p)
				files[newPath+p[len(oldPath):]] = c
			}
		}
		for d := range dirs {
			if strings.HasPrefix(d, oldPath+"/") {
				delete(dirs, d)
				dirs[newPath+d[len(oldPath):]] = true
			}
		}
		return nil
	}
	content, ok := files[oldPath]
	if !ok {
		return container.ErrPathNotFound
	}
	delete(files, oldPath)
	files[newPath] = content
	return nil
}

func (f *fakeRuntime) ReconcileDuplicates(ctx context.Context, userID string) error { return nil }
func (f *fakeRuntime) StopAndRemove(ctx context.Context, userID string)             {}
func (f *fakeRuntime) CleanupOrphans(ctx context.Context) (int, error)              { return 0, nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRestoreSession(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	store.CreateDirectoryMarker(ctx, "u1", "src")
	store.SaveFile(ctx, "u1", "src/index.js", []byte("console.log(1)\n"))
	store.SaveFile(ctx, "u1", "readme.md", []byte("# hello\n"))

	rt := newFakeRuntime()
	engine := NewEngine(rt, store, testLogger())

	restored, err := engine.RestoreSession(ctx, "u1")
	if err != nil {
		t.Fatalf("RestoreSession: %v", err)
	}
	if restored != 3 {
		t.Errorf("restored = %d, want 3", restored)
	}
	if !rt.userDirs("u1")["src"] {
		t.Error("directory src not restored")
	}
	if got := string(rt.userFiles("u1")["src/index.js"]); got != "console.log(1)\n" {
		t.Errorf("src/index.js = %q", got)
	}
}

func TestApplyChangeRepairsAndMirrors(t *testing.T) {
	store := storage.NewMemoryStore()
	rt := newFakeRuntime()
	engine := NewEngine(rt, store, testLogger())
	ctx := context.Background()

	path, err := engine.ApplyChange(ctx, "u1", "/workspace/src/index.j", []byte("console.log(1)\r\n"))
	if err != nil {
		t.Fatalf("ApplyChange: %v", err)
	}
	if path != "src/index.js" {
		t.Errorf("path = %q, want src/index.js", path)
	}

	got, ok := rt.userFiles("u1")["src/index.js"]
	if !ok {
		t.Fatal("container copy missing")
	}
	if !bytes.Equal(got, []byte("console.log(1)\n")) {
		t.Errorf("container content = %q", got)
	}

	engine.Flush("u1")
	durable, err := store.LoadFile(ctx, "u1", "src/index.js")
	if err != nil {
		t.Fatalf("durable copy: %v", err)
	}
	if !bytes.Equal(durable, got) {
		t.Errorf("durable content = %q, want %q", durable, got)
	}
}

func TestApplyChangeSurvivesStorageOutage(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Unhealthy = true
	rt := newFakeRuntime()
	engine := NewEngine(rt, store, testLogger())
	ctx := context.Background()

	path, err := engine.ApplyChange(ctx, "u1", "main.go", []byte("package main\n"))
	if err != nil {
		t.Fatalf("ApplyChange with storage down: %v", err)
	}
	engine.Flush("u1")

	if _, ok := rt.userFiles("u1")[path]; !ok {
		t.Error("container copy missing")
	}
	if _, err := store.LoadFile(ctx, "u1", path); err == nil {
		t.Error("durable copy unexpectedly present")
	}
}

func TestApplyChangeRejectsEscapingPath(t *testing.T) {
	engine := NewEngine(newFakeRuntime(), storage.NewMemoryStore(), testLogger())
	if _, err := engine.ApplyChange(context.Background(), "u1", "../../etc/passwd", []byte("x")); err == nil {
		t.Fatal("expected error for escaping path")
	}
}

func TestApplyChangeContainerFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	rt := newFakeRuntime()
	rt.writeErr = container.ErrUnavailable
	engine := NewEngine(rt, store, testLogger())

	_, err := engine.ApplyChange(context.Background(), "u1", "a.txt", []byte("x"))
	if err == nil {
		t.Fatal("expected error when container write fails")
	}
	engine.Flush("u1")
	if _, lerr := store.LoadFile(context.Background(), "u1", "a.txt"); lerr == nil {
		t.Error("durable save should not happen when container write fails")
	}
}

func TestDirectoryLifecycle(t *testing.T) {
	store := storage.NewMemoryStore()
	rt := newFakeRuntime()
	engine := NewEngine(rt, store, testLogger())
	ctx := context.Background()

	if _, err := engine.CreateDirectory(ctx, "u1", "pkg"); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if _, err := engine.ApplyChange(ctx, "u1", "pkg/lib.go", []byte("package pkg\n")); err != nil {
		t.Fatalf("ApplyChange: %v", err)
	}
	engine.Flush("u1")

	if _, err := engine.DeletePath(ctx, "u1", "pkg", true); err != nil {
		t.Fatalf("DeletePath: %v", err)
	}
	engine.Flush("u1")

	if _, ok := rt.userFiles("u1")["pkg/lib.go"]; ok {
		t.Error("container file survived directory delete")
	}
	records, err := store.RestoreAllUserFiles(ctx, "u1")
	if err != nil {
		t.Fatalf("RestoreAllUserFiles: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("durable records after delete = %d, want 0", len(records))
	}
}

func TestRenameDirectoryDropsOldSubtree(t *testing.T) {
	store := storage.NewMemoryStore()
	rt := newFakeRuntime()
	engine := NewEngine(rt, store, testLogger())
	ctx := context.Background()

	if _, err := engine.CreateDirectory(ctx, "u1", "pkg"); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if _, err := engine.ApplyChange(ctx, "u1", "pkg/lib.go", []byte("package pkg\n")); err != nil {
		t.Fatalf("ApplyChange: %v", err)
	}
	engine.Flush("u1")

	if _, _, err := engine.RenamePath(ctx, "u1", "pkg", "lib"); err != nil {
		t.Fatalf("RenamePath: %v", err)
	}
	engine.Flush("u1")

	if _, err := store.LoadFile(ctx, "u1", "pkg/lib.go"); err == nil {
		t.Error("old durable subtree survived directory rename")
	}

	// Relocated contents converge at the next backup.
	if _, err := engine.BackupAll(ctx, "u1"); err != nil {
		t.Fatalf("BackupAll: %v", err)
	}
	content, err := store.LoadFile(ctx, "u1", "lib/lib.go")
	if err != nil {
		t.Fatalf("renamed durable file: %v", err)
	}
	if string(content) != "package pkg\n" {
		t.Errorf("renamed content = %q", content)
	}
	records, err := store.RestoreAllUserFiles(ctx, "u1")
	if err != nil {
		t.Fatalf("RestoreAllUserFiles: %v", err)
	}
	for _, r := range records {
		if r.Path == "pkg" || strings.HasPrefix(r.Path, "pkg/") {
			t.Errorf("stale durable record %q after rename", r.Path)
		}
	}
}

func TestRenameMirrorsDurably(t *testing.T) {
	store := storage.NewMemoryStore()
	rt := newFakeRuntime()
	engine := NewEngine(rt, store, testLogger())
	ctx := context.Background()

	if _, err := engine.ApplyChange(ctx, "u1", "old.txt", []byte("data")); err != nil {
		t.Fatalf("ApplyChange: %v", err)
	}
	engine.Flush("u1")

	oldPath, newPath, err := engine.RenamePath(ctx, "u1", "old.txt", "new.txt")
	if err != nil {
		t.Fatalf("RenamePath: %v", err)
	}
	if oldPath != "old.txt" || newPath != "new.txt" {
		t.Errorf("rename = %q -> %q", oldPath, newPath)
	}
	engine.Flush("u1")

	if _, err := store.LoadFile(ctx, "u1", "old.txt"); err == nil {
		t.Error("old durable record survived rename")
	}
	content, err := store.LoadFile(ctx, "u1", "new.txt")
	if err != nil {
		t.Fatalf("new durable record: %v", err)
	}
	if string(content) != "data" {
		t.Errorf("renamed content = %q", content)
	}
}

func TestBackupAllConvergesAfterOutage(t *testing.T) {
	store := storage.NewMemoryStore()
	rt := newFakeRuntime()
	engine := NewEngine(rt, store, testLogger())
	ctx := context.Background()

	// Writes during an outage reach only the container.
	store.Unhealthy = true
	if _, err := engine.ApplyChange(ctx, "u1", "a.txt", []byte("one")); err != nil {
		t.Fatalf("ApplyChange: %v", err)
	}
	if _, err := engine.CreateDirectory(ctx, "u1", "docs"); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	engine.Flush("u1")

	store.Unhealthy = false
	saved, err := engine.BackupAll(ctx, "u1")
	if err != nil {
		t.Fatalf("BackupAll: %v", err)
	}
	if saved != 1 {
		t.Errorf("saved = %d, want 1", saved)
	}

	records, err := store.RestoreAllUserFiles(ctx, "u1")
	if err != nil {
		t.Fatalf("RestoreAllUserFiles: %v", err)
	}
	var paths []string
	for _, r := range records {
		paths = append(paths, r.Path)
	}
	want := []string{"docs", "a.txt"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths = %v, want %v", paths, want)
			break
		}
	}
}

func TestDirectoryMarkerRetiredByChildFile(t *testing.T) {
	store := storage.NewMemoryStore()
	rt := newFakeRuntime()
	engine := NewEngine(rt, store, testLogger())
	ctx := context.Background()

	if _, err := engine.CreateDirectory(ctx, "u1", "docs"); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	engine.Flush("u1")

	if _, err := engine.ApplyChange(ctx, "u1", "docs/a.md", []byte("# a\n")); err != nil {
		t.Fatalf("ApplyChange: %v", err)
	}
	engine.Flush("u1")

	records, err := store.RestoreAllUserFiles(ctx, "u1")
	if err != nil {
		t.Fatalf("RestoreAllUserFiles: %v", err)
	}
	if len(records) != 1 || records[0].Path != "docs/a.md" {
		t.Errorf("records = %+v, want only docs/a.md", records)
	}
}

func TestBackupAllSkipsMarkersForPopulatedDirs(t *testing.T) {
	store := storage.NewMemoryStore()
	rt := newFakeRuntime()
	engine := NewEngine(rt, store, testLogger())
	ctx := context.Background()

	rt.userDirs("u1")["full"] = true
	rt.userDirs("u1")["empty"] = true
	rt.userFiles("u1")["full/a.txt"] = []byte("a")
	// A stale marker from before the directory gained files.
	store.CreateDirectoryMarker(ctx, "u1", "full")

	if _, err := engine.BackupAll(ctx, "u1"); err != nil {
		t.Fatalf("BackupAll: %v", err)
	}

	records, err := store.RestoreAllUserFiles(ctx, "u1")
	if err != nil {
		t.Fatalf("RestoreAllUserFiles: %v", err)
	}
	var paths []string
	for _, r := range records {
		paths = append(paths, r.Path)
	}
	want := []string{"empty", "full/a.txt"}
	if len(paths) != len(want) || paths[0] != want[0] || paths[1] != want[1] {
		t.Errorf("paths = %v, want %v", paths, want)
	}
}

// gatedStore blocks saves for one user until the gate opens, simulating a
// slow durable write.
type gatedStore struct {
	*storage.MemoryStore
	gateUser string
	gate     chan struct{}
}

func (g *gatedStore) SaveFile(ctx context.Context, userID, path string, content []byte) bool {
	if userID == g.gateUser {
		<-g.gate
	}
	return g.MemoryStore.SaveFile(ctx, userID, path, content)
}

func TestFlushIsScopedPerUser(t *testing.T) {
	store := &gatedStore{
		MemoryStore: storage.NewMemoryStore(),
		gateUser:    "slow",
		gate:        make(chan struct{}),
	}
	rt := newFakeRuntime()
	engine := NewEngine(rt, store, testLogger())
	ctx := context.Background()

	if _, err := engine.ApplyChange(ctx, "slow", "big.bin", []byte("x")); err != nil {
		t.Fatalf("ApplyChange(slow): %v", err)
	}
	if _, err := engine.ApplyChange(ctx, "fast", "note.txt", []byte("y")); err != nil {
		t.Fatalf("ApplyChange(fast): %v", err)
	}

	done := make(chan struct{})
	go func() {
		engine.Flush("fast")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("flush for one user waited on another user's writes")
	}

	close(store.gate)
	engine.Flush("slow")
	if _, err := store.LoadFile(ctx, "slow", "big.bin"); err != nil {
		t.Errorf("slow user's durable write missing: %v", err)
	}
}

func TestLoadWithFallback(t *testing.T) {
	store := storage.NewMemoryStore()
	rt := newFakeRuntime()
	engine := NewEngine(rt, store, testLogger())
	ctx := context.Background()

	store.SaveFile(ctx, "u1", "only-durable.txt", []byte("archived"))
	rt.userFiles("u1")["live.txt"] = []byte("fresh")

	got, err := engine.LoadWithFallback(ctx, "u1", "live.txt")
	if err != nil || string(got) != "fresh" {
		t.Errorf("live read = %q, %v", got, err)
	}

	got, err = engine.LoadWithFallback(ctx, "u1", "only-durable.txt")
	if err != nil || string(got) != "archived" {
		t.Errorf("fallback read = %q, %v", got, err)
	}

	if _, err := engine.LoadWithFallback(ctx, "u1", "missing.txt"); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestApplyChangeNormalizedKeying(t *testing.T) {
	store := storage.NewMemoryStore()
	rt := newFakeRuntime()
	engine := NewEngine(rt, store, testLogger())
	ctx := context.Background()

	// Two raw spellings of the same path must land on one key.
	for _, raw := range []string{"workspace/app.ts", "./app.ts"} {
		if _, err := engine.ApplyChange(ctx, "u1", raw, []byte(raw)); err != nil {
			t.Fatalf("ApplyChange(%q): %v", raw, err)
		}
		engine.Flush("u1")
	}

	if norm := sanitize.NormalizePath("workspace/app.ts"); norm != "app.ts" {
		t.Fatalf("NormalizePath = %q", norm)
	}
	if len(rt.userFiles("u1")) != 1 {
		t.Errorf("container files = %v, want single app.ts", rt.userFiles("u1"))
	}
	content, err := store.LoadFile(ctx, "u1", "app.ts")
	if err != nil {
		t.Fatalf("durable app.ts: %v", err)
	}
	if string(content) != "./app.ts" {
		t.Errorf("last write = %q, want %q", content, "./app.ts")
	}
}
