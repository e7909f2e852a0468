package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used when no object store is configured
// (development mode) and as the durable-storage fake in tests. Contents do
// not survive a process restart.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]map[string]memRecord

	// Unhealthy simulates an unreachable backing store: all operations fail
	// the way the S3 implementation fails when the service is down.
	Unhealthy bool
}

type memRecord struct {
	content   []byte
	isDir     bool
	updatedAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]map[string]memRecord)}
}

func (m *MemoryStore) bucket(userID string) map[string]memRecord {
	b, ok := m.users[userID]
	if !ok {
		b = make(map[string]memRecord)
		m.users[userID] = b
	}
	return b
}

// SaveFile upserts a file record.
func (m *MemoryStore) SaveFile(_ context.Context, userID, path string, content []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unhealthy {
		return false
	}
	buf := make([]byte, len(content))
	copy(buf, content)
	m.bucket(userID)[path] = memRecord{content: buf, updatedAt: time.Now()}
	return true
}

// LoadFile fetches one file's content.
func (m *MemoryStore) LoadFile(_ context.Context, userID, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Unhealthy {
		return nil, ErrNotFound
	}
	rec, ok := m.users[userID][path]
	if !ok || rec.isDir {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(rec.content))
	copy(buf, rec.content)
	return buf, nil
}

// CreateDirectoryMarker records an empty directory.
func (m *MemoryStore) CreateDirectoryMarker(_ context.Context, userID, path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unhealthy {
		return false
	}
	m.bucket(userID)[path] = memRecord{isDir: true, updatedAt: time.Now()}
	return true
}

// RemoveDirectoryMarker drops the marker record, leaving descendants alone.
func (m *MemoryStore) RemoveDirectoryMarker(_ context.Context, userID, path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unhealthy {
		return false
	}
	if rec, ok := m.users[userID][path]; ok && rec.isDir {
		delete(m.users[userID], path)
	}
	return true
}

// DeleteFile removes a single file record.
func (m *MemoryStore) DeleteFile(_ context.Context, userID, path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unhealthy {
		return false
	}
	delete(m.users[userID], path)
	return true
}

// DeleteDirectory removes the directory record and all descendants.
func (m *MemoryStore) DeleteDirectory(_ context.Context, userID, path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unhealthy {
		return false
	}
	bucket := m.users[userID]
	for p := range bucket {
		if p == path || strings.HasPrefix(p, path+"/") {
			delete(bucket, p)
		}
	}
	return true
}

// RestoreAllUserFiles returns the user's snapshot, directories first.
func (m *MemoryStore) RestoreAllUserFiles(_ context.Context, userID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Unhealthy {
		return nil, ErrNotFound
	}
	var records []Record
	for p, rec := range m.users[userID] {
		r := Record{Path: p, IsDirectory: rec.isDir, UpdatedAt: rec.updatedAt}
		if !rec.isDir {
			r.Content = make([]byte, len(rec.content))
			copy(r.Content, rec.content)
		}
		records = append(records, r)
	}
	sortRecords(records)
	return records, nil
}

// BackupAllUserFiles bulk-upserts files, returning the count saved.
func (m *MemoryStore) BackupAllUserFiles(ctx context.Context, userID string, files map[string][]byte) int {
	saved := 0
	for path, content := range files {
		if m.SaveFile(ctx, userID, path, content) {
			saved++
		}
	}
	return saved
}

// IsHealthy reports whether the store is accepting operations.
func (m *MemoryStore) IsHealthy(context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.Unhealthy
}
