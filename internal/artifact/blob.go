package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"
)

var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is content storage for rendered artifacts. Keys are never overwritten by the
// Locker; Put on an existing key with the same bytes must succeed.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Stat returns the stored size, or ErrBlobNotFound.
	Stat(ctx context.Context, key string) (int64, error)
	Get(ctx context.Context, key string) ([]byte, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// MemoryBlobStore keeps blobs in process. Used for local runs without object storage and in tests.
type MemoryBlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	puts    int
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{objects: map[string][]byte{}}
}

func (m *MemoryBlobStore) Put(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	m.puts++
	return nil
}

func (m *MemoryBlobStore) Stat(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return 0, fmt.Errorf("stat %s: %w", key, ErrBlobNotFound)
	}
	return int64(len(data)), nil
}

func (m *MemoryBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, ErrBlobNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryBlobStore) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	expires := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("memory://%s?expires=%d", url.PathEscape(key), expires), nil
}

// Puts reports how many writes reached the store.
func (m *MemoryBlobStore) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// Delete removes a blob. Only used to simulate storage loss.
func (m *MemoryBlobStore) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
}

// Corrupt overwrites a blob in place. Only used to simulate storage corruption.
func (m *MemoryBlobStore) Corrupt(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
}
