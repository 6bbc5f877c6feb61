package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"
)

const memScheme = "mem://"

type memObject struct {
	data        []byte
	contentType string
	expiresAt   time.Time
}

// MemoryStore keeps objects in process memory and hands out mem:// URLs. It
// backs offline mode and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore keeps objects for the life of the process.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithTTL(0)
}

// NewMemoryStoreWithTTL drops each object ttl after it was written.
func NewMemoryStoreWithTTL(ttl time.Duration) *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject), ttl: ttl, now: time.Now}
}

func (s *MemoryStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size))
	}
	if _, err := io.Copy(&buf, body); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	obj := memObject{data: buf.Bytes(), contentType: contentType}
	if s.ttl > 0 {
		obj.expiresAt = now.Add(s.ttl)
		for k, o := range s.objects {
			if !now.Before(o.expiresAt) {
				delete(s.objects, k)
			}
		}
	}
	s.objects[key] = obj
	return nil
}

func (s *MemoryStore) URL(_ context.Context, key string) (string, error) {
	return memScheme + key, nil
}

// Get returns the object behind a key or a mem:// URL.
func (s *MemoryStore) Get(keyOrURL string) ([]byte, string, error) {
	key := strings.TrimPrefix(keyOrURL, memScheme)

	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok || (!obj.expiresAt.IsZero() && !s.now().Before(obj.expiresAt)) {
		return nil, "", ErrNotFound
	}
	return append([]byte(nil), obj.data...), obj.contentType, nil
}

// Len reports how many objects are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Key returns the object key behind a mem:// URL.
func Key(url string) (string, bool) {
	if !IsMemoryURL(url) {
		return "", false
	}
	return strings.TrimPrefix(url, memScheme), true
}

// IsMemoryURL reports whether url was issued by a MemoryStore.
func IsMemoryURL(url string) bool {
	return strings.HasPrefix(url, memScheme)
}
