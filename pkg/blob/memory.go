package blob

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is an in-process Store used by stage tests so they don't need
// a real S3-compatible endpoint.
type MemoryStore struct {
	mu       sync.RWMutex
	objects  map[string][]byte
	bucket   string
	notFound map[string]int // counts remaining synthetic misses, for eventual-consistency tests
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		bucket:  bucket,
	}
}

func (m *MemoryStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	key = sanitizeKey(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = cp
	return "blob://" + m.bucket + "/" + key, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	key = sanitizeKey(key)
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := m.notFound[key]; n > 0 {
		m.notFound[key] = n - 1
		return nil, ErrNotFound
	}

	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	key = sanitizeKey(key)
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryStore) PutJSON(ctx context.Context, key string, v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return m.Put(ctx, key, data, "application/json")
}

func (m *MemoryStore) GetJSON(ctx context.Context, key string, v interface{}) error {
	data, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (m *MemoryStore) PublicURL(key string) string {
	return "memory://" + m.bucket + "/" + sanitizeKey(key)
}

// SimulateEventualConsistency makes the next n Get calls for key return
// ErrNotFound before the object becomes visible, for exercising callers'
// NotFound-retry-within-window behavior (R1/R2).
func (m *MemoryStore) SimulateEventualConsistency(key string, misses int) {
	key = sanitizeKey(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notFound == nil {
		m.notFound = make(map[string]int)
	}
	m.notFound[key] = misses
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*S3Store)(nil)
