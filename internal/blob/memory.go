package blob

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*Object
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*Object)}
}

func (m *MemoryStore) Put(_ context.Context, key string, body []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(body))
	copy(cp, body)
	m.objects[key] = &Object{
		Key:         key,
		Body:        cp,
		ContentType: contentType,
		Size:        int64(len(cp)),
		Modified:    time.Now().UTC(),
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, nil
	}
	cp := *obj
	cp.Body = append([]byte(nil), obj.Body...)
	return &cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix, startAfter string, limit int) (*ListResult, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix && k > startAfter {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)

	result := &ListResult{Objects: make([]ObjectInfo, 0, limit)}
	for _, k := range keys {
		if len(result.Objects) >= limit {
			result.IsTruncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		m.mu.RLock()
		obj := m.objects[k]
		m.mu.RUnlock()
		result.Objects = append(result.Objects, ObjectInfo{Key: k, Size: obj.Size, Modified: obj.Modified})
	}
	return result, nil
}
