package mocks

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

// MockObjectStore is an in-memory ObjectStore for testing.
// Keys are stored as container/key.
type MockObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string

	// Custom behavior hooks (optional)
	GetFn  func(container, key string) ([]byte, error)
	ListFn func(container, prefix string) ([]driven.ObjectInfo, error)
	PutFn  func(container, key string, data []byte) error

	getCalls int
	putKeys  []string
}

// NewMockObjectStore creates a new MockObjectStore
func NewMockObjectStore() *MockObjectStore {
	return &MockObjectStore{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (m *MockObjectStore) Get(ctx context.Context, container, key string) ([]byte, error) {
	m.mu.Lock()
	m.getCalls++
	m.mu.Unlock()

	if m.GetFn != nil {
		return m.GetFn(container, key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[container+"/"+key]
	if !ok {
		return nil, domain.ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MockObjectStore) List(ctx context.Context, container, prefix string) ([]driven.ObjectInfo, error) {
	if m.ListFn != nil {
		return m.ListFn(container, prefix)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	full := container + "/" + prefix
	var infos []driven.ObjectInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, full) {
			infos = append(infos, driven.ObjectInfo{Key: strings.TrimPrefix(k, container+"/"), Size: int64(len(v))})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (m *MockObjectStore) Put(ctx context.Context, container, key string, data []byte, contentType string) error {
	if m.PutFn != nil {
		if err := m.PutFn(container, key, data); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[container+"/"+key] = append([]byte(nil), data...)
	m.types[container+"/"+key] = contentType
	m.putKeys = append(m.putKeys, key)
	return nil
}

func (m *MockObjectStore) Ping(ctx context.Context) error {
	return nil
}

// Helper methods for testing

// SetObject stores an object directly.
func (m *MockObjectStore) SetObject(container, key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[container+"/"+key] = data
}

// Object returns a stored object and whether it exists.
func (m *MockObjectStore) Object(container, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[container+"/"+key]
	return data, ok
}

// ContentType returns the content type an object was written with.
func (m *MockObjectStore) ContentType(container, key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.types[container+"/"+key]
}

// PutKeys returns the keys written via Put, in order.
func (m *MockObjectStore) PutKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.putKeys...)
}

// GetCalls returns how many times Get was called.
func (m *MockObjectStore) GetCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCalls
}
