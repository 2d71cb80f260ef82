package objectstore

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryStore is an in-process core.ObjectStore with the same delete and URL
// semantics as NatsObjectStore.
type MemoryStore struct {
	mu            sync.RWMutex
	objects       map[string]memoryObject
	publicBaseURL string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(publicBaseURL string) *MemoryStore {
	return &MemoryStore{
		mu:            sync.RWMutex{},
		objects:       make(map[string]memoryObject),
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// Download returns a copy of the object.
func (m *MemoryStore) Download(ctx context.Context, key string) ([]byte, error) {
	data, _, err := m.Fetch(ctx, key)

	return data, err
}

// Fetch returns a copy of the object and its content type.
func (m *MemoryStore) Fetch(_ context.Context, key string) ([]byte, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, "", fmt.Errorf("%w: '%s'", ErrObjectNotFound, key)
	}

	return append([]byte(nil), obj.data...), obj.contentType, nil
}

// Upload stores a copy of data.
func (m *MemoryStore) Upload(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}

	return nil
}

// Delete removes keys; missing keys are ignored.
func (m *MemoryStore) Delete(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.objects, key)
	}

	return nil
}

// PublicURL returns the externally resolvable address of key.
func (m *MemoryStore) PublicURL(key string) string {
	return m.publicBaseURL + PublicPathPrefix + url.PathEscape(key)
}

// Keys lists the stored keys in sorted order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
