package blobstore

import (
	"context"
	"iter"
	"maps"
	"slices"
	"sync"
)

// Memory is an in-process store for tests and dry runs.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	listErr error
	putErrs map[string]error
	puts    int
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string][]byte),
		putErrs: make(map[string]error),
	}
}

// Name implements Store.
func (m *Memory) Name() string {
	return "mem://"
}

// Keys implements Store. Keys are yielded in lexical order from a snapshot.
func (m *Memory) Keys(_ context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		m.mu.RLock()
		listErr := m.listErr
		keys := slices.Sorted(maps.Keys(m.objects))
		m.mu.RUnlock()

		if listErr != nil {
			yield("", &StoreError{Op: "list", Store: m.Name(), Err: listErr})
			return
		}
		for _, k := range keys {
			if !HasKeyPrefix(k, prefix) {
				continue
			}
			if !yield(k, nil) {
				return
			}
		}
	}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		observe("get", 0, ErrNotExist)
		return nil, &StoreError{Op: "get", Store: m.Name(), Key: key, Err: ErrNotExist}
	}
	observe("get", len(data), nil)
	return slices.Clone(data), nil
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.putErrs[key]; err != nil {
		observe("put", 0, err)
		return &StoreError{Op: "put", Store: m.Name(), Key: key, Err: err}
	}
	m.objects[key] = slices.Clone(data)
	m.puts++
	observe("put", len(data), nil)
	return nil
}

// SetListError makes every listing fail with err; nil restores listing.
func (m *Memory) SetListError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// SetPutError makes writes to key fail with err; nil restores writes.
func (m *Memory) SetPutError(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.putErrs, key)
		return
	}
	m.putErrs[key] = err
}

// Puts returns the number of successful writes.
func (m *Memory) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
