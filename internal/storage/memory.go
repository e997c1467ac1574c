// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	data    []byte
	modTime time.Time
}

// MemoryStore is an in-process ObjectStore, used by memory:// URIs and tests
type MemoryStore struct {
	name    string
	mu      sync.RWMutex
	objects map[string]memObject
	// now is replaceable in tests that exercise age-based cleanup
	now func() time.Time
}

var _ ObjectStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty private store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject), now: time.Now}
}

var (
	sharedMu     sync.Mutex
	sharedStores = map[string]*MemoryStore{}
)

// SharedMemoryStore returns the process-wide store registered under name, so
// that reconnecting to memory://name sees earlier writes
func SharedMemoryStore(name string) *MemoryStore {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	s, ok := sharedStores[name]
	if !ok {
		s = NewMemoryStore()
		s.name = name
		sharedStores[name] = s
	}
	return s
}

// SetClock overrides the modification time source
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) URI() string { return "memory://" + m.name }

func (m *MemoryStore) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *MemoryStore) Put(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = memObject{data: append([]byte(nil), data...), modTime: m.now()}
	return nil
}

func (m *MemoryStore) PutIfAbsent(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[path]; ok {
		return fmt.Errorf("%s: %w", path, ErrExists)
	}
	m.objects[path] = memObject{data: append([]byte(nil), data...), modTime: m.now()}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *MemoryStore) List(_ context.Context, dir string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ObjectInfo
	for path, obj := range m.objects {
		if underDir(path, dir) {
			out = append(out, ObjectInfo{Path: path, Size: int64(len(obj.data)), LastModified: obj.modTime})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *MemoryStore) DeletePrefix(_ context.Context, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for path := range m.objects {
		if underDir(path, dir) {
			delete(m.objects, path)
		}
	}
	return nil
}

// Len returns the number of stored objects
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// trimDir is shared by the remote stores to map keys back to store paths
func trimDir(key, prefix string) string {
	return strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
}
