package util

import (
	"sort"
	"strings"
	"sync"
)

// NameMap is a concurrent map keyed by leaf or player names, compared
// case-insensitively. The first spelling stored for a key is kept for
// display.
type NameMap[V any] struct {
	mu      sync.RWMutex
	entries map[string]nameEntry[V]
}

type nameEntry[V any] struct {
	name  string
	value V
}

// NewNameMap returns an empty NameMap.
func NewNameMap[V any]() *NameMap[V] {
	return &NameMap[V]{entries: make(map[string]nameEntry[V])}
}

// CanonicalName is the normalized form used as the lookup key.
func CanonicalName(name string) string {
	return strings.ToLower(name)
}

// Set stores v under name, replacing any value stored under the same name
// in any case.
func (m *NameMap[V]) Set(name string, v V) {
	key := CanonicalName(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.entries[key]; ok {
		name = old.name
	}
	m.entries[key] = nameEntry[V]{name: name, value: v}
}

// Get looks up name case-insensitively.
func (m *NameMap[V]) Get(name string) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[CanonicalName(name)]
	return e.value, ok
}

// Delete removes name and reports whether it was present.
func (m *NameMap[V]) Delete(name string) bool {
	key := CanonicalName(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok
}

// Len returns the number of entries.
func (m *NameMap[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Values returns all values ordered by canonical name.
func (m *NameMap[V]) Values() []V {
	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.entries[k].value)
	}
	m.mu.RUnlock()
	return out
}

// Clear removes every entry.
func (m *NameMap[V]) Clear() {
	m.mu.Lock()
	clear(m.entries)
	m.mu.Unlock()
}
