// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package directory

// MultiMap maps keys to sets of values.
type MultiMap[K comparable, V comparable] struct {
	store map[K]map[V]struct{}
}

func NewMultiMap[K comparable, V comparable]() *MultiMap[K, V] {
	return &MultiMap[K, V]{store: make(map[K]map[V]struct{})}
}

// Add inserts value under key. It returns true if the key was not already
// present.
func (m *MultiMap[K, V]) Add(key K, value V) bool {
	set, ok := m.store[key]
	if !ok {
		set = make(map[V]struct{})
		m.store[key] = set
	}
	set[value] = struct{}{}
	return !ok
}

// Remove deletes value from under key. It returns true iff the key was
// present and has no remaining values after the removal.
func (m *MultiMap[K, V]) Remove(key K, value V) bool {
	set, ok := m.store[key]
	if !ok {
		return false
	}
	delete(set, value)
	if len(set) == 0 {
		delete(m.store, key)
		return true
	}
	return false
}

// Has reports whether key is present.
func (m *MultiMap[K, V]) Has(key K) bool {
	_, ok := m.store[key]
	return ok
}

// Get returns the values under key.
func (m *MultiMap[K, V]) Get(key K) []V {
	set := m.store[key]
	values := make([]V, 0, len(set))
	for v := range set {
		values = append(values, v)
	}
	return values
}

// Keys returns every key.
func (m *MultiMap[K, V]) Keys() []K {
	keys := make([]K, 0, len(m.store))
	for k := range m.store {
		keys = append(keys, k)
	}
	return keys
}

// BiMultiMap is a bi-directional multimap, indexable from either side.
type BiMultiMap[K comparable, V comparable] struct {
	left  *MultiMap[K, V]
	right *MultiMap[V, K]
}

func NewBiMultiMap[K comparable, V comparable]() *BiMultiMap[K, V] {
	return &BiMultiMap[K, V]{
		left:  NewMultiMap[K, V](),
		right: NewMultiMap[V, K](),
	}
}

// Add links key and value. It returns true if the key was not already
// present.
func (m *BiMultiMap[K, V]) Add(key K, value V) bool {
	m.right.Add(value, key)
	return m.left.Add(key, value)
}

// Remove unlinks key and value. It returns true iff the key was present and
// has no remaining values after the removal.
func (m *BiMultiMap[K, V]) Remove(key K, value V) bool {
	m.right.Remove(value, key)
	return m.left.Remove(key, value)
}

func (m *BiMultiMap[K, V]) HasKey(key K) bool     { return m.left.Has(key) }
func (m *BiMultiMap[K, V]) HasValue(value V) bool { return m.right.Has(value) }
func (m *BiMultiMap[K, V]) GetByKey(key K) []V    { return m.left.Get(key) }
func (m *BiMultiMap[K, V]) GetByValue(value V) []K { return m.right.Get(value) }
func (m *BiMultiMap[K, V]) Keys() []K             { return m.left.Keys() }
