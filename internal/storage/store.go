package storage

import (
	"errors"
	"sync"

	"github.com/dreamware/kadsim/internal/keyspace"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// Store defines the interface for a node's local slice of the DHT
// All implementations must be thread-safe for concurrent access
type Store[V comparable] interface {
	// Get retrieves a value by key
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key keyspace.ID) (V, error)

	// Put stores a value with the given key
	// Overwrites any existing value for the key
	Put(key keyspace.ID, value V) error

	// Has reports whether key is present
	Has(key keyspace.ID) bool

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys      int    // Number of keys
	Puts      uint64 // Number of Put calls, overwrites included
	Overwrite uint64 // Number of Put calls that replaced an existing value
}

// MemoryStore implements Store interface with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore[V comparable] struct {
	mu        sync.RWMutex      // Protects concurrent access
	data      map[keyspace.ID]V // Key-value storage
	puts      uint64            // Guarded by mu
	overwrite uint64            // Guarded by mu
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore[V comparable]() *MemoryStore[V] {
	return &MemoryStore[V]{
		data: make(map[keyspace.ID]V),
	}
}

// Get retrieves a value by key
func (m *MemoryStore[V]) Get(key keyspace.ID) (V, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists {
		var zero V
		return zero, ErrKeyNotFound
	}
	return value, nil
}

// Put stores a value with the given key
func (m *MemoryStore[V]) Put(key keyspace.ID, value V) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[key]; exists {
		m.overwrite++
	}
	m.puts++
	m.data[key] = value

	return nil
}

// Has reports whether key is present
func (m *MemoryStore[V]) Has(key keyspace.ID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.data[key]
	return exists
}

// Stats returns storage statistics
func (m *MemoryStore[V]) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return StoreStats{
		Keys:      len(m.data),
		Puts:      m.puts,
		Overwrite: m.overwrite,
	}
}
