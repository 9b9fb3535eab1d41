// Package storage holds the local slice of the DHT that each simulated node
// keeps: a mapping from keyspace.ID to a value of any comparable type.
//
// # Overview
//
// Every node owns exactly one Store. Values arrive through STORE requests from
// peers (replication) and are read back when a FIND_VALUE request names a key
// the node holds. The store knows nothing about distance or replication; the
// node package decides what lands here.
//
// # Core Interface
//
// Store: Basic key-value storage operations
//   - Get(key) - Retrieve a value by key, ErrKeyNotFound if absent
//   - Put(key, value) - Store or overwrite a value
//   - Delete(key) - Remove a key (idempotent)
//   - Has(key) - Membership test without copying the value
//   - List() - All keys, unordered
//   - Stats() - Key count and write counters
//
// # Value Type
//
// Stores are generic over V comparable. Comparability is what lets callers
// check that a fetched value equals the inserted one; Go value semantics give
// the duplication the DHT needs (a Put stores a copy of V, a Get returns one).
// Reference-typed values (pointers, maps behind interfaces) are shared, not
// copied.
//
// # Implementations
//
// MemoryStore: In-memory storage with sync.RWMutex
//   - No persistence (data lost when the node is killed)
//   - Thread-safe, although the owning node already serializes access
//
// # Concurrency and Thread Safety
//
// Locking Strategy:
//   - Read operations use shared locks (RLock)
//   - Write operations use exclusive locks (Lock)
//   - Operations are atomic and isolated per key
//
// # Usage Examples
//
//	store := storage.NewMemoryStore[string]()
//
//	key := keyspace.FromUint64(1)
//	_ = store.Put(key, "x")
//
//	value, err := store.Get(key)
//	if errors.Is(err, storage.ErrKeyNotFound) {
//	    // not held here
//	}
//
// # See Also
//
//   - internal/node: owns a Store per node and answers STORE / FIND_VALUE
//   - internal/network: reports which nodes hold a key
package storage
