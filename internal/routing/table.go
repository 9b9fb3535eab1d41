// Package routing keeps a node's knowledge of its peers: a bounded recency
// list of recently seen IDs plus an unbounded neighbor list.
//
// Every ID that enters the recency list also joins the neighbor list, so the
// recency list only orders peers by freshness. Lookups read the neighbor list.
//
// There are no distance-range buckets. A flat list is enough at simulator
// scale; FindClosest sorts the union by XOR distance on demand.
package routing

import (
	"github.com/elliotchance/orderedmap/v2"
	"golang.org/x/exp/slices"

	"github.com/dreamware/kadsim/internal/keyspace"
)

// DefaultRecentSize is the recency list bound used when none is given.
const DefaultRecentSize = 20

// Table is the routing knowledge of one node.
// Not safe for concurrent use; the owning node serializes access.
type Table struct {
	self      keyspace.ID
	recentCap int

	// recent holds IDs in least- to most-recently seen order.
	recent *orderedmap.OrderedMap[keyspace.ID, struct{}]

	neighbors []keyspace.ID
	known     map[keyspace.ID]struct{} // neighbor membership
}

// NewTable returns an empty table for self. recentCap <= 0 selects
// DefaultRecentSize.
func NewTable(self keyspace.ID, recentCap int) *Table {
	if recentCap <= 0 {
		recentCap = DefaultRecentSize
	}
	return &Table{
		self:      self,
		recentCap: recentCap,
		recent:    orderedmap.NewOrderedMap[keyspace.ID, struct{}](),
		known:     make(map[keyspace.ID]struct{}),
	}
}

// Observe records that id was just seen. id moves to the most-recent end of
// the recency list, evicting the oldest entry on overflow, and joins the
// neighbor list if new. Observing self is a no-op.
func (t *Table) Observe(id keyspace.ID) {
	if id == t.self {
		return
	}

	t.recent.Delete(id)
	t.recent.Set(id, struct{}{})
	for t.recent.Len() > t.recentCap {
		t.recent.Delete(t.recent.Front().Key)
	}

	if _, ok := t.known[id]; !ok {
		t.known[id] = struct{}{}
		t.neighbors = append(t.neighbors, id)
	}
}

// Forget drops id from both lists, typically after it failed to answer.
// It reports whether id was known.
func (t *Table) Forget(id keyspace.ID) bool {
	inRecent := t.recent.Delete(id)

	if _, ok := t.known[id]; !ok {
		return inRecent
	}
	delete(t.known, id)
	if i := slices.Index(t.neighbors, id); i >= 0 {
		t.neighbors = slices.Delete(t.neighbors, i, i+1)
	}
	return true
}

// Len returns the number of distinct known IDs.
func (t *Table) Len() int {
	return len(t.neighbors)
}

// FindClosest returns up to count known IDs ordered by ascending distance to
// target. count <= 0 returns every known ID.
func (t *Table) FindClosest(target keyspace.ID, count int) []keyspace.ID {
	ids := slices.Clone(t.neighbors)
	SortByDistance(ids, target)
	if count > 0 && len(ids) > count {
		ids = ids[:count]
	}
	return ids
}

// SortByDistance orders ids by ascending XOR distance to target.
func SortByDistance(ids []keyspace.ID, target keyspace.ID) {
	slices.SortFunc(ids, func(a, b keyspace.ID) int {
		return keyspace.Dist(a, target).Cmp(keyspace.Dist(b, target))
	})
}
