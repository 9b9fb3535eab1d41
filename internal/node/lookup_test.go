package node

import (
	"context"
	"fmt"
	"math/bits"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"

	"github.com/dreamware/kadsim/internal/bus"
	"github.com/dreamware/kadsim/internal/keyspace"
	"github.com/dreamware/kadsim/internal/routing"
)

func TestShortlist(t *testing.T) {
	self := keyspace.FromUint64(0)
	target := keyspace.FromUint64(0)
	ids := []keyspace.ID{
		keyspace.FromUint64(8),
		keyspace.FromUint64(1),
		keyspace.FromUint64(4),
		keyspace.FromUint64(2),
	}

	sl := newShortlist(self, target)
	assert.Equal(t, 4, sl.add(ids...))
	assert.Zero(t, sl.add(self, keyspace.FromUint64(1)), "self and duplicates are ignored")

	t.Run("sorted by distance", func(t *testing.T) {
		assert.Equal(t, []keyspace.ID{
			keyspace.FromUint64(1),
			keyspace.FromUint64(2),
			keyspace.FromUint64(4),
			keyspace.FromUint64(8),
		}, sl.fresh(10, 0))
	})

	t.Run("fresh respects limit and window", func(t *testing.T) {
		assert.Len(t, sl.fresh(2, 0), 2)
		assert.Len(t, sl.fresh(10, 3), 3)
	})

	t.Run("failed candidates drop out", func(t *testing.T) {
		sl.mark(keyspace.FromUint64(1), stateFailed)
		best, ok := sl.best()
		require.True(t, ok)
		assert.Equal(t, keyspace.Dist(keyspace.FromUint64(2), target), best)
		assert.NotContains(t, sl.fresh(10, 0), keyspace.FromUint64(1))
	})

	t.Run("settled once the closest live have answered", func(t *testing.T) {
		assert.False(t, sl.settled(2))
		sl.mark(keyspace.FromUint64(2), stateAnswered)
		assert.False(t, sl.settled(2))
		sl.mark(keyspace.FromUint64(4), stateAnswered)
		assert.True(t, sl.settled(2))
		assert.False(t, sl.settled(3))
	})

	t.Run("answered excludes failed and fresh", func(t *testing.T) {
		assert.Equal(t, []keyspace.ID{
			keyspace.FromUint64(2),
			keyspace.FromUint64(4),
		}, sl.answered(10))
		assert.Len(t, sl.answered(1), 1)
	})

	t.Run("empty shortlist", func(t *testing.T) {
		empty := newShortlist(self, target)
		_, ok := empty.best()
		assert.False(t, ok)
		assert.False(t, empty.settled(1))
		assert.Empty(t, empty.fresh(3, 0))
	})
}

func allIDs(nodes []*Node[string]) []keyspace.ID {
	ids := make([]keyspace.ID, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID()
	}
	return ids
}

func TestFindNodeReachesClosest(t *testing.T) {
	_, nodes := newTestNetwork(t, 16, testConfig())
	querier := nodes[0]

	for i := 0; i < 5; i++ {
		target := keyspace.New()
		res, err := querier.FindNode(context.Background(), target)
		require.NoError(t, err)
		require.NotEmpty(t, res.Closest)

		others := allIDs(nodes[1:])
		routing.SortByDistance(others, target)
		assert.Equal(t, others[0], res.Closest[0])
		assert.LessOrEqual(t, len(res.Closest), querier.Config().K)
		assert.NotContains(t, res.Closest, querier.ID())
		assert.Zero(t, res.Failed)
	}
}

// TestLookupRoundsAreBounded lifts MaxRounds out of the way so the stop rule
// alone ends each lookup, and checks the round count grows with log2 of the
// network size.
func TestLookupRoundsAreBounded(t *testing.T) {
	for _, size := range []int{8, 32, 64} {
		t.Run(fmt.Sprintf("%d nodes", size), func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxRounds = 1000
			_, nodes := newTestNetwork(t, size, cfg)
			limit := bits.Len(uint(size)) + 2

			for _, n := range nodes[:4] {
				res, err := n.FindNode(context.Background(), keyspace.New())
				require.NoError(t, err)
				require.NotEmpty(t, res.Closest)
				assert.LessOrEqual(t, res.Rounds, limit)
			}
		})
	}
}

// TestLookupRoundsWithStoppedPeers checks that dead peers cost at most one
// extra round each.
func TestLookupRoundsWithStoppedPeers(t *testing.T) {
	const size = 24
	cfg := testConfig()
	cfg.MaxRounds = 1000
	cfg.RPCTimeout = 100 * time.Millisecond
	_, nodes := newTestNetwork(t, size, cfg)

	dead := nodes[size-6:]
	for _, n := range dead {
		n.Stop()
	}
	limit := bits.Len(uint(size)) + 2 + len(dead)

	for _, n := range nodes[:3] {
		res, err := n.FindNode(context.Background(), keyspace.New())
		require.NoError(t, err)
		require.NotEmpty(t, res.Closest)
		assert.LessOrEqual(t, res.Rounds, limit)
		assert.LessOrEqual(t, res.Failed, len(dead))
	}
}

func TestLookupSkipsDeadPeers(t *testing.T) {
	_, nodes := newTestNetwork(t, 12, testConfig())
	querier := nodes[0]

	dead := map[keyspace.ID]bool{}
	for _, n := range nodes[1:5] {
		n.Stop()
		dead[n.ID()] = true
	}

	start := time.Now()
	res, err := querier.FindNode(context.Background(), keyspace.New())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), querier.Config().LookupDeadline())

	require.NotEmpty(t, res.Closest)
	for _, id := range res.Closest {
		assert.False(t, dead[id], "dead peer %s returned as closest", id.Short())
	}
}

func TestBootstrapUnreachable(t *testing.T) {
	b := bus.New[string](bus.Unicast, nil)
	n := New(keyspace.New(), b, testConfig())
	n.Start()
	defer n.Stop()

	err := n.Bootstrap(context.Background(), keyspace.New())
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, 0, n.Stats().Known)
}

func TestBootstrapLearnsNeighbors(t *testing.T) {
	_, nodes := newTestNetwork(t, 6, testConfig())
	last := nodes[len(nodes)-1]

	assert.NotEmpty(t, last.Known())
	for _, n := range nodes {
		assert.NotContains(t, n.Known(), n.ID())
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.K = 3
	_, nodes := newTestNetwork(t, 10, cfg)

	key := keyspace.New()
	replicas, err := nodes[2].Put(context.Background(), key, "hello")
	require.NoError(t, err)
	require.NotEmpty(t, replicas)

	want := allIDs(nodes)
	routing.SortByDistance(want, key)
	assert.Equal(t, want[:cfg.K], replicas, "replicas are the K closest nodes to the key")

	for _, n := range nodes {
		assert.Equal(t, slices.Contains(replicas, n.ID()), n.Holds(key), "node %s", n.ID().Short())
	}

	for _, n := range nodes {
		v, ok, err := n.Get(context.Background(), key)
		require.NoError(t, err)
		require.True(t, ok, "node %s missed the value", n.ID().Short())
		assert.Equal(t, "hello", v)
	}
}

func TestFindValueReportsHolder(t *testing.T) {
	cfg := testConfig()
	cfg.K = 1
	_, nodes := newTestNetwork(t, 8, cfg)

	key := keyspace.New()
	replicas, err := nodes[0].Put(context.Background(), key, "v")
	require.NoError(t, err)
	require.Len(t, replicas, 1)

	for _, n := range nodes {
		if n.ID() == replicas[0] {
			continue
		}
		res, err := n.FindValue(context.Background(), key)
		require.NoError(t, err)
		if res.Found {
			assert.Equal(t, "v", res.Value)
			assert.Equal(t, replicas[0], res.Holder)
		}
	}
}

func TestGetMissingKey(t *testing.T) {
	_, nodes := newTestNetwork(t, 4, testConfig())

	v, ok, err := nodes[1].Get(context.Background(), keyspace.New())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, v)
}

func TestSingleNodePutStoresLocally(t *testing.T) {
	_, nodes := newTestNetwork(t, 1, testConfig())
	n := nodes[0]
	key := keyspace.FromUint64(7)

	replicas, err := n.Put(context.Background(), key, "solo")
	require.NoError(t, err)
	assert.Equal(t, []keyspace.ID{n.ID()}, replicas)

	v, ok, err := n.Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "solo", v)
}
