package network

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kadsim/internal/bus"
	"github.com/dreamware/kadsim/internal/keyspace"
	"github.com/dreamware/kadsim/internal/routing"
)

func testConfig() Config {
	return Config{
		Alpha:      3,
		K:          3,
		RPCTimeout: 200 * time.Millisecond,
		MaxRounds:  10,
	}
}

func newTestNetwork(t *testing.T, size int, cfg Config) *Network[string] {
	t.Helper()
	net := New[string](cfg)
	t.Cleanup(net.Close)
	for i := 0; i < size; i++ {
		_, err := net.AddNode(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, size, net.Len())
	return net
}

// TestThreeNodeScenario inserts into a three node network with a single
// replica, kills the replica and checks the value is gone.
func TestThreeNodeScenario(t *testing.T) {
	cfg := testConfig()
	cfg.K = 1
	net := newTestNetwork(t, 3, cfg)
	ctx := context.Background()
	key := keyspace.FromUint64(1)

	require.NoError(t, net.InsertValue(ctx, key, "x"))

	v, ok, err := net.GetValue(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", v)

	holders := net.Holders(key)
	require.Len(t, holders, 1)
	require.NoError(t, net.Kill(holders[0]))

	v, ok, err = net.GetValue(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, v)
}

func TestFourDistinctKeys(t *testing.T) {
	net := newTestNetwork(t, 3, testConfig())
	ctx := context.Background()

	want := map[keyspace.ID]string{
		keyspace.FromUint64(0): "a",
		keyspace.FromUint64(1): "b",
		keyspace.FromUint64(2): "c",
		keyspace.FromUint64(3): "d",
	}
	for key, value := range want {
		require.NoError(t, net.InsertValue(ctx, key, value))
	}

	seen := make(map[string]int)
	for key, value := range want {
		got, ok, err := net.GetValue(ctx, key)
		require.NoError(t, err)
		require.True(t, ok, "key %s", key.Short())
		assert.Equal(t, value, got)
		seen[got]++
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1, "d": 1}, seen)
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		delivery bus.Mode
		size     int
	}{
		{name: "single node", delivery: bus.Unicast, size: 1},
		{name: "unicast", delivery: bus.Unicast, size: 8},
		{name: "broadcast", delivery: bus.Broadcast, size: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Delivery = tt.delivery
			net := newTestNetwork(t, tt.size, cfg)
			assert.Equal(t, tt.delivery, net.Bus().Mode())
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				key := keyspace.New()
				value := fmt.Sprintf("value-%d", i)
				require.NoError(t, net.InsertValue(ctx, key, value))

				holders := net.Holders(key)
				assert.NotEmpty(t, holders)
				assert.LessOrEqual(t, len(holders), cfg.K)

				got, ok, err := net.GetValue(ctx, key)
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, value, got)
			}
		})
	}
}

// TestReplicasAreTheKClosest checks every value lands on exactly the K live
// nodes closest to its key, whichever node the insert entered through.
func TestReplicasAreTheKClosest(t *testing.T) {
	cfg := testConfig()
	net := newTestNetwork(t, 10, cfg)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		key := keyspace.New()
		require.NoError(t, net.InsertValue(ctx, key, fmt.Sprintf("v%d", i)))

		want := net.IDs()
		routing.SortByDistance(want, key)
		assert.Equal(t, want[:cfg.K], net.Holders(key), "key %s", key.Short())
	}
}

func TestChurnOfNonReplica(t *testing.T) {
	cfg := testConfig()
	cfg.K = 2
	net := newTestNetwork(t, 10, cfg)
	ctx := context.Background()
	key := keyspace.New()

	require.NoError(t, net.InsertValue(ctx, key, "stable"))
	holders := net.Holders(key)
	require.NotEmpty(t, holders)

	for _, id := range net.IDs() {
		if net.Len() <= len(holders)+1 {
			break
		}
		if containsID(holders, id) {
			continue
		}
		require.NoError(t, net.Kill(id))

		got, ok, err := net.GetValue(ctx, key)
		require.NoError(t, err)
		require.True(t, ok, "value lost after killing %s", id.Short())
		assert.Equal(t, "stable", got)
	}
}

func containsID(ids []keyspace.ID, id keyspace.ID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func TestEmptyNetwork(t *testing.T) {
	net := New[string](testConfig())
	defer net.Close()
	ctx := context.Background()

	err := net.InsertValue(ctx, keyspace.New(), "x")
	assert.ErrorIs(t, err, ErrEmptyNetwork)

	_, _, err = net.GetValue(ctx, keyspace.New())
	assert.ErrorIs(t, err, ErrEmptyNetwork)

	_, err = net.KillNode()
	assert.ErrorIs(t, err, ErrEmptyNetwork)
}

func TestKillNode(t *testing.T) {
	net := newTestNetwork(t, 4, testConfig())

	id, err := net.KillNode()
	require.NoError(t, err)
	assert.Equal(t, 3, net.Len())
	assert.NotContains(t, net.IDs(), id)

	_, ok := net.Node(id)
	assert.False(t, ok)

	err = net.Kill(id)
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestIDsAreSorted(t *testing.T) {
	net := newTestNetwork(t, 6, testConfig())

	ids := net.IDs()
	require.Len(t, ids, 6)
	for i := 1; i < len(ids); i++ {
		assert.True(t, keyspace.Dist(ids[i-1], keyspace.ID{}).Less(keyspace.Dist(ids[i], keyspace.ID{})))
	}
	for _, id := range ids {
		nd, ok := net.Node(id)
		require.True(t, ok)
		assert.Equal(t, id, nd.ID())
	}
}

// TestBootstrapThroughUnreachablePeer joins a node whose only possible peer
// has lost its mailbox but is still registered. Every attempt times out and
// the join still succeeds.
func TestBootstrapThroughUnreachablePeer(t *testing.T) {
	cfg := testConfig()
	cfg.RPCTimeout = 100 * time.Millisecond
	cfg.BootstrapRetries = 2
	net := newTestNetwork(t, 1, cfg)

	ghost := net.IDs()[0]
	net.Bus().Unregister(ghost)

	id, err := net.AddNode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, net.Len())

	joined, ok := net.Node(id)
	require.True(t, ok)
	assert.Equal(t, uint64(3), joined.Stats().Timeouts, "one timeout per attempt")
}

func TestCloseStopsEverything(t *testing.T) {
	net := New[string](testConfig())
	for i := 0; i < 3; i++ {
		_, err := net.AddNode(context.Background())
		require.NoError(t, err)
	}
	ids := net.IDs()

	net.Close()
	net.Close()

	assert.Zero(t, net.Len())
	assert.Zero(t, net.Bus().Len())
	for _, id := range ids {
		_, ok := net.Node(id)
		assert.False(t, ok)
	}

	_, err := net.AddNode(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, net.Bus().Len())
}

func TestHealthMonitorReapsStalledNodes(t *testing.T) {
	cfg := testConfig()
	cfg.RPCTimeout = 100 * time.Millisecond
	cfg.HealthInterval = 30 * time.Millisecond
	net := newTestNetwork(t, 3, cfg)
	require.NotNil(t, net.Health())

	stalled, ok := net.Node(net.IDs()[1])
	require.True(t, ok)
	stalled.Stop()

	assert.Eventually(t, func() bool { return net.Len() == 2 },
		3*time.Second, 20*time.Millisecond)
	_, ok = net.Node(stalled.ID())
	assert.False(t, ok)

	for _, id := range net.IDs() {
		assert.Eventually(t, func() bool { return net.Health().IsHealthy(id) },
			time.Second, 20*time.Millisecond)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	def := DefaultConfig()

	assert.Equal(t, def.Alpha, cfg.Alpha)
	assert.Equal(t, def.K, cfg.K)
	assert.Equal(t, def.RPCTimeout, cfg.RPCTimeout)
	assert.Equal(t, def.MaxRounds, cfg.MaxRounds)
	assert.Equal(t, DefaultBootstrapRetries, cfg.BootstrapRetries)
	assert.Equal(t, bus.Unicast, cfg.Delivery)
	assert.Zero(t, cfg.HealthInterval)
	assert.NotNil(t, cfg.Logger)

	assert.Zero(t, Config{BootstrapRetries: -1}.withDefaults().BootstrapRetries)

	nc := Config{Alpha: 5, K: 7}.withDefaults().nodeConfig()
	assert.Equal(t, 5, nc.Alpha)
	assert.Equal(t, 7, nc.K)
	assert.Equal(t, def.RPCTimeout, nc.RPCTimeout)
}
