package network

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/kadsim/internal/bus"
	"github.com/dreamware/kadsim/internal/keyspace"
	"github.com/dreamware/kadsim/internal/node"
	"github.com/dreamware/kadsim/internal/routing"
)

var (
	// ErrEmptyNetwork is returned by operations that need at least one live node.
	ErrEmptyNetwork = errors.New("network has no nodes")
	// ErrUnknownNode is returned by Kill for an ID that is not registered.
	ErrUnknownNode = errors.New("unknown node")
	// ErrClosed is returned by AddNode after Close.
	ErrClosed = errors.New("network closed")
)

// Network owns the bus and the registry of live nodes. Client operations enter
// through a randomly chosen live node.
// Thread-safe: All methods are safe for concurrent access.
type Network[V comparable] struct {
	cfg    Config
	log    *zap.Logger
	bus    *bus.Bus[V]
	health *HealthMonitor

	mu     sync.RWMutex
	nodes  map[keyspace.ID]*node.Node[V]
	closed bool
}

// New creates an empty network. When cfg.HealthInterval is positive a health
// monitor starts pinging nodes and reaps the ones that stop answering.
func New[V comparable](cfg Config) *Network[V] {
	cfg = cfg.withDefaults()
	n := &Network[V]{
		cfg:   cfg,
		log:   cfg.Logger.Named("network"),
		bus:   bus.New[V](cfg.Delivery, cfg.Logger),
		nodes: make(map[keyspace.ID]*node.Node[V]),
	}

	if cfg.HealthInterval > 0 {
		n.health = NewHealthMonitor(cfg.HealthInterval, cfg.Logger)
		n.health.SetCheckFunction(n.checkHealth)
		n.health.SetOnUnhealthy(func(id keyspace.ID) {
			if err := n.Kill(id); err == nil {
				n.log.Warn("reaped unhealthy node", zap.String("node", id.Short()))
			}
		})
		go n.health.Start(context.Background(), n.IDs)
	}
	return n
}

// Config returns the effective configuration.
func (n *Network[V]) Config() Config { return n.cfg }

// Bus returns the shared message bus.
func (n *Network[V]) Bus() *bus.Bus[V] { return n.bus }

// Health returns the health monitor, or nil when it is disabled.
func (n *Network[V]) Health() *HealthMonitor { return n.health }

// AddNode creates a node with a fresh random ID, starts it, registers it and,
// if other nodes exist, bootstraps it through a random one. A bootstrap that
// reaches nobody is retried with exponential backoff against other random
// peers; if every attempt fails the node stays registered and the failure is
// only logged.
func (n *Network[V]) AddNode(ctx context.Context) (keyspace.ID, error) {
	id := keyspace.New()
	nd := node.New(id, n.bus, n.cfg.nodeConfig())

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.bus.Unregister(id)
		return keyspace.ID{}, ErrClosed
	}
	n.nodes[id] = nd
	size := len(n.nodes)
	n.mu.Unlock()

	nd.Start()
	n.log.Info("node joined", zap.String("node", id.Short()), zap.Int("size", size))

	if size > 1 {
		if err := n.bootstrap(ctx, nd); err != nil {
			n.log.Warn("bootstrap failed", zap.String("node", id.Short()), zap.Error(err))
		}
	}
	return id, nil
}

func (n *Network[V]) bootstrap(ctx context.Context, nd *node.Node[V]) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.RPCTimeout / 10
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(backoff.Operation(func() error {
		attempt++
		peer, ok := n.randomExcept(nd.ID())
		if !ok {
			return backoff.Permanent(ErrEmptyNetwork)
		}
		err := nd.Bootstrap(ctx, peer.ID())
		if err != nil && !errors.Is(err, node.ErrUnreachable) {
			return backoff.Permanent(err)
		}
		if err != nil {
			n.log.Debug("bootstrap attempt failed",
				zap.String("node", nd.ID().Short()),
				zap.String("via", peer.ID().Short()),
				zap.Int("attempt", attempt))
		}
		return err
	}), backoff.WithContext(backoff.WithMaxRetries(b, uint64(n.cfg.BootstrapRetries)), ctx))
}

// InsertValue stores value under key through a random entry node. The value
// lands on the K closest live nodes to key.
func (n *Network[V]) InsertValue(ctx context.Context, key keyspace.ID, value V) error {
	entry, ok := n.random()
	if !ok {
		return fmt.Errorf("insert %s: %w", key.Short(), ErrEmptyNetwork)
	}
	replicas, err := entry.Put(ctx, key, value)
	if err != nil {
		return fmt.Errorf("insert %s via %s: %w", key.Short(), entry.ID().Short(), err)
	}
	n.log.Debug("value inserted",
		zap.String("key", key.Short()),
		zap.String("entry", entry.ID().Short()),
		zap.Int("replicas", len(replicas)))
	return nil
}

// GetValue looks key up through a random entry node. A value that no reachable
// node holds is reported as ok == false with a nil error.
func (n *Network[V]) GetValue(ctx context.Context, key keyspace.ID) (value V, ok bool, err error) {
	entry, live := n.random()
	if !live {
		return value, false, fmt.Errorf("get %s: %w", key.Short(), ErrEmptyNetwork)
	}
	value, ok, err = entry.Get(ctx, key)
	if err != nil {
		return value, false, fmt.Errorf("get %s via %s: %w", key.Short(), entry.ID().Short(), err)
	}
	return value, ok, nil
}

// KillNode stops a random node and removes it from the registry. Nothing tells
// the other nodes; their requests to it time out.
func (n *Network[V]) KillNode() (keyspace.ID, error) {
	victim, ok := n.random()
	if !ok {
		return keyspace.ID{}, fmt.Errorf("kill: %w", ErrEmptyNetwork)
	}
	if err := n.Kill(victim.ID()); err != nil {
		return keyspace.ID{}, err
	}
	return victim.ID(), nil
}

// Kill stops the node with the given ID and removes it from the registry.
func (n *Network[V]) Kill(id keyspace.ID) error {
	n.mu.Lock()
	nd, ok := n.nodes[id]
	delete(n.nodes, id)
	size := len(n.nodes)
	n.mu.Unlock()

	if !ok {
		return fmt.Errorf("kill %s: %w", id.Short(), ErrUnknownNode)
	}
	nd.Stop()
	n.log.Info("node killed", zap.String("node", id.Short()), zap.Int("size", size))
	return nil
}

// Node returns the live node with the given ID.
func (n *Network[V]) Node(id keyspace.ID) (*node.Node[V], bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	nd, ok := n.nodes[id]
	return nd, ok
}

// IDs returns the IDs of all live nodes in ascending order.
func (n *Network[V]) IDs() []keyspace.ID {
	n.mu.RLock()
	ids := make([]keyspace.ID, 0, len(n.nodes))
	for id := range n.nodes {
		ids = append(ids, id)
	}
	n.mu.RUnlock()

	routing.SortByDistance(ids, keyspace.ID{})
	return ids
}

// Len returns the number of live nodes.
func (n *Network[V]) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.nodes)
}

// Holders returns the live nodes whose local store holds key, closest to key first.
func (n *Network[V]) Holders(key keyspace.ID) []keyspace.ID {
	var holders []keyspace.ID
	for _, nd := range n.snapshot() {
		if nd.Holds(key) {
			holders = append(holders, nd.ID())
		}
	}
	routing.SortByDistance(holders, key)
	return holders
}

// Close stops the health monitor and every node. The network accepts no new
// nodes afterwards.
func (n *Network[V]) Close() {
	if n.health != nil {
		n.health.Stop()
	}

	n.mu.Lock()
	n.closed = true
	nodes := n.nodes
	n.nodes = make(map[keyspace.ID]*node.Node[V])
	n.mu.Unlock()

	for _, nd := range nodes {
		nd.Stop()
	}
	n.log.Info("network closed", zap.Int("stopped", len(nodes)))
}

// checkHealth pings id from another live node. A node that is alone in the network
// is healthy as long as it has not been stopped.
func (n *Network[V]) checkHealth(ctx context.Context, id keyspace.ID) error {
	target, ok := n.Node(id)
	if !ok {
		return fmt.Errorf("check %s: %w", id.Short(), ErrUnknownNode)
	}
	if target.Stopped() {
		return fmt.Errorf("check %s: %w", id.Short(), node.ErrStopped)
	}
	pinger, ok := n.randomExcept(id)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout+time.Second)
	defer cancel()
	return pinger.Ping(ctx, id)
}

func (n *Network[V]) snapshot() []*node.Node[V] {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*node.Node[V], 0, len(n.nodes))
	for _, nd := range n.nodes {
		out = append(out, nd)
	}
	return out
}

func (n *Network[V]) random() (*node.Node[V], bool) {
	return n.randomExcept(keyspace.ID{})
}

// randomExcept picks a running node other than skip. Nodes that stopped
// without being removed from the registry are never picked.
func (n *Network[V]) randomExcept(skip keyspace.ID) (*node.Node[V], bool) {
	nodes := n.snapshot()
	nodes = slices.DeleteFunc(nodes, func(nd *node.Node[V]) bool {
		return nd.ID() == skip || nd.Stopped()
	})
	if len(nodes) == 0 {
		return nil, false
	}
	return nodes[rand.IntN(len(nodes))], true
}
