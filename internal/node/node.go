package node

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Arceliar/phony"
	"go.uber.org/zap"

	"github.com/dreamware/kadsim/internal/bus"
	"github.com/dreamware/kadsim/internal/envelope"
	"github.com/dreamware/kadsim/internal/keyspace"
	"github.com/dreamware/kadsim/internal/routing"
	"github.com/dreamware/kadsim/internal/storage"
)

var (
	// ErrTimeout is returned when no reply arrives within the RPC timeout.
	ErrTimeout = errors.New("rpc timeout")
	// ErrStopped is returned by operations on a node that has been killed.
	ErrStopped = errors.New("node stopped")
	// ErrUnreachable is returned when a bootstrap lookup got no answer at all.
	ErrUnreachable = errors.New("no peer answered")
	// ErrNotStored is returned when a value could not be placed on any replica.
	ErrNotStored = errors.New("value not stored on any replica")
)

// outcome is the result of one attempt to handle a queued envelope.
type outcome int

const (
	outcomeDone   outcome = iota // handled; drop from pending
	outcomeRetry                 // not yet satisfiable; keep until it expires
	outcomeFailed                // cannot ever be handled; drop from pending
)

type pendingEntry[V comparable] struct {
	env     envelope.Envelope[V]
	expires time.Time
}

// waiter is a request blocked in request() for a reply from peer.
type waiter[V comparable] struct {
	peer keyspace.ID
	ch   chan envelope.Envelope[V] // capacity 1
}

// Stats is a snapshot of a node's counters and table sizes.
type Stats struct {
	Received uint64 // Envelopes taken from the mailbox
	Handled  uint64 // Requests answered
	Matched  uint64 // Replies handed to a waiting request
	Salvaged uint64 // Replies recovered from pending after a timeout
	Evicted  uint64 // Pending entries dropped after their deadline
	Echoes   uint64 // Envelopes from this node to itself, discarded
	Timeouts uint64 // Requests that got no reply
	Pending  int    // Envelopes currently queued in pending
	Waiters  int    // Requests currently outstanding
	Known    int    // Distinct IDs in routing knowledge
	Keys     int    // Keys in the local store
}

// Node is one simulated peer. Its state is owned by an actor: the mailbox pump
// and every external caller reach it through Act or phony.Block, so the store,
// routing table and pending table only ever have one writer.
type Node[V comparable] struct {
	phony.Inbox

	id      keyspace.ID
	cfg     Config
	log     *zap.Logger
	bus     *bus.Bus[V]
	mailbox *bus.Mailbox[V]

	started  atomic.Bool
	done     chan struct{} // closed when the mailbox pump exits
	stopOnce sync.Once

	// Actor state; touch only from inside Act / phony.Block.
	store   storage.Store[V]
	table   *routing.Table
	pending map[keyspace.Cookie][]pendingEntry[V]
	waiters map[keyspace.Cookie]waiter[V]
	sweep   *time.Timer
	stopped bool
	stats   Stats
}

// New creates a node with the given ID and wires its mailbox to b.
// Call Start to begin processing envelopes.
func New[V comparable](id keyspace.ID, b *bus.Bus[V], cfg Config) *Node[V] {
	cfg = cfg.withDefaults()
	return &Node[V]{
		id:      id,
		cfg:     cfg,
		log:     cfg.Logger.Named("node").With(zap.String("id", id.Short())),
		bus:     b,
		mailbox: b.Register(id),
		done:    make(chan struct{}),
		store:   storage.NewMemoryStore[V](),
		table:   routing.NewTable(id, cfg.RecentSize),
		pending: make(map[keyspace.Cookie][]pendingEntry[V]),
		waiters: make(map[keyspace.Cookie]waiter[V]),
	}
}

// ID returns the node's identifier.
func (n *Node[V]) ID() keyspace.ID { return n.id }

// Config returns the effective configuration.
func (n *Node[V]) Config() Config { return n.cfg }

// Start launches the message loop. Calling it more than once is a no-op.
func (n *Node[V]) Start() {
	if !n.started.CompareAndSwap(false, true) {
		return
	}
	go n.loop()
	n.Act(nil, n._armSweep)
}

// Stop closes the node's mailbox, ends its loop and drops pending work.
// Requests other nodes have in flight to it resolve by timeout.
func (n *Node[V]) Stop() {
	n.stopOnce.Do(func() {
		n.bus.Unregister(n.id)
		phony.Block(n, func() {
			n.stopped = true
			if n.sweep != nil {
				n.sweep.Stop()
			}
			n.pending = make(map[keyspace.Cookie][]pendingEntry[V])
		})
		if n.started.Load() {
			<-n.done
		}
		n.log.Debug("stopped")
	})
}

// Stopped reports whether Stop has been called.
func (n *Node[V]) Stopped() bool {
	var stopped bool
	phony.Block(n, func() { stopped = n.stopped })
	return stopped
}

// Stats returns a snapshot of the node's counters.
func (n *Node[V]) Stats() Stats {
	var s Stats
	phony.Block(n, func() {
		s = n.stats
		s.Waiters = len(n.waiters)
		for _, queue := range n.pending {
			s.Pending += len(queue)
		}
		s.Known = n.table.Len()
		s.Keys = n.store.Stats().Keys
	})
	return s
}

// Known returns every ID in the node's routing knowledge, closest to the node first.
func (n *Node[V]) Known() []keyspace.ID {
	var ids []keyspace.ID
	phony.Block(n, func() { ids = n.table.FindClosest(n.id, 0) })
	return ids
}

// Holds reports whether key is in the node's local store.
func (n *Node[V]) Holds(key keyspace.ID) bool {
	var ok bool
	phony.Block(n, func() { ok = n.store.Has(key) })
	return ok
}

// Local returns the value stored locally under key.
func (n *Node[V]) Local(key keyspace.ID) (V, bool) {
	var (
		v  V
		ok bool
	)
	phony.Block(n, func() {
		var err error
		v, err = n.store.Get(key)
		ok = err == nil
	})
	return v, ok
}

// loop pumps the mailbox into the actor until the mailbox is closed.
func (n *Node[V]) loop() {
	defer close(n.done)
	ctx := context.Background()
	for {
		env, ok := n.mailbox.Next(ctx)
		if !ok {
			return
		}
		// Broadcast delivery hands us everyone's traffic.
		if env.Destination() != n.id {
			continue
		}
		n.Act(nil, func() { n._receive(env) })
	}
}

func (n *Node[V]) _receive(env envelope.Envelope[V]) {
	if n.stopped {
		return
	}
	n.stats.Received++

	if env.Source() == n.id {
		n.stats.Echoes++
		n.log.Debug("dropping self-echo", zap.Stringer("envelope", env))
		return
	}

	token := env.Token()
	n.pending[token] = append(n.pending[token], pendingEntry[V]{
		env:     env,
		expires: time.Now().Add(n.cfg.RPCTimeout),
	})
	n._drain()
}

// _drain attempts every queued envelope once. Entries that are not yet
// satisfiable stay queued until their deadline, then are evicted.
func (n *Node[V]) _drain() {
	now := time.Now()
	for token, queue := range n.pending {
		kept := queue[:0]
		for _, entry := range queue {
			switch n._handle(entry.env) {
			case outcomeRetry:
				if now.After(entry.expires) {
					n.stats.Evicted++
					n.log.Debug("evicting stale envelope", zap.Stringer("envelope", entry.env))
					continue
				}
				kept = append(kept, entry)
			case outcomeFailed:
				n.log.Debug("dropping unhandled envelope", zap.Stringer("envelope", entry.env))
			}
		}
		if len(kept) == 0 {
			delete(n.pending, token)
		} else {
			n.pending[token] = kept
		}
	}
}

func (n *Node[V]) _handle(env envelope.Envelope[V]) outcome {
	p := env.Payload()
	switch p.Kind() {
	case envelope.KindPing:
		n._reply(env, envelope.Pong[V]())
	case envelope.KindStore:
		if err := n.store.Put(p.Key(), p.Value()); err != nil {
			// No ack; the requester times out and does not count this replica.
			n.log.Warn("store failed", zap.String("key", p.Key().Short()), zap.Error(err))
			return outcomeFailed
		}
		n._reply(env, envelope.StoreAck[V](p.Key()))
	case envelope.KindFindNode:
		n._reply(env, envelope.Nodes[V](n.table.FindClosest(p.Target(), n.cfg.K)))
	case envelope.KindFindValue:
		if v, err := n.store.Get(p.Key()); err == nil {
			n._reply(env, envelope.Value(p.Key(), v))
		} else {
			n._reply(env, envelope.Nodes[V](n.table.FindClosest(p.Key(), n.cfg.K)))
		}
	case envelope.KindPong, envelope.KindStoreAck, envelope.KindNodes, envelope.KindValue:
		return n._match(env)
	default:
		return outcomeFailed
	}
	return outcomeDone
}

// _reply answers a request and records the requester as recently seen.
func (n *Node[V]) _reply(req envelope.Envelope[V], payload envelope.Payload[V]) {
	n.table.Observe(req.Source())
	n.stats.Handled++
	n.bus.Publish(req.Reply(payload))
}

// _match hands a reply to the request waiting on its token.
func (n *Node[V]) _match(env envelope.Envelope[V]) outcome {
	w, ok := n.waiters[env.Token()]
	if !ok {
		return outcomeRetry
	}
	if w.peer != env.Source() {
		return outcomeFailed
	}
	delete(n.waiters, env.Token())
	n._learn(env)
	n.stats.Matched++
	w.ch <- env
	return outcomeDone
}

// _learn folds a reply's sender, and any IDs it carries, into routing knowledge.
func (n *Node[V]) _learn(env envelope.Envelope[V]) {
	n.table.Observe(env.Source())
	if env.Kind() == envelope.KindNodes {
		for _, id := range env.Payload().Nodes() {
			n.table.Observe(id)
		}
	}
}

func (n *Node[V]) _armSweep() {
	if n.stopped {
		return
	}
	n.sweep = time.AfterFunc(n.cfg.RPCTimeout/2, func() { n.Act(nil, n._sweepPending) })
}

func (n *Node[V]) _sweepPending() {
	if n.stopped {
		return
	}
	n._drain()
	n._armSweep()
}
