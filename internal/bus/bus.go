// Package bus implements the shared in-memory medium that carries envelopes
// between simulated nodes.
//
// Each registered node owns a Mailbox. In Unicast mode an envelope is placed
// only in its destination's mailbox; in Broadcast mode every mailbox receives
// every envelope and receivers discard the ones not addressed to them. Either
// way an envelope for X reaches X exactly once while X is registered, with no
// ordering across publishers.
package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dreamware/kadsim/internal/envelope"
	"github.com/dreamware/kadsim/internal/keyspace"
)

// Mode selects how Publish fans out envelopes.
type Mode int

const (
	// Unicast routes each envelope to its destination's mailbox only.
	Unicast Mode = iota
	// Broadcast delivers each envelope to every registered mailbox.
	Broadcast
)

func (m Mode) String() string {
	switch m {
	case Unicast:
		return "unicast"
	case Broadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode converts "unicast" or "broadcast" (any case) to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unicast":
		return Unicast, nil
	case "broadcast":
		return Broadcast, nil
	default:
		return Unicast, fmt.Errorf("unknown delivery mode %q", s)
	}
}

// Stats counts bus traffic.
type Stats struct {
	Published uint64 // Envelopes handed to Publish
	Delivered uint64 // Mailbox insertions
	Dropped   uint64 // Envelopes whose destination was not registered; never delivered
}

// Bus is a multi-producer, multi-consumer envelope medium.
// Thread-safe: all methods may be called concurrently.
type Bus[V comparable] struct {
	mode      Mode
	log       *zap.Logger
	mu        sync.RWMutex
	mailboxes map[keyspace.ID]*Mailbox[V]

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New returns an empty bus. A nil logger disables logging.
func New[V comparable](mode Mode, logger *zap.Logger) *Bus[V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus[V]{
		mode:      mode,
		log:       logger.Named("bus"),
		mailboxes: make(map[keyspace.ID]*Mailbox[V]),
	}
}

// Mode returns the delivery mode.
func (b *Bus[V]) Mode() Mode { return b.mode }

// Register creates the mailbox for id. Registering an ID twice returns the
// existing mailbox.
func (b *Bus[V]) Register(id keyspace.ID) *Mailbox[V] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if mb, ok := b.mailboxes[id]; ok {
		return mb
	}
	mb := newMailbox[V]()
	b.mailboxes[id] = mb
	return mb
}

// Unregister removes id's mailbox and closes it. Later envelopes for id are
// dropped. Unregistering an unknown ID is a no-op.
func (b *Bus[V]) Unregister(id keyspace.ID) {
	b.mu.Lock()
	mb, ok := b.mailboxes[id]
	delete(b.mailboxes, id)
	b.mu.Unlock()

	if ok {
		mb.close()
	}
}

// Publish hands env to the medium. It never blocks on receivers.
func (b *Bus[V]) Publish(env envelope.Envelope[V]) {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.mode == Broadcast {
		// Nobody would accept it.
		if _, ok := b.mailboxes[env.Destination()]; !ok {
			b.dropped.Add(1)
			b.log.Debug("no route", zap.Stringer("envelope", env))
			return
		}
		for _, mb := range b.mailboxes {
			if mb.put(env) {
				b.delivered.Add(1)
			}
		}
		return
	}

	mb, ok := b.mailboxes[env.Destination()]
	if !ok || !mb.put(env) {
		b.dropped.Add(1)
		b.log.Debug("no route", zap.Stringer("envelope", env))
		return
	}
	b.delivered.Add(1)
}

// Len returns the number of registered mailboxes.
func (b *Bus[V]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.mailboxes)
}

// Stats returns a snapshot of the traffic counters.
func (b *Bus[V]) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Mailbox is an unbounded FIFO of envelopes owned by one node.
type Mailbox[V comparable] struct {
	mu     sync.Mutex
	queue  []envelope.Envelope[V]
	notify chan struct{} // capacity 1; signalled when queue becomes non-empty
	done   chan struct{}
	closed bool
}

func newMailbox[V comparable]() *Mailbox[V] {
	return &Mailbox[V]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (m *Mailbox[V]) put(env envelope.Envelope[V]) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, env)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

func (m *Mailbox[V]) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.queue = nil
	close(m.done)
}

// Next blocks until an envelope is available, the mailbox is closed, or ctx
// is done. ok is false in the last two cases.
func (m *Mailbox[V]) Next(ctx context.Context) (env envelope.Envelope[V], ok bool) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return env, false
		}
		if len(m.queue) > 0 {
			env = m.queue[0]
			m.queue[0] = envelope.Envelope[V]{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return env, true
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-m.done:
			return env, false
		case <-ctx.Done():
			return env, false
		}
	}
}

// Len returns the number of queued envelopes.
func (m *Mailbox[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
