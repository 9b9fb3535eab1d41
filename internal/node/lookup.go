package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Arceliar/phony"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dreamware/kadsim/internal/envelope"
	"github.com/dreamware/kadsim/internal/keyspace"
	"github.com/dreamware/kadsim/internal/routing"
)

// LookupResult describes the outcome of an iterative lookup.
type LookupResult[V comparable] struct {
	Closest []keyspace.ID // Peers that answered, closest first, at most K
	Value   V             // Set when Found
	Found   bool          // A FIND_VALUE lookup reached a holder
	Holder  keyspace.ID   // Peer that returned Value
	Rounds  int           // Query rounds issued
	Queried int           // Requests sent
	Failed  int           // Requests that timed out
}

type candidateState int

const (
	stateFresh candidateState = iota
	stateAnswered
	stateFailed
)

type candidate struct {
	id    keyspace.ID
	dist  keyspace.Distance
	state candidateState
}

// shortlist is the distance-sorted working set of one lookup.
type shortlist struct {
	self    keyspace.ID
	target  keyspace.ID
	entries []*candidate
	index   map[keyspace.ID]*candidate
}

func newShortlist(self, target keyspace.ID) *shortlist {
	return &shortlist{
		self:   self,
		target: target,
		index:  make(map[keyspace.ID]*candidate),
	}
}

// add merges ids into the shortlist and reports how many were new.
func (s *shortlist) add(ids ...keyspace.ID) int {
	added := 0
	for _, id := range ids {
		if id == s.self {
			continue
		}
		if _, ok := s.index[id]; ok {
			continue
		}
		c := &candidate{id: id, dist: keyspace.Dist(id, s.target)}
		s.index[id] = c
		s.entries = append(s.entries, c)
		added++
	}
	slices.SortFunc(s.entries, func(a, b *candidate) int { return a.dist.Cmp(b.dist) })
	return added
}

func (s *shortlist) mark(id keyspace.ID, state candidateState) {
	if c, ok := s.index[id]; ok {
		c.state = state
	}
}

// live returns the candidates that have not failed, closest first.
func (s *shortlist) live() []*candidate {
	out := make([]*candidate, 0, len(s.entries))
	for _, c := range s.entries {
		if c.state != stateFailed {
			out = append(out, c)
		}
	}
	return out
}

// best returns the closest distance among live candidates.
func (s *shortlist) best() (keyspace.Distance, bool) {
	for _, c := range s.entries {
		if c.state != stateFailed {
			return c.dist, true
		}
	}
	return keyspace.Distance{}, false
}

// fresh returns up to limit unqueried live candidates, closest first, drawn
// from the closest window live candidates. window <= 0 means no window.
func (s *shortlist) fresh(limit, window int) []keyspace.ID {
	live := s.live()
	if window > 0 && len(live) > window {
		live = live[:window]
	}
	var out []keyspace.ID
	for _, c := range live {
		if len(out) == limit {
			break
		}
		if c.state == stateFresh {
			out = append(out, c.id)
		}
	}
	return out
}

// settled reports whether the k closest live candidates have all answered.
func (s *shortlist) settled(k int) bool {
	live := s.live()
	if len(live) == 0 {
		return false
	}
	if len(live) > k {
		live = live[:k]
	}
	for _, c := range live {
		if c.state != stateAnswered {
			return false
		}
	}
	return true
}

// answered returns up to k peers that answered, closest first.
func (s *shortlist) answered(k int) []keyspace.ID {
	var out []keyspace.ID
	for _, c := range s.entries {
		if len(out) == k {
			break
		}
		if c.state == stateAnswered {
			out = append(out, c.id)
		}
	}
	return out
}

type roundReply[V comparable] struct {
	peer keyspace.ID
	env  envelope.Envelope[V]
	err  error
}

// lookup runs the iterative parallel search for target.
//
// Each round asks the Alpha closest unqueried candidates. When a round does not
// bring a closer candidate, one final round asks every unqueried member of the
// K closest; the lookup ends when that also brings nothing closer, when the K
// closest have all answered, on the first value (findValue), or after
// MaxRounds rounds. Peers that time out are dropped from the shortlist and from
// routing knowledge; if that empties the shortlist it is refilled from the K
// closest known IDs.
func (n *Node[V]) lookup(ctx context.Context, target keyspace.ID, findValue bool, seeds ...keyspace.ID) (LookupResult[V], error) {
	var res LookupResult[V]

	var (
		known   []keyspace.ID
		stopped bool
	)
	phony.Block(n, func() {
		stopped = n.stopped
		known = n.table.FindClosest(target, n.cfg.Alpha)
	})
	if stopped {
		return res, ErrStopped
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.LookupDeadline())
	defer cancel()

	sl := newShortlist(n.id, target)
	sl.add(seeds...)
	sl.add(known...)

	stalled := false
	for res.Rounds < n.cfg.MaxRounds && ctx.Err() == nil {
		batch := sl.fresh(n.cfg.Alpha, 0)
		if stalled {
			batch = sl.fresh(n.cfg.K, n.cfg.K)
		}
		if len(batch) == 0 {
			break
		}
		before, _ := sl.best()

		res.Rounds++
		res.Queried += len(batch)
		for _, r := range n.queryRound(ctx, batch, target, findValue) {
			switch {
			case errors.Is(r.err, ErrTimeout):
				sl.mark(r.peer, stateFailed)
				res.Failed++
				n.forget(r.peer)
			case r.err != nil:
				// Cancelled after another peer returned the value.
			case r.env.Kind() == envelope.KindValue:
				sl.mark(r.peer, stateAnswered)
				if !res.Found {
					res.Found = true
					res.Value = r.env.Payload().Value()
					res.Holder = r.peer
				}
			default:
				sl.mark(r.peer, stateAnswered)
				sl.add(r.env.Payload().Nodes()...)
			}
		}

		if res.Found || sl.settled(n.cfg.K) {
			break
		}
		after, ok := sl.best()
		if !ok {
			// Every candidate so far failed; widen to the rest of local knowledge.
			if sl.add(n.closestKnown(target, n.cfg.K)...) == 0 {
				break
			}
			continue
		}
		if after.Less(before) {
			stalled = false
			continue
		}
		if stalled {
			break
		}
		stalled = true
	}

	res.Closest = sl.answered(n.cfg.K)
	n.log.Debug("lookup finished",
		zap.String("target", target.Short()),
		zap.Bool("find_value", findValue),
		zap.Bool("found", res.Found),
		zap.Int("rounds", res.Rounds),
		zap.Int("queried", res.Queried),
		zap.Int("failed", res.Failed),
		zap.Int("closest", len(res.Closest)))
	return res, nil
}

func (n *Node[V]) closestKnown(target keyspace.ID, count int) []keyspace.ID {
	var ids []keyspace.ID
	phony.Block(n, func() { ids = n.table.FindClosest(target, count) })
	return ids
}

// queryRound sends one FIND_NODE or FIND_VALUE to each peer in batch, at most
// Alpha at a time. A value reply cancels the rest of the round.
func (n *Node[V]) queryRound(ctx context.Context, batch []keyspace.ID, target keyspace.ID, findValue bool) []roundReply[V] {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	payload := envelope.FindNode[V](target)
	if findValue {
		payload = envelope.FindValue[V](target)
	}

	replies := make([]roundReply[V], len(batch))
	var g errgroup.Group
	g.SetLimit(n.cfg.Alpha)
	for i, peer := range batch {
		g.Go(func() error {
			env, err := n.request(ctx, peer, payload)
			replies[i] = roundReply[V]{peer: peer, env: env, err: err}
			if err == nil && env.Kind() == envelope.KindValue {
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()
	return replies
}

// FindNode runs an iterative FIND_NODE lookup for target.
func (n *Node[V]) FindNode(ctx context.Context, target keyspace.ID) (LookupResult[V], error) {
	return n.lookup(ctx, target, false)
}

// FindValue runs an iterative FIND_VALUE lookup for key. The local store is
// not consulted; use Get for that.
func (n *Node[V]) FindValue(ctx context.Context, key keyspace.ID) (LookupResult[V], error) {
	return n.lookup(ctx, key, true)
}

// Bootstrap joins the network through peer: a FIND_NODE lookup for the
// node's own ID seeded with peer alone.
func (n *Node[V]) Bootstrap(ctx context.Context, peer keyspace.ID) error {
	res, err := n.lookup(ctx, n.id, false, peer)
	if err != nil {
		return err
	}
	if len(res.Closest) == 0 {
		return fmt.Errorf("bootstrap via %s: %w", peer.Short(), ErrUnreachable)
	}
	n.log.Debug("bootstrapped",
		zap.String("via", peer.Short()),
		zap.Int("learned", len(res.Closest)))
	return nil
}

// Put places value on the K closest live nodes to key, this node included
// when it ranks among them. It returns the replicas that acknowledged.
func (n *Node[V]) Put(ctx context.Context, key keyspace.ID, value V) ([]keyspace.ID, error) {
	res, err := n.FindNode(ctx, key)
	if err != nil {
		return nil, err
	}

	targets := append(slices.Clone(res.Closest), n.id)
	routing.SortByDistance(targets, key)
	if len(targets) > n.cfg.K {
		targets = targets[:n.cfg.K]
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		stored []keyspace.ID
	)
	sem := semaphore.NewWeighted(int64(n.cfg.Alpha))
	for _, peer := range targets {
		if peer == n.id {
			var err error
			phony.Block(n, func() { err = n.store.Put(key, value) })
			if err != nil {
				n.log.Warn("local store failed", zap.String("key", key.Short()), zap.Error(err))
				continue
			}
			mu.Lock()
			stored = append(stored, peer)
			mu.Unlock()
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			resp, err := n.request(ctx, peer, envelope.Store(key, value))
			if err != nil {
				n.log.Debug("store failed", zap.String("peer", peer.Short()), zap.Error(err))
				if errors.Is(err, ErrTimeout) {
					n.forget(peer)
				}
				return
			}
			if resp.Kind() != envelope.KindStoreAck {
				return
			}
			mu.Lock()
			stored = append(stored, peer)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(stored) == 0 {
		return nil, fmt.Errorf("put %s: %w", key.Short(), ErrNotStored)
	}
	routing.SortByDistance(stored, key)
	n.log.Debug("stored",
		zap.String("key", key.Short()),
		zap.Int("replicas", len(stored)))
	return stored, nil
}

// Get returns the value under key, checking the local store before running a
// FIND_VALUE lookup. Absent values are reported with ok == false and a nil error.
func (n *Node[V]) Get(ctx context.Context, key keyspace.ID) (value V, ok bool, err error) {
	if v, held := n.Local(key); held {
		return v, true, nil
	}
	res, err := n.FindValue(ctx, key)
	if err != nil {
		return value, false, err
	}
	return res.Value, res.Found, nil
}
