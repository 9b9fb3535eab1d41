package node

import (
	"context"
	"fmt"
	"time"

	"github.com/Arceliar/phony"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/kadsim/internal/envelope"
	"github.com/dreamware/kadsim/internal/keyspace"
)

// request sends payload to dst under a fresh cookie and waits for the reply.
//
// The reply is normally handed over by the message loop. If the wait times out
// the caller makes one salvage pass over the pending table, so a reply that
// raced the timer is not lost.
func (n *Node[V]) request(ctx context.Context, dst keyspace.ID, payload envelope.Payload[V]) (envelope.Envelope[V], error) {
	var (
		zero envelope.Envelope[V]
		out  envelope.Envelope[V]
		err  error
	)
	w := waiter[V]{peer: dst, ch: make(chan envelope.Envelope[V], 1)}

	phony.Block(n, func() {
		if n.stopped {
			err = ErrStopped
			return
		}
		token := keyspace.NewCookie()
		for _, taken := n.waiters[token]; taken; _, taken = n.waiters[token] {
			token = keyspace.NewCookie()
		}
		n.waiters[token] = w
		out = envelope.New(n.id, dst, token, payload)
	})
	if err != nil {
		return zero, err
	}

	n.bus.Publish(out)

	timer := time.NewTimer(n.cfg.RPCTimeout)
	defer timer.Stop()

	select {
	case resp := <-w.ch:
		return resp, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	var (
		resp envelope.Envelope[V]
		ok   bool
	)
	phony.Block(n, func() { resp, ok = n._salvage(out.Token(), w) })
	if ok {
		return resp, nil
	}
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	n.log.Debug("request timed out", zap.Stringer("envelope", out))
	return zero, fmt.Errorf("%s to %s: %w", payload.Kind(), dst.Short(), ErrTimeout)
}

// _salvage retires the waiter for token and returns a reply if one already
// arrived, either handed to the waiter or still queued in pending.
func (n *Node[V]) _salvage(token keyspace.Cookie, w waiter[V]) (envelope.Envelope[V], bool) {
	delete(n.waiters, token)

	select {
	case env := <-w.ch:
		return env, true
	default:
	}

	queue := n.pending[token]
	i := slices.IndexFunc(queue, func(e pendingEntry[V]) bool {
		return e.env.Kind().IsReply() && e.env.Source() == w.peer
	})
	if i < 0 {
		n.stats.Timeouts++
		var zero envelope.Envelope[V]
		return zero, false
	}

	env := queue[i].env
	if queue = slices.Delete(queue, i, i+1); len(queue) == 0 {
		delete(n.pending, token)
	} else {
		n.pending[token] = queue
	}
	n._learn(env)
	n.stats.Salvaged++
	return env, true
}

// Ping checks that dst answers within the RPC timeout.
func (n *Node[V]) Ping(ctx context.Context, dst keyspace.ID) error {
	resp, err := n.request(ctx, dst, envelope.Ping[V]())
	if err != nil {
		return err
	}
	if resp.Kind() != envelope.KindPong {
		return fmt.Errorf("ping %s: unexpected reply %s", dst.Short(), resp.Kind())
	}
	return nil
}

// forget drops an unresponsive peer from routing knowledge.
func (n *Node[V]) forget(id keyspace.ID) {
	n.Act(nil, func() {
		if n.table.Forget(id) {
			n.log.Debug("forgot unresponsive peer", zap.String("peer", id.Short()))
		}
	})
}
