// Package node implements one simulated Kademlia peer: its message loop, the
// request/response correlation engine, and the iterative parallel lookup that
// both bootstrap and client operations are built on.
//
// # Architecture
//
// A Node is an actor (github.com/Arceliar/phony). Its store, routing table,
// pending table and waiter table are only touched from inside actor closures,
// so there is exactly one writer at a time without a lock around each field.
//
//	          bus.Mailbox
//	               │  loop(): Next → drop foreign destinations
//	               ▼
//	┌──────────────────────────────┐
//	│          Node actor          │
//	│  _receive → pending[token]   │
//	│  _drain   → _handle          │
//	│     requests → _reply        │──► bus.Publish(reply)
//	│     replies  → _match        │──► waiter channel
//	│  _sweepPending (timer)       │
//	└──────────────────────────────┘
//	               ▲
//	               │ phony.Block / Act
//	   request(), lookup(), Put, Get, Stats
//
// # Message Handling
//
//	PING        → PONG
//	STORE       → store[key] = value, STORE_OK
//	FIND_NODE   → NODES (K closest known IDs to the target)
//	FIND_VALUE  → VALUE if held, otherwise NODES
//
// Answering a request records the requester in the routing table. Receiving a
// reply records the responder and every ID a NODES reply carries.
//
// # Pending Table
//
// Every envelope taken from the mailbox is queued under its cookie and a drain
// pass runs over the whole table. Requests are answered at once. A reply is
// handed to the request waiting on its cookie; a reply nobody is waiting for is
// kept until its deadline (receipt time plus RPC timeout) and then evicted. A
// timer re-runs the drain every half RPC timeout so eviction does not depend
// on new traffic arriving.
//
// Envelopes whose source is the node itself are discarded before they reach
// the table; under broadcast delivery they would otherwise be echoes of the
// node's own traffic.
//
// # Requests
//
// request() registers a waiter under a fresh cookie before publishing, then
// waits for the reply, the RPC timeout, or the caller's context. After a
// timeout it runs one salvage pass on the actor, taking a reply that was
// delivered to the waiter or queued in the pending table while the timer
// fired. Only then is ErrTimeout reported. Requests addressed to a node that
// has been killed always resolve this way; nothing notifies the sender.
//
// # Lookup
//
// lookup() keeps a shortlist sorted by XOR distance to the target, seeded with
// the Alpha closest known IDs (plus explicit seeds for bootstrap). Each round
// queries the Alpha closest unqueried candidates concurrently
// (golang.org/x/sync/errgroup). NODES replies are merged into the shortlist.
// A VALUE reply ends a FIND_VALUE lookup at once and cancels the rest of the
// round. If a round does not improve the closest known distance, one more
// round asks every unqueried member of the K closest; the lookup stops when
// that round also fails to improve, when the K closest have all answered, or
// after MaxRounds rounds. A context deadline of MaxRounds × RPCTimeout bounds
// the whole lookup. Peers that time out are excluded from the shortlist and
// forgotten by the routing table. When every candidate has failed, the
// shortlist is refilled from the K closest IDs still known.
//
// # Storage Operations
//
// Put runs FIND_NODE for the key and sends STORE to each of the K closest
// nodes that answered, the local node included when it ranks among them;
// fan-out is limited to Alpha with golang.org/x/sync/semaphore. Get consults
// the local store, then runs FIND_VALUE.
//
// # Errors
//
//   - ErrTimeout: no reply within the RPC timeout (non-fatal to lookups)
//   - ErrStopped: the node itself has been stopped
//   - ErrUnreachable: a bootstrap lookup reached nobody
//   - ErrNotStored: Put could not place the value anywhere
//
// Values that are simply absent are reported as ok == false, never as errors.
package node
