// Package envelope defines the addressed, tokenized message unit exchanged
// between simulated nodes.
package envelope

import (
	"fmt"

	"github.com/dreamware/kadsim/internal/keyspace"
)

// Kind enumerates the closed set of payload variants.
type Kind uint8

const (
	// KindPing asks the destination to acknowledge liveness.
	KindPing Kind = iota + 1
	// KindStore asks the destination to keep key=value locally.
	KindStore
	// KindFindNode asks for the destination's k closest known IDs to a target.
	KindFindNode
	// KindFindValue asks for the value under a key, or closest IDs if absent.
	KindFindValue

	// KindPong acknowledges a Ping.
	KindPong
	// KindStoreAck acknowledges a Store.
	KindStoreAck
	// KindNodes carries a candidate list in reply to FindNode or FindValue.
	KindNodes
	// KindValue carries a stored value in reply to FindValue.
	KindValue
)

var kindNames = map[Kind]string{
	KindPing:      "PING",
	KindStore:     "STORE",
	KindFindNode:  "FIND_NODE",
	KindFindValue: "FIND_VALUE",
	KindPong:      "PONG",
	KindStoreAck:  "STORE_OK",
	KindNodes:     "NODES",
	KindValue:     "VALUE",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// IsRequest reports whether k is one of the four request variants.
func (k Kind) IsRequest() bool {
	return k >= KindPing && k <= KindFindValue
}

// IsReply reports whether k answers a request.
func (k Kind) IsReply() bool {
	return k >= KindPong && k <= KindValue
}

// Payload is the body of an Envelope. Only the fields relevant to Kind are set.
// Build payloads with the constructors below rather than by hand.
type Payload[V comparable] struct {
	kind  Kind
	key   keyspace.ID // Store, FindNode (target), FindValue
	value V           // Store, Value
	nodes []keyspace.ID
}

// Ping builds a liveness check.
func Ping[V comparable]() Payload[V] {
	return Payload[V]{kind: KindPing}
}

// Store builds a request to keep value under key.
func Store[V comparable](key keyspace.ID, value V) Payload[V] {
	return Payload[V]{kind: KindStore, key: key, value: value}
}

// FindNode builds a request for the closest IDs to target.
func FindNode[V comparable](target keyspace.ID) Payload[V] {
	return Payload[V]{kind: KindFindNode, key: target}
}

// FindValue builds a request for the value stored under key.
func FindValue[V comparable](key keyspace.ID) Payload[V] {
	return Payload[V]{kind: KindFindValue, key: key}
}

// Pong builds the reply to Ping.
func Pong[V comparable]() Payload[V] {
	return Payload[V]{kind: KindPong}
}

// StoreAck builds the reply to Store.
func StoreAck[V comparable](key keyspace.ID) Payload[V] {
	return Payload[V]{kind: KindStoreAck, key: key}
}

// Nodes builds a candidate-list reply. The slice is copied.
func Nodes[V comparable](ids []keyspace.ID) Payload[V] {
	return Payload[V]{kind: KindNodes, nodes: append([]keyspace.ID(nil), ids...)}
}

// Value builds a value reply for key.
func Value[V comparable](key keyspace.ID, value V) Payload[V] {
	return Payload[V]{kind: KindValue, key: key, value: value}
}

// Kind returns the payload variant.
func (p Payload[V]) Kind() Kind { return p.kind }

// Key returns the key of a Store, FindValue, StoreAck or Value payload.
func (p Payload[V]) Key() keyspace.ID { return p.key }

// Target returns the lookup target of a FindNode payload.
func (p Payload[V]) Target() keyspace.ID { return p.key }

// Value returns the value carried by Store and Value payloads.
func (p Payload[V]) Value() V { return p.value }

// Nodes returns a copy of the candidate list of a Nodes payload.
func (p Payload[V]) Nodes() []keyspace.ID {
	return append([]keyspace.ID(nil), p.nodes...)
}

// Envelope is an immutable {source, destination, token, payload} tuple.
type Envelope[V comparable] struct {
	source      keyspace.ID
	destination keyspace.ID
	token       keyspace.Cookie
	payload     Payload[V]
}

// New builds an envelope.
func New[V comparable](src, dst keyspace.ID, token keyspace.Cookie, payload Payload[V]) Envelope[V] {
	return Envelope[V]{source: src, destination: dst, token: token, payload: payload}
}

// Source returns the sender's ID.
func (e Envelope[V]) Source() keyspace.ID { return e.source }

// Destination returns the receiver's ID.
func (e Envelope[V]) Destination() keyspace.ID { return e.destination }

// Token returns the correlation cookie.
func (e Envelope[V]) Token() keyspace.Cookie { return e.token }

// Payload returns the message body.
func (e Envelope[V]) Payload() Payload[V] { return e.payload }

// Kind is shorthand for Payload().Kind().
func (e Envelope[V]) Kind() Kind { return e.payload.kind }

// Reply builds the answer to e: source and destination swapped, same token.
func (e Envelope[V]) Reply(payload Payload[V]) Envelope[V] {
	return Envelope[V]{source: e.destination, destination: e.source, token: e.token, payload: payload}
}

func (e Envelope[V]) String() string {
	return fmt.Sprintf("%s %s->%s [%s]", e.payload.kind, e.source.Short(), e.destination.Short(), e.token)
}
