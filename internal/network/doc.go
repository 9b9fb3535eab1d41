// Package network orchestrates a population of simulated Kademlia nodes that
// share one in-process message bus.
//
// # Overview
//
// A Network owns the bus and a registry of live nodes. It is the only place
// nodes are created or destroyed, and the entry point for client operations,
// each of which runs through a node picked at random:
//
//	┌──────────────────────────────────────┐
//	│               Network                │
//	├──────────────────────────────────────┤
//	│  registry: map[ID]*node.Node         │
//	│  bus:      one mailbox per node      │
//	│  health:   HealthMonitor (optional)  │
//	└───────────────┬──────────────────────┘
//	                │ random entry node
//	                ▼
//	   AddNode → Bootstrap   InsertValue → Put
//	   KillNode → Stop       GetValue    → Get
//
// # Membership
//
// AddNode gives a node a random 128-bit ID, starts it and, when the network
// already has members, bootstraps it through a random one. A bootstrap that
// reaches nobody is retried against other random members with exponential
// backoff (github.com/cenkalti/backoff/v4); a node whose every attempt fails
// stays registered and learns about peers from the traffic that reaches it.
//
// KillNode and Kill stop a node and drop it from the registry without telling
// anyone. Requests still addressed to it resolve by timeout, and the sender
// forgets it.
//
// # Health Monitoring
//
// With Config.HealthInterval set, a HealthMonitor pings every registered node
// from another running node on each tick. After DefaultMaxFailures failed
// checks in a row the node is reaped from the registry. This catches nodes
// that stopped without going through Kill.
//
// # Errors
//
//   - ErrEmptyNetwork: InsertValue, GetValue or KillNode on an empty network
//   - ErrUnknownNode: Kill of an ID that is not registered
//   - ErrClosed: AddNode after Close
//
// Errors from the entry node (node.ErrTimeout, node.ErrNotStored, context
// errors) are wrapped with the key and entry node.
package network
