// Package node implements the reactive component of a pulse node.
//
// A Node ties together the shard manager, the peer network and the consensus
// mechanism, and answers the RPCs delivered by the transport.
//
// Requests
//
// Every inbound RPC is processed in its own goroutine, up to WGLIMIT at a
// time. Processing a gossip payload may trigger a peer vote, which sends RPCs
// to other nodes that may in turn be polling this one, so requests must not
// wait on each other.
//
// Background work
//
// Once running, a node has three loops: peer discovery and transaction gossip
// (owned by the consensus mechanism), and the heartbeat (owned by the peer
// network). Shutdown stops them and waits for in-flight requests before
// closing the transport and the stores.
//
// Membership
//
// The node listens to changes of the active peer set and mirrors them into
// shard membership. When a peer is dropped, the transactions it was assigned
// are handed to the remaining members of its shard.
//
// Confirmations
//
// Confirmed transactions are published on a Feed, which keeps confirmation
// latency statistics and fans transactions out to subscribers such as the
// websocket endpoint of the service package.
package node
