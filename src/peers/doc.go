// Package peers keeps track of the other nodes a pulse node talks to.
//
// Peers are identified by their URL (http://host:port). A Network holds three
// collections:
//
// - active: peers currently used for gossip, voting and broadcast
//
// - known: every peer ever seen. Removing a peer from the active set keeps it
// here, so it can be offered to others during discovery.
//
// - bootstrap: the peers given at start-up, usually read from the peers.json
// file in the data directory. They are used to rejoin the network after a
// partition.
//
// Membership is maintained by three routines. Heartbeat pings every active
// peer and drops those that fail MaxPingFailures consecutive pings.
// DiscoverPeers asks every active peer for its own active set and merges it.
// CheckPartition detects a prolonged absence of successful contact and
// reseeds the active set from the first bootstrap peer that answers.
//
// Listeners are told whenever a peer enters or leaves the active set. The node
// uses this to keep shard membership in sync.
package peers
