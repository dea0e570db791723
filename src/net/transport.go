package net

import "time"

// DefaultTimeout bounds every outbound RPC.
const DefaultTimeout = 5 * time.Second

// Transport provides an interface for network transports to allow a node to
// communicate with other nodes. Targets are peer URLs such as
// http://10.0.0.2:1337.
type Transport interface {

	// Starts the transport listening
	Listen()

	// Consumer returns a channel that can be used to
	// consume and respond to RPC requests.
	Consumer() <-chan RPC

	// LocalAddr is used to return our local address
	LocalAddr() string

	// AdvertiseAddr is used to return the URL where other peers can reach us
	AdvertiseAddr() string

	Ping(target string, args *PingRequest, resp *PingResponse) error

	Validate(target string, args *ValidateRequest, resp *ValidateResponse) error

	// Gossip delivers an encrypted transaction
	Gossip(target string, args *GossipRequest, resp *GossipResponse) error

	Submit(target string, args *SubmitRequest, resp *SubmitResponse) error

	Propagate(target string, args *PropagateRequest, resp *PropagateResponse) error

	DiscoverPeers(target string, args *DiscoverPeersRequest, resp *DiscoverPeersResponse) error

	// Close permanently closes a transport, stopping
	// any associated goroutines and freeing other resources.
	Close() error
}
