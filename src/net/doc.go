// Package net implements the transports pulse nodes use to talk to each
// other.
//
// Every implementation satisfies the Transport interface. Outbound calls are
// plain methods (Ping, Validate, Gossip, Submit, Propagate, DiscoverPeers)
// bounded by a timeout. Inbound requests are wrapped in an RPC and delivered
// on the Consumer channel, where the node answers them with RPC.Respond.
//
// There are two implementations:
//
// - Inmem: in-memory transport used for testing
//
// - HTTP: JSON over HTTP, routed with gorilla/mux
//
// HTTP
//
// The HTTP transport serves the following endpoints on BindAddr:
//
//	POST /submit-transaction     SubmitRequest      -> SubmitResponse
//	POST /transactions           encrypted payload  -> GossipResponse
//	POST /propagate-transaction  PropagateRequest   -> PropagateResponse
//	POST /validate               ValidateRequest    -> ValidateResponse
//	GET  /ping                                      -> PingResponse
//	POST /discover-peers         DiscoverPeersRequest -> DiscoverPeersResponse
//
// Errors returned by the consumer are sent back with a non-2xx status and a
// JSON body carrying the error kind, so common.Is works on both sides of the
// wire.
//
// AdvertiseAddr is the URL other peers use to reach the node. It defaults to
// http://BindAddr.
package net
