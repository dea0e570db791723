package net

import "github.com/hgnetwork/pulse/src/ledger"

// Status values carried by responses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// PingRequest asks a peer whether it is alive. From is the advertise address
// of the caller and may be empty.
type PingRequest struct {
	From string `json:"from,omitempty"`
}

// PingResponse ...
type PingResponse struct {
	Status string `json:"status"`
}

// ValidateRequest asks a sampled peer to vote on a transaction.
type ValidateRequest struct {
	Transaction *ledger.Transaction `json:"transaction"`
}

// ValidateResponse carries the vote. Any error on the peer side is a negative
// vote.
type ValidateResponse struct {
	Valid bool `json:"valid"`
}

// GossipRequest carries an encrypted, serialized transaction. The payload is
// opaque to the transport.
type GossipRequest struct {
	Payload []byte `json:"-"`
}

// GossipResponse ...
type GossipResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// SubmitRequest hands a client transaction to a node, which admits it locally
// and broadcasts it.
type SubmitRequest struct {
	Transaction *ledger.Transaction `json:"transaction"`
}

// SubmitResponse ...
type SubmitResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
}

// PropagateRequest re-sends a known transaction in clear.
type PropagateRequest struct {
	Transaction *ledger.Transaction `json:"transaction"`
}

// PropagateResponse ...
type PropagateResponse struct {
	Status string `json:"status"`
}

// DiscoverPeersRequest registers PeerURL with the receiver, and offers it the
// Peers the caller knows about. Both fields are optional.
type DiscoverPeersRequest struct {
	PeerURL string   `json:"peer_url,omitempty"`
	Peers   []string `json:"peers,omitempty"`
}

// DiscoverPeersResponse lists the active peers of the receiver.
type DiscoverPeersResponse struct {
	Status string   `json:"status"`
	Peers  []string `json:"peers"`
}
