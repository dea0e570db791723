package net

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	cm "github.com/hgnetwork/pulse/src/common"
)

// InmemTransport Implements the Transport interface, to allow pulse to be
// tested in-memory without going over a network.
type InmemTransport struct {
	sync.RWMutex
	consumerCh chan RPC
	localAddr  string
	peers      map[string]*InmemTransport
	timeout    time.Duration
}

// NewInmemTransport is used to initialize a new transport. addr plays the part
// of the peer URL.
func NewInmemTransport(addr string) *InmemTransport {
	return &InmemTransport{
		consumerCh: make(chan RPC, 16),
		localAddr:  addr,
		peers:      make(map[string]*InmemTransport),
		timeout:    time.Second,
	}
}

// SetTimeout changes the time an RPC waits for an answer.
func (i *InmemTransport) SetTimeout(timeout time.Duration) {
	i.Lock()
	defer i.Unlock()
	i.timeout = timeout
}

// Consumer implements the Transport interface.
func (i *InmemTransport) Consumer() <-chan RPC {
	return i.consumerCh
}

// LocalAddr implements the Transport interface.
func (i *InmemTransport) LocalAddr() string {
	return i.localAddr
}

// AdvertiseAddr implements the Transport interface.
func (i *InmemTransport) AdvertiseAddr() string {
	return i.localAddr
}

// Ping implements the Transport interface.
func (i *InmemTransport) Ping(target string, args *PingRequest, resp *PingResponse) error {
	rpcResp, err := i.makeRPC(target, args)
	if err != nil {
		return err
	}
	*resp = *rpcResp.Response.(*PingResponse)
	return nil
}

// Validate implements the Transport interface.
func (i *InmemTransport) Validate(target string, args *ValidateRequest, resp *ValidateResponse) error {
	rpcResp, err := i.makeRPC(target, args)
	if err != nil {
		return err
	}
	*resp = *rpcResp.Response.(*ValidateResponse)
	return nil
}

// Gossip implements the Transport interface.
func (i *InmemTransport) Gossip(target string, args *GossipRequest, resp *GossipResponse) error {
	payload := make([]byte, len(args.Payload))
	copy(payload, args.Payload)

	rpcResp, err := i.makeRPC(target, &GossipRequest{Payload: payload})
	if err != nil {
		return err
	}
	*resp = *rpcResp.Response.(*GossipResponse)
	return nil
}

// Submit implements the Transport interface.
func (i *InmemTransport) Submit(target string, args *SubmitRequest, resp *SubmitResponse) error {
	rpcResp, err := i.makeRPC(target, args)
	if err != nil {
		return err
	}
	*resp = *rpcResp.Response.(*SubmitResponse)
	return nil
}

// Propagate implements the Transport interface.
func (i *InmemTransport) Propagate(target string, args *PropagateRequest, resp *PropagateResponse) error {
	rpcResp, err := i.makeRPC(target, args)
	if err != nil {
		return err
	}
	*resp = *rpcResp.Response.(*PropagateResponse)
	return nil
}

// DiscoverPeers implements the Transport interface.
func (i *InmemTransport) DiscoverPeers(target string, args *DiscoverPeersRequest, resp *DiscoverPeersResponse) error {
	rpcResp, err := i.makeRPC(target, args)
	if err != nil {
		return err
	}
	*resp = *rpcResp.Response.(*DiscoverPeersResponse)
	return nil
}

func (i *InmemTransport) makeRPC(target string, args interface{}) (rpcResp RPCResponse, err error) {
	i.RLock()
	peer, ok := i.peers[target]
	timeout := i.timeout
	i.RUnlock()

	if !ok {
		err = cm.NewErr("Peer", cm.Network, target, "failed to connect")
		return
	}

	// Peers must not share the sender's objects
	cmd, err := cloneCommand(args)
	if err != nil {
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Send the RPC over
	respCh := make(chan RPCResponse, 1)
	select {
	case peer.consumerCh <- RPC{Command: cmd, RespChan: respCh}:
	case <-timer.C:
		err = cm.NewErr("Peer", cm.Network, target, "command timed out")
		return
	}

	// Wait for a response
	select {
	case rpcResp = <-respCh:
		if rpcResp.Error != nil {
			err = rpcResp.Error
		}
	case <-timer.C:
		err = cm.NewErr("Peer", cm.Network, target, "command timed out")
	}
	return
}

func cloneCommand(args interface{}) (interface{}, error) {
	if _, ok := args.(*GossipRequest); ok {
		return args, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}
	cmd := reflect.New(reflect.TypeOf(args).Elem()).Interface()
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, fmt.Errorf("decoding command: %w", err)
	}
	return cmd, nil
}

// Connect is used to connect this transport to another transport for
// a given peer name. This allows for local routing.
func (i *InmemTransport) Connect(peer string, t Transport) {
	trans := t.(*InmemTransport)
	i.Lock()
	defer i.Unlock()
	i.peers[peer] = trans
}

// Disconnect is used to remove the ability to route to a given peer.
func (i *InmemTransport) Disconnect(peer string) {
	i.Lock()
	defer i.Unlock()
	delete(i.peers, peer)
}

// DisconnectAll is used to remove all routes to peers.
func (i *InmemTransport) DisconnectAll() {
	i.Lock()
	defer i.Unlock()
	i.peers = make(map[string]*InmemTransport)
}

// Close is used to permanently disable the transport
func (i *InmemTransport) Close() error {
	i.DisconnectAll()
	return nil
}

// Listen is an empty function as there is no need to defer
// initialisation of the InMem service
func (i *InmemTransport) Listen() {
}

// ConnectAll connects every transport to every other one.
func ConnectAll(transports []*InmemTransport) {
	for _, a := range transports {
		for _, b := range transports {
			if a != b {
				a.Connect(b.LocalAddr(), b)
			}
		}
	}
}
