package node

import (
	"fmt"

	cm "github.com/hgnetwork/pulse/src/common"
	"github.com/hgnetwork/pulse/src/net"
	"github.com/sirupsen/logrus"
)

var errBusy = cm.NewErr("Node", cm.Busy, "", "too many concurrent requests")

func (n *Node) processRPC(rpc net.RPC) {
	switch cmd := rpc.Command.(type) {
	case *net.PingRequest:
		n.processPingRequest(rpc, cmd)
	case *net.ValidateRequest:
		n.processValidateRequest(rpc, cmd)
	case *net.GossipRequest:
		n.processGossipRequest(rpc, cmd)
	case *net.SubmitRequest:
		n.processSubmitRequest(rpc, cmd)
	case *net.PropagateRequest:
		n.processPropagateRequest(rpc, cmd)
	case *net.DiscoverPeersRequest:
		n.processDiscoverPeersRequest(rpc, cmd)
	default:
		n.logger.WithField("cmd", rpc.Command).Error("Unexpected RPC command")
		rpc.Respond(nil, fmt.Errorf("unexpected command"))
	}
}

func (n *Node) processPingRequest(rpc net.RPC, cmd *net.PingRequest) {
	if cmd.From != "" {
		n.network.Touch(cmd.From)
	}
	rpc.Respond(&net.PingResponse{Status: net.StatusSuccess}, nil)
}

func (n *Node) processValidateRequest(rpc net.RPC, cmd *net.ValidateRequest) {
	rpc.Respond(n.mechanism.HandleValidate(cmd.Transaction), nil)
}

func (n *Node) processGossipRequest(rpc net.RPC, cmd *net.GossipRequest) {
	id, err := n.mechanism.ProcessIncomingTransaction(cmd.Payload)
	if err != nil {
		n.logger.WithFields(logrus.Fields{
			"id":    id,
			"error": err,
		}).Debug("Rejected gossiped transaction")
	}
	rpc.Respond(&net.GossipResponse{Status: net.StatusSuccess, TransactionID: id}, err)
}

func (n *Node) processSubmitRequest(rpc net.RPC, cmd *net.SubmitRequest) {
	if cmd.Transaction == nil {
		rpc.Respond(nil, cm.NewErr("Transaction", cm.Validation, "", "missing transaction"))
		return
	}

	err := n.Submit(cmd.Transaction)
	if err != nil {
		n.logger.WithFields(logrus.Fields{
			"id":    cmd.Transaction.ID,
			"error": err,
		}).Debug("Rejected submitted transaction")
	} else {
		n.logger.WithField("id", cmd.Transaction.ID).Info("Transaction submitted")
	}

	rpc.Respond(&net.SubmitResponse{
		Status:        net.StatusSuccess,
		TransactionID: cmd.Transaction.ID,
	}, err)
}

func (n *Node) processPropagateRequest(rpc net.RPC, cmd *net.PropagateRequest) {
	err := n.mechanism.HandlePropagate(cmd.Transaction)
	rpc.Respond(&net.PropagateResponse{Status: net.StatusSuccess}, err)
}

func (n *Node) processDiscoverPeersRequest(rpc net.RPC, cmd *net.DiscoverPeersRequest) {
	rpc.Respond(n.network.HandleDiscoverPeers(cmd), nil)
}
