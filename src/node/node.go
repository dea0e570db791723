package node

import (
	"time"

	"github.com/hgnetwork/pulse/src/consensus"
	"github.com/hgnetwork/pulse/src/ledger"
	"github.com/hgnetwork/pulse/src/net"
	"github.com/hgnetwork/pulse/src/peers"
	"github.com/hgnetwork/pulse/src/shard"
	"github.com/sirupsen/logrus"
)

// Stats ...
type Stats struct {
	State       string         `json:"state"`
	Self        string         `json:"self"`
	Shards      []ledger.Stats `json:"shards"`
	Pending     int            `json:"pending"`
	Confirmed   int            `json:"confirmed"`
	ActivePeers int            `json:"active_peers"`
	KnownPeers  int            `json:"known_peers"`
	Deferred    int            `json:"deferred"`
	Uptime      string         `json:"uptime"`
	Latency     LatencyStats   `json:"confirmation_latency"`
}

// Node defines a pulse node
type Node struct {
	state

	self   string
	logger *logrus.Entry

	manager   *shard.Manager
	network   *peers.Network
	mechanism *consensus.Mechanism
	feed      *Feed

	trans net.Transport
	netCh <-chan net.RPC

	shutdownCh chan struct{}

	start time.Time
}

// NewNode is a factory method that returns a Node instance. The feed should be
// the one receiving the confirmations of manager.
func NewNode(
	manager *shard.Manager,
	network *peers.Network,
	mechanism *consensus.Mechanism,
	trans net.Transport,
	feed *Feed,
	logger *logrus.Entry,
) *Node {

	if feed == nil {
		feed = NewFeed()
	}

	node := Node{
		self:       network.Self(),
		logger:     logger.WithField("self", network.Self()),
		manager:    manager,
		network:    network,
		mechanism:  mechanism,
		feed:       feed,
		trans:      trans,
		netCh:      trans.Consumer(),
		shutdownCh: make(chan struct{}),
	}

	return &node
}

// Init reloads the ledgers from their stores and registers the node and its
// peers as shard members.
func (n *Node) Init() error {
	if err := n.manager.Bootstrap(); err != nil {
		return err
	}

	n.manager.AddMember(n.self)
	for _, p := range n.network.Snapshot() {
		n.manager.AddMember(p)
	}
	n.network.AddListener(n)

	n.logger.WithFields(logrus.Fields{
		"shards": n.manager.NumShards(),
		"peers":  len(n.network.Snapshot()),
	}).Debug("Node initialised")

	return nil
}

// RunAsync calls Run in a separate goroutine.
func (n *Node) RunAsync(gossip bool) {
	n.logger.WithField("gossip", gossip).Debug("runasync")
	go n.Run(gossip)
}

// Run serves RPCs until Shutdown is called. When gossip is true, the
// background loops are started as well.
func (n *Node) Run(gossip bool) {
	if n.getState() == Shutdown {
		return
	}

	n.start = time.Now()
	n.setState(Running)

	go n.trans.Listen()

	if gossip {
		n.network.Start()
		n.mechanism.Start()
	}

	n.doBackgroundWork()
}

func (n *Node) doBackgroundWork() {
	for {
		select {
		case rpc := <-n.netCh:
			ok := n.goFunc(func() {
				n.processRPC(rpc)
			})
			if !ok {
				n.logger.Warn("Too many concurrent requests, rejecting RPC")
				rpc.Respond(nil, errBusy)
			}
		case <-n.shutdownCh:
			return
		}
	}
}

// Submit admits a client transaction and broadcasts it.
func (n *Node) Submit(tx *ledger.Transaction) error {
	return n.mechanism.SubmitTransaction(tx)
}

// PeerAdded implements peers.Listener.
func (n *Node) PeerAdded(peer string) {
	n.manager.AddMember(peer)
}

// PeerRemoved implements peers.Listener. The transactions assigned to the peer
// are redistributed.
func (n *Node) PeerRemoved(peer string) {
	n.manager.RemoveMember(peer)
}

// Shutdown shuts down the node
func (n *Node) Shutdown() {
	if n.getState() != Shutdown {
		n.logger.Debug("Shutdown")

		n.logStats()

		//Exit any non-shutdown state immediately
		n.setState(Shutdown)

		n.mechanism.Stop()
		n.network.Stop()

		//Stop and wait for concurrent operations
		close(n.shutdownCh)

		n.waitRoutines()

		//transport and stores should only be closed once all concurrent
		//operations are finished
		n.trans.Close()

		if err := n.manager.Close(); err != nil {
			n.logger.WithError(err).Error("Closing stores")
		}

		n.feed.Close()
	}
}

// GetStats returns stats
func (n *Node) GetStats() Stats {
	ms := n.manager.Stats()

	var uptime time.Duration
	if !n.start.IsZero() {
		uptime = time.Since(n.start).Round(time.Second)
	}

	return Stats{
		State:       n.getState().String(),
		Self:        n.self,
		Shards:      ms.Shards,
		Pending:     ms.Pending,
		Confirmed:   ms.Confirmed,
		ActivePeers: len(n.network.Snapshot()),
		KnownPeers:  len(n.network.KnownPeers()),
		Deferred:    len(n.mechanism.Deferred()),
		Uptime:      uptime.String(),
		Latency:     n.feed.Latency(),
	}
}

func (n *Node) logStats() {
	stats := n.GetStats()

	n.logger.WithFields(logrus.Fields{
		"state":        stats.State,
		"pending":      stats.Pending,
		"confirmed":    stats.Confirmed,
		"active_peers": stats.ActivePeers,
		"known_peers":  stats.KnownPeers,
		"deferred":     stats.Deferred,
		"latency_mean": stats.Latency.Mean,
	}).Debug("Stats")
}

// Self returns the URL of the node.
func (n *Node) Self() string {
	return n.self
}

// GetState ...
func (n *Node) GetState() State {
	return n.getState()
}

// Manager ...
func (n *Node) Manager() *shard.Manager {
	return n.manager
}

// Network ...
func (n *Node) Network() *peers.Network {
	return n.network
}

// Mechanism ...
func (n *Node) Mechanism() *consensus.Mechanism {
	return n.mechanism
}

// Feed ...
func (n *Node) Feed() *Feed {
	return n.feed
}
