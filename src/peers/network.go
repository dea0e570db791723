package peers

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	cm "github.com/hgnetwork/pulse/src/common"
	"github.com/hgnetwork/pulse/src/net"
	"github.com/sirupsen/logrus"
)

// Default membership parameters.
const (
	DefaultMaxPingFailures   = 2
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPartitionTimeout  = 60 * time.Second
)

// Listener is notified when a peer enters or leaves the active set. Calls are
// made outside the Network lock.
type Listener interface {
	PeerAdded(peer string)
	PeerRemoved(peer string)
}

// Config ...
type Config struct {
	// MaxPingFailures is the number of consecutive failed pings after which an
	// active peer is dropped.
	MaxPingFailures int

	HeartbeatInterval time.Duration

	// PartitionTimeout is how long the node may go without a successful
	// contact before it reseeds from the bootstrap peers.
	PartitionTimeout time.Duration
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		MaxPingFailures:   DefaultMaxPingFailures,
		HeartbeatInterval: DefaultHeartbeatInterval,
		PartitionTimeout:  DefaultPartitionTimeout,
	}
}

// Peer describes an active peer.
type Peer struct {
	URL          string    `json:"url"`
	PingFailures int       `json:"ping_failures"`
	LastSeen     time.Time `json:"last_seen"`
}

// Network maintains the active, known and bootstrap peer sets of a node. All
// state is guarded by one mutex. Network I/O is always performed on a snapshot
// taken under the lock, never while holding it.
type Network struct {
	self   string
	trans  net.Transport
	conf   Config
	logger *logrus.Entry

	mu          sync.Mutex
	active      map[string]*Peer
	known       map[string]bool
	bootstrap   []string
	lastContact time.Time
	listeners   []Listener

	heartbeatTask *cm.Task
	partitionTask *cm.Task
}

// NewNetwork creates a Network for the node reachable at self. The bootstrap
// peers form the initial active set.
func NewNetwork(self string, bootstrap []string, trans net.Transport, conf Config, logger *logrus.Entry) *Network {
	if conf.MaxPingFailures <= 0 {
		conf.MaxPingFailures = DefaultMaxPingFailures
	}
	if conf.HeartbeatInterval <= 0 {
		conf.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if conf.PartitionTimeout <= 0 {
		conf.PartitionTimeout = DefaultPartitionTimeout
	}

	n := &Network{
		self:        normalize(self),
		trans:       trans,
		conf:        conf,
		logger:      logger,
		active:      make(map[string]*Peer),
		known:       make(map[string]bool),
		lastContact: time.Now(),
	}

	for _, b := range bootstrap {
		b, err := ValidateURL(b)
		if err != nil {
			logger.WithError(err).Warn("Ignoring bootstrap peer")
			continue
		}
		if b == n.self {
			continue
		}
		n.bootstrap = append(n.bootstrap, b)
		n.active[b] = &Peer{URL: b}
		n.known[b] = true
	}

	return n
}

// ValidateURL checks that s is an absolute http(s) URL with a host and returns
// it without trailing slash.
func ValidateURL(s string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", cm.NewErr("Peer", cm.Validation, s, err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", cm.NewErr("Peer", cm.Validation, s, "scheme must be http or https")
	}
	if u.Host == "" {
		return "", cm.NewErr("Peer", cm.Validation, s, "missing host")
	}
	return normalize(u.String()), nil
}

func normalize(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), "/")
}

// Self returns the URL of the local node.
func (n *Network) Self() string {
	return n.self
}

// AddListener registers l for membership changes.
func (n *Network) AddListener(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

// AddPeer adds peer to the active and known sets. It returns false if the
// peer is the local node or was already active.
func (n *Network) AddPeer(peer string) (bool, error) {
	peer, err := ValidateURL(peer)
	if err != nil {
		return false, err
	}

	n.mu.Lock()
	added := n.addPeer(peer)
	listeners := n.listeners
	n.mu.Unlock()

	if added {
		n.logger.WithField("peer", peer).Debug("Peer added")
		for _, l := range listeners {
			l.PeerAdded(peer)
		}
	}

	return added, nil
}

func (n *Network) addPeer(peer string) bool {
	if peer == n.self {
		return false
	}
	n.known[peer] = true
	if _, ok := n.active[peer]; ok {
		return false
	}
	n.active[peer] = &Peer{URL: peer}
	return true
}

// RemovePeer drops peer from the active set. It stays known.
func (n *Network) RemovePeer(peer string) bool {
	peer = normalize(peer)

	n.mu.Lock()
	_, ok := n.active[peer]
	delete(n.active, peer)
	listeners := n.listeners
	n.mu.Unlock()

	if ok {
		n.logger.WithField("peer", peer).Debug("Peer removed")
		for _, l := range listeners {
			l.PeerRemoved(peer)
		}
	}

	return ok
}

// IsActive ...
func (n *Network) IsActive(peer string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.active[normalize(peer)]
	return ok
}

// Snapshot returns the sorted list of active peers.
func (n *Network) Snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.snapshot()
}

func (n *Network) snapshot() []string {
	res := make([]string, 0, len(n.active))
	for p := range n.active {
		res = append(res, p)
	}
	sort.Strings(res)
	return res
}

// KnownPeers returns the sorted list of every peer seen so far.
func (n *Network) KnownPeers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	res := make([]string, 0, len(n.known))
	for p := range n.known {
		res = append(res, p)
	}
	sort.Strings(res)
	return res
}

// Bootstrap returns the bootstrap peers.
func (n *Network) Bootstrap() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	res := make([]string, len(n.bootstrap))
	copy(res, n.bootstrap)
	return res
}

// Peers returns a copy of the active peers with their health.
func (n *Network) Peers() []Peer {
	n.mu.Lock()
	defer n.mu.Unlock()

	res := make([]Peer, 0, len(n.active))
	for _, p := range n.snapshot() {
		res = append(res, *n.active[p])
	}
	return res
}

// LastContact returns the time of the last successful exchange with a peer.
func (n *Network) LastContact() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastContact
}

// Touch records a successful exchange with peer. Inbound requests count too.
func (n *Network) Touch(peer string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.touch(normalize(peer))
}

func (n *Network) touch(peer string) {
	now := time.Now()
	n.lastContact = now
	if p, ok := n.active[peer]; ok {
		p.PingFailures = 0
		p.LastSeen = now
	}
}

// Broadcast calls fn for every active peer in parallel and tallies the
// outcomes. Peers that fail with a network error are dropped from the active
// set. Busy peers count as failures but stay active.
func (n *Network) Broadcast(fn func(peer string) error) (success int, failure int) {
	return n.Multicast(n.Snapshot(), fn)
}

// Multicast is Broadcast restricted to targets.
func (n *Network) Multicast(targets []string, fn func(peer string) error) (success int, failure int) {
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, p := range targets {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			errs[i] = fn(p)
		}(i, p)
	}
	wg.Wait()

	for i, p := range targets {
		err := errs[i]
		if err == nil {
			success++
			n.Touch(p)
			continue
		}
		failure++
		n.logger.WithFields(logrus.Fields{
			"peer":  p,
			"error": err,
		}).Debug("Broadcast failed")
		if cm.Is(err, cm.Network) {
			n.RemovePeer(p)
		}
	}

	return success, failure
}

// Heartbeat pings every active peer. A peer failing MaxPingFailures
// consecutive pings is dropped. It returns the peers that were dropped.
func (n *Network) Heartbeat() []string {
	targets := n.Snapshot()

	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, p := range targets {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			var resp net.PingResponse
			errs[i] = n.trans.Ping(p, &net.PingRequest{From: n.self}, &resp)
		}(i, p)
	}
	wg.Wait()

	dropped := []string{}

	n.mu.Lock()
	for i, p := range targets {
		// a busy peer answered
		if errs[i] == nil || cm.Is(errs[i], cm.Busy) {
			n.touch(p)
			continue
		}
		peer, ok := n.active[p]
		if !ok {
			continue
		}
		peer.PingFailures++
		n.logger.WithFields(logrus.Fields{
			"peer":     p,
			"failures": peer.PingFailures,
			"error":    errs[i],
		}).Debug("Ping failed")
		if peer.PingFailures >= n.conf.MaxPingFailures {
			dropped = append(dropped, p)
		}
	}
	n.mu.Unlock()

	for _, p := range dropped {
		n.logger.WithField("peer", p).Info("Dropping unresponsive peer")
		n.RemovePeer(p)
	}

	return dropped
}

// DiscoverPeers registers the local node with every active peer and merges
// the peers they report. It returns the number of peers added.
func (n *Network) DiscoverPeers() int {
	return n.exchangePeers(&net.DiscoverPeersRequest{PeerURL: n.self})
}

// SharePeers pushes the known peers to every active peer, and merges what they
// report back.
func (n *Network) SharePeers() int {
	return n.exchangePeers(&net.DiscoverPeersRequest{
		PeerURL: n.self,
		Peers:   n.KnownPeers(),
	})
}

func (n *Network) exchangePeers(req *net.DiscoverPeersRequest) int {
	var mu sync.Mutex
	discovered := []string{}

	n.Broadcast(func(p string) error {
		var resp net.DiscoverPeersResponse
		if err := n.trans.DiscoverPeers(p, req, &resp); err != nil {
			return err
		}
		mu.Lock()
		discovered = append(discovered, resp.Peers...)
		mu.Unlock()
		return nil
	})

	return n.merge(discovered)
}

func (n *Network) merge(peers []string) int {
	added := 0
	for _, p := range peers {
		ok, err := n.AddPeer(p)
		if err != nil {
			n.logger.WithError(err).Debug("Ignoring invalid peer")
			continue
		}
		if ok {
			added++
		}
	}
	return added
}

// HandleDiscoverPeers answers a discovery request: the caller and the peers it
// offers are merged, and the known peers are returned. Peers dropped from the
// active set are still advertised, so a caller that can reach them picks them
// up again.
func (n *Network) HandleDiscoverPeers(req *net.DiscoverPeersRequest) *net.DiscoverPeersResponse {
	offered := req.Peers
	if req.PeerURL != "" {
		offered = append([]string{req.PeerURL}, offered...)
	}
	n.merge(offered)
	if req.PeerURL != "" {
		n.Touch(req.PeerURL)
	}

	return &net.DiscoverPeersResponse{
		Status: net.StatusSuccess,
		Peers:  n.KnownPeers(),
	}
}

// CheckPartition reseeds the active set when no peer has been reached for
// PartitionTimeout. The bootstrap peers are tried in order until one answers a
// ping. It returns a Network error if none does.
func (n *Network) CheckPartition() error {
	n.mu.Lock()
	since := time.Since(n.lastContact)
	bootstrap := make([]string, len(n.bootstrap))
	copy(bootstrap, n.bootstrap)
	n.mu.Unlock()

	if since < n.conf.PartitionTimeout || len(bootstrap) == 0 {
		return nil
	}

	n.logger.WithField("since", since).Warn("No peer contact, possible partition")

	for _, b := range bootstrap {
		var resp net.PingResponse
		if err := n.trans.Ping(b, &net.PingRequest{From: n.self}, &resp); err != nil {
			n.logger.WithFields(logrus.Fields{
				"peer":  b,
				"error": err,
			}).Debug("Bootstrap peer unreachable")
			continue
		}

		n.AddPeer(b)
		n.Touch(b)

		var dresp net.DiscoverPeersResponse
		if err := n.trans.DiscoverPeers(b, &net.DiscoverPeersRequest{PeerURL: n.self}, &dresp); err == nil {
			n.merge(dresp.Peers)
		}

		n.logger.WithField("peer", b).Info("Reseeded peers from bootstrap")
		return nil
	}

	return cm.NewErr("Peer", cm.Network, "bootstrap", fmt.Sprintf("none of %d bootstrap peers reachable", len(bootstrap)))
}

// Start launches the heartbeat and partition check loops.
func (n *Network) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.heartbeatTask != nil {
		return
	}

	n.heartbeatTask = cm.NewTask("heartbeat", n.conf.HeartbeatInterval,
		func() error {
			n.Heartbeat()
			return nil
		},
		n.logger)
	n.partitionTask = cm.NewTask("partition", n.conf.PartitionTimeout, n.CheckPartition, n.logger)

	n.heartbeatTask.RunAsync()
	n.partitionTask.RunAsync()
}

// Stop terminates the loops started by Start.
func (n *Network) Stop() {
	n.mu.Lock()
	tasks := []*cm.Task{n.heartbeatTask, n.partitionTask}
	n.heartbeatTask = nil
	n.partitionTask = nil
	n.mu.Unlock()

	for _, t := range tasks {
		if t == nil {
			continue
		}
		t.Stop()
		<-t.Done()
	}
}
