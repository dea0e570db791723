package peers

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	cm "github.com/hgnetwork/pulse/src/common"
	"github.com/hgnetwork/pulse/src/net"
)

type recordingListener struct {
	sync.Mutex
	added   []string
	removed []string
}

func (r *recordingListener) PeerAdded(p string) {
	r.Lock()
	defer r.Unlock()
	r.added = append(r.added, p)
}

func (r *recordingListener) PeerRemoved(p string) {
	r.Lock()
	defer r.Unlock()
	r.removed = append(r.removed, p)
}

// testNode answers peer RPCs the way a live node would, with its own Network.
type testNode struct {
	trans   *net.InmemTransport
	network *Network
	stopCh  chan struct{}
}

func newTestNode(t *testing.T, url string, bootstrap []string) *testNode {
	trans := net.NewInmemTransport(url)
	node := &testNode{
		trans:   trans,
		network: NewNetwork(url, bootstrap, trans, DefaultConfig(), cm.NewTestEntry(t, url)),
		stopCh:  make(chan struct{}),
	}
	go node.serve()
	return node
}

func (n *testNode) serve() {
	for {
		select {
		case rpc := <-n.trans.Consumer():
			switch cmd := rpc.Command.(type) {
			case *net.PingRequest:
				rpc.Respond(&net.PingResponse{Status: net.StatusSuccess}, nil)
			case *net.DiscoverPeersRequest:
				rpc.Respond(n.network.HandleDiscoverPeers(cmd), nil)
			default:
				rpc.Respond(nil, errors.New("unexpected command"))
			}
		case <-n.stopCh:
			return
		}
	}
}

func (n *testNode) stop() {
	close(n.stopCh)
}

func connectNodes(nodes ...*testNode) {
	trans := []*net.InmemTransport{}
	for _, n := range nodes {
		trans = append(trans, n.trans)
	}
	net.ConnectAll(trans)
}

func TestAddRemovePeer(t *testing.T) {
	trans := net.NewInmemTransport("http://self:1")
	network := NewNetwork("http://self:1", nil, trans, DefaultConfig(), cm.NewTestEntry(t, "peers"))

	listener := &recordingListener{}
	network.AddListener(listener)

	if added, err := network.AddPeer("http://a:1/"); err != nil || !added {
		t.Fatalf("AddPeer should add http://a:1, got %v, %v", added, err)
	}
	if added, _ := network.AddPeer("http://a:1"); added {
		t.Fatalf("AddPeer should be idempotent")
	}
	if added, _ := network.AddPeer("http://self:1"); added {
		t.Fatalf("AddPeer should never add self")
	}
	if _, err := network.AddPeer("not a url"); !cm.Is(err, cm.Validation) {
		t.Fatalf("AddPeer should reject invalid URLs with a Validation error, got %v", err)
	}
	if _, err := network.AddPeer("ftp://a:1"); !cm.Is(err, cm.Validation) {
		t.Fatalf("AddPeer should reject non http schemes, got %v", err)
	}
	network.AddPeer("http://b:1")

	if s := network.Snapshot(); !reflect.DeepEqual(s, []string{"http://a:1", "http://b:1"}) {
		t.Fatalf("Snapshot should be [http://a:1 http://b:1], not %v", s)
	}

	if !network.RemovePeer("http://a:1") {
		t.Fatalf("RemovePeer should remove an active peer")
	}
	if network.RemovePeer("http://a:1") {
		t.Fatalf("RemovePeer should return false for an inactive peer")
	}

	if s := network.Snapshot(); !reflect.DeepEqual(s, []string{"http://b:1"}) {
		t.Fatalf("Snapshot should be [http://b:1], not %v", s)
	}
	if k := network.KnownPeers(); !reflect.DeepEqual(k, []string{"http://a:1", "http://b:1"}) {
		t.Fatalf("removed peers should stay known, got %v", k)
	}

	if !reflect.DeepEqual(listener.added, []string{"http://a:1", "http://b:1"}) {
		t.Fatalf("listener added should be [http://a:1 http://b:1], not %v", listener.added)
	}
	if !reflect.DeepEqual(listener.removed, []string{"http://a:1"}) {
		t.Fatalf("listener removed should be [http://a:1], not %v", listener.removed)
	}
}

func TestBroadcast(t *testing.T) {
	trans := net.NewInmemTransport("http://self:1")
	network := NewNetwork("http://self:1", nil, trans, DefaultConfig(), cm.NewTestEntry(t, "peers"))
	network.AddPeer("http://a:1")
	network.AddPeer("http://b:1")
	network.AddPeer("http://c:1")
	network.AddPeer("http://d:1")

	success, failure := network.Broadcast(func(p string) error {
		switch p {
		case "http://b:1":
			return cm.NewErr("Peer", cm.Network, p, "unreachable")
		case "http://c:1":
			return cm.NewErr("Transaction", cm.Conflict, "x", "duplicate")
		case "http://d:1":
			return cm.NewErr("Node", cm.Busy, "", "too many concurrent requests")
		}
		return nil
	})

	if success != 1 || failure != 3 {
		t.Fatalf("tally should be 1/3, not %d/%d", success, failure)
	}

	if s := network.Snapshot(); !reflect.DeepEqual(s, []string{"http://a:1", "http://c:1", "http://d:1"}) {
		t.Fatalf("only the unreachable peer should be dropped, got %v", s)
	}
}

func TestHeartbeat(t *testing.T) {
	a := newTestNode(t, "http://a:1", nil)
	defer a.stop()
	b := newTestNode(t, "http://b:1", nil)
	defer b.stop()
	connectNodes(a, b)

	a.network.AddPeer("http://b:1")
	a.network.AddPeer("http://dead:1")

	if dropped := a.network.Heartbeat(); len(dropped) != 0 {
		t.Fatalf("no peer should be dropped after one failure, got %v", dropped)
	}

	for _, p := range a.network.Peers() {
		expected := 0
		if p.URL == "http://dead:1" {
			expected = 1
		}
		if p.PingFailures != expected {
			t.Fatalf("%s should have %d ping failures, not %d", p.URL, expected, p.PingFailures)
		}
	}

	dropped := a.network.Heartbeat()
	if !reflect.DeepEqual(dropped, []string{"http://dead:1"}) {
		t.Fatalf("dead peer should be dropped after %d failures, got %v", DefaultMaxPingFailures, dropped)
	}

	if s := a.network.Snapshot(); !reflect.DeepEqual(s, []string{"http://b:1"}) {
		t.Fatalf("Snapshot should be [http://b:1], not %v", s)
	}
}

func TestHeartbeatKeepsBusyPeers(t *testing.T) {
	a := newTestNode(t, "http://a:1", nil)
	defer a.stop()

	busy := net.NewInmemTransport("http://busy:1")
	stopCh := make(chan struct{})
	defer close(stopCh)
	go func() {
		for {
			select {
			case rpc := <-busy.Consumer():
				rpc.Respond(nil, cm.NewErr("Node", cm.Busy, "", "too many concurrent requests"))
			case <-stopCh:
				return
			}
		}
	}()
	net.ConnectAll([]*net.InmemTransport{a.trans, busy})

	a.network.AddPeer("http://busy:1")

	for i := 0; i < a.network.conf.MaxPingFailures+1; i++ {
		if dropped := a.network.Heartbeat(); len(dropped) != 0 {
			t.Fatalf("busy peer should not be dropped, got %v", dropped)
		}
	}

	if !a.network.IsActive("http://busy:1") {
		t.Fatalf("busy peer should stay active")
	}
}

func TestDiscoverPeers(t *testing.T) {
	a := newTestNode(t, "http://a:1", []string{"http://b:1"})
	defer a.stop()
	b := newTestNode(t, "http://b:1", nil)
	defer b.stop()
	c := newTestNode(t, "http://c:1", nil)
	defer c.stop()
	connectNodes(a, b, c)

	b.network.AddPeer("http://c:1")

	if added := a.network.DiscoverPeers(); added != 1 {
		t.Fatalf("a should discover 1 new peer, not %d", added)
	}

	if s := a.network.Snapshot(); !reflect.DeepEqual(s, []string{"http://b:1", "http://c:1"}) {
		t.Fatalf("a should know b and c, got %v", s)
	}

	// b learnt about a when a registered itself
	if !b.network.IsActive("http://a:1") {
		t.Fatalf("b should have registered a")
	}
}

func TestDiscoverPrunedPeers(t *testing.T) {
	a := newTestNode(t, "http://a:1", []string{"http://b:1"})
	defer a.stop()
	b := newTestNode(t, "http://b:1", nil)
	defer b.stop()
	c := newTestNode(t, "http://c:1", nil)
	defer c.stop()
	connectNodes(a, b, c)

	// b lost track of c, but still knows it
	b.network.AddPeer("http://c:1")
	b.network.RemovePeer("http://c:1")

	if b.network.IsActive("http://c:1") {
		t.Fatalf("c should not be active on b")
	}

	if added := a.network.DiscoverPeers(); added != 1 {
		t.Fatalf("a should discover c through b, added %d", added)
	}

	if !a.network.IsActive("http://c:1") {
		t.Fatalf("c should be active on a")
	}
}

func TestSharePeers(t *testing.T) {
	a := newTestNode(t, "http://a:1", []string{"http://b:1"})
	defer a.stop()
	b := newTestNode(t, "http://b:1", nil)
	defer b.stop()
	connectNodes(a, b)

	a.network.AddPeer("http://x:1")
	a.network.RemovePeer("http://x:1")

	a.network.SharePeers()

	if s := b.network.KnownPeers(); !reflect.DeepEqual(s, []string{"http://a:1", "http://x:1"}) {
		t.Fatalf("b should know a and x, got %v", s)
	}
}

func TestCheckPartition(t *testing.T) {
	a := newTestNode(t, "http://a:1", []string{"http://dead:1", "http://b:1"})
	defer a.stop()
	b := newTestNode(t, "http://b:1", nil)
	defer b.stop()
	c := newTestNode(t, "http://c:1", nil)
	defer c.stop()
	connectNodes(a, b, c)
	b.network.AddPeer("http://c:1")

	// Recent contact, nothing to do
	if err := a.network.CheckPartition(); err != nil {
		t.Fatal(err)
	}

	a.network.conf.PartitionTimeout = time.Millisecond
	a.network.RemovePeer("http://b:1")
	a.network.RemovePeer("http://dead:1")
	time.Sleep(5 * time.Millisecond)

	if err := a.network.CheckPartition(); err != nil {
		t.Fatalf("CheckPartition should reseed from b: %v", err)
	}

	if s := a.network.Snapshot(); !reflect.DeepEqual(s, []string{"http://b:1", "http://c:1"}) {
		t.Fatalf("a should be reseeded with b and c, got %v", s)
	}

	if time.Since(a.network.LastContact()) > time.Second {
		t.Fatalf("last contact should be refreshed")
	}
}

func TestCheckPartitionUnreachableBootstrap(t *testing.T) {
	trans := net.NewInmemTransport("http://a:1")
	conf := DefaultConfig()
	conf.PartitionTimeout = time.Millisecond
	network := NewNetwork("http://a:1", []string{"http://dead:1"}, trans, conf, cm.NewTestEntry(t, "peers"))

	time.Sleep(5 * time.Millisecond)

	if err := network.CheckPartition(); !cm.Is(err, cm.Network) {
		t.Fatalf("CheckPartition should fail with a Network error, got %v", err)
	}
}

func TestStartStop(t *testing.T) {
	trans := net.NewInmemTransport("http://a:1")
	network := NewNetwork("http://a:1", nil, trans, DefaultConfig(), cm.NewTestEntry(t, "peers"))
	network.Start()
	network.Start()
	network.Stop()
	network.Stop()
}
