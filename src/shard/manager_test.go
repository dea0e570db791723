package shard

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	cm "github.com/hgnetwork/pulse/src/common"
	"github.com/hgnetwork/pulse/src/ledger"
)

func initManager(t *testing.T, numShards int, threshold int) *Manager {
	opts := ledger.DefaultOptions()
	opts.ConfirmationThreshold = threshold
	opts.TipSelector = cm.NewSeededSampler(3)

	m, err := NewManager(numShards, opts, func(int) (ledger.Store, error) {
		return ledger.NewInmemStore(), nil
	}, cm.NewTestEntry(t, "shard"))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// addressIn returns an address that maps to the given shard.
func addressIn(m *Manager, shardID int, tag string) string {
	for i := 0; ; i++ {
		a := fmt.Sprintf("%s-%d", tag, i)
		if m.ShardOf(a) == shardID {
			return a
		}
	}
}

func TestAssignShardIsDeterministic(t *testing.T) {
	m1 := initManager(t, 10, 0)
	m2 := initManager(t, 10, 0)

	for i := 0; i < 50; i++ {
		tx := ledger.NewTransaction(fmt.Sprintf("wallet-%d", i), "bob", 1, nil)
		s := m1.AssignShard(tx)
		if s < 0 || s >= 10 {
			t.Fatalf("shard out of range: %d", s)
		}
		if m1.AssignShard(tx) != s || m2.AssignShard(tx) != s {
			t.Fatalf("AssignShard should be the same on every call and every node")
		}

		other := ledger.NewTransaction(tx.Sender, "carol", 99, nil)
		if m1.AssignShard(other) != s {
			t.Fatalf("AssignShard should only depend on the sender")
		}
	}
}

func TestSingleShardAdmission(t *testing.T) {
	m := initManager(t, 4, 1)

	alice := addressIn(m, 2, "alice")
	bob := addressIn(m, 2, "bob")

	a := ledger.NewTransaction(alice, bob, 10, nil)
	if err := m.AdmitTransaction(a); err != nil {
		t.Fatal(err)
	}
	b := ledger.NewTransaction(bob, alice, 5, nil)
	if err := m.AdmitTransaction(b); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		if i == 2 {
			continue
		}
		if s := m.Ledger(i).Stats(); s.Transactions != 0 {
			t.Fatalf("shard %d should be untouched, got %+v", i, s)
		}
	}

	if !m.IsTransactionConfirmed(a.ID) {
		t.Fatalf("A should be confirmed")
	}
	if m.Balance(alice) != ledger.DefaultBalance-10 || m.Balance(bob) != ledger.DefaultBalance+10 {
		t.Fatalf("unexpected balances")
	}
}

func TestCrossShardAdmissionAndConfirmation(t *testing.T) {
	var confirmed []string
	var mu sync.Mutex

	opts := ledger.DefaultOptions()
	opts.ConfirmationThreshold = 0
	opts.OnConfirm = func(tx *ledger.Transaction) {
		mu.Lock()
		confirmed = append(confirmed, tx.ID)
		mu.Unlock()
	}
	m, err := NewManager(3, opts, func(int) (ledger.Store, error) {
		return ledger.NewInmemStore(), nil
	}, cm.NewTestEntry(t, "shard"))
	if err != nil {
		t.Fatal(err)
	}

	alice := addressIn(m, 0, "alice")
	bob := addressIn(m, 1, "bob")
	m.SetBalance(alice, 100)
	m.SetBalance(bob, 0)

	tx := ledger.NewTransaction(alice, bob, 40, nil)
	if err := m.AdmitTransaction(tx); err != nil {
		t.Fatal(err)
	}

	if _, ok := m.Ledger(0).Transaction(tx.ID); !ok {
		t.Fatalf("sender shard should hold the transaction")
	}
	if _, ok := m.Ledger(1).Transaction(tx.ID); !ok {
		t.Fatalf("receiver shard should hold the transaction")
	}

	ok, err := m.ConfirmTransaction(tx.ID)
	if !ok || err != nil {
		t.Fatalf("cross-shard confirmation failed: %v, %v", ok, err)
	}

	if m.Balance(alice) != 60 || m.Balance(bob) != 40 {
		t.Fatalf("unexpected balances alice=%d bob=%d", m.Balance(alice), m.Balance(bob))
	}
	if !m.IsConfirmed(tx.ID) || m.Ledger(0).IsPending(tx.ID) || m.Ledger(1).IsPending(tx.ID) {
		t.Fatalf("transaction should be confirmed in both shards")
	}
	if len(confirmed) != 1 {
		t.Fatalf("confirmation should be reported once, got %v", confirmed)
	}

	// confirming again changes nothing
	m.ConfirmTransaction(tx.ID)
	if m.Balance(alice) != 60 || m.Balance(bob) != 40 {
		t.Fatalf("second confirmation changed balances")
	}

	if s := m.Stats(); s.Confirmed != 1 || s.Pending != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestCrossShardInsufficientFunds(t *testing.T) {
	m := initManager(t, 3, 0)

	alice := addressIn(m, 0, "alice")
	bob := addressIn(m, 1, "bob")
	m.SetBalance(alice, 100)
	m.SetBalance(bob, 0)

	tx := ledger.NewTransaction(alice, bob, 150, nil)
	if err := m.AdmitTransaction(tx); err != nil {
		t.Fatal(err)
	}

	ok, err := m.ConfirmTransaction(tx.ID)
	if ok || !cm.Is(err, cm.InsufficientFunds) {
		t.Fatalf("expected InsufficientFunds, got %v, %v", ok, err)
	}
	if m.Ledger(1).IsConfirmed(tx.ID) {
		t.Fatalf("receiver shard must not confirm when the sender cannot pay")
	}
	if m.Balance(alice) != 100 || m.Balance(bob) != 0 {
		t.Fatalf("balances should be unchanged")
	}
}

func TestCrossShardRejectionIsAllOrNothing(t *testing.T) {
	m := initManager(t, 3, 0)

	alice := addressIn(m, 0, "alice")
	bob := addressIn(m, 1, "bob")

	// the receiver shard already knows this id
	tx := ledger.NewTransaction(bob, bob, 1, nil)
	if err := m.AdmitTransaction(tx); err != nil {
		t.Fatal(err)
	}

	clash := ledger.NewTransaction(alice, bob, 1, nil)
	clash.ID = tx.ID

	err := m.AdmitTransaction(clash)
	if !cm.Is(err, cm.ShardCoordination) {
		t.Fatalf("expected ShardCoordination error, got %v", err)
	}
	if s := m.Ledger(0).Stats(); s.Transactions != 0 {
		t.Fatalf("sender shard should be untouched, got %+v", s)
	}
}

// flakyStore fails SetRecord once armed.
type flakyStore struct {
	*ledger.InmemStore
	fail bool
}

func (s *flakyStore) SetRecord(r *ledger.Record) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.InmemStore.SetRecord(r)
}

func TestCrossShardRollback(t *testing.T) {
	stores := []*flakyStore{}
	m, err := NewManager(3, ledger.DefaultOptions(), func(int) (ledger.Store, error) {
		s := &flakyStore{InmemStore: ledger.NewInmemStore()}
		stores = append(stores, s)
		return s, nil
	}, cm.NewTestEntry(t, "shard"))
	if err != nil {
		t.Fatal(err)
	}

	alice := addressIn(m, 0, "alice")
	bob := addressIn(m, 1, "bob")

	stores[1].fail = true

	tx := ledger.NewTransaction(alice, bob, 1, nil)
	if err := m.AdmitTransaction(tx); !cm.Is(err, cm.ShardCoordination) {
		t.Fatalf("expected ShardCoordination error, got %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, ok := m.Ledger(i).Transaction(tx.ID); ok {
			t.Fatalf("shard %d still holds the transaction", i)
		}
	}
	if _, err := stores[0].GetRecord(tx.ID); !cm.Is(err, cm.KeyNotFound) {
		t.Fatalf("rolled back record should be deleted from the store, got %v", err)
	}
}

func TestDependenciesAcrossShards(t *testing.T) {
	m := initManager(t, 3, 0)

	alice := addressIn(m, 0, "alice")
	bob := addressIn(m, 1, "bob")

	a := ledger.NewTransaction(alice, alice, 1, nil)
	m.AdmitTransaction(a)
	m.ConfirmTransaction(a.ID)

	b := ledger.NewTransaction(bob, bob, 1, []string{a.ID})
	if err := m.AdmitTransaction(b); err != nil {
		t.Fatalf("a dependency held by another shard should be accepted: %v", err)
	}

	c := ledger.NewTransaction(bob, bob, 1, []string{"missing"})
	if err := m.AdmitTransaction(c); !cm.Is(err, cm.Conflict) {
		t.Fatalf("unknown dependency should be a Conflict, got %v", err)
	}
}

func TestRedistribution(t *testing.T) {
	m := initManager(t, 2, 100)

	// find three nodes serving shard 0
	nodes := []string{}
	for i := 0; len(nodes) < 3; i++ {
		n := fmt.Sprintf("http://node%d:8080", i)
		if m.MemberShard(n) == 0 {
			nodes = append(nodes, n)
		}
	}
	for _, n := range nodes {
		m.AddMember(n)
	}

	ids := []string{}
	for i := 0; i < 9; i++ {
		sender := addressIn(m, 0, fmt.Sprintf("w%d", i))
		tx := ledger.NewTransaction(sender, sender, 1, nil)
		if err := m.AdmitTransaction(tx); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, tx.ID)
	}

	leaving := nodes[0]
	inflight := m.InFlight(leaving)
	if len(inflight) == 0 {
		t.Fatalf("round robin should give %s some transactions", leaving)
	}

	moved := m.RemoveMember(leaving)
	if len(moved) != len(inflight) {
		t.Fatalf("expected %d moved transactions, got %d", len(inflight), len(moved))
	}

	for _, id := range ids {
		a, ok := m.Assignee(id)
		if !ok {
			t.Fatalf("%s lost its assignee", id)
		}
		if a == leaving {
			t.Fatalf("%s still assigned to the departed member", id)
		}
	}

	if len(m.Members(0)) != 2 {
		t.Fatalf("shard 0 should have 2 members left")
	}

	// last members leave; transactions wait for a new member
	m.RemoveMember(nodes[1])
	m.RemoveMember(nodes[2])
	if _, ok := m.Assignee(ids[0]); ok {
		t.Fatalf("no member left, transaction should be unassigned")
	}

	m.AddMember(leaving)
	for _, id := range ids {
		if a, ok := m.Assignee(id); !ok || a != leaving {
			t.Fatalf("rejoining member should pick up orphaned transactions")
		}
	}
}

func TestConcurrentAdmission(t *testing.T) {
	m := initManager(t, 4, 2)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				tx := ledger.NewTransaction(fmt.Sprintf("s%d-%d", w, i), fmt.Sprintf("r%d-%d", w, i), 1, nil)
				if err := m.AdmitTransaction(tx); err != nil {
					t.Error(err)
				}
				m.ConfirmPending()
			}
		}(w)
	}
	wg.Wait()

	if m.IsCyclic() {
		t.Fatalf("DAG should stay acyclic")
	}
	s := m.Stats()
	if s.Pending+s.Confirmed != 160 {
		t.Fatalf("expected 160 transactions, got %+v", s)
	}
}
