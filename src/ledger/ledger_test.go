package ledger

import (
	"testing"

	cm "github.com/hgnetwork/pulse/src/common"
	"github.com/hgnetwork/pulse/src/crypto/keys"
)

func initLedger(t *testing.T, threshold int) *Ledger {
	opts := DefaultOptions()
	opts.ConfirmationThreshold = threshold
	opts.TipSelector = cm.NewSeededSampler(1)
	return NewLedger(opts, NewInmemStore(), cm.NewTestEntry(t, "ledger"))
}

func newSignedTx(t *testing.T, receiver string, amount int64, deps []string) *Transaction {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	tx := NewTransaction(keys.Address(&key.PublicKey), receiver, amount, deps)
	if err := tx.Sign(key); err != nil {
		t.Fatal(err)
	}
	return tx
}

func attach(t *testing.T, l *Ledger, tx *Transaction) []string {
	tips, err := l.AttachTransaction(tx)
	if err != nil {
		t.Fatalf("attaching %s: %v", tx.ID, err)
	}
	if l.IsCyclic() {
		t.Fatalf("DAG is cyclic after attaching %s", tx.ID)
	}
	return tips
}

func TestAttachAndConfirmWithThresholdOne(t *testing.T) {
	l := initLedger(t, 1)

	a := NewTransaction("alice", "bob", 10, nil)
	if tips := attach(t, l, a); len(tips) != 0 {
		t.Fatalf("first transaction should have no tips, got %v", tips)
	}

	if p := l.Pending(); len(p) != 1 || p[0] != a.ID {
		t.Fatalf("pending should be {A}, got %v", p)
	}

	b := NewTransaction("bob", "carol", 5, nil)
	if tips := attach(t, l, b); len(tips) != 1 || tips[0] != a.ID {
		t.Fatalf("B should approve A, got %v", tips)
	}

	if ap := l.Approvers(a.ID); len(ap) != 1 || ap[0] != b.ID {
		t.Fatalf("approval_graph[A] should be {B}, got %v", ap)
	}

	if !l.IsTransactionConfirmed(a.ID) {
		t.Fatalf("A should be confirmed")
	}
	if l.IsPending(a.ID) {
		t.Fatalf("A should be removed from pending")
	}
	if l.Balance("alice") != DefaultBalance-10 || l.Balance("bob") != DefaultBalance+10 {
		t.Fatalf("balances not applied: alice=%d bob=%d", l.Balance("alice"), l.Balance("bob"))
	}

	// B has no approvers yet
	if l.IsTransactionConfirmed(b.ID) {
		t.Fatalf("B should not be confirmed")
	}
}

func TestThresholdNotReached(t *testing.T) {
	l := initLedger(t, 5)

	a := NewTransaction("alice", "bob", 10, nil)
	attach(t, l, a)
	attach(t, l, NewTransaction("bob", "carol", 1, nil))
	attach(t, l, NewTransaction("carol", "dave", 1, nil))

	if n := len(l.GetSubsequentTransactions(a.ID)); n != 2 {
		t.Fatalf("A should have 2 approvers, got %d", n)
	}

	if l.IsTransactionConfirmed(a.ID) {
		t.Fatalf("A should not be confirmed with 2 approvers and threshold 5")
	}
	if !l.IsPending(a.ID) {
		t.Fatalf("A should still be pending")
	}

	ok, err := l.ConfirmTransaction(a.ID)
	if ok || err != nil {
		t.Fatalf("ConfirmTransaction should return false, nil. Got %v, %v", ok, err)
	}
}

func TestSubsequentIsTransitive(t *testing.T) {
	l := initLedger(t, 100)

	a := NewTransaction("alice", "bob", 1, nil)
	attach(t, l, a)

	for i := 0; i < 6; i++ {
		attach(t, l, NewTransaction("bob", "carol", 1, nil))
	}

	sub := l.GetSubsequentTransactions(a.ID)
	if len(sub) != 6 {
		t.Fatalf("every later transaction builds on A, expected 6, got %d (%v)", len(sub), sub)
	}

	seen := make(map[string]bool)
	for _, s := range sub {
		if seen[s] {
			t.Fatalf("%s listed twice", s)
		}
		if s == a.ID {
			t.Fatalf("A should not be its own approver")
		}
		seen[s] = true
	}
}

func TestInsufficientFunds(t *testing.T) {
	l := initLedger(t, 0)

	l.SetBalance("alice", 100)
	l.SetBalance("bob", 0)

	tx := NewTransaction("alice", "bob", 150, nil)
	attach(t, l, tx)

	if l.CanUpdateBalances(tx) {
		t.Fatalf("CanUpdateBalances should be false")
	}

	ok, err := l.ConfirmTransaction(tx.ID)
	if ok {
		t.Fatalf("ConfirmTransaction should return false")
	}
	if !cm.Is(err, cm.InsufficientFunds) {
		t.Fatalf("expected InsufficientFunds error, got %v", err)
	}
	if !l.IsPending(tx.ID) {
		t.Fatalf("transaction should stay pending")
	}
	if l.Balance("alice") != 100 || l.Balance("bob") != 0 {
		t.Fatalf("balances should be unchanged")
	}

	// IsTransactionConfirmed does not promote it either
	if l.IsTransactionConfirmed(tx.ID) {
		t.Fatalf("unaffordable transaction should not be confirmed")
	}

	// once funded, it goes through
	l.SetBalance("alice", 200)
	ok, err = l.ConfirmTransaction(tx.ID)
	if !ok || err != nil {
		t.Fatalf("ConfirmTransaction should succeed, got %v, %v", ok, err)
	}
	if l.Balance("alice") != 50 || l.Balance("bob") != 150 {
		t.Fatalf("unexpected balances alice=%d bob=%d", l.Balance("alice"), l.Balance("bob"))
	}
}

func TestConfirmIsIdempotentAndConserving(t *testing.T) {
	var notified []string

	opts := DefaultOptions()
	opts.ConfirmationThreshold = 0
	opts.OnConfirm = func(tx *Transaction) { notified = append(notified, tx.ID) }
	l := NewLedger(opts, NewInmemStore(), cm.NewTestEntry(t, "ledger"))

	tx := NewTransaction("alice", "bob", 30, nil)
	attach(t, l, tx)

	total := l.Balance("alice") + l.Balance("bob")

	for i := 0; i < 3; i++ {
		ok, err := l.ConfirmTransaction(tx.ID)
		if !ok || err != nil {
			t.Fatalf("confirm #%d: %v, %v", i, ok, err)
		}
	}

	if l.Balance("alice") != DefaultBalance-30 {
		t.Fatalf("sender debited more than once: %d", l.Balance("alice"))
	}
	if l.Balance("alice")+l.Balance("bob") != total {
		t.Fatalf("total balance not conserved")
	}
	if len(notified) != 1 {
		t.Fatalf("OnConfirm should be called once, got %d", len(notified))
	}

	// resubmitting the same id is rejected
	_, err := l.AttachTransaction(tx)
	if !cm.Is(err, cm.Conflict) {
		t.Fatalf("resubmission should be a Conflict, got %v", err)
	}
	if l.Balance("alice") != DefaultBalance-30 {
		t.Fatalf("resubmission changed the balance")
	}

	// confirmed never goes back to pending
	if l.IsPending(tx.ID) || !l.IsTransactionConfirmed(tx.ID) {
		t.Fatalf("confirmed transaction should stay confirmed")
	}
}

func TestVerifyTips(t *testing.T) {
	l := initLedger(t, 0)

	a := NewTransaction("alice", "bob", 1, nil)
	attach(t, l, a)

	if err := l.VerifyTips([]string{"nope"}); !cm.Is(err, cm.Conflict) {
		t.Fatalf("unknown tip should be a Conflict, got %v", err)
	}

	if err := l.VerifyTips([]string{a.ID}); err != nil {
		t.Fatalf("pending tip should verify: %v", err)
	}

	l.ConfirmTransaction(a.ID)

	if err := l.VerifyTips([]string{a.ID}); !cm.Is(err, cm.Conflict) {
		t.Fatalf("confirmed tip should be a Conflict, got %v", err)
	}

	// confirmed transactions are never selected
	for i := 0; i < 5; i++ {
		tx := NewTransaction("bob", "carol", 1, nil)
		for _, tip := range attach(t, l, tx) {
			if tip == a.ID {
				t.Fatalf("confirmed transaction selected as tip")
			}
		}
	}
}

func TestSelectTips(t *testing.T) {
	l := initLedger(t, 100)

	if tips := l.SelectTips(); len(tips) != 0 {
		t.Fatalf("empty ledger should have no tips")
	}

	for i := 0; i < 5; i++ {
		attach(t, l, NewTransaction("alice", "bob", 1, nil))
	}

	tips := l.SelectTips()
	if len(tips) != 2 || tips[0] == tips[1] {
		t.Fatalf("expected 2 distinct tips, got %v", tips)
	}
	if err := l.VerifyTips(tips); err != nil {
		t.Fatal(err)
	}
}

func TestDependencies(t *testing.T) {
	l := initLedger(t, 0)

	a := NewTransaction("alice", "bob", 1, nil)
	attach(t, l, a)
	l.ConfirmTransaction(a.ID)

	b := NewTransaction("bob", "carol", 1, []string{a.ID})
	attach(t, l, b)

	node, _ := l.Node(a.ID)
	found := false
	for _, s := range node.Successors() {
		if s == b.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("B should be a successor of its dependency A")
	}

	c := NewTransaction("carol", "dave", 1, []string{"unknown"})
	if _, err := l.AttachTransaction(c); !cm.Is(err, cm.Conflict) {
		t.Fatalf("unknown dependency should be a Conflict, got %v", err)
	}
	if _, ok := l.Transaction(c.ID); ok {
		t.Fatalf("rejected transaction should not be stored")
	}
}

func TestDetach(t *testing.T) {
	l := initLedger(t, 100)

	a := NewTransaction("alice", "bob", 1, nil)
	attach(t, l, a)
	b := NewTransaction("bob", "carol", 1, nil)
	attach(t, l, b)

	if err := l.Detach(a.ID); !cm.Is(err, cm.Conflict) {
		t.Fatalf("approved transaction should not be detachable, got %v", err)
	}

	if err := l.Detach(b.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := l.Transaction(b.ID); ok {
		t.Fatalf("B should be gone")
	}
	if ap := l.Approvers(a.ID); len(ap) != 0 {
		t.Fatalf("A should have no approvers left, got %v", ap)
	}
	if err := l.Detach(a.ID); err != nil {
		t.Fatalf("A should now be detachable: %v", err)
	}
	if s := l.Stats(); s.Transactions != 0 || s.Pending != 0 {
		t.Fatalf("ledger should be empty, got %+v", s)
	}
}

func TestOwnership(t *testing.T) {
	opts := DefaultOptions()
	opts.ConfirmationThreshold = 0
	opts.Owns = func(addr string) bool { return addr == "bob" }
	l := NewLedger(opts, NewInmemStore(), cm.NewTestEntry(t, "ledger"))

	l.SetBalance("alice", 0)

	tx := NewTransaction("alice", "bob", 50, nil)
	attach(t, l, tx)

	// alice is held elsewhere so her funds are not checked here
	ok, err := l.ConfirmTransaction(tx.ID)
	if !ok || err != nil {
		t.Fatalf("credit-only confirmation should succeed: %v, %v", ok, err)
	}
	if l.Balance("alice") != 0 {
		t.Fatalf("foreign sender should not be debited")
	}
	if l.Balance("bob") != DefaultBalance+50 {
		t.Fatalf("owned receiver should be credited")
	}
}

func TestSignedTransaction(t *testing.T) {
	tx := newSignedTx(t, "bob", 10, []string{"dep1", "dep2"})

	ok, err := tx.Verify()
	if err != nil || !ok {
		t.Fatalf("signature should verify: %v", err)
	}

	data, err := tx.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	var decoded Transaction
	if err := decoded.Unmarshal(data); err != nil {
		t.Fatal(err)
	}
	if ok, err := decoded.Verify(); err != nil || !ok {
		t.Fatalf("decoded signature should verify: %v", err)
	}

	tampered := *tx
	tampered.Amount = 1000
	if ok, _ := tampered.Verify(); ok {
		t.Fatalf("changing the amount should invalidate the signature")
	}

	tampered = *tx
	tampered.Dependencies = []string{"dep2", "dep1"}
	if ok, _ := tampered.Verify(); ok {
		t.Fatalf("reordering dependencies should invalidate the signature")
	}

	other := newSignedTx(t, "bob", 10, nil)
	tampered = *tx
	tampered.Sender = other.Sender
	if ok, _ := tampered.Verify(); ok {
		t.Fatalf("sender must match the public key")
	}
}
