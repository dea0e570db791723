package ledger

import (
	"sort"
	"sync"

	cm "github.com/hgnetwork/pulse/src/common"
	"github.com/sirupsen/logrus"
)

// Default ledger parameters.
const (
	DefaultConfirmationThreshold = 5
	DefaultBalance               = 1000000
)

// Options configures a Ledger.
type Options struct {
	// ConfirmationThreshold is the number of transitive approvers a
	// transaction needs before it can be confirmed. Zero means a transaction
	// is eligible as soon as it is attached.
	ConfirmationThreshold int

	// DefaultBalance is the balance of a wallet the ledger has never seen.
	DefaultBalance int64

	// TipSelector picks the tips a new transaction approves. Defaults to a
	// time-seeded random sampler.
	TipSelector cm.Sampler

	// Owns reports whether the wallet is held by this ledger. Balances are
	// only checked and updated for owned wallets. Defaults to owning
	// everything.
	Owns func(address string) bool

	// ExternalDependencies lets transactions cite dependencies this ledger
	// does not hold. The caller is then responsible for checking that they
	// exist elsewhere. Only the shard manager sets this.
	ExternalDependencies bool

	// OnConfirm is called after a transaction is confirmed, outside the
	// ledger lock. It must not call back into the shard manager, which may
	// still hold its coordination lock.
	OnConfirm func(tx *Transaction)
}

// DefaultOptions ...
func DefaultOptions() Options {
	return Options{
		ConfirmationThreshold: DefaultConfirmationThreshold,
		DefaultBalance:        DefaultBalance,
	}
}

// Stats ...
type Stats struct {
	Transactions int `json:"transactions"`
	Pending      int `json:"pending"`
	Confirmed    int `json:"confirmed"`
}

// Ledger owns the transaction DAG, the approval graph, the pending and
// confirmed sets and the balance sheet. A single mutex guards all of them, so
// admission and confirmation of the same transaction never interleave.
type Ledger struct {
	opts   Options
	store  Store
	logger *logrus.Entry

	mu        sync.Mutex
	dag       *DAG
	approvals *ApprovalGraph
	pending   map[string]bool
	confirmed map[string]bool
	balances  map[string]int64
	seq       int64
}

// NewLedger creates an empty Ledger writing through to store.
func NewLedger(opts Options, store Store, logger *logrus.Entry) *Ledger {
	if opts.TipSelector == nil {
		opts.TipSelector = cm.NewRandomSampler()
	}
	if opts.Owns == nil {
		opts.Owns = func(string) bool { return true }
	}
	if opts.ConfirmationThreshold < 0 {
		opts.ConfirmationThreshold = 0
	}

	return &Ledger{
		opts:      opts,
		store:     store,
		logger:    logger,
		dag:       NewDAG(),
		approvals: NewApprovalGraph(),
		pending:   make(map[string]bool),
		confirmed: make(map[string]bool),
		balances:  make(map[string]int64),
	}
}

// Bootstrap reloads the transactions and balances persisted in the store.
func (l *Ledger) Bootstrap() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	balances, err := l.store.Balances()
	if err != nil {
		return err
	}
	for addr, b := range balances {
		l.balances[addr] = b
	}

	records, err := l.store.Records()
	if err != nil {
		return err
	}

	for _, r := range records {
		node := &DAGNode{
			Transaction: r.Transaction,
			Approves:    r.Approves,
			Seq:         r.Seq,
		}
		if err := l.dag.Add(node); err != nil {
			return err
		}
		if err := l.link(node); err != nil {
			return err
		}

		if r.Confirmed {
			l.confirmed[r.Transaction.ID] = true
		} else {
			l.pending[r.Transaction.ID] = true
		}

		if r.Seq > l.seq {
			l.seq = r.Seq
		}
	}

	l.logger.WithFields(logrus.Fields{
		"transactions": len(records),
		"pending":      len(l.pending),
		"confirmed":    len(l.confirmed),
	}).Debug("Bootstrapped ledger")

	return nil
}

// SetBalance sets the balance of a wallet. It is used for genesis
// allocations.
func (l *Ledger) SetBalance(address string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.SetBalance(address, amount); err != nil {
		return err
	}
	l.balances[address] = amount
	return nil
}

// Balance returns the balance of a wallet.
func (l *Ledger) Balance(address string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.balance(address)
}

func (l *Ledger) balance(address string) int64 {
	if b, ok := l.balances[address]; ok {
		return b
	}
	return l.opts.DefaultBalance
}

// Owns reports whether the wallet is held by this ledger.
func (l *Ledger) Owns(address string) bool {
	return l.opts.Owns(address)
}

// SelectTips picks up to two pending transactions, uniformly at random.
func (l *Ledger) SelectTips() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.selectTips()
}

func (l *Ledger) selectTips() []string {
	return l.opts.TipSelector.Sample(l.pendingIDs(), 2)
}

// VerifyTips checks that every tip exists and is not confirmed.
func (l *Ledger) VerifyTips(tips []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.verifyTips(tips)
}

func (l *Ledger) verifyTips(tips []string) error {
	for _, tip := range tips {
		if _, ok := l.dag.Node(tip); !ok {
			return cm.NewErr("Transaction", cm.Conflict, tip, "tip does not exist")
		}
		if l.confirmed[tip] {
			return cm.NewErr("Transaction", cm.Conflict, tip, "tip is already confirmed")
		}
	}
	return nil
}

// CanAttach runs the checks AttachTransaction would run, without changing
// anything.
func (l *Ledger) CanAttach(tx *Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.canAttach(tx)
}

func (l *Ledger) canAttach(tx *Transaction) error {
	if _, ok := l.dag.Node(tx.ID); ok {
		return cm.NewErr("Transaction", cm.Conflict, tx.ID, "duplicate transaction id")
	}
	for _, dep := range tx.Dependencies {
		if _, ok := l.dag.Node(dep); !ok && !l.opts.ExternalDependencies {
			return cm.Errf("Transaction", cm.Conflict, tx.ID, "unknown dependency %s", dep)
		}
	}
	return nil
}

// AttachTransaction admits tx as pending. It selects up to two tips, verifies
// them, inserts the node and records the approvals. It returns the selected
// tips. On error the ledger is left unchanged.
func (l *Ledger) AttachTransaction(tx *Transaction) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.canAttach(tx); err != nil {
		return nil, err
	}

	tips := l.selectTips()
	if err := l.verifyTips(tips); err != nil {
		return nil, err
	}

	node := &DAGNode{
		Transaction: tx,
		Approves:    tips,
		Seq:         l.seq + 1,
	}

	if err := l.dag.Add(node); err != nil {
		return nil, err
	}
	if err := l.link(node); err != nil {
		l.unlink(node)
		return nil, err
	}

	err := l.store.SetRecord(&Record{
		Seq:         node.Seq,
		Transaction: tx,
		Approves:    tips,
	})
	if err != nil {
		l.unlink(node)
		return nil, err
	}

	l.seq = node.Seq
	l.pending[tx.ID] = true

	l.logger.WithFields(logrus.Fields{
		"id":     tx.ID,
		"tips":   tips,
		"amount": tx.Amount,
	}).Debug("Attached transaction")

	return tips, nil
}

// link inserts the checked edges from the node's tips and dependencies, and
// the matching approvals. Dependencies held elsewhere are skipped.
func (l *Ledger) link(node *DAGNode) error {
	id := node.Transaction.ID

	parents := append([]string{}, node.Approves...)
	for _, dep := range node.Transaction.Dependencies {
		if _, ok := l.dag.Node(dep); ok {
			parents = append(parents, dep)
		}
	}

	for _, p := range parents {
		if err := l.dag.AddEdge(p, id); err != nil {
			return err
		}
	}
	for _, p := range parents {
		l.approvals.Approve(p, id)
	}

	return nil
}

func (l *Ledger) unlink(node *DAGNode) {
	id := node.Transaction.ID
	l.approvals.Forget(id)
	if err := l.dag.Remove(id); err != nil {
		l.logger.WithError(err).WithField("id", id).Error("Removing node")
	}
}

// Detach removes a pending transaction nothing builds upon yet. It undoes a
// partial cross-shard admission.
func (l *Ledger) Detach(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	node, ok := l.dag.Node(id)
	if !ok {
		return cm.NewErr("Transaction", cm.KeyNotFound, id, "")
	}
	if l.confirmed[id] {
		return cm.NewErr("Transaction", cm.Conflict, id, "cannot detach a confirmed transaction")
	}
	if len(node.successors) > 0 {
		return cm.NewErr("Transaction", cm.Conflict, id, "cannot detach an approved transaction")
	}

	if err := l.store.DeleteRecord(id); err != nil {
		return err
	}

	l.unlink(node)
	delete(l.pending, id)

	return nil
}

// GetSubsequentTransactions returns every transaction that directly or
// transitively approves id.
func (l *Ledger) GetSubsequentTransactions(id string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.approvals.Subsequent(id)
}

// Eligible reports whether id has reached the confirmation threshold.
func (l *Ledger) Eligible(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.eligible(id)
}

func (l *Ledger) eligible(id string) bool {
	return len(l.approvals.Subsequent(id)) >= l.opts.ConfirmationThreshold
}

// CanUpdateBalances reports whether the sender of tx can afford it. A sender
// held by another ledger is not checked here.
func (l *Ledger) CanUpdateBalances(tx *Transaction) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.canUpdateBalances(tx)
}

func (l *Ledger) canUpdateBalances(tx *Transaction) bool {
	if !l.opts.Owns(tx.Sender) {
		return true
	}
	return l.balance(tx.Sender) >= tx.Amount
}

// CanConfirm checks that id is known, eligible and affordable. It returns
// nil if id is already confirmed.
func (l *Ledger) CanConfirm(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	node, ok := l.dag.Node(id)
	if !ok {
		return cm.NewErr("Transaction", cm.Conflict, id, "unknown transaction")
	}
	if l.confirmed[id] {
		return nil
	}
	if !l.eligible(id) {
		return cm.Errf("Transaction", cm.ConsensusFailure, id, "%d approvers, need %d",
			len(l.approvals.Subsequent(id)), l.opts.ConfirmationThreshold)
	}
	if !l.canUpdateBalances(node.Transaction) {
		return l.insufficientFunds(node.Transaction)
	}
	return nil
}

// IsTransactionConfirmed returns true if id is confirmed. If it is pending
// and has reached the confirmation threshold, it is confirmed now, provided
// the sender can afford it.
func (l *Ledger) IsTransactionConfirmed(id string) bool {
	l.mu.Lock()

	if l.confirmed[id] {
		l.mu.Unlock()
		return true
	}

	node, ok := l.dag.Node(id)
	if !ok || !l.eligible(id) {
		l.mu.Unlock()
		return false
	}

	err := l.finalize(node)
	l.mu.Unlock()

	if err != nil {
		l.logger.WithError(err).WithField("id", id).Debug("Transaction stays pending")
		return false
	}

	l.notify(node.Transaction)
	return true
}

// ConfirmTransaction confirms id if it is eligible and the sender can afford
// it, applying the balance update atomically. Insufficient funds leave the
// transaction pending and return an InsufficientFunds error. An ineligible
// transaction returns false with no error. Confirming twice has no effect.
func (l *Ledger) ConfirmTransaction(id string) (bool, error) {
	l.mu.Lock()

	node, ok := l.dag.Node(id)
	if !ok {
		l.mu.Unlock()
		return false, cm.NewErr("Transaction", cm.Conflict, id, "unknown transaction")
	}
	if l.confirmed[id] {
		l.mu.Unlock()
		return true, nil
	}
	if !l.eligible(id) {
		l.mu.Unlock()
		return false, nil
	}

	err := l.finalize(node)
	l.mu.Unlock()

	if err != nil {
		return false, err
	}

	l.notify(node.Transaction)
	return true, nil
}

// finalize applies the balance update and moves the node from pending to
// confirmed. The store is written first so a failed write leaves memory
// untouched. Must be called with the lock held.
func (l *Ledger) finalize(node *DAGNode) error {
	tx := node.Transaction

	if !l.canUpdateBalances(tx) {
		return l.insufficientFunds(tx)
	}

	updated := l.updatedBalances(tx)

	err := l.store.Confirm(&Record{
		Seq:         node.Seq,
		Transaction: tx,
		Approves:    node.Approves,
	}, updated)
	if err != nil {
		return err
	}

	for addr, b := range updated {
		l.balances[addr] = b
	}
	delete(l.pending, tx.ID)
	l.confirmed[tx.ID] = true

	l.logger.WithFields(logrus.Fields{
		"id":       tx.ID,
		"sender":   tx.Sender,
		"receiver": tx.Receiver,
		"amount":   tx.Amount,
	}).Info("Confirmed transaction")

	return nil
}

// updatedBalances computes the balances of the owned sides of tx after the
// transfer.
func (l *Ledger) updatedBalances(tx *Transaction) map[string]int64 {
	res := make(map[string]int64)
	if l.opts.Owns(tx.Sender) {
		res[tx.Sender] = l.balance(tx.Sender) - tx.Amount
	}
	if l.opts.Owns(tx.Receiver) {
		if b, ok := res[tx.Receiver]; ok {
			res[tx.Receiver] = b + tx.Amount
		} else {
			res[tx.Receiver] = l.balance(tx.Receiver) + tx.Amount
		}
	}
	return res
}

func (l *Ledger) insufficientFunds(tx *Transaction) error {
	return cm.Errf("Transaction", cm.InsufficientFunds, tx.ID,
		"balance of %s is %d, amount is %d", tx.Sender, l.balance(tx.Sender), tx.Amount)
}

func (l *Ledger) notify(tx *Transaction) {
	if l.opts.OnConfirm != nil {
		l.opts.OnConfirm(tx)
	}
}

// IsCyclic reports whether the DAG contains a cycle. It should always be
// false.
func (l *Ledger) IsCyclic() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.dag.IsCyclic()
}

// Transaction returns a known transaction.
func (l *Ledger) Transaction(id string) (*Transaction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	node, ok := l.dag.Node(id)
	if !ok {
		return nil, false
	}
	return node.Transaction, true
}

// Node returns a copy of the DAG node of id.
func (l *Ledger) Node(id string) (DAGNode, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	node, ok := l.dag.Node(id)
	if !ok {
		return DAGNode{}, false
	}
	cp := *node
	cp.Approves = append([]string{}, node.Approves...)
	cp.successors = node.Successors()
	return cp, true
}

// Approvers returns the direct approvers of id.
func (l *Ledger) Approvers(id string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.approvals.Approvers(id)
}

// IsConfirmed reports whether id is confirmed, without attempting to confirm
// it.
func (l *Ledger) IsConfirmed(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.confirmed[id]
}

// IsPending ...
func (l *Ledger) IsPending(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.pending[id]
}

// Pending returns the ids of pending transactions in admission order.
func (l *Ledger) Pending() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.pendingIDs()
}

func (l *Ledger) pendingIDs() []string {
	return l.sortedIDs(l.pending)
}

// Confirmed returns the ids of confirmed transactions in admission order.
func (l *Ledger) Confirmed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.sortedIDs(l.confirmed)
}

func (l *Ledger) sortedIDs(set map[string]bool) []string {
	res := make([]string, 0, len(set))
	for id := range set {
		res = append(res, id)
	}
	sort.Slice(res, func(i, j int) bool {
		ni, _ := l.dag.Node(res[i])
		nj, _ := l.dag.Node(res[j])
		return ni.Seq < nj.Seq
	})
	return res
}

// TransactionsForGossip returns the pending transactions in admission order.
func (l *Ledger) TransactionsForGossip() []*Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := l.pendingIDs()
	res := make([]*Transaction, len(ids))
	for i, id := range ids {
		node, _ := l.dag.Node(id)
		res[i] = node.Transaction
	}
	return res
}

// Stats ...
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		Transactions: l.dag.Len(),
		Pending:      len(l.pending),
		Confirmed:    len(l.confirmed),
	}
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
