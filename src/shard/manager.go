package shard

import (
	"fmt"
	"sort"
	"sync"

	cm "github.com/hgnetwork/pulse/src/common"
	"github.com/hgnetwork/pulse/src/crypto"
	"github.com/hgnetwork/pulse/src/ledger"
	"github.com/sirupsen/logrus"
)

// DefaultNumShards ...
const DefaultNumShards = 10

// StoreFactory opens the Store backing one shard.
type StoreFactory func(shardID int) (ledger.Store, error)

// Stats aggregates the per-shard ledger stats. Pending and Confirmed count
// cross-shard transactions once.
type Stats struct {
	Shards    []ledger.Stats `json:"shards"`
	Pending   int            `json:"pending"`
	Confirmed int            `json:"confirmed"`
}

// Manager partitions the ledger across numShards independent Ledgers. A
// wallet lives in shard SHA256(address) mod numShards, and a transaction is
// owned by the shard of its sender.
//
// The coordination lock is taken shared by single-shard operations and
// exclusively by cross-shard ones, so a two-phase cross-shard operation sees
// no concurrent change in any shard.
type Manager struct {
	numShards int
	shards    []*ledger.Ledger
	logger    *logrus.Entry

	coord sync.RWMutex

	membership *membership
}

// NewManager creates numShards ledgers configured with opts. Ownership and
// external dependencies are set per shard.
func NewManager(numShards int, opts ledger.Options, newStore StoreFactory, logger *logrus.Entry) (*Manager, error) {
	if numShards <= 0 {
		return nil, fmt.Errorf("number of shards must be positive, got %d", numShards)
	}

	m := &Manager{
		numShards:  numShards,
		shards:     make([]*ledger.Ledger, numShards),
		logger:     logger,
		membership: newMembership(),
	}

	for i := 0; i < numShards; i++ {
		store, err := newStore(i)
		if err != nil {
			return nil, fmt.Errorf("opening store of shard %d: %v", i, err)
		}

		shardID := i
		shardOpts := opts
		shardOpts.Owns = func(address string) bool {
			return m.ShardOf(address) == shardID
		}
		shardOpts.ExternalDependencies = true

		// only the owner shard reports a confirmation, so cross-shard
		// transactions are reported once
		if opts.OnConfirm != nil {
			notify := opts.OnConfirm
			shardOpts.OnConfirm = func(tx *ledger.Transaction) {
				if m.AssignShard(tx) == shardID {
					notify(tx)
				}
			}
		}

		m.shards[i] = ledger.NewLedger(shardOpts, store, logger.WithField("shard", i))
	}

	return m, nil
}

// NumShards ...
func (m *Manager) NumShards() int {
	return m.numShards
}

// ShardOf returns the shard holding a wallet.
func (m *Manager) ShardOf(address string) int {
	return crypto.HashMod([]byte(address), m.numShards)
}

// AssignShard returns the shard owning tx, the shard of its sender. It only
// depends on the sender and the number of shards.
func (m *Manager) AssignShard(tx *ledger.Transaction) int {
	return m.ShardOf(tx.Sender)
}

// InvolvedShards returns the sorted shards of the sender and the receiver.
func (m *Manager) InvolvedShards(tx *ledger.Transaction) []int {
	s, r := m.ShardOf(tx.Sender), m.ShardOf(tx.Receiver)
	if s == r {
		return []int{s}
	}
	if s > r {
		s, r = r, s
	}
	return []int{s, r}
}

// Ledger returns the ledger of a shard.
func (m *Manager) Ledger(shardID int) *ledger.Ledger {
	return m.shards[shardID]
}

// Bootstrap reloads every shard from its store and assigns the pending
// transactions to shard members.
func (m *Manager) Bootstrap() error {
	m.coord.Lock()
	defer m.coord.Unlock()

	for i, l := range m.shards {
		if err := l.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrapping shard %d: %v", i, err)
		}
		for _, tx := range l.TransactionsForGossip() {
			if m.AssignShard(tx) == i {
				m.membership.assign(tx.ID, i)
			}
		}
	}
	return nil
}

// SetBalance sets the balance of a wallet in the shard holding it.
func (m *Manager) SetBalance(address string, amount int64) error {
	m.coord.RLock()
	defer m.coord.RUnlock()

	return m.shards[m.ShardOf(address)].SetBalance(address, amount)
}

// Balance returns the balance of a wallet.
func (m *Manager) Balance(address string) int64 {
	m.coord.RLock()
	defer m.coord.RUnlock()

	return m.shards[m.ShardOf(address)].Balance(address)
}

// locate finds id in any shard.
func (m *Manager) locate(id string) (*ledger.Transaction, bool) {
	for _, l := range m.shards {
		if tx, ok := l.Transaction(id); ok {
			return tx, true
		}
	}
	return nil, false
}

// Transaction looks a transaction up in every shard.
func (m *Manager) Transaction(id string) (*ledger.Transaction, bool) {
	m.coord.RLock()
	defer m.coord.RUnlock()

	return m.locate(id)
}

// IsConfirmed reports whether id is confirmed in every shard it involves,
// without trying to confirm it.
func (m *Manager) IsConfirmed(id string) bool {
	m.coord.RLock()
	defer m.coord.RUnlock()

	return m.isConfirmed(id)
}

func (m *Manager) isConfirmed(id string) bool {
	tx, ok := m.locate(id)
	if !ok {
		return false
	}
	for _, s := range m.InvolvedShards(tx) {
		if !m.shards[s].IsConfirmed(id) {
			return false
		}
	}
	return true
}

// checkDependencies makes sure every dependency is held by some shard.
func (m *Manager) checkDependencies(tx *ledger.Transaction) error {
	for _, dep := range tx.Dependencies {
		if _, ok := m.locate(dep); !ok {
			return cm.Errf("Transaction", cm.Conflict, tx.ID, "unknown dependency %s", dep)
		}
	}
	return nil
}

// AdmitTransaction attaches tx to the shards it involves. A cross-shard
// transaction is first checked against every involved shard and attached to
// none of them unless all accept it. If attaching fails half-way, the shards
// already changed are rolled back.
func (m *Manager) AdmitTransaction(tx *ledger.Transaction) error {
	involved := m.InvolvedShards(tx)

	if len(involved) == 1 {
		m.coord.RLock()
		defer m.coord.RUnlock()

		if err := m.checkDependencies(tx); err != nil {
			return err
		}
		if _, err := m.shards[involved[0]].AttachTransaction(tx); err != nil {
			return err
		}
		m.membership.assign(tx.ID, involved[0])
		return nil
	}

	m.coord.Lock()
	defer m.coord.Unlock()

	if err := m.checkDependencies(tx); err != nil {
		return err
	}

	for _, s := range involved {
		if err := m.shards[s].CanAttach(tx); err != nil {
			return cm.Errf("Transaction", cm.ShardCoordination, tx.ID, "shard %d rejected: %v", s, err)
		}
	}

	attached := []int{}
	for _, s := range involved {
		if _, err := m.shards[s].AttachTransaction(tx); err != nil {
			m.rollback(tx.ID, attached)
			return cm.Errf("Transaction", cm.ShardCoordination, tx.ID, "shard %d failed to attach: %v", s, err)
		}
		attached = append(attached, s)
	}

	m.membership.assign(tx.ID, m.AssignShard(tx))

	m.logger.WithFields(logrus.Fields{
		"id":     tx.ID,
		"shards": involved,
	}).Debug("Admitted cross-shard transaction")

	return nil
}

func (m *Manager) rollback(id string, shards []int) {
	for _, s := range shards {
		if err := m.shards[s].Detach(id); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"id":    id,
				"shard": s,
			}).Error("Rolling back cross-shard admission")
		}
	}
}

// ConfirmTransaction confirms id in every shard it involves. A cross-shard
// transaction must be eligible and affordable in all of them before any is
// changed. It follows the same conventions as Ledger.ConfirmTransaction.
func (m *Manager) ConfirmTransaction(id string) (bool, error) {
	m.coord.RLock()
	tx, ok := m.locate(id)
	if !ok {
		m.coord.RUnlock()
		return false, cm.NewErr("Transaction", cm.Conflict, id, "unknown transaction")
	}

	involved := m.InvolvedShards(tx)
	if len(involved) == 1 {
		defer m.coord.RUnlock()

		ok, err := m.shards[involved[0]].ConfirmTransaction(id)
		if ok {
			m.membership.release(id)
		}
		return ok, err
	}
	m.coord.RUnlock()

	m.coord.Lock()
	defer m.coord.Unlock()

	return m.confirmCrossShard(tx, involved)
}

func (m *Manager) confirmCrossShard(tx *ledger.Transaction, involved []int) (bool, error) {
	if m.isConfirmed(tx.ID) {
		return true, nil
	}

	for _, s := range involved {
		if err := m.shards[s].CanConfirm(tx.ID); err != nil {
			if cm.Is(err, cm.ConsensusFailure) {
				return false, nil
			}
			return false, err
		}
	}

	for _, s := range involved {
		if _, err := m.shards[s].ConfirmTransaction(tx.ID); err != nil {
			return false, cm.Errf("Transaction", cm.ShardCoordination, tx.ID, "shard %d failed to confirm: %v", s, err)
		}
	}

	m.membership.release(tx.ID)

	return true, nil
}

// IsTransactionConfirmed returns true if id is confirmed, confirming it now
// if it has become eligible.
func (m *Manager) IsTransactionConfirmed(id string) bool {
	m.coord.RLock()
	tx, ok := m.locate(id)
	if !ok {
		m.coord.RUnlock()
		return false
	}

	involved := m.InvolvedShards(tx)
	if len(involved) == 1 {
		defer m.coord.RUnlock()

		confirmed := m.shards[involved[0]].IsTransactionConfirmed(id)
		if confirmed {
			m.membership.release(id)
		}
		return confirmed
	}
	m.coord.RUnlock()

	m.coord.Lock()
	defer m.coord.Unlock()

	confirmed, err := m.confirmCrossShard(tx, involved)
	if err != nil {
		m.logger.WithError(err).WithField("id", id).Debug("Cross-shard transaction stays pending")
	}
	return confirmed
}

// ConfirmPending tries to confirm every pending transaction and returns the
// ids that were confirmed.
func (m *Manager) ConfirmPending() []string {
	res := []string{}
	for _, id := range m.Pending() {
		if m.IsTransactionConfirmed(id) {
			res = append(res, id)
		}
	}
	return res
}

// Pending returns the pending transaction ids of all shards, each once.
func (m *Manager) Pending() []string {
	m.coord.RLock()
	defer m.coord.RUnlock()

	seen := make(map[string]bool)
	res := []string{}
	for _, l := range m.shards {
		for _, id := range l.Pending() {
			if !seen[id] {
				seen[id] = true
				res = append(res, id)
			}
		}
	}
	return res
}

// TransactionsForGossip returns the pending transactions of all shards, each
// once.
func (m *Manager) TransactionsForGossip() []*ledger.Transaction {
	m.coord.RLock()
	defer m.coord.RUnlock()

	seen := make(map[string]bool)
	res := []*ledger.Transaction{}
	for _, l := range m.shards {
		for _, tx := range l.TransactionsForGossip() {
			if !seen[tx.ID] {
				seen[tx.ID] = true
				res = append(res, tx)
			}
		}
	}
	return res
}

// IsCyclic reports whether any shard's DAG contains a cycle.
func (m *Manager) IsCyclic() bool {
	m.coord.RLock()
	defer m.coord.RUnlock()

	for _, l := range m.shards {
		if l.IsCyclic() {
			return true
		}
	}
	return false
}

// Stats ...
func (m *Manager) Stats() Stats {
	m.coord.RLock()
	defer m.coord.RUnlock()

	stats := Stats{Shards: make([]ledger.Stats, m.numShards)}
	pending := make(map[string]bool)
	confirmed := make(map[string]bool)

	for i, l := range m.shards {
		stats.Shards[i] = l.Stats()
		for _, id := range l.Pending() {
			pending[id] = true
		}
		for _, id := range l.Confirmed() {
			confirmed[id] = true
		}
	}

	// a cross-shard transaction confirmed in one shard only is still pending
	for id := range confirmed {
		if pending[id] {
			delete(confirmed, id)
		}
	}

	stats.Pending = len(pending)
	stats.Confirmed = len(confirmed)

	return stats
}

// Close closes every shard's store.
func (m *Manager) Close() error {
	var firstErr error
	for _, l := range m.shards {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

/*******************************************************************************
Membership
*******************************************************************************/

// MemberShard returns the shard a node serves.
func (m *Manager) MemberShard(node string) int {
	return crypto.HashMod([]byte(node), m.numShards)
}

// AddMember registers a node with its shard. Transactions of that shard that
// had nobody to process them are assigned to it.
func (m *Manager) AddMember(node string) {
	shardID := m.MemberShard(node)
	if m.membership.add(node, shardID) {
		m.logger.WithFields(logrus.Fields{
			"node":  node,
			"shard": shardID,
		}).Debug("Added shard member")
	}
}

// RemoveMember unregisters a node and hands its in-flight transactions to
// the remaining members of its shard. It returns the reassigned ids.
func (m *Manager) RemoveMember(node string) []string {
	moved := m.membership.remove(node, m.MemberShard(node))
	if len(moved) > 0 {
		m.logger.WithFields(logrus.Fields{
			"node":  node,
			"moved": len(moved),
		}).Info("Redistributed in-flight transactions")
	}
	return moved
}

// Members returns the nodes serving a shard.
func (m *Manager) Members(shardID int) []string {
	return m.membership.members(shardID)
}

// Assignee returns the node responsible for processing an in-flight
// transaction.
func (m *Manager) Assignee(txID string) (string, bool) {
	return m.membership.assignee(txID)
}

// InFlight returns the ids of the in-flight transactions assigned to node.
func (m *Manager) InFlight(node string) []string {
	return m.membership.inFlight(node)
}

type membership struct {
	sync.Mutex
	byShard     map[int][]string
	assignments map[string]string // tx id -> member, "" if unassigned
	txShard     map[string]int
	next        map[int]int
}

func newMembership() *membership {
	return &membership{
		byShard:     make(map[int][]string),
		assignments: make(map[string]string),
		txShard:     make(map[string]int),
		next:        make(map[int]int),
	}
}

// pick returns the next member of the shard in round-robin order. Must be
// called with the lock held.
func (ms *membership) pick(shardID int) string {
	members := ms.byShard[shardID]
	if len(members) == 0 {
		return ""
	}
	i := ms.next[shardID] % len(members)
	ms.next[shardID] = i + 1
	return members[i]
}

func (ms *membership) assign(txID string, shardID int) {
	ms.Lock()
	defer ms.Unlock()

	ms.txShard[txID] = shardID
	ms.assignments[txID] = ms.pick(shardID)
}

func (ms *membership) release(txID string) {
	ms.Lock()
	defer ms.Unlock()

	delete(ms.assignments, txID)
	delete(ms.txShard, txID)
}

func (ms *membership) add(node string, shardID int) bool {
	ms.Lock()
	defer ms.Unlock()

	for _, n := range ms.byShard[shardID] {
		if n == node {
			return false
		}
	}
	ms.byShard[shardID] = append(ms.byShard[shardID], node)
	sort.Strings(ms.byShard[shardID])

	for txID, member := range ms.assignments {
		if member == "" && ms.txShard[txID] == shardID {
			ms.assignments[txID] = node
		}
	}
	return true
}

func (ms *membership) remove(node string, shardID int) []string {
	ms.Lock()
	defer ms.Unlock()

	members := ms.byShard[shardID]
	for i, n := range members {
		if n == node {
			ms.byShard[shardID] = append(members[:i:i], members[i+1:]...)
			break
		}
	}

	moved := []string{}
	for txID, member := range ms.assignments {
		if member == node {
			ms.assignments[txID] = ms.pick(ms.txShard[txID])
			moved = append(moved, txID)
		}
	}
	sort.Strings(moved)
	return moved
}

func (ms *membership) members(shardID int) []string {
	ms.Lock()
	defer ms.Unlock()

	return append([]string{}, ms.byShard[shardID]...)
}

func (ms *membership) assignee(txID string) (string, bool) {
	ms.Lock()
	defer ms.Unlock()

	member, ok := ms.assignments[txID]
	return member, ok && member != ""
}

func (ms *membership) inFlight(node string) []string {
	ms.Lock()
	defer ms.Unlock()

	res := []string{}
	for txID, member := range ms.assignments {
		if member == node {
			res = append(res, txID)
		}
	}
	sort.Strings(res)
	return res
}
