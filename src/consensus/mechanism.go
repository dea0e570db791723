package consensus

import (
	"math"
	"sync"
	"time"

	cm "github.com/hgnetwork/pulse/src/common"
	"github.com/hgnetwork/pulse/src/crypto"
	"github.com/hgnetwork/pulse/src/ledger"
	"github.com/hgnetwork/pulse/src/net"
	"github.com/hgnetwork/pulse/src/peers"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Default consensus parameters.
const (
	DefaultConsensusRatio    = 0.6
	DefaultMinSampleSize     = 3
	DefaultSampleFraction    = 0.2
	DefaultGossipFanout      = 3
	DefaultGossipInterval    = 10 * time.Second
	DefaultDiscoveryInterval = 300 * time.Second
	DefaultRateLimit         = 60
	DefaultMaxDeferred       = 1000
)

// Ledger is what the mechanism needs from the shard manager.
type Ledger interface {
	LedgerReader
	AdmitTransaction(tx *ledger.Transaction) error
	ConfirmPending() []string
	TransactionsForGossip() []*ledger.Transaction
	Assignee(txID string) (string, bool)
}

// Config ...
type Config struct {
	// ConsensusRatio is the share of sampled peers that must approve a
	// transaction.
	ConsensusRatio float64

	// MinSampleSize and SampleFraction give the number of peers polled:
	// max(MinSampleSize, ceil(SampleFraction * peers)), capped at the number
	// of peers.
	MinSampleSize  int
	SampleFraction float64

	// DisableSampling skips the peer vote.
	DisableSampling bool

	// GossipFanout is the number of random peers a pending transaction is
	// sent to each gossip round, on top of its shard assignee.
	GossipFanout int

	GossipInterval    time.Duration
	DiscoveryInterval time.Duration

	// RateLimit is the number of inbound gossip payloads accepted per minute.
	RateLimit int

	ClockSkew time.Duration

	// MaxDeferred bounds the transactions held for another vote.
	MaxDeferred int
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		ConsensusRatio:    DefaultConsensusRatio,
		MinSampleSize:     DefaultMinSampleSize,
		SampleFraction:    DefaultSampleFraction,
		GossipFanout:      DefaultGossipFanout,
		GossipInterval:    DefaultGossipInterval,
		DiscoveryInterval: DefaultDiscoveryInterval,
		RateLimit:         DefaultRateLimit,
		ClockSkew:         DefaultClockSkew,
		MaxDeferred:       DefaultMaxDeferred,
	}
}

// Vote is the outcome of a peer sampling round.
type Vote struct {
	Sampled     []string
	Affirmative int
	Accepted    bool
}

// Mechanism admits transactions into the ledger, gossips them, and runs the
// sampling vote. Gossip payloads are sealed with the shared gossip key.
type Mechanism struct {
	conf      Config
	ledger    Ledger
	network   *peers.Network
	trans     net.Transport
	cipher    *crypto.GossipCipher
	validator *Validator
	sampler   cm.Sampler
	limiter   *rate.Limiter
	logger    *logrus.Entry

	mu       sync.Mutex
	deferred map[string]*ledger.Transaction

	taskLock      sync.Mutex
	gossipTask    *cm.Task
	discoveryTask *cm.Task
}

// NewMechanism ...
func NewMechanism(
	conf Config,
	l Ledger,
	network *peers.Network,
	trans net.Transport,
	cipher *crypto.GossipCipher,
	logger *logrus.Entry,
) *Mechanism {

	def := DefaultConfig()
	if conf.ConsensusRatio <= 0 {
		conf.ConsensusRatio = def.ConsensusRatio
	}
	if conf.MinSampleSize <= 0 {
		conf.MinSampleSize = def.MinSampleSize
	}
	if conf.SampleFraction <= 0 {
		conf.SampleFraction = def.SampleFraction
	}
	if conf.GossipFanout <= 0 {
		conf.GossipFanout = def.GossipFanout
	}
	if conf.GossipInterval <= 0 {
		conf.GossipInterval = def.GossipInterval
	}
	if conf.DiscoveryInterval <= 0 {
		conf.DiscoveryInterval = def.DiscoveryInterval
	}
	if conf.RateLimit <= 0 {
		conf.RateLimit = def.RateLimit
	}
	if conf.MaxDeferred <= 0 {
		conf.MaxDeferred = def.MaxDeferred
	}

	m := &Mechanism{
		conf:      conf,
		ledger:    l,
		network:   network,
		trans:     trans,
		cipher:    cipher,
		validator: NewValidator(l, conf.ClockSkew),
		sampler:   cm.NewRandomSampler(),
		limiter:   rate.NewLimiter(rate.Limit(float64(conf.RateLimit)/60), conf.RateLimit),
		logger:    logger,
		deferred:  make(map[string]*ledger.Transaction),
	}

	if !conf.DisableSampling {
		m.validator.SetSampling(m.sampleConsensus)
	}

	return m
}

// SetSampler replaces the random peer sampler. Tests use a seeded one.
func (m *Mechanism) SetSampler(s cm.Sampler) {
	m.sampler = s
}

// Validator ...
func (m *Mechanism) Validator() *Validator {
	return m.validator
}

// SampleSize returns the number of peers polled when numPeers are active.
func (m *Mechanism) SampleSize(numPeers int) int {
	if numPeers <= 0 {
		return 0
	}
	k := int(math.Ceil(m.conf.SampleFraction * float64(numPeers)))
	if k > numPeers {
		k = numPeers
	}
	if k < m.conf.MinSampleSize {
		k = m.conf.MinSampleSize
	}
	if k > numPeers {
		k = numPeers
	}
	return k
}

// ValidateAndReachConsensus runs the full admission pipeline on tx, peer vote
// included.
func (m *Mechanism) ValidateAndReachConsensus(tx *ledger.Transaction) error {
	return m.validator.Validate(tx)
}

// ConfirmTransaction polls a sample of the active peers about tx. Each
// unreachable peer counts as a negative vote and is dropped from the active
// set. With no active peers the vote is skipped and tx is accepted.
func (m *Mechanism) ConfirmTransaction(tx *ledger.Transaction) Vote {
	active := m.network.Snapshot()

	k := m.SampleSize(len(active))
	if k == 0 {
		return Vote{Accepted: true}
	}

	sampled := m.sampler.Sample(active, k)

	var mu sync.Mutex
	affirmative := 0

	m.network.Multicast(sampled, func(p string) error {
		var resp net.ValidateResponse
		if err := m.trans.Validate(p, &net.ValidateRequest{Transaction: tx}, &resp); err != nil {
			return err
		}
		if resp.Valid {
			mu.Lock()
			affirmative++
			mu.Unlock()
		}
		return nil
	})

	ratio := float64(affirmative) / float64(k)
	vote := Vote{
		Sampled:     sampled,
		Affirmative: affirmative,
		Accepted:    ratio >= m.conf.ConsensusRatio,
	}

	m.logger.WithFields(logrus.Fields{
		"id":          tx.ID,
		"sampled":     k,
		"affirmative": affirmative,
		"accepted":    vote.Accepted,
	}).Debug("Peer vote")

	return vote
}

func (m *Mechanism) sampleConsensus(tx *ledger.Transaction) error {
	vote := m.ConfirmTransaction(tx)
	if !vote.Accepted {
		return cm.Errf("Transaction", cm.ConsensusFailure, tx.ID,
			"%d of %d sampled peers approved", vote.Affirmative, len(vote.Sampled))
	}
	return nil
}

// AdmitTransaction validates tx and attaches it to the ledger. A transaction
// that only failed the peer vote is held and retried on every gossip round.
func (m *Mechanism) AdmitTransaction(tx *ledger.Transaction) error {
	if tx != nil {
		if _, ok := m.ledger.Transaction(tx.ID); ok {
			return cm.NewErr("Transaction", cm.Conflict, tx.ID, "already known")
		}
	}

	if err := m.ValidateAndReachConsensus(tx); err != nil {
		if cm.Is(err, cm.ConsensusFailure) {
			m.deferTransaction(tx)
		}
		return err
	}

	if err := m.ledger.AdmitTransaction(tx); err != nil {
		return err
	}

	m.forget(tx.ID)

	m.logger.WithField("id", tx.ID).Debug("Transaction admitted")

	return nil
}

// SubmitTransaction admits a client transaction and broadcasts it.
func (m *Mechanism) SubmitTransaction(tx *ledger.Transaction) error {
	if err := m.AdmitTransaction(tx); err != nil {
		return err
	}

	if _, _, err := m.BroadcastTransaction(tx); err != nil {
		m.logger.WithError(err).Warn("Broadcast failed")
	}

	return nil
}

// ProcessIncomingTransaction handles a gossip payload: it is decrypted,
// decoded and admitted. Transactions already in the ledger are acknowledged
// without further work and do not count against the rate limit. Newly
// admitted ones are re-broadcast.
func (m *Mechanism) ProcessIncomingTransaction(payload []byte) (string, error) {
	plain, err := m.cipher.Open(payload)
	if err != nil {
		return "", cm.Errf("Gossip", cm.Validation, "", "decrypting payload: %v", err)
	}

	var tx ledger.Transaction
	if err := tx.Unmarshal(plain); err != nil {
		return "", cm.Errf("Gossip", cm.Validation, "", "decoding payload: %v", err)
	}

	if _, ok := m.ledger.Transaction(tx.ID); ok {
		return tx.ID, nil
	}

	if !m.limiter.Allow() {
		return tx.ID, cm.NewErr("Gossip", cm.Validation, tx.ID, "rate limited")
	}

	if err := m.AdmitTransaction(&tx); err != nil {
		return tx.ID, err
	}

	if _, _, err := m.BroadcastTransaction(&tx); err != nil {
		m.logger.WithError(err).Warn("Broadcast failed")
	}

	return tx.ID, nil
}

// HandlePropagate admits a transaction re-sent in clear by a peer.
func (m *Mechanism) HandlePropagate(tx *ledger.Transaction) error {
	if tx == nil {
		return cm.NewErr("Transaction", cm.Validation, "", "missing transaction")
	}
	if _, ok := m.ledger.Transaction(tx.ID); ok {
		return nil
	}
	return m.AdmitTransaction(tx)
}

// HandleValidate answers a vote request with the local checks only.
func (m *Mechanism) HandleValidate(tx *ledger.Transaction) *net.ValidateResponse {
	err := m.validator.ValidateLocal(tx)
	if err != nil {
		id := ""
		if tx != nil {
			id = tx.ID
		}
		m.logger.WithFields(logrus.Fields{
			"id":    id,
			"error": err,
		}).Debug("Voting against transaction")
	}
	return &net.ValidateResponse{Valid: err == nil}
}

func (m *Mechanism) seal(tx *ledger.Transaction) ([]byte, error) {
	data, err := tx.Marshal()
	if err != nil {
		return nil, err
	}
	return m.cipher.Seal(data)
}

// BroadcastTransaction sends tx, encrypted, to every active peer.
func (m *Mechanism) BroadcastTransaction(tx *ledger.Transaction) (int, int, error) {
	payload, err := m.seal(tx)
	if err != nil {
		return 0, 0, err
	}
	success, failure := m.network.Broadcast(m.gossipFunc(payload))
	return success, failure, nil
}

func (m *Mechanism) gossipFunc(payload []byte) func(string) error {
	return func(p string) error {
		var resp net.GossipResponse
		return m.trans.Gossip(p, &net.GossipRequest{Payload: payload}, &resp)
	}
}

// GossipRound retries deferred transactions, sends every unconfirmed
// transaction to a random subset of peers plus its shard assignee, and tries
// to confirm the pending ones.
func (m *Mechanism) GossipRound() error {
	m.RetryDeferred()

	self := m.network.Self()

	for _, tx := range m.ledger.TransactionsForGossip() {
		targets := m.sampler.Sample(m.network.Snapshot(), m.conf.GossipFanout)
		if assignee, ok := m.ledger.Assignee(tx.ID); ok && assignee != self && !contains(targets, assignee) {
			targets = append(targets, assignee)
		}
		if len(targets) == 0 {
			continue
		}

		payload, err := m.seal(tx)
		if err != nil {
			m.logger.WithError(err).Error("Sealing transaction")
			continue
		}
		m.network.Multicast(targets, m.gossipFunc(payload))
	}

	if confirmed := m.ledger.ConfirmPending(); len(confirmed) > 0 {
		m.logger.WithField("count", len(confirmed)).Debug("Confirmed transactions")
	}

	return nil
}

// DiscoveryRound refreshes the active peer set.
func (m *Mechanism) DiscoveryRound() error {
	added := m.network.DiscoverPeers()
	added += m.network.SharePeers()
	if added > 0 {
		m.logger.WithField("added", added).Debug("Discovered peers")
	}
	return nil
}

func (m *Mechanism) deferTransaction(tx *ledger.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deferred[tx.ID]; !ok && len(m.deferred) >= m.conf.MaxDeferred {
		m.logger.WithField("id", tx.ID).Warn("Deferred pool full, dropping transaction")
		return
	}
	m.deferred[tx.ID] = tx
}

func (m *Mechanism) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deferred, id)
}

// Deferred returns the ids of the transactions awaiting another vote.
func (m *Mechanism) Deferred() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make([]string, 0, len(m.deferred))
	for id := range m.deferred {
		res = append(res, id)
	}
	return res
}

// RetryDeferred re-runs admission for every deferred transaction. It returns
// the ids admitted. Transactions failing for any reason other than the vote
// are dropped.
func (m *Mechanism) RetryDeferred() []string {
	m.mu.Lock()
	pending := make([]*ledger.Transaction, 0, len(m.deferred))
	for _, tx := range m.deferred {
		pending = append(pending, tx)
	}
	m.mu.Unlock()

	admitted := []string{}
	for _, tx := range pending {
		if _, ok := m.ledger.Transaction(tx.ID); ok {
			m.forget(tx.ID)
			continue
		}

		err := m.AdmitTransaction(tx)
		switch {
		case err == nil:
			admitted = append(admitted, tx.ID)
			if _, _, err := m.BroadcastTransaction(tx); err != nil {
				m.logger.WithError(err).Warn("Broadcast failed")
			}
		case cm.Is(err, cm.ConsensusFailure):
		default:
			m.logger.WithFields(logrus.Fields{
				"id":    tx.ID,
				"error": err,
			}).Debug("Dropping deferred transaction")
			m.forget(tx.ID)
		}
	}

	return admitted
}

// Start launches the gossip and discovery loops.
func (m *Mechanism) Start() {
	m.taskLock.Lock()
	defer m.taskLock.Unlock()

	if m.gossipTask != nil {
		return
	}

	m.gossipTask = cm.NewTask("gossip", m.conf.GossipInterval, m.GossipRound, m.logger)
	m.discoveryTask = cm.NewTask("discovery", m.conf.DiscoveryInterval, m.DiscoveryRound, m.logger)

	m.gossipTask.RunAsync()
	m.discoveryTask.RunAsync()
}

// Stop terminates the loops and waits for them to return.
func (m *Mechanism) Stop() {
	m.taskLock.Lock()
	tasks := []*cm.Task{m.gossipTask, m.discoveryTask}
	m.gossipTask = nil
	m.discoveryTask = nil
	m.taskLock.Unlock()

	for _, t := range tasks {
		if t == nil {
			continue
		}
		t.Stop()
		<-t.Done()
	}
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
