package node

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/hgnetwork/pulse/src/ledger"
	"gonum.org/v1/gonum/stat"
)

const (
	feedBuffer    = 64
	latencyWindow = 1000
)

// LatencyStats summarises the time between the creation and the confirmation
// of recent transactions, in seconds.
type LatencyStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
}

// Feed publishes confirmed transactions to subscribers and keeps latency
// statistics. Publish never blocks: a subscriber that falls behind misses
// transactions.
type Feed struct {
	mu        sync.Mutex
	subs      map[int]chan *ledger.Transaction
	next      int
	closed    bool
	latencies []float64
	pos       int
	now       func() time.Time
}

// NewFeed ...
func NewFeed() *Feed {
	return &Feed{
		subs:      make(map[int]chan *ledger.Transaction),
		latencies: make([]float64, 0, latencyWindow),
		now:       time.Now,
	}
}

// Publish records the confirmation of tx. It is safe to use as the ledger
// OnConfirm callback.
func (f *Feed) Publish(tx *ledger.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	latency := f.now().Sub(tx.Time()).Seconds()
	if latency < 0 {
		latency = 0
	}
	if len(f.latencies) < latencyWindow {
		f.latencies = append(f.latencies, latency)
	} else {
		f.latencies[f.pos] = latency
		f.pos = (f.pos + 1) % latencyWindow
	}

	for _, ch := range f.subs {
		select {
		case ch <- tx:
		default:
		}
	}
}

// Subscribe returns a channel of confirmed transactions and a function to
// cancel the subscription.
func (f *Feed) Subscribe() (<-chan *ledger.Transaction, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan *ledger.Transaction, feedBuffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}

	id := f.next
	f.next++
	f.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
		})
	}

	return ch, cancel
}

// Latency computes the statistics over the last confirmations.
func (f *Feed) Latency() LatencyStats {
	f.mu.Lock()
	x := make([]float64, len(f.latencies))
	copy(x, f.latencies)
	f.mu.Unlock()

	res := LatencyStats{Count: len(x)}
	if len(x) == 0 {
		return res
	}

	sort.Float64s(x)

	res.Mean = stat.Mean(x, nil)
	if len(x) > 1 {
		res.StdDev = stat.StdDev(x, nil)
	}
	res.P50 = stat.Quantile(0.5, stat.Empirical, x, nil)
	res.P95 = stat.Quantile(0.95, stat.Empirical, x, nil)

	if math.IsNaN(res.StdDev) {
		res.StdDev = 0
	}

	return res
}

// Close ends every subscription.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
