package node

import (
	"testing"
	"time"

	"github.com/hgnetwork/pulse/src/ledger"
)

func txAt(id string, created time.Time) *ledger.Transaction {
	tx := ledger.NewTransaction("alice", "bob", 1, nil)
	tx.ID = id
	tx.Timestamp = created.UnixNano()
	return tx
}

func TestFeedLatency(t *testing.T) {
	feed := NewFeed()

	now := time.Unix(1000, 0)
	feed.now = func() time.Time { return now }

	if s := feed.Latency(); s.Count != 0 || s.Mean != 0 {
		t.Fatalf("empty feed should report no latency, got %+v", s)
	}

	for i := 1; i <= 4; i++ {
		feed.Publish(txAt("tx", now.Add(-time.Duration(i)*time.Second)))
	}

	s := feed.Latency()
	if s.Count != 4 {
		t.Fatalf("count should be 4, not %d", s.Count)
	}
	if s.Mean != 2.5 {
		t.Fatalf("mean should be 2.5, not %v", s.Mean)
	}
	if s.P50 != 2 || s.P95 != 4 {
		t.Fatalf("quantiles should be 2 and 4, got %v and %v", s.P50, s.P95)
	}

	// timestamps in the future count as zero
	feed.Publish(txAt("future", now.Add(time.Minute)))
	if s := feed.Latency(); s.Count != 5 || s.Mean != 2 {
		t.Fatalf("future transaction should add a zero latency, got %+v", s)
	}
}

func TestFeedSubscribe(t *testing.T) {
	feed := NewFeed()

	ch1, cancel1 := feed.Subscribe()
	ch2, cancel2 := feed.Subscribe()
	defer cancel2()

	feed.Publish(txAt("a", time.Now()))

	for i, ch := range []<-chan *ledger.Transaction{ch1, ch2} {
		select {
		case tx := <-ch:
			if tx.ID != "a" {
				t.Fatalf("subscriber %d received %s", i, tx.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}

	cancel1()
	cancel1()

	if _, ok := <-ch1; ok {
		t.Fatalf("cancelled subscription should be closed")
	}

	feed.Publish(txAt("b", time.Now()))
	if tx := <-ch2; tx.ID != "b" {
		t.Fatalf("remaining subscriber should receive b, not %s", tx.ID)
	}
}

func TestFeedSlowSubscriber(t *testing.T) {
	feed := NewFeed()

	ch, cancel := feed.Subscribe()
	defer cancel()

	// nobody reads: publishing must not block
	for i := 0; i < feedBuffer+10; i++ {
		feed.Publish(txAt("tx", time.Now()))
	}

	if len(ch) != feedBuffer {
		t.Fatalf("buffer should be full, got %d", len(ch))
	}
}

func TestFeedClose(t *testing.T) {
	feed := NewFeed()

	ch, cancel := feed.Subscribe()

	feed.Close()
	feed.Close()

	if _, ok := <-ch; ok {
		t.Fatalf("subscription should be closed")
	}

	// cancelling after close is harmless
	cancel()

	late, _ := feed.Subscribe()
	if _, ok := <-late; ok {
		t.Fatalf("subscribing to a closed feed should return a closed channel")
	}

	feed.Publish(txAt("tx", time.Now()))
	if feed.Latency().Count != 0 {
		t.Fatalf("closed feed should ignore confirmations")
	}
}
