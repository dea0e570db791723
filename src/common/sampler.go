package common

import (
	"math/rand"
	"sync"
	"time"
)

// Sampler picks k distinct items uniformly at random. It is used for tip
// selection and for choosing which peers to poll or gossip to. Tests inject a
// seeded sampler to make outcomes reproducible.
type Sampler interface {
	Sample(items []string, k int) []string
}

// RandomSampler implements Sampler over a math/rand source.
type RandomSampler struct {
	l   sync.Mutex
	rnd *rand.Rand
}

// NewRandomSampler returns a sampler seeded with the current time.
func NewRandomSampler() *RandomSampler {
	return NewSeededSampler(time.Now().UnixNano())
}

// NewSeededSampler returns a deterministic sampler.
func NewSeededSampler(seed int64) *RandomSampler {
	return &RandomSampler{
		rnd: rand.New(rand.NewSource(seed)),
	}
}

// Sample returns k items drawn without replacement. If there are no more than
// k items, all of them are returned.
func (s *RandomSampler) Sample(items []string, k int) []string {
	if k <= 0 {
		return []string{}
	}
	if len(items) <= k {
		res := make([]string, len(items))
		copy(res, items)
		return res
	}

	s.l.Lock()
	perm := s.rnd.Perm(len(items))
	s.l.Unlock()

	res := make([]string, k)
	for i := 0; i < k; i++ {
		res[i] = items[perm[i]]
	}
	return res
}
