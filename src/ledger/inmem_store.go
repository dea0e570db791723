package ledger

import (
	"sync"

	cm "github.com/hgnetwork/pulse/src/common"
)

// InmemStore implements the Store interface with maps.
type InmemStore struct {
	sync.RWMutex
	records  map[string]*Record
	balances map[string]int64
}

// NewInmemStore ...
func NewInmemStore() *InmemStore {
	return &InmemStore{
		records:  make(map[string]*Record),
		balances: make(map[string]int64),
	}
}

// GetRecord implements the Store interface.
func (s *InmemStore) GetRecord(id string) (*Record, error) {
	s.RLock()
	defer s.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return nil, cm.NewErr("Record", cm.KeyNotFound, id, "")
	}
	cp := *r
	return &cp, nil
}

// SetRecord implements the Store interface.
func (s *InmemStore) SetRecord(r *Record) error {
	s.Lock()
	defer s.Unlock()

	cp := *r
	s.records[r.Transaction.ID] = &cp
	return nil
}

// DeleteRecord implements the Store interface.
func (s *InmemStore) DeleteRecord(id string) error {
	s.Lock()
	defer s.Unlock()

	delete(s.records, id)
	return nil
}

// Records implements the Store interface.
func (s *InmemStore) Records() ([]*Record, error) {
	s.RLock()
	defer s.RUnlock()

	res := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		cp := *r
		res = append(res, &cp)
	}
	sortRecords(res)
	return res, nil
}

// GetBalance implements the Store interface.
func (s *InmemStore) GetBalance(address string) (int64, error) {
	s.RLock()
	defer s.RUnlock()

	b, ok := s.balances[address]
	if !ok {
		return 0, cm.NewErr("Balance", cm.KeyNotFound, address, "")
	}
	return b, nil
}

// SetBalance implements the Store interface.
func (s *InmemStore) SetBalance(address string, amount int64) error {
	s.Lock()
	defer s.Unlock()

	s.balances[address] = amount
	return nil
}

// Balances implements the Store interface.
func (s *InmemStore) Balances() (map[string]int64, error) {
	s.RLock()
	defer s.RUnlock()

	res := make(map[string]int64, len(s.balances))
	for k, v := range s.balances {
		res[k] = v
	}
	return res, nil
}

// Confirm implements the Store interface.
func (s *InmemStore) Confirm(r *Record, balances map[string]int64) error {
	s.Lock()
	defer s.Unlock()

	cp := *r
	cp.Confirmed = true
	s.records[r.Transaction.ID] = &cp
	for k, v := range balances {
		s.balances[k] = v
	}
	return nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}

// StorePath implements the Store interface.
func (s *InmemStore) StorePath() string {
	return ""
}
