package ledger

import (
	"strconv"

	cm "github.com/hgnetwork/pulse/src/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBStore implements the Store interface on top of goleveldb. It uses the
// same key layout as BadgerStore.
type LevelDBStore struct {
	db   *leveldb.DB
	path string
}

// NewLevelDBStore opens or creates the database in path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{
		db:   db,
		path: path,
	}, nil
}

// GetRecord implements the Store interface.
func (s *LevelDBStore) GetRecord(id string) (*Record, error) {
	data, err := s.db.Get(recordKey(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, cm.NewErr("Record", cm.KeyNotFound, id, "")
	}
	if err != nil {
		return nil, err
	}

	r := new(Record)
	if err := r.Unmarshal(data); err != nil {
		return nil, err
	}
	return r, nil
}

// SetRecord implements the Store interface.
func (s *LevelDBStore) SetRecord(r *Record) error {
	val, err := r.Marshal()
	if err != nil {
		return err
	}
	return s.db.Put(recordKey(r.Transaction.ID), val, nil)
}

// DeleteRecord implements the Store interface.
func (s *LevelDBStore) DeleteRecord(id string) error {
	return s.db.Delete(recordKey(id), nil)
}

// Records implements the Store interface.
func (s *LevelDBStore) Records() ([]*Record, error) {
	res := []*Record{}

	iter := s.db.NewIterator(util.BytesPrefix([]byte(recordPrefix)), nil)
	defer iter.Release()

	for iter.Next() {
		r := new(Record)
		if err := r.Unmarshal(iter.Value()); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	sortRecords(res)
	return res, nil
}

// GetBalance implements the Store interface.
func (s *LevelDBStore) GetBalance(address string) (int64, error) {
	data, err := s.db.Get(balanceKey(address), nil)
	if err == leveldb.ErrNotFound {
		return 0, cm.NewErr("Balance", cm.KeyNotFound, address, "")
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(data), 10, 64)
}

// SetBalance implements the Store interface.
func (s *LevelDBStore) SetBalance(address string, amount int64) error {
	return s.db.Put(balanceKey(address), []byte(strconv.FormatInt(amount, 10)), nil)
}

// Balances implements the Store interface.
func (s *LevelDBStore) Balances() (map[string]int64, error) {
	res := make(map[string]int64)

	prefix := []byte(balancePrefix)
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	for iter.Next() {
		b, err := strconv.ParseInt(string(iter.Value()), 10, 64)
		if err != nil {
			return nil, err
		}
		res[string(iter.Key()[len(prefix):])] = b
	}
	return res, iter.Error()
}

// Confirm implements the Store interface with a leveldb write batch.
func (s *LevelDBStore) Confirm(r *Record, balances map[string]int64) error {
	cp := *r
	cp.Confirmed = true
	val, err := cp.Marshal()
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(recordKey(r.Transaction.ID), val)
	for addr, b := range balances {
		batch.Put(balanceKey(addr), []byte(strconv.FormatInt(b, 10)))
	}
	return s.db.Write(batch, nil)
}

// Close implements the Store interface.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

// StorePath implements the Store interface.
func (s *LevelDBStore) StorePath() string {
	return s.path
}
