package ledger

import (
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger"
	cm "github.com/hgnetwork/pulse/src/common"
	"github.com/sirupsen/logrus"
)

const (
	recordPrefix  = "tx_"
	balancePrefix = "bal_"
)

func recordKey(id string) []byte {
	return []byte(fmt.Sprintf("%s%s", recordPrefix, id))
}

func balanceKey(address string) []byte {
	return []byte(fmt.Sprintf("%s%s", balancePrefix, address))
}

// BadgerStore implements the Store interface on top of a Badger database.
type BadgerStore struct {
	db   *badger.DB
	path string
}

// NewBadgerStore opens an existing database or creates a new one if nothing is
// found in path.
func NewBadgerStore(path string, logger *logrus.Entry) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(false).
		WithTruncate(true)

	if logger != nil {
		opts = opts.WithLogger(logger.WithFields(logrus.Fields{"ns": "badger"}))
	}

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStore{
		db:   handle,
		path: path,
	}, nil
}

// GetRecord implements the Store interface.
func (s *BadgerStore) GetRecord(id string) (*Record, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, mapError(err, "Record", id)
	}

	r := new(Record)
	if err := r.Unmarshal(data); err != nil {
		return nil, err
	}
	return r, nil
}

// SetRecord implements the Store interface.
func (s *BadgerStore) SetRecord(r *Record) error {
	val, err := r.Marshal()
	if err != nil {
		return err
	}

	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	if err := tx.Set(recordKey(r.Transaction.ID), val); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteRecord implements the Store interface.
func (s *BadgerStore) DeleteRecord(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(id))
	})
}

// Records implements the Store interface.
func (s *BadgerStore) Records() ([]*Record, error) {
	res := []*Record{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(recordPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(data []byte) error {
				r := new(Record)
				if err := r.Unmarshal(data); err != nil {
					return err
				}
				res = append(res, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRecords(res)
	return res, nil
}

// GetBalance implements the Store interface.
func (s *BadgerStore) GetBalance(address string) (int64, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(balanceKey(address))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return 0, mapError(err, "Balance", address)
	}
	return strconv.ParseInt(string(data), 10, 64)
}

// SetBalance implements the Store interface.
func (s *BadgerStore) SetBalance(address string, amount int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(balanceKey(address), []byte(strconv.FormatInt(amount, 10)))
	})
}

// Balances implements the Store interface.
func (s *BadgerStore) Balances() (map[string]int64, error) {
	res := make(map[string]int64)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(balancePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			address := string(item.Key()[len(prefix):])
			err := item.Value(func(data []byte) error {
				b, err := strconv.ParseInt(string(data), 10, 64)
				if err != nil {
					return err
				}
				res[address] = b
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return res, err
}

// Confirm implements the Store interface. The record and the balances are
// written in a single Badger transaction.
func (s *BadgerStore) Confirm(r *Record, balances map[string]int64) error {
	cp := *r
	cp.Confirmed = true
	val, err := cp.Marshal()
	if err != nil {
		return err
	}

	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	if err := tx.Set(recordKey(r.Transaction.ID), val); err != nil {
		return err
	}
	for addr, b := range balances {
		if err := tx.Set(balanceKey(addr), []byte(strconv.FormatInt(b, 10))); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// StorePath implements the Store interface.
func (s *BadgerStore) StorePath() string {
	return s.path
}

func isDBKeyNotFound(err error) bool {
	return err == badger.ErrKeyNotFound
}

func mapError(err error, name, key string) error {
	if err != nil && isDBKeyNotFound(err) {
		return cm.NewErr(name, cm.KeyNotFound, key, "")
	}
	return err
}
