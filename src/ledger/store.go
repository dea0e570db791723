package ledger

import (
	"bytes"
	"sort"

	"github.com/ugorji/go/codec"
)

// Record is the persisted form of a DAGNode.
type Record struct {
	Seq         int64
	Transaction *Transaction
	Approves    []string
	Confirmed   bool
}

// Marshal ...
func (r *Record) Marshal() ([]byte, error) {
	var b bytes.Buffer
	jh := new(codec.JsonHandle)
	enc := codec.NewEncoder(&b, jh)
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Unmarshal ...
func (r *Record) Unmarshal(data []byte) error {
	jh := new(codec.JsonHandle)
	dec := codec.NewDecoderBytes(data, jh)
	return dec.Decode(r)
}

// Store is the persistence layer behind a Ledger. It holds transaction
// records and wallet balances.
type Store interface {
	// GetRecord returns a transaction record by id.
	GetRecord(id string) (*Record, error)
	// SetRecord inserts or replaces a transaction record.
	SetRecord(r *Record) error
	// DeleteRecord removes a transaction record.
	DeleteRecord(id string) error
	// Records returns all the records ordered by Seq.
	Records() ([]*Record, error)
	// GetBalance returns the balance of a wallet.
	GetBalance(address string) (int64, error)
	// SetBalance sets the balance of a wallet.
	SetBalance(address string, amount int64) error
	// Balances returns every stored wallet balance.
	Balances() (map[string]int64, error)
	// Confirm atomically marks a record confirmed and writes the updated
	// balances.
	Confirm(r *Record, balances map[string]int64) error
	// Close closes the underlying database.
	Close() error
	// StorePath returns the filepath of the underlying database.
	StorePath() string
}

func sortRecords(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Seq < records[j].Seq
	})
}
