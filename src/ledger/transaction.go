package ledger

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hgnetwork/pulse/src/crypto"
	"github.com/hgnetwork/pulse/src/crypto/keys"
	"github.com/ugorji/go/codec"
)

// TransactionBody contains every signed field of a Transaction.
type TransactionBody struct {
	ID              string   `json:"id"`
	Sender          string   `json:"sender"`
	Receiver        string   `json:"receiver"`
	Amount          int64    `json:"amount"`
	SenderPublicKey string   `json:"sender_public_key"`
	Timestamp       int64    `json:"timestamp"`
	Dependencies    []string `json:"dependencies"`
}

// Transaction is a signed transfer of Amount minor units from Sender to
// Receiver. Timestamp is in unix nanoseconds. Dependencies lists the ids of
// confirmed transactions this one builds upon.
//
// A Transaction must not be modified after it is signed.
type Transaction struct {
	TransactionBody
	Signature string `json:"signature"`
}

// NewTransaction returns an unsigned transaction with a fresh id and the
// current time.
func NewTransaction(sender, receiver string, amount int64, dependencies []string) *Transaction {
	if dependencies == nil {
		dependencies = []string{}
	}
	return &Transaction{
		TransactionBody: TransactionBody{
			ID:           uuid.New().String(),
			Sender:       sender,
			Receiver:     receiver,
			Amount:       amount,
			Timestamp:    time.Now().UnixNano(),
			Dependencies: dependencies,
		},
	}
}

// Marshal returns the canonical JSON encoding of the body. Map keys are sorted
// and struct fields follow declaration order, so every node produces the same
// bytes for the same body.
func (b *TransactionBody) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(&buf, jh)
	if err := enc.Encode(b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the SHA256 hash of the canonical body encoding. This is what
// gets signed.
func (b *TransactionBody) Hash() ([]byte, error) {
	bs, err := b.Marshal()
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(bs), nil
}

// Sign sets SenderPublicKey from the key and signs the body.
func (t *Transaction) Sign(privKey *ecdsa.PrivateKey) error {
	t.SenderPublicKey = keys.PublicKeyHex(&privKey.PublicKey)

	hash, err := t.Hash()
	if err != nil {
		return err
	}

	sig, err := keys.Sign(privKey, hash)
	if err != nil {
		return err
	}

	t.Signature = sig

	return nil
}

// Verify checks the signature against SenderPublicKey, and that Sender is the
// address derived from that key.
func (t *Transaction) Verify() (bool, error) {
	pubKey, err := keys.ParsePublicKeyHex(t.SenderPublicKey)
	if err != nil {
		return false, fmt.Errorf("sender public key: %v", err)
	}

	if addr := keys.Address(pubKey); addr != t.Sender {
		return false, fmt.Errorf("sender %s does not match public key address %s", t.Sender, addr)
	}

	hash, err := t.Hash()
	if err != nil {
		return false, err
	}

	return keys.Verify(pubKey, hash, t.Signature)
}

// Marshal returns the JSON encoding of the full transaction, signature
// included.
func (t *Transaction) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	jh := new(codec.JsonHandle)
	enc := codec.NewEncoder(&buf, jh)
	if err := enc.Encode(t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal ...
func (t *Transaction) Unmarshal(data []byte) error {
	jh := new(codec.JsonHandle)
	dec := codec.NewDecoderBytes(data, jh)
	return dec.Decode(t)
}

// Time returns Timestamp as a time.Time.
func (t *Transaction) Time() time.Time {
	return time.Unix(0, t.Timestamp)
}
