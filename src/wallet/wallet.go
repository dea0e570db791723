// Package wallet holds the signing side of a pulse account.
package wallet

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/hgnetwork/pulse/src/crypto/keys"
	"github.com/hgnetwork/pulse/src/ledger"
)

// Signer signs transactions on behalf of one address.
type Signer interface {
	Address() string
	PublicKey() *ecdsa.PublicKey
	Sign(tx *ledger.Transaction) error
}

// KeyWallet is a Signer backed by an in-memory private key.
type KeyWallet struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewKeyWallet ...
func NewKeyWallet(key *ecdsa.PrivateKey) *KeyWallet {
	return &KeyWallet{
		key:     key,
		address: keys.Address(&key.PublicKey),
	}
}

// GenerateKeyWallet creates a wallet with a fresh key.
func GenerateKeyWallet() (*KeyWallet, error) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		return nil, err
	}
	return NewKeyWallet(key), nil
}

// LoadKeyWallet reads the private key stored at path by keys.SimpleKeyfile.
func LoadKeyWallet(path string) (*KeyWallet, error) {
	key, err := keys.NewSimpleKeyfile(path).ReadKey()
	if err != nil {
		return nil, fmt.Errorf("loading wallet key: %w", err)
	}
	return NewKeyWallet(key), nil
}

// Address implements Signer.
func (w *KeyWallet) Address() string {
	return w.address
}

// PublicKey implements Signer.
func (w *KeyWallet) PublicKey() *ecdsa.PublicKey {
	return &w.key.PublicKey
}

// Sign implements Signer. tx.Sender must be the wallet address.
func (w *KeyWallet) Sign(tx *ledger.Transaction) error {
	if tx.Sender != w.address {
		return fmt.Errorf("cannot sign for %s with the key of %s", tx.Sender, w.address)
	}
	return tx.Sign(w.key)
}

// Transfer builds and signs a transaction from signer to receiver.
func Transfer(signer Signer, receiver string, amount int64, dependencies []string) (*ledger.Transaction, error) {
	tx := ledger.NewTransaction(signer.Address(), receiver, amount, dependencies)
	if err := signer.Sign(tx); err != nil {
		return nil, err
	}
	return tx, nil
}
