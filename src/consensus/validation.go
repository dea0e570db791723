package consensus

import (
	"time"

	cm "github.com/hgnetwork/pulse/src/common"
	"github.com/hgnetwork/pulse/src/ledger"
)

// DefaultClockSkew is how far in the future a transaction timestamp may be.
const DefaultClockSkew = 30 * time.Second

// LedgerReader is the read side of the ledger the Validator needs.
type LedgerReader interface {
	IsConfirmed(id string) bool
	Transaction(id string) (*ledger.Transaction, bool)
}

// Validator runs the admission checks in order: structure, signature,
// dependencies, timestamp and, when configured, peer sampling. The first
// failure is returned. Nothing is written to the ledger.
type Validator struct {
	ledger    LedgerReader
	clockSkew time.Duration
	now       func() time.Time
	sampling  func(tx *ledger.Transaction) error
}

// NewValidator ...
func NewValidator(l LedgerReader, clockSkew time.Duration) *Validator {
	if clockSkew < 0 {
		clockSkew = 0
	}
	return &Validator{
		ledger:    l,
		clockSkew: clockSkew,
		now:       time.Now,
	}
}

// SetSampling installs the network vote run after the local checks.
func (v *Validator) SetSampling(fn func(tx *ledger.Transaction) error) {
	v.sampling = fn
}

// Validate runs every check.
func (v *Validator) Validate(tx *ledger.Transaction) error {
	if err := v.ValidateLocal(tx); err != nil {
		return err
	}
	if v.sampling != nil {
		return v.sampling(tx)
	}
	return nil
}

// ValidateLocal runs the checks that need no network. Peers answer vote
// requests with it.
func (v *Validator) ValidateLocal(tx *ledger.Transaction) error {
	if err := v.ValidateStructure(tx); err != nil {
		return err
	}
	if err := v.ValidateSignature(tx); err != nil {
		return err
	}
	if err := v.ValidateDependencies(tx); err != nil {
		return err
	}
	return v.ValidateTimestamp(tx)
}

// ValidateStructure checks that every field is present and the amount is not
// negative.
func (v *Validator) ValidateStructure(tx *ledger.Transaction) error {
	if tx == nil {
		return cm.NewErr("Transaction", cm.Validation, "", "missing transaction")
	}

	invalid := func(reason string) error {
		return cm.NewErr("Transaction", cm.Validation, tx.ID, reason)
	}

	switch {
	case tx.ID == "":
		return invalid("missing id")
	case tx.Sender == "":
		return invalid("missing sender")
	case tx.Receiver == "":
		return invalid("missing receiver")
	case tx.Amount < 0:
		return invalid("negative amount")
	case tx.Signature == "":
		return invalid("missing signature")
	case tx.SenderPublicKey == "":
		return invalid("missing sender public key")
	case tx.Timestamp <= 0:
		return invalid("missing timestamp")
	}

	seen := make(map[string]bool, len(tx.Dependencies))
	for _, d := range tx.Dependencies {
		if d == "" || d == tx.ID {
			return invalid("invalid dependency")
		}
		if seen[d] {
			return cm.Errf("Transaction", cm.Validation, tx.ID, "duplicate dependency %s", d)
		}
		seen[d] = true
	}

	return nil
}

// ValidateSignature ...
func (v *Validator) ValidateSignature(tx *ledger.Transaction) error {
	ok, err := tx.Verify()
	if err != nil {
		return cm.Errf("Transaction", cm.Validation, tx.ID, "signature: %v", err)
	}
	if !ok {
		return cm.NewErr("Transaction", cm.Validation, tx.ID, "invalid signature")
	}
	return nil
}

// ValidateDependencies checks that every dependency is confirmed.
func (v *Validator) ValidateDependencies(tx *ledger.Transaction) error {
	for _, d := range tx.Dependencies {
		if !v.ledger.IsConfirmed(d) {
			return cm.Errf("Transaction", cm.Validation, tx.ID, "dependency %s not confirmed", d)
		}
	}
	return nil
}

// ValidateTimestamp checks that tx is not from the future and not older than
// any of its dependencies.
func (v *Validator) ValidateTimestamp(tx *ledger.Transaction) error {
	limit := v.now().Add(v.clockSkew)
	if tx.Time().After(limit) {
		return cm.Errf("Transaction", cm.Validation, tx.ID, "timestamp %s in the future", tx.Time())
	}

	for _, d := range tx.Dependencies {
		dep, ok := v.ledger.Transaction(d)
		if !ok {
			return cm.Errf("Transaction", cm.Validation, tx.ID, "dependency %s unknown", d)
		}
		if tx.Timestamp < dep.Timestamp {
			return cm.Errf("Transaction", cm.Validation, tx.ID, "older than dependency %s", d)
		}
	}

	return nil
}
