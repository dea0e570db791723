package common

import (
	"errors"
	"fmt"
)

// ErrKind classifies the errors returned by the ledger, the shard manager and
// the consensus mechanism.
type ErrKind uint32

const (
	// Validation is returned for malformed, unsigned or stale transactions.
	// They never enter the ledger.
	Validation ErrKind = iota
	// Conflict is returned for duplicate ids and references to unknown or
	// already confirmed transactions.
	Conflict
	// ConsensusFailure means not enough sampled peers approved. The
	// transaction may be retried on a later gossip round.
	ConsensusFailure
	// InsufficientFunds blocks confirmation. The transaction stays pending.
	InsufficientFunds
	// Network is returned when a peer cannot be reached.
	Network
	// ShardCoordination is returned when one of the shards involved in a
	// cross-shard transaction rejects it.
	ShardCoordination
	// KeyNotFound ...
	KeyNotFound
	// KeyAlreadyExists ...
	KeyAlreadyExists
	// Busy is returned by a node that is up but has no capacity left for the
	// request. Callers must not treat it as unreachable.
	Busy
)

// String ...
func (k ErrKind) String() string {
	switch k {
	case Validation:
		return "Validation Error"
	case Conflict:
		return "Conflict"
	case ConsensusFailure:
		return "Consensus Failure"
	case InsufficientFunds:
		return "Insufficient Funds"
	case Network:
		return "Network Error"
	case ShardCoordination:
		return "Shard Coordination Error"
	case KeyNotFound:
		return "Not Found"
	case KeyAlreadyExists:
		return "Key Already Exists"
	case Busy:
		return "Busy"
	default:
		return "Unknown"
	}
}

// Err is the typed error used throughout pulse. dataType names the object the
// error relates to (Transaction, Peer, Shard...) and key identifies it.
type Err struct {
	dataType string
	kind     ErrKind
	key      string
	reason   string
}

// NewErr ...
func NewErr(dataType string, kind ErrKind, key string, reason string) Err {
	return Err{
		dataType: dataType,
		kind:     kind,
		key:      key,
		reason:   reason,
	}
}

// Errf is NewErr with a formatted reason.
func Errf(dataType string, kind ErrKind, key string, format string, args ...interface{}) Err {
	return NewErr(dataType, kind, key, fmt.Sprintf(format, args...))
}

// Error ...
func (e Err) Error() string {
	m := fmt.Sprintf("%s, %s, %s", e.dataType, e.key, e.kind)
	if e.reason != "" {
		m += ": " + e.reason
	}
	return m
}

// Kind returns the category of the error.
func (e Err) Kind() ErrKind {
	return e.kind
}

// Key returns the identifier of the object the error relates to.
func (e Err) Key() string {
	return e.key
}

// Is checks whether err, or any error it wraps, is an Err of the given kind.
func Is(err error, kind ErrKind) bool {
	var e Err
	return errors.As(err, &e) && e.kind == kind
}
