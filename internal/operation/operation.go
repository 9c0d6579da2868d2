package operation

import (
	"fmt"
	"time"

	"EscrowLedger/internal/ledger"
)

// Type discriminator for operation payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeCreateEscrow
	TypeFundEscrow
	TypeMarkDelivered
	TypeConfirmDelivery
	TypeRaiseDispute
	TypeResolveDispute
	TypeAdminRelease
	TypeCancelEscrow
)

// Envelope wraps every committed operation in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Operation type discriminator
	OpType Type

	// Escrow instance context (zero only before create derivation)
	Instance ledger.InstanceID

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded operation-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this operation
	StateHash [32]byte

	// Previous operation's state hash (chain integrity)
	PrevHash [32]byte
}

// Operation is the interface all operation payloads must implement.
// The set of implementations is closed: every escrow transition is one of
// the eight variants in this package.
type Operation interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// OpType returns the discriminator
	OpType() Type

	// Instance returns the targeted escrow instance id
	Instance() ledger.InstanceID

	// Caller returns the identity attempting the operation
	Caller() ledger.Address

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// OpTimestamp returns the versioned input timestamp
	OpTimestamp() time.Time
}

func (t Type) String() string {
	switch t {
	case TypeCreateEscrow:
		return "CreateEscrow"
	case TypeFundEscrow:
		return "FundEscrow"
	case TypeMarkDelivered:
		return "MarkDelivered"
	case TypeConfirmDelivery:
		return "ConfirmDelivery"
	case TypeRaiseDispute:
		return "RaiseDispute"
	case TypeResolveDispute:
		return "ResolveDispute"
	case TypeAdminRelease:
		return "AdminRelease"
	case TypeCancelEscrow:
		return "CancelEscrow"
	default:
		return "Unknown"
	}
}

// TypeFromString reverses String, used when reading the operation log.
func TypeFromString(s string) (Type, error) {
	switch s {
	case "CreateEscrow":
		return TypeCreateEscrow, nil
	case "FundEscrow":
		return TypeFundEscrow, nil
	case "MarkDelivered":
		return TypeMarkDelivered, nil
	case "ConfirmDelivery":
		return TypeConfirmDelivery, nil
	case "RaiseDispute":
		return TypeRaiseDispute, nil
	case "ResolveDispute":
		return TypeResolveDispute, nil
	case "AdminRelease":
		return TypeAdminRelease, nil
	case "CancelEscrow":
		return TypeCancelEscrow, nil
	default:
		return TypeUnknown, fmt.Errorf("unknown operation type %q", s)
	}
}
