package escrow

import (
	"EscrowLedger/internal/ledger"
)

// Status is the lifecycle state of an escrow instance
type Status uint8

const (
	StatusCreated Status = iota
	StatusFunded
	StatusDelivered
	StatusDisputed
	StatusCompleted
	StatusRefunded
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusFunded:
		return "funded"
	case StatusDelivered:
		return "delivered"
	case StatusDisputed:
		return "disputed"
	case StatusCompleted:
		return "completed"
	case StatusRefunded:
		return "refunded"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Payable reports whether the custodial account holds funds in s.
// Every disbursing transition starts from a payable status and leaves
// all of them in the same commit.
func (s Status) Payable() bool {
	switch s {
	case StatusFunded, StatusDelivered, StatusDisputed:
		return true
	}
	return false
}

// Instance is one escrow record. The transition engine is the only writer;
// callers receive clones.
type Instance struct {
	ID               ledger.InstanceID
	CustodialAddress ledger.Address
	Seller           ledger.Address
	Admin            ledger.Address
	Buyer            ledger.Address // zero until bound
	Amount           int64
	Status           Status
	ListingID        string
	CreatedAt        int64 // versioned input timestamp (epoch microseconds)
	UpdatedAt        int64
	Version          int64
}

// BuyerBound reports whether a buyer identity is attached yet.
func (i *Instance) BuyerBound() bool {
	return !i.Buyer.IsZero()
}

// Clone returns a deep copy of the instance.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	cp := *i
	return &cp
}
