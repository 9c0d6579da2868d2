package operation

import (
	"time"

	"EscrowLedger/internal/ledger"

	"github.com/google/uuid"
)

// Dispute resolution outcomes accepted by ResolveDispute.
const (
	OutcomeRelease = "release"
	OutcomeRefund  = "refund"
)

// CreateEscrow opens a new escrow instance. Buyer may be pre-set; when it
// is, only that identity can later fund. The instance id is derived from
// the request before the core commits, so the caller learns it immediately.
type CreateEscrow struct {
	RequestID uuid.UUID
	Seller    ledger.Address
	Admin     ledger.Address
	Buyer     ledger.Address // zero = bound at first fund
	Amount    int64
	ListingID string
	Sequence  int64
	Timestamp time.Time
}

func (o *CreateEscrow) IdempotencyKey() string { return o.RequestID.String() }
func (o *CreateEscrow) OpType() Type           { return TypeCreateEscrow }
func (o *CreateEscrow) Caller() ledger.Address { return o.Seller }
func (o *CreateEscrow) SourceSequence() int64  { return o.Sequence }
func (o *CreateEscrow) OpTimestamp() time.Time { return o.Timestamp }

func (o *CreateEscrow) Instance() ledger.InstanceID {
	return ledger.DeriveInstanceID(o.Seller, o.ListingID, o.RequestID)
}

// FundEscrow locks funds into the custodial account. The bundle must be the
// two-instruction atomic group: a payment of exactly the escrow amount to
// the custodial address, then the fund call itself.
type FundEscrow struct {
	RequestID uuid.UUID
	ID        ledger.InstanceID
	Funder    ledger.Address
	Bundle    *ledger.Bundle
	Sequence  int64
	Timestamp time.Time
}

func (o *FundEscrow) IdempotencyKey() string      { return o.RequestID.String() }
func (o *FundEscrow) OpType() Type                { return TypeFundEscrow }
func (o *FundEscrow) Instance() ledger.InstanceID { return o.ID }
func (o *FundEscrow) Caller() ledger.Address      { return o.Funder }
func (o *FundEscrow) SourceSequence() int64       { return o.Sequence }
func (o *FundEscrow) OpTimestamp() time.Time      { return o.Timestamp }

// MarkDelivered records the seller's claim that the goods shipped.
type MarkDelivered struct {
	RequestID uuid.UUID
	ID        ledger.InstanceID
	Seller    ledger.Address
	Sequence  int64
	Timestamp time.Time
}

func (o *MarkDelivered) IdempotencyKey() string      { return o.RequestID.String() }
func (o *MarkDelivered) OpType() Type                { return TypeMarkDelivered }
func (o *MarkDelivered) Instance() ledger.InstanceID { return o.ID }
func (o *MarkDelivered) Caller() ledger.Address      { return o.Seller }
func (o *MarkDelivered) SourceSequence() int64       { return o.Sequence }
func (o *MarkDelivered) OpTimestamp() time.Time      { return o.Timestamp }

// ConfirmDelivery is the buyer's acceptance; it completes the escrow and
// disburses to the seller in the same commit.
type ConfirmDelivery struct {
	RequestID uuid.UUID
	ID        ledger.InstanceID
	Buyer     ledger.Address
	Sequence  int64
	Timestamp time.Time
}

func (o *ConfirmDelivery) IdempotencyKey() string      { return o.RequestID.String() }
func (o *ConfirmDelivery) OpType() Type                { return TypeConfirmDelivery }
func (o *ConfirmDelivery) Instance() ledger.InstanceID { return o.ID }
func (o *ConfirmDelivery) Caller() ledger.Address      { return o.Buyer }
func (o *ConfirmDelivery) SourceSequence() int64       { return o.Sequence }
func (o *ConfirmDelivery) OpTimestamp() time.Time      { return o.Timestamp }

// RaiseDispute freezes a delivered escrow pending admin resolution.
type RaiseDispute struct {
	RequestID uuid.UUID
	ID        ledger.InstanceID
	Buyer     ledger.Address
	Reason    string
	Sequence  int64
	Timestamp time.Time
}

func (o *RaiseDispute) IdempotencyKey() string      { return o.RequestID.String() }
func (o *RaiseDispute) OpType() Type                { return TypeRaiseDispute }
func (o *RaiseDispute) Instance() ledger.InstanceID { return o.ID }
func (o *RaiseDispute) Caller() ledger.Address      { return o.Buyer }
func (o *RaiseDispute) SourceSequence() int64       { return o.Sequence }
func (o *RaiseDispute) OpTimestamp() time.Time      { return o.Timestamp }

// ResolveDispute settles a disputed escrow: "release" pays the seller,
// "refund" returns the funds to the buyer.
type ResolveDispute struct {
	RequestID uuid.UUID
	ID        ledger.InstanceID
	Admin     ledger.Address
	Outcome   string
	Sequence  int64
	Timestamp time.Time
}

func (o *ResolveDispute) IdempotencyKey() string      { return o.RequestID.String() }
func (o *ResolveDispute) OpType() Type                { return TypeResolveDispute }
func (o *ResolveDispute) Instance() ledger.InstanceID { return o.ID }
func (o *ResolveDispute) Caller() ledger.Address      { return o.Admin }
func (o *ResolveDispute) SourceSequence() int64       { return o.Sequence }
func (o *ResolveDispute) OpTimestamp() time.Time      { return o.Timestamp }

// AdminRelease is the admin override: from any payable state it completes
// the escrow and pays the seller.
type AdminRelease struct {
	RequestID uuid.UUID
	ID        ledger.InstanceID
	Admin     ledger.Address
	Sequence  int64
	Timestamp time.Time
}

func (o *AdminRelease) IdempotencyKey() string      { return o.RequestID.String() }
func (o *AdminRelease) OpType() Type                { return TypeAdminRelease }
func (o *AdminRelease) Instance() ledger.InstanceID { return o.ID }
func (o *AdminRelease) Caller() ledger.Address      { return o.Admin }
func (o *AdminRelease) SourceSequence() int64       { return o.Sequence }
func (o *AdminRelease) OpTimestamp() time.Time      { return o.Timestamp }

// CancelEscrow withdraws an unfunded escrow. Seller-only, CREATED-only.
type CancelEscrow struct {
	RequestID uuid.UUID
	ID        ledger.InstanceID
	Seller    ledger.Address
	Sequence  int64
	Timestamp time.Time
}

func (o *CancelEscrow) IdempotencyKey() string      { return o.RequestID.String() }
func (o *CancelEscrow) OpType() Type                { return TypeCancelEscrow }
func (o *CancelEscrow) Instance() ledger.InstanceID { return o.ID }
func (o *CancelEscrow) Caller() ledger.Address      { return o.Seller }
func (o *CancelEscrow) SourceSequence() int64       { return o.Sequence }
func (o *CancelEscrow) OpTimestamp() time.Time      { return o.Timestamp }
