package escrow

import (
	"fmt"

	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/operation"
)

// External order statuses mirrored to downstream commerce systems.
const (
	ExternalInit      = "INIT"
	ExternalFunded    = "FUNDED"
	ExternalDelivered = "DELIVERED"
	ExternalDisputed  = "DISPUTED"
	ExternalCompleted = "COMPLETED"
	ExternalReleased  = "RELEASED"
	ExternalRefunded  = "REFUNDED"
	ExternalCancelled = "CANCELLED"
)

// Result describes a committed transition.
type Result struct {
	// Instance is a snapshot of the record after the transition.
	Instance *Instance

	// PrevStatus is the status the instance held before the transition.
	// For create it equals the new status.
	PrevStatus Status

	// Bundle holds the committed instructions. Nil for state-only
	// transitions (create, deliver, dispute, cancel).
	Bundle *ledger.Bundle

	// Disbursement points at the payout payment inside Bundle when the
	// transition drained the custodial account.
	Disbursement *ledger.Instruction

	// ExternalStatus is the order status string mirrored downstream.
	ExternalStatus string
}

// Engine applies escrow operations against the record store and balance
// tracker. It is the sole writer of both; rejections leave every piece of
// state exactly as it was. Not thread-safe: single-writer access only.
type Engine struct {
	store     RecordStore
	balances  *ledger.BalanceTracker
	validator *ledger.InvariantValidator
}

func NewEngine(store RecordStore, balances *ledger.BalanceTracker, validator *ledger.InvariantValidator) *Engine {
	return &Engine{
		store:     store,
		balances:  balances,
		validator: validator,
	}
}

// Apply dispatches one operation. It returns a *Rejection (as error) for
// refusals the caller should record and move past, or a plain error for
// invariant violations that must halt processing.
func (e *Engine) Apply(op operation.Operation, sequence int64) (*Result, error) {
	switch o := op.(type) {
	case *operation.CreateEscrow:
		return e.applyCreate(o)
	case *operation.FundEscrow:
		return e.applyFund(o, sequence)
	case *operation.MarkDelivered:
		return e.applyDelivered(o)
	case *operation.ConfirmDelivery:
		return e.applyConfirm(o, sequence)
	case *operation.RaiseDispute:
		return e.applyDispute(o)
	case *operation.ResolveDispute:
		return e.applyResolve(o, sequence)
	case *operation.AdminRelease:
		return e.applyAdminRelease(o, sequence)
	case *operation.CancelEscrow:
		return e.applyCancel(o)
	default:
		return nil, rejectf(RejectInvalidArgs, op.OpType(), "unsupported operation")
	}
}

func (e *Engine) load(op operation.Operation) (*Instance, *Rejection) {
	inst, ok := e.store.Get(op.Instance())
	if !ok {
		return nil, rejectf(RejectNotFound, op.OpType(), "escrow %s does not exist", op.Instance())
	}
	return inst, nil
}

func requireStatus(inst *Instance, op operation.Operation, want Status) *Rejection {
	if inst.Status != want {
		return rejectf(RejectInvalidState, op.OpType(), "requires status %s, escrow %s is %s", want, inst.ID, inst.Status)
	}
	return nil
}

func (e *Engine) applyCreate(op *operation.CreateEscrow) (*Result, error) {
	if op.Seller.IsZero() {
		return nil, rejectf(RejectInvalidArgs, op.OpType(), "seller identity is empty")
	}
	if op.Admin.IsZero() {
		return nil, rejectf(RejectInvalidArgs, op.OpType(), "admin identity is empty")
	}
	if op.ListingID == "" {
		return nil, rejectf(RejectInvalidArgs, op.OpType(), "listing id is empty")
	}
	if op.Amount <= FeeReserve {
		return nil, rejectf(RejectInvalidArgs, op.OpType(), "amount %d must exceed the fee reserve %d", op.Amount, FeeReserve)
	}

	id := op.Instance()
	if _, ok := e.store.Get(id); ok {
		return nil, rejectf(RejectInvalidArgs, op.OpType(), "escrow %s already exists", id)
	}

	ts := op.Timestamp.UnixMicro()
	inst := &Instance{
		ID:               id,
		CustodialAddress: ledger.DeriveCustodialAddress(id),
		Seller:           op.Seller,
		Admin:            op.Admin,
		Buyer:            op.Buyer,
		Amount:           op.Amount,
		Status:           StatusCreated,
		ListingID:        op.ListingID,
		CreatedAt:        ts,
		UpdatedAt:        ts,
		Version:          1,
	}
	e.store.Put(inst)

	return &Result{Instance: inst.Clone(), PrevStatus: StatusCreated, ExternalStatus: ExternalInit}, nil
}

func (e *Engine) applyFund(op *operation.FundEscrow, sequence int64) (*Result, error) {
	inst, rej := e.load(op)
	if rej != nil {
		return nil, rej
	}
	if rej := authorize(inst, op); rej != nil {
		return nil, rej
	}
	if rej := requireStatus(inst, op, StatusCreated); rej != nil {
		return nil, rej
	}
	if rej := validateFundingBundle(inst, op); rej != nil {
		return nil, rej
	}

	ts := op.Timestamp.UnixMicro()
	committed := &ledger.Bundle{
		BundleID:  op.Bundle.BundleID,
		OpRef:     op.Bundle.OpRef,
		Sequence:  sequence,
		Timestamp: ts,
	}

	// Value enters the ledger at funding time: any shortfall on the
	// funder's party account is topped up from the external deposits
	// boundary so party balances stay non-negative.
	pay := op.Bundle.Instructions[0]
	need := pay.Amount + pay.Fee
	if have := e.balances.GetPartyBalance(op.Funder); have < need {
		committed.Instructions = append(committed.Instructions, ledger.Instruction{
			InstructionID: deterministicID(op.IdempotencyKey(), 2),
			BundleID:      committed.BundleID,
			OpRef:         op.IdempotencyKey(),
			Sequence:      sequence,
			Type:          ledger.InstructionTypePayment,
			Kind:          ledger.KindExternalDeposit,
			Sender:        ledger.ExternalAccount(ledger.ExternalDeposits),
			Receiver:      ledger.PartyAccount(op.Funder),
			Amount:        need - have,
			Timestamp:     ts,
		})
	}
	for _, ins := range op.Bundle.Instructions {
		ins.Sequence = sequence
		ins.Timestamp = ts
		committed.Instructions = append(committed.Instructions, ins)
	}

	if err := e.balances.ApplyBundle(committed); err != nil {
		return nil, fmt.Errorf("apply funding bundle: %w", err)
	}
	if got := e.balances.GetCustodialBalance(inst.CustodialAddress); got != inst.Amount {
		return nil, fmt.Errorf("custodial balance %d does not match escrow amount %d after funding", got, inst.Amount)
	}
	if err := e.validator.ValidateGlobalBalance(); err != nil {
		return nil, err
	}

	next := inst.Clone()
	next.Status = StatusFunded
	if !next.BuyerBound() {
		next.Buyer = op.Funder
	}
	next.UpdatedAt = ts
	next.Version++
	e.store.Put(next)

	return &Result{Instance: next.Clone(), PrevStatus: inst.Status, Bundle: committed, ExternalStatus: ExternalFunded}, nil
}

func (e *Engine) applyDelivered(op *operation.MarkDelivered) (*Result, error) {
	inst, rej := e.load(op)
	if rej != nil {
		return nil, rej
	}
	if rej := authorize(inst, op); rej != nil {
		return nil, rej
	}
	if rej := requireStatus(inst, op, StatusFunded); rej != nil {
		return nil, rej
	}

	next := inst.Clone()
	next.Status = StatusDelivered
	next.UpdatedAt = op.Timestamp.UnixMicro()
	next.Version++
	e.store.Put(next)

	return &Result{Instance: next.Clone(), PrevStatus: inst.Status, ExternalStatus: ExternalDelivered}, nil
}

func (e *Engine) applyConfirm(op *operation.ConfirmDelivery, sequence int64) (*Result, error) {
	inst, rej := e.load(op)
	if rej != nil {
		return nil, rej
	}
	if rej := authorize(inst, op); rej != nil {
		return nil, rej
	}
	if rej := requireStatus(inst, op, StatusDelivered); rej != nil {
		return nil, rej
	}

	return e.settle(inst, op, sequence, StatusCompleted, inst.Seller, ledger.KindDisbursement, ExternalCompleted)
}

func (e *Engine) applyDispute(op *operation.RaiseDispute) (*Result, error) {
	inst, rej := e.load(op)
	if rej != nil {
		return nil, rej
	}
	if rej := authorize(inst, op); rej != nil {
		return nil, rej
	}
	if rej := requireStatus(inst, op, StatusDelivered); rej != nil {
		return nil, rej
	}

	next := inst.Clone()
	next.Status = StatusDisputed
	next.UpdatedAt = op.Timestamp.UnixMicro()
	next.Version++
	e.store.Put(next)

	return &Result{Instance: next.Clone(), PrevStatus: inst.Status, ExternalStatus: ExternalDisputed}, nil
}

func (e *Engine) applyResolve(op *operation.ResolveDispute, sequence int64) (*Result, error) {
	inst, rej := e.load(op)
	if rej != nil {
		return nil, rej
	}
	if rej := authorize(inst, op); rej != nil {
		return nil, rej
	}
	if rej := requireStatus(inst, op, StatusDisputed); rej != nil {
		return nil, rej
	}

	switch op.Outcome {
	case operation.OutcomeRelease:
		return e.settle(inst, op, sequence, StatusCompleted, inst.Seller, ledger.KindDisbursement, ExternalReleased)
	case operation.OutcomeRefund:
		return e.settle(inst, op, sequence, StatusRefunded, inst.Buyer, ledger.KindRefund, ExternalRefunded)
	default:
		return nil, rejectf(RejectInvalidArgs, op.OpType(), "outcome must be %q or %q, got %q", operation.OutcomeRelease, operation.OutcomeRefund, op.Outcome)
	}
}

func (e *Engine) applyAdminRelease(op *operation.AdminRelease, sequence int64) (*Result, error) {
	inst, rej := e.load(op)
	if rej != nil {
		return nil, rej
	}
	if rej := authorize(inst, op); rej != nil {
		return nil, rej
	}
	if !inst.Status.Payable() {
		return nil, rejectf(RejectInvalidState, op.OpType(), "requires a funded escrow, %s is %s", inst.ID, inst.Status)
	}

	return e.settle(inst, op, sequence, StatusCompleted, inst.Seller, ledger.KindDisbursement, ExternalReleased)
}

func (e *Engine) applyCancel(op *operation.CancelEscrow) (*Result, error) {
	inst, rej := e.load(op)
	if rej != nil {
		return nil, rej
	}
	if rej := authorize(inst, op); rej != nil {
		return nil, rej
	}
	if rej := requireStatus(inst, op, StatusCreated); rej != nil {
		return nil, rej
	}

	next := inst.Clone()
	next.Status = StatusCancelled
	next.UpdatedAt = op.Timestamp.UnixMicro()
	next.Version++
	e.store.Put(next)

	return &Result{Instance: next.Clone(), PrevStatus: inst.Status, ExternalStatus: ExternalCancelled}, nil
}

// settle commits a disbursing transition: drain the custodial account into
// the recipient's party account and move the instance to its terminal
// status, atomically from the caller's point of view.
func (e *Engine) settle(inst *Instance, op operation.Operation, sequence int64, terminal Status, recipient ledger.Address, kind ledger.InstructionKind, external string) (*Result, error) {
	ts := op.OpTimestamp().UnixMicro()
	key := op.IdempotencyKey()

	bundleID := deterministicBundleID(key)
	bundle := &ledger.Bundle{
		BundleID:  bundleID,
		OpRef:     key,
		Sequence:  sequence,
		Timestamp: ts,
		Instructions: []ledger.Instruction{
			buildDisbursement(inst, recipient, kind, key, bundleID, sequence, ts),
		},
	}

	if err := e.balances.ApplyBundle(bundle); err != nil {
		return nil, fmt.Errorf("apply settlement bundle: %w", err)
	}
	if err := e.validator.ValidateCustodialDrained(inst.CustodialAddress); err != nil {
		return nil, err
	}
	if err := e.validator.ValidateGlobalBalance(); err != nil {
		return nil, err
	}

	next := inst.Clone()
	next.Status = terminal
	next.UpdatedAt = ts
	next.Version++
	e.store.Put(next)

	return &Result{
		Instance:       next.Clone(),
		PrevStatus:     inst.Status,
		Bundle:         bundle,
		Disbursement:   &bundle.Instructions[0],
		ExternalStatus: external,
	}, nil
}
