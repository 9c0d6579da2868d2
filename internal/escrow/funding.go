package escrow

import (
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/operation"

	"github.com/google/uuid"
)

// NewFundingBundle builds the canonical funding group for an escrow: the
// full-amount payment into the derived custodial address followed by the
// fund call referencing requestID. Sequence and timestamp are assigned at
// commit time.
func NewFundingBundle(id ledger.InstanceID, funder ledger.Address, amount int64, requestID uuid.UUID) *ledger.Bundle {
	opRef := requestID.String()
	bundleID := deterministicBundleID(opRef)
	return &ledger.Bundle{
		BundleID: bundleID,
		OpRef:    opRef,
		Instructions: []ledger.Instruction{
			{
				InstructionID: deterministicID(opRef, 0),
				BundleID:      bundleID,
				OpRef:         opRef,
				Type:          ledger.InstructionTypePayment,
				Kind:          ledger.KindFundingPayment,
				Sender:        ledger.PartyAccount(funder),
				Receiver:      ledger.CustodialAccount(ledger.DeriveCustodialAddress(id)),
				Amount:        amount,
			},
			{
				InstructionID: deterministicID(opRef, 1),
				BundleID:      bundleID,
				OpRef:         opRef,
				Type:          ledger.InstructionTypeCall,
			},
		},
	}
}

// validateFundingBundle checks the submitted funding group against the
// instance. The group must be exactly two instructions: a payment of the
// full escrow amount from the funder to the custodial address, followed by
// the fund call referencing this operation. Anything else is malformed and
// leaves the instance untouched.
func validateFundingBundle(inst *Instance, op *operation.FundEscrow) *Rejection {
	b := op.Bundle
	if b == nil || len(b.Instructions) != 2 {
		return rejectf(RejectMalformedBundle, op.OpType(), "funding group must contain exactly two instructions")
	}
	if err := b.Validate(); err != nil {
		return rejectf(RejectMalformedBundle, op.OpType(), "%v", err)
	}

	pay := b.Instructions[0]
	call := b.Instructions[1]

	if pay.Type != ledger.InstructionTypePayment {
		return rejectf(RejectMalformedBundle, op.OpType(), "first instruction must be the funding payment")
	}
	if pay.Kind != ledger.KindFundingPayment {
		return rejectf(RejectMalformedBundle, op.OpType(), "payment is not marked as a funding payment")
	}
	if call.Type != ledger.InstructionTypeCall {
		return rejectf(RejectMalformedBundle, op.OpType(), "second instruction must be the fund call")
	}
	if call.OpRef != op.IdempotencyKey() {
		return rejectf(RejectMalformedBundle, op.OpType(), "fund call references a different operation")
	}

	if pay.Receiver != ledger.CustodialAccount(inst.CustodialAddress) {
		return rejectf(RejectMalformedBundle, op.OpType(), "payment does not target the custodial address %s", inst.CustodialAddress)
	}
	if pay.Sender != ledger.PartyAccount(op.Funder) {
		return rejectf(RejectMalformedBundle, op.OpType(), "payment sender is not the funder %s", op.Funder)
	}
	if pay.Amount != inst.Amount {
		return rejectf(RejectMalformedBundle, op.OpType(), "payment of %d does not match escrow amount %d", pay.Amount, inst.Amount)
	}

	return nil
}
