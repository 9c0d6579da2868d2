package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InstructionType discriminates the two instruction shapes that appear in
// a bundle: value-moving payments and the operation call that rides with
// a funding payment.
type InstructionType int32

const (
	InstructionTypePayment InstructionType = iota
	InstructionTypeCall
)

// InstructionKind represents the purpose of a payment instruction
type InstructionKind int32

const (
	KindExternalDeposit InstructionKind = iota
	KindFundingPayment
	KindDisbursement
	KindRefund
)

// Instruction is a single ledger instruction. Payments move Amount from
// Sender to Receiver and Fee from Sender to the external fees account.
// Call instructions carry no value; they reference the operation that the
// surrounding bundle commits.
type Instruction struct {
	InstructionID uuid.UUID       // Unique identifier
	BundleID      uuid.UUID       // Groups atomically committed instructions
	OpRef         string          // Idempotency key of the source operation
	Sequence      int64           // Global operation sequence
	Type          InstructionType // payment or call
	Kind          InstructionKind // Purpose (payments only)
	Sender        AccountKey      // Account value leaves (payments only)
	Receiver      AccountKey      // Account value enters (payments only)
	Amount        int64           // ALWAYS positive for payments, zero for calls
	Fee           int64           // Paid by Sender to external:fees, never negative
	Timestamp     int64           // Versioned input timestamp (epoch microseconds)
}

// Bundle is a group of instructions that commit atomically: either every
// instruction applies or none does.
type Bundle struct {
	BundleID     uuid.UUID
	OpRef        string
	Sequence     int64
	Timestamp    int64
	Instructions []Instruction
}

// Validate ensures the bundle is well-formed. Value conservation holds by
// construction: each payment moves a single positive amount from sender to
// receiver plus a non-negative fee to the fees account.
func (b *Bundle) Validate() error {
	if len(b.Instructions) == 0 {
		return fmt.Errorf("bundle %s is empty", b.BundleID)
	}

	for _, ins := range b.Instructions {
		if ins.BundleID != b.BundleID {
			return fmt.Errorf("instruction %s has mismatched bundle_id", ins.InstructionID)
		}

		switch ins.Type {
		case InstructionTypePayment:
			if ins.Amount <= 0 {
				return fmt.Errorf("instruction %s has non-positive amount: %d", ins.InstructionID, ins.Amount)
			}
			if ins.Fee < 0 {
				return fmt.Errorf("instruction %s has negative fee: %d", ins.InstructionID, ins.Fee)
			}
			if ins.Sender == ins.Receiver {
				return fmt.Errorf("instruction %s has same sender and receiver", ins.InstructionID)
			}
		case InstructionTypeCall:
			if ins.Amount != 0 || ins.Fee != 0 {
				return fmt.Errorf("call instruction %s must not move value", ins.InstructionID)
			}
		default:
			return fmt.Errorf("instruction %s has unknown type %d", ins.InstructionID, ins.Type)
		}
	}

	return nil
}

// Payments returns the value-moving instructions of the bundle.
func (b *Bundle) Payments() []Instruction {
	out := make([]Instruction, 0, len(b.Instructions))
	for _, ins := range b.Instructions {
		if ins.Type == InstructionTypePayment {
			out = append(out, ins)
		}
	}
	return out
}
