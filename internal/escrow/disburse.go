package escrow

import (
	"fmt"

	"EscrowLedger/internal/ledger"

	"github.com/google/uuid"
)

// FeeReserve is withheld from every disbursement to cover execution fees.
// The recipient receives the escrow amount minus this reserve; the reserve
// itself flows to the external fees account.
const FeeReserve int64 = 1_000

// instructionNamespace seeds deterministic instruction and bundle ids so
// that replaying the operation log regenerates identical rows.
var instructionNamespace = uuid.MustParse("8c2f6a40-51de-4b9b-b7c3-0f4e9d21a6e5")

func deterministicID(opRef string, leg int) uuid.UUID {
	return uuid.NewSHA1(instructionNamespace, []byte(fmt.Sprintf("%s:%d", opRef, leg)))
}

func deterministicBundleID(opRef string) uuid.UUID {
	return uuid.NewSHA1(instructionNamespace, []byte(opRef+":bundle"))
}

// buildDisbursement produces the single payment that drains the custodial
// account into the recipient's party account, reserve withheld.
func buildDisbursement(inst *Instance, recipient ledger.Address, kind ledger.InstructionKind, opRef string, bundleID uuid.UUID, sequence, ts int64) ledger.Instruction {
	return ledger.Instruction{
		InstructionID: deterministicID(opRef, 0),
		BundleID:      bundleID,
		OpRef:         opRef,
		Sequence:      sequence,
		Type:          ledger.InstructionTypePayment,
		Kind:          kind,
		Sender:        ledger.CustodialAccount(inst.CustodialAddress),
		Receiver:      ledger.PartyAccount(recipient),
		Amount:        inst.Amount - FeeReserve,
		Fee:           FeeReserve,
		Timestamp:     ts,
	}
}
