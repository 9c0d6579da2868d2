package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBundle verifies the bundle is well-formed before application.
func (v *InvariantValidator) ValidateBundle(bundle *Bundle) error {
	return bundle.Validate()
}

// ValidateCustodialNonNegative checks a custodial account never goes negative.
func (v *InvariantValidator) ValidateCustodialNonNegative(addr Address) error {
	return v.tracker.ValidateNonNegative(CustodialAccount(addr))
}

// ValidateCustodialDrained checks the custodial account is empty after a
// disbursing transition. Exactly-once disbursement leaves nothing behind.
func (v *InvariantValidator) ValidateCustodialDrained(addr Address) error {
	balance := v.tracker.GetCustodialBalance(addr)
	if balance != 0 {
		return fmt.Errorf("custodial account %s not drained after disbursement: %d", addr, balance)
	}
	return nil
}

// ValidateGlobalBalance verifies the ledger is zero-sum.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("global balance is non-zero: %d", total)
	}
	return nil
}
