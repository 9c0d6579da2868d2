package ledger

import (
	"fmt"
)

// BalanceTracker maintains in-memory account balances.
// Not thread-safe — only accessed from the single-threaded settlement core.
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyInstruction applies a single payment instruction to balances.
// Call instructions carry no value and are ignored.
func (bt *BalanceTracker) ApplyInstruction(ins Instruction) {
	if ins.Type != InstructionTypePayment {
		return
	}
	bt.balances[ins.Receiver] += ins.Amount
	bt.balances[ins.Sender] -= ins.Amount + ins.Fee
	if ins.Fee > 0 {
		bt.balances[ExternalAccount(ExternalFees)] += ins.Fee
	}
}

// ApplyBundle validates the bundle and applies all of its instructions.
func (bt *BalanceTracker) ApplyBundle(bundle *Bundle) error {
	if err := bundle.Validate(); err != nil {
		return fmt.Errorf("invalid bundle: %w", err)
	}

	for _, ins := range bundle.Instructions {
		bt.ApplyInstruction(ins)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// SetBalance overwrites an account balance (snapshot restore only).
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	bt.balances[key] = balance
}

// GetPartyBalance returns a participant's spendable balance.
func (bt *BalanceTracker) GetPartyBalance(addr Address) int64 {
	return bt.GetBalance(PartyAccount(addr))
}

// GetCustodialBalance returns the balance held at an instance's custodial address.
func (bt *BalanceTracker) GetCustodialBalance(addr Address) int64 {
	return bt.GetBalance(CustodialAccount(addr))
}

// ValidateSufficient checks a payment's sender can cover amount plus fee.
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, required int64) error {
	balance := bt.GetBalance(key)
	if balance < required {
		return fmt.Errorf("insufficient balance on %s: have=%d, need=%d", key.AccountPath(), balance, required)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances. The external deposits
// account goes negative as value enters, so the total is always zero.
func (bt *BalanceTracker) ComputeGlobalBalance() int64 {
	var total int64
	for _, balance := range bt.balances {
		total += balance
	}
	return total
}

// Snapshot returns a copy of all balances (for state hashing and snapshots)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
