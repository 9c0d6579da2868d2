package ledger_test

import (
	"testing"

	"EscrowLedger/internal/ledger"

	"github.com/google/uuid"
)

// ============================================================================
// Test: Address & InstanceID
// ============================================================================

func TestAddress_RoundTrip(t *testing.T) {
	var addr ledger.Address
	addr[0] = 0xAB
	addr[19] = 0x01

	parsed, err := ledger.ParseAddress(addr.String())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed != addr {
		t.Errorf("round-trip mismatch: got %s, want %s", parsed, addr)
	}
}

func TestAddress_ParseRejectsBadLength(t *testing.T) {
	if _, err := ledger.ParseAddress("0xdeadbeef"); err == nil {
		t.Error("short address should be rejected")
	}
}

func TestInstanceID_RoundTrip(t *testing.T) {
	var id ledger.InstanceID
	id[0] = 0xFE
	id[31] = 0x02

	parsed, err := ledger.ParseInstanceID(id.String())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed != id {
		t.Errorf("round-trip mismatch: got %s, want %s", parsed, id)
	}
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_Paths(t *testing.T) {
	var addr ledger.Address
	addr[19] = 0x07

	party := ledger.PartyAccount(addr)
	if party.AccountPath() != "party:"+addr.String() {
		t.Errorf("party path: got %q", party.AccountPath())
	}

	custodial := ledger.CustodialAccount(addr)
	if custodial.AccountPath() != "custodial:"+addr.String() {
		t.Errorf("custodial path: got %q", custodial.AccountPath())
	}

	fees := ledger.ExternalAccount(ledger.ExternalFees)
	if fees.AccountPath() != "external:fees" {
		t.Errorf("external path: got %q", fees.AccountPath())
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	var addr ledger.Address
	addr[19] = 0x07

	keys := []ledger.AccountKey{
		ledger.PartyAccount(addr),
		ledger.CustodialAccount(addr),
		ledger.ExternalAccount(ledger.ExternalDeposits),
	}

	for _, key := range keys {
		got := ledger.ParseAccountPath(key.AccountPath())
		if got != key {
			t.Errorf("round-trip mismatch for %q: got %+v", key.AccountPath(), got)
		}
	}
}

// ============================================================================
// Test: Bundle validation
// ============================================================================

func paymentBundle(amount, fee int64) *ledger.Bundle {
	var sender, receiver ledger.Address
	sender[19] = 0x01
	receiver[19] = 0x02

	bundleID := uuid.New()
	return &ledger.Bundle{
		BundleID: bundleID,
		OpRef:    "op-1",
		Instructions: []ledger.Instruction{
			{
				InstructionID: uuid.New(),
				BundleID:      bundleID,
				Type:          ledger.InstructionTypePayment,
				Kind:          ledger.KindFundingPayment,
				Sender:        ledger.PartyAccount(sender),
				Receiver:      ledger.CustodialAccount(receiver),
				Amount:        amount,
				Fee:           fee,
			},
		},
	}
}

func TestBundle_ValidateAcceptsPayment(t *testing.T) {
	if err := paymentBundle(1_000, 0).Validate(); err != nil {
		t.Errorf("valid bundle rejected: %v", err)
	}
}

func TestBundle_ValidateRejectsEmpty(t *testing.T) {
	b := &ledger.Bundle{BundleID: uuid.New()}
	if err := b.Validate(); err == nil {
		t.Error("empty bundle should be rejected")
	}
}

func TestBundle_ValidateRejectsNonPositiveAmount(t *testing.T) {
	if err := paymentBundle(0, 0).Validate(); err == nil {
		t.Error("zero-amount payment should be rejected")
	}
	if err := paymentBundle(-5, 0).Validate(); err == nil {
		t.Error("negative payment should be rejected")
	}
}

func TestBundle_ValidateRejectsNegativeFee(t *testing.T) {
	if err := paymentBundle(1_000, -1).Validate(); err == nil {
		t.Error("negative fee should be rejected")
	}
}

func TestBundle_ValidateRejectsSelfPayment(t *testing.T) {
	b := paymentBundle(1_000, 0)
	b.Instructions[0].Receiver = b.Instructions[0].Sender
	if err := b.Validate(); err == nil {
		t.Error("self payment should be rejected")
	}
}

func TestBundle_ValidateRejectsValueMovingCall(t *testing.T) {
	b := paymentBundle(1_000, 0)
	b.Instructions[0].Type = ledger.InstructionTypeCall
	if err := b.Validate(); err == nil {
		t.Error("call instruction with value should be rejected")
	}
}

func TestBundle_ValidateRejectsMismatchedBundleID(t *testing.T) {
	b := paymentBundle(1_000, 0)
	b.Instructions[0].BundleID = uuid.New()
	if err := b.Validate(); err == nil {
		t.Error("mismatched bundle_id should be rejected")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_ApplyPaymentMovesValueAndFee(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	b := paymentBundle(10_000, 500)

	if err := bt.ApplyBundle(b); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	pay := b.Instructions[0]
	if got := bt.GetBalance(pay.Receiver); got != 10_000 {
		t.Errorf("receiver balance: got %d, want 10000", got)
	}
	if got := bt.GetBalance(pay.Sender); got != -10_500 {
		t.Errorf("sender balance: got %d, want -10500", got)
	}
	if got := bt.GetBalance(ledger.ExternalAccount(ledger.ExternalFees)); got != 500 {
		t.Errorf("fees balance: got %d, want 500", got)
	}
}

func TestBalanceTracker_GlobalBalanceIsZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	for i := 0; i < 5; i++ {
		if err := bt.ApplyBundle(paymentBundle(int64(1_000*(i+1)), 250)); err != nil {
			t.Fatalf("apply %d failed: %v", i, err)
		}
	}

	if total := bt.ComputeGlobalBalance(); total != 0 {
		t.Errorf("global balance should be zero, got %d", total)
	}
}

func TestBalanceTracker_ValidateSufficient(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	var addr ledger.Address
	addr[19] = 0x09
	key := ledger.PartyAccount(addr)
	bt.SetBalance(key, 999)

	if err := bt.ValidateSufficient(key, 1_000); err == nil {
		t.Error("insufficient balance should fail validation")
	}
	bt.SetBalance(key, 1_000)
	if err := bt.ValidateSufficient(key, 1_000); err != nil {
		t.Errorf("sufficient balance failed validation: %v", err)
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_CustodialDrained(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	var addr ledger.Address
	addr[19] = 0x0A

	if err := v.ValidateCustodialDrained(addr); err != nil {
		t.Errorf("empty custodial should validate as drained: %v", err)
	}

	bt.SetBalance(ledger.CustodialAccount(addr), 1)
	if err := v.ValidateCustodialDrained(addr); err == nil {
		t.Error("non-empty custodial should fail drained check")
	}
}

// ============================================================================
// Test: Derivations
// ============================================================================

func TestDeriveInstanceID_Deterministic(t *testing.T) {
	var seller ledger.Address
	seller[19] = 0x01
	reqID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")

	a := ledger.DeriveInstanceID(seller, "listing-42", reqID)
	b := ledger.DeriveInstanceID(seller, "listing-42", reqID)
	if a != b {
		t.Error("instance derivation must be deterministic")
	}

	c := ledger.DeriveInstanceID(seller, "listing-43", reqID)
	if a == c {
		t.Error("different listings must derive different instances")
	}
}

func TestDeriveCustodialAddress_UniquePerInstance(t *testing.T) {
	var seller ledger.Address
	seller[19] = 0x01

	a := ledger.DeriveCustodialAddress(ledger.DeriveInstanceID(seller, "listing-42", uuid.New()))
	b := ledger.DeriveCustodialAddress(ledger.DeriveInstanceID(seller, "listing-42", uuid.New()))

	if a.IsZero() || b.IsZero() {
		t.Error("custodial address must be non-zero")
	}
	if a == b {
		t.Error("distinct instances must derive distinct custodial addresses")
	}
}
