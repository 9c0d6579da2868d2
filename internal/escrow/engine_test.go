package escrow

import (
	"testing"
	"time"

	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/operation"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(b byte) ledger.Address {
	var a ledger.Address
	a[19] = b
	return a
}

type fixture struct {
	store  *MemoryStore
	bal    *ledger.BalanceTracker
	engine *Engine

	seller ledger.Address
	buyer  ledger.Address
	admin  ledger.Address

	seq int64
	ts  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	bal := ledger.NewBalanceTracker()
	return &fixture{
		store:  store,
		bal:    bal,
		engine: NewEngine(store, bal, ledger.NewInvariantValidator(bal)),
		seller: addr(0x01),
		buyer:  addr(0x02),
		admin:  addr(0x03),
		ts:     time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) apply(t *testing.T, op operation.Operation) *Result {
	t.Helper()
	f.seq++
	res, err := f.engine.Apply(op, f.seq)
	require.NoError(t, err)
	return res
}

func (f *fixture) applyErr(t *testing.T, op operation.Operation) *Rejection {
	t.Helper()
	f.seq++
	_, err := f.engine.Apply(op, f.seq)
	require.Error(t, err)
	rej, ok := AsRejection(err)
	require.True(t, ok, "expected a rejection, got %v", err)
	return rej
}

func (f *fixture) create(t *testing.T, amount int64) *Instance {
	t.Helper()
	res := f.apply(t, &operation.CreateEscrow{
		RequestID: uuid.New(),
		Seller:    f.seller,
		Admin:     f.admin,
		Amount:    amount,
		ListingID: "listing-42",
		Timestamp: f.ts,
	})
	return res.Instance
}

func fundingBundle(inst *Instance, funder ledger.Address, amount int64, opRef string) *ledger.Bundle {
	bundleID := uuid.New()
	return &ledger.Bundle{
		BundleID: bundleID,
		OpRef:    opRef,
		Instructions: []ledger.Instruction{
			{
				InstructionID: uuid.New(),
				BundleID:      bundleID,
				OpRef:         opRef,
				Type:          ledger.InstructionTypePayment,
				Kind:          ledger.KindFundingPayment,
				Sender:        ledger.PartyAccount(funder),
				Receiver:      ledger.CustodialAccount(inst.CustodialAddress),
				Amount:        amount,
			},
			{
				InstructionID: uuid.New(),
				BundleID:      bundleID,
				OpRef:         opRef,
				Type:          ledger.InstructionTypeCall,
			},
		},
	}
}

func (f *fixture) fund(t *testing.T, inst *Instance, funder ledger.Address) *Result {
	t.Helper()
	reqID := uuid.New()
	return f.apply(t, &operation.FundEscrow{
		RequestID: reqID,
		ID:        inst.ID,
		Funder:    funder,
		Bundle:    fundingBundle(inst, funder, inst.Amount, reqID.String()),
		Timestamp: f.ts,
	})
}

func (f *fixture) deliver(t *testing.T, inst *Instance) *Result {
	t.Helper()
	return f.apply(t, &operation.MarkDelivered{
		RequestID: uuid.New(),
		ID:        inst.ID,
		Seller:    f.seller,
		Timestamp: f.ts,
	})
}

func TestCreateEscrow(t *testing.T) {
	f := newFixture(t)

	res := f.apply(t, &operation.CreateEscrow{
		RequestID: uuid.New(),
		Seller:    f.seller,
		Admin:     f.admin,
		Amount:    5_000_000,
		ListingID: "listing-42",
		Timestamp: f.ts,
	})

	inst := res.Instance
	assert.Equal(t, StatusCreated, inst.Status)
	assert.Equal(t, f.seller, inst.Seller)
	assert.Equal(t, f.admin, inst.Admin)
	assert.False(t, inst.BuyerBound())
	assert.Equal(t, int64(5_000_000), inst.Amount)
	assert.Equal(t, ledger.DeriveCustodialAddress(inst.ID), inst.CustodialAddress)
	assert.Equal(t, ExternalInit, res.ExternalStatus)
	assert.Nil(t, res.Bundle)
	assert.Equal(t, 1, f.store.Len())
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		op   *operation.CreateEscrow
	}{
		{"amount below fee reserve", &operation.CreateEscrow{RequestID: uuid.New(), Seller: f.seller, Admin: f.admin, Amount: FeeReserve, ListingID: "l", Timestamp: f.ts}},
		{"zero seller", &operation.CreateEscrow{RequestID: uuid.New(), Admin: f.admin, Amount: 10_000, ListingID: "l", Timestamp: f.ts}},
		{"zero admin", &operation.CreateEscrow{RequestID: uuid.New(), Seller: f.seller, Amount: 10_000, ListingID: "l", Timestamp: f.ts}},
		{"empty listing", &operation.CreateEscrow{RequestID: uuid.New(), Seller: f.seller, Admin: f.admin, Amount: 10_000, Timestamp: f.ts}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rej := f.applyErr(t, tc.op)
			assert.Equal(t, RejectInvalidArgs, rej.Kind)
		})
	}
	assert.Equal(t, 0, f.store.Len())
}

func TestFundBindsBuyerAndLocksAmount(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t, 5_000_000)

	res := f.fund(t, inst, f.buyer)

	assert.Equal(t, StatusFunded, res.Instance.Status)
	assert.Equal(t, f.buyer, res.Instance.Buyer)
	assert.Equal(t, int64(5_000_000), f.bal.GetCustodialBalance(inst.CustodialAddress))
	assert.Equal(t, int64(0), f.bal.GetPartyBalance(f.buyer))
	assert.Equal(t, ExternalFunded, res.ExternalStatus)
	require.NoError(t, f.engine.validator.ValidateGlobalBalance())
}

func TestFundRejectsMalformedBundles(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t, 5_000_000)

	mutations := []struct {
		name   string
		mutate func(b *ledger.Bundle)
	}{
		{"short payment", func(b *ledger.Bundle) { b.Instructions[0].Amount = 4_999_999 }},
		{"overpayment", func(b *ledger.Bundle) { b.Instructions[0].Amount = 5_000_001 }},
		{"wrong target", func(b *ledger.Bundle) { b.Instructions[0].Receiver = ledger.PartyAccount(addr(0x77)) }},
		{"wrong sender", func(b *ledger.Bundle) { b.Instructions[0].Sender = ledger.PartyAccount(addr(0x77)) }},
		{"missing call", func(b *ledger.Bundle) { b.Instructions = b.Instructions[:1] }},
		{"call ref mismatch", func(b *ledger.Bundle) { b.Instructions[1].OpRef = "someone-else" }},
		{"value-moving call", func(b *ledger.Bundle) { b.Instructions[1].Amount = 1 }},
	}

	for _, tc := range mutations {
		t.Run(tc.name, func(t *testing.T) {
			reqID := uuid.New()
			bundle := fundingBundle(inst, f.buyer, inst.Amount, reqID.String())
			tc.mutate(bundle)

			rej := f.applyErr(t, &operation.FundEscrow{
				RequestID: reqID,
				ID:        inst.ID,
				Funder:    f.buyer,
				Bundle:    bundle,
				Timestamp: f.ts,
			})

			assert.Equal(t, RejectMalformedBundle, rej.Kind)

			// rejection mutates nothing
			got, ok := f.store.Get(inst.ID)
			require.True(t, ok)
			assert.Equal(t, StatusCreated, got.Status)
			assert.Equal(t, int64(0), f.bal.GetCustodialBalance(inst.CustodialAddress))
		})
	}
}

func TestFundRestrictedToDesignatedBuyer(t *testing.T) {
	f := newFixture(t)

	res := f.apply(t, &operation.CreateEscrow{
		RequestID: uuid.New(),
		Seller:    f.seller,
		Admin:     f.admin,
		Buyer:     f.buyer,
		Amount:    10_000,
		ListingID: "listing-42",
		Timestamp: f.ts,
	})
	inst := res.Instance
	require.True(t, inst.BuyerBound())

	stranger := addr(0x55)
	reqID := uuid.New()
	rej := f.applyErr(t, &operation.FundEscrow{
		RequestID: reqID,
		ID:        inst.ID,
		Funder:    stranger,
		Bundle:    fundingBundle(inst, stranger, inst.Amount, reqID.String()),
		Timestamp: f.ts,
	})
	assert.Equal(t, RejectUnauthorized, rej.Kind)

	funded := f.fund(t, inst, f.buyer)
	assert.Equal(t, StatusFunded, funded.Instance.Status)
	assert.Equal(t, f.buyer, funded.Instance.Buyer)
}

func TestConfirmDeliveryDisbursesToSeller(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t, 5_000_000)
	f.fund(t, inst, f.buyer)
	f.deliver(t, inst)

	res := f.apply(t, &operation.ConfirmDelivery{
		RequestID: uuid.New(),
		ID:        inst.ID,
		Buyer:     f.buyer,
		Timestamp: f.ts,
	})

	assert.Equal(t, StatusCompleted, res.Instance.Status)
	assert.Equal(t, ExternalCompleted, res.ExternalStatus)
	require.NotNil(t, res.Disbursement)
	assert.Equal(t, int64(4_999_000), res.Disbursement.Amount)
	assert.Equal(t, FeeReserve, res.Disbursement.Fee)

	assert.Equal(t, int64(4_999_000), f.bal.GetPartyBalance(f.seller))
	assert.Equal(t, int64(0), f.bal.GetCustodialBalance(inst.CustodialAddress))
	assert.Equal(t, FeeReserve, f.bal.GetBalance(ledger.ExternalAccount(ledger.ExternalFees)))
	require.NoError(t, f.engine.validator.ValidateGlobalBalance())
}

func TestDisputeRefundReturnsFundsToBuyer(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t, 5_000_000)
	f.fund(t, inst, f.buyer)
	f.deliver(t, inst)

	disputed := f.apply(t, &operation.RaiseDispute{
		RequestID: uuid.New(),
		ID:        inst.ID,
		Buyer:     f.buyer,
		Reason:    "never arrived",
		Timestamp: f.ts,
	})
	assert.Equal(t, StatusDisputed, disputed.Instance.Status)
	assert.Equal(t, ExternalDisputed, disputed.ExternalStatus)

	res := f.apply(t, &operation.ResolveDispute{
		RequestID: uuid.New(),
		ID:        inst.ID,
		Admin:     f.admin,
		Outcome:   operation.OutcomeRefund,
		Timestamp: f.ts,
	})

	assert.Equal(t, StatusRefunded, res.Instance.Status)
	assert.Equal(t, ExternalRefunded, res.ExternalStatus)
	assert.Equal(t, int64(4_999_000), f.bal.GetPartyBalance(f.buyer))
	assert.Equal(t, int64(0), f.bal.GetPartyBalance(f.seller))
	assert.Equal(t, int64(0), f.bal.GetCustodialBalance(inst.CustodialAddress))
}

func TestResolveReleasePaysSeller(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t, 5_000_000)
	f.fund(t, inst, f.buyer)
	f.deliver(t, inst)
	f.apply(t, &operation.RaiseDispute{RequestID: uuid.New(), ID: inst.ID, Buyer: f.buyer, Timestamp: f.ts})

	res := f.apply(t, &operation.ResolveDispute{
		RequestID: uuid.New(),
		ID:        inst.ID,
		Admin:     f.admin,
		Outcome:   operation.OutcomeRelease,
		Timestamp: f.ts,
	})

	assert.Equal(t, StatusCompleted, res.Instance.Status)
	assert.Equal(t, ExternalReleased, res.ExternalStatus)
	assert.Equal(t, int64(4_999_000), f.bal.GetPartyBalance(f.seller))
}

func TestResolveRejectsUnknownOutcome(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t, 5_000_000)
	f.fund(t, inst, f.buyer)
	f.deliver(t, inst)
	f.apply(t, &operation.RaiseDispute{RequestID: uuid.New(), ID: inst.ID, Buyer: f.buyer, Timestamp: f.ts})

	rej := f.applyErr(t, &operation.ResolveDispute{
		RequestID: uuid.New(),
		ID:        inst.ID,
		Admin:     f.admin,
		Outcome:   "split",
		Timestamp: f.ts,
	})
	assert.Equal(t, RejectInvalidArgs, rej.Kind)

	got, _ := f.store.Get(inst.ID)
	assert.Equal(t, StatusDisputed, got.Status)
}

func TestAdminReleaseFromEveryPayableStatus(t *testing.T) {
	setups := map[string]func(f *fixture, inst *Instance){
		"funded": func(f *fixture, inst *Instance) {},
		"delivered": func(f *fixture, inst *Instance) {
			f.deliver(t, inst)
		},
		"disputed": func(f *fixture, inst *Instance) {
			f.deliver(t, inst)
			f.apply(t, &operation.RaiseDispute{RequestID: uuid.New(), ID: inst.ID, Buyer: f.buyer, Timestamp: f.ts})
		},
	}

	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			inst := f.create(t, 5_000_000)
			f.fund(t, inst, f.buyer)
			setup(f, inst)

			res := f.apply(t, &operation.AdminRelease{
				RequestID: uuid.New(),
				ID:        inst.ID,
				Admin:     f.admin,
				Timestamp: f.ts,
			})

			assert.Equal(t, StatusCompleted, res.Instance.Status)
			assert.Equal(t, ExternalReleased, res.ExternalStatus)
			assert.Equal(t, int64(4_999_000), f.bal.GetPartyBalance(f.seller))
		})
	}
}

func TestAdminReleaseRequiresFunds(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t, 5_000_000)

	rej := f.applyErr(t, &operation.AdminRelease{
		RequestID: uuid.New(),
		ID:        inst.ID,
		Admin:     f.admin,
		Timestamp: f.ts,
	})
	assert.Equal(t, RejectInvalidState, rej.Kind)
}

func TestNoDoubleDisbursement(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t, 5_000_000)
	f.fund(t, inst, f.buyer)
	f.deliver(t, inst)
	f.apply(t, &operation.ConfirmDelivery{RequestID: uuid.New(), ID: inst.ID, Buyer: f.buyer, Timestamp: f.ts})

	for _, op := range []operation.Operation{
		&operation.ConfirmDelivery{RequestID: uuid.New(), ID: inst.ID, Buyer: f.buyer, Timestamp: f.ts},
		&operation.AdminRelease{RequestID: uuid.New(), ID: inst.ID, Admin: f.admin, Timestamp: f.ts},
		&operation.ResolveDispute{RequestID: uuid.New(), ID: inst.ID, Admin: f.admin, Outcome: operation.OutcomeRelease, Timestamp: f.ts},
	} {
		rej := f.applyErr(t, op)
		assert.Equal(t, RejectInvalidState, rej.Kind)
	}

	assert.Equal(t, int64(4_999_000), f.bal.GetPartyBalance(f.seller))
	assert.Equal(t, FeeReserve, f.bal.GetBalance(ledger.ExternalAccount(ledger.ExternalFees)))
}

func TestCancelOnlyBeforeFunding(t *testing.T) {
	f := newFixture(t)

	inst := f.create(t, 10_000)
	res := f.apply(t, &operation.CancelEscrow{RequestID: uuid.New(), ID: inst.ID, Seller: f.seller, Timestamp: f.ts})
	assert.Equal(t, StatusCancelled, res.Instance.Status)
	assert.Equal(t, ExternalCancelled, res.ExternalStatus)

	funded := f.create(t, 10_000)
	f.fund(t, funded, f.buyer)
	rej := f.applyErr(t, &operation.CancelEscrow{RequestID: uuid.New(), ID: funded.ID, Seller: f.seller, Timestamp: f.ts})
	assert.Equal(t, RejectInvalidState, rej.Kind)
	assert.Equal(t, int64(10_000), f.bal.GetCustodialBalance(funded.CustodialAddress))
}

func TestUnauthorizedCallers(t *testing.T) {
	f := newFixture(t)
	stranger := addr(0x55)

	inst := f.create(t, 5_000_000)
	f.fund(t, inst, f.buyer)

	cases := []operation.Operation{
		&operation.MarkDelivered{RequestID: uuid.New(), ID: inst.ID, Seller: stranger, Timestamp: f.ts},
		&operation.MarkDelivered{RequestID: uuid.New(), ID: inst.ID, Seller: f.buyer, Timestamp: f.ts},
		&operation.AdminRelease{RequestID: uuid.New(), ID: inst.ID, Admin: f.seller, Timestamp: f.ts},
		&operation.ResolveDispute{RequestID: uuid.New(), ID: inst.ID, Admin: stranger, Outcome: operation.OutcomeRelease, Timestamp: f.ts},
	}
	for _, op := range cases {
		rej := f.applyErr(t, op)
		assert.Equal(t, RejectUnauthorized, rej.Kind, "op %s", op.OpType())
	}

	f.deliver(t, inst)
	rej := f.applyErr(t, &operation.ConfirmDelivery{RequestID: uuid.New(), ID: inst.ID, Buyer: f.seller, Timestamp: f.ts})
	assert.Equal(t, RejectUnauthorized, rej.Kind)
	rej = f.applyErr(t, &operation.RaiseDispute{RequestID: uuid.New(), ID: inst.ID, Buyer: stranger, Timestamp: f.ts})
	assert.Equal(t, RejectUnauthorized, rej.Kind)

	got, _ := f.store.Get(inst.ID)
	assert.Equal(t, StatusDelivered, got.Status)
}

func TestOperationsOnUnknownInstance(t *testing.T) {
	f := newFixture(t)

	var missing ledger.InstanceID
	missing[0] = 0xFF

	rej := f.applyErr(t, &operation.MarkDelivered{RequestID: uuid.New(), ID: missing, Seller: f.seller, Timestamp: f.ts})
	assert.Equal(t, RejectNotFound, rej.Kind)
}

func TestRefundedBuyerBalanceReused(t *testing.T) {
	f := newFixture(t)

	// first escrow ends in a refund, leaving the buyer a party balance
	first := f.create(t, 100_000)
	f.fund(t, first, f.buyer)
	f.deliver(t, first)
	f.apply(t, &operation.RaiseDispute{RequestID: uuid.New(), ID: first.ID, Buyer: f.buyer, Timestamp: f.ts})
	f.apply(t, &operation.ResolveDispute{RequestID: uuid.New(), ID: first.ID, Admin: f.admin, Outcome: operation.OutcomeRefund, Timestamp: f.ts})
	require.Equal(t, int64(99_000), f.bal.GetPartyBalance(f.buyer))

	// second funding spends the refund first and tops up only the shortfall
	second := f.apply(t, &operation.CreateEscrow{
		RequestID: uuid.New(),
		Seller:    f.seller,
		Admin:     f.admin,
		Amount:    100_000,
		ListingID: "listing-43",
		Timestamp: f.ts,
	}).Instance
	res := f.fund(t, second, f.buyer)

	deposits := res.Bundle.Payments()
	require.Len(t, deposits, 2)
	assert.Equal(t, ledger.KindExternalDeposit, deposits[0].Kind)
	assert.Equal(t, int64(1_000), deposits[0].Amount)
	assert.Equal(t, int64(0), f.bal.GetPartyBalance(f.buyer))
	assert.Equal(t, int64(100_000), f.bal.GetCustodialBalance(second.CustodialAddress))
	require.NoError(t, f.engine.validator.ValidateGlobalBalance())
}
