package core

import (
	"context"
	"testing"
	"time"

	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/operation"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAddr(b byte) ledger.Address {
	var a ledger.Address
	a[19] = b
	return a
}

type coreFixture struct {
	core       *Core
	persist    chan Commit
	projection chan Commit

	seller ledger.Address
	buyer  ledger.Address
	admin  ledger.Address
	ts     time.Time
}

func newCoreFixture(t *testing.T) *coreFixture {
	t.Helper()
	persist := make(chan Commit, 128)
	projection := make(chan Commit, 128)
	return &coreFixture{
		core:       NewCore(0, persist, projection, nil, nil),
		persist:    persist,
		projection: projection,
		seller:     testAddr(0x01),
		buyer:      testAddr(0x02),
		admin:      testAddr(0x03),
		ts:         time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func (f *coreFixture) createOp() *operation.CreateEscrow {
	return &operation.CreateEscrow{
		RequestID: uuid.New(),
		Seller:    f.seller,
		Admin:     f.admin,
		Amount:    5_000_000,
		ListingID: "listing-42",
		Timestamp: f.ts,
	}
}

func (f *coreFixture) fundOp(inst *escrow.Instance) *operation.FundEscrow {
	reqID := uuid.New()
	bundleID := uuid.New()
	return &operation.FundEscrow{
		RequestID: reqID,
		ID:        inst.ID,
		Funder:    f.buyer,
		Timestamp: f.ts,
		Bundle: &ledger.Bundle{
			BundleID: bundleID,
			OpRef:    reqID.String(),
			Instructions: []ledger.Instruction{
				{
					InstructionID: uuid.New(),
					BundleID:      bundleID,
					OpRef:         reqID.String(),
					Type:          ledger.InstructionTypePayment,
					Kind:          ledger.KindFundingPayment,
					Sender:        ledger.PartyAccount(f.buyer),
					Receiver:      ledger.CustodialAccount(inst.CustodialAddress),
					Amount:        inst.Amount,
				},
				{
					InstructionID: uuid.New(),
					BundleID:      bundleID,
					OpRef:         reqID.String(),
					Type:          ledger.InstructionTypeCall,
				},
			},
		},
	}
}

func TestPipelineCommitsChainHashes(t *testing.T) {
	f := newCoreFixture(t)

	created, err := f.core.ProcessOperation(f.createOp(), "test")
	require.NoError(t, err)
	_, err = f.core.ProcessOperation(f.fundOp(created.Instance), "test")
	require.NoError(t, err)

	require.Len(t, f.persist, 2)
	first := <-f.persist
	second := <-f.persist

	assert.Equal(t, int64(0), first.Envelope.Sequence)
	assert.Equal(t, int64(1), second.Envelope.Sequence)
	assert.Equal(t, first.Envelope.StateHash, second.Envelope.PrevHash)
	assert.NotEqual(t, first.Envelope.StateHash, second.Envelope.StateHash)
	assert.Equal(t, second.Envelope.StateHash, f.core.GetStateHash())
	assert.Equal(t, int64(2), f.core.GetSequence())

	// projection channel receives the same commits
	require.Len(t, f.projection, 2)
}

func TestDuplicateOperationSkipped(t *testing.T) {
	f := newCoreFixture(t)

	op := f.createOp()
	_, err := f.core.ProcessOperation(op, "test")
	require.NoError(t, err)

	hashBefore := f.core.GetStateHash()
	_, err = f.core.ProcessOperation(op, "test")
	assert.ErrorIs(t, err, ErrDuplicateOperation)
	assert.Equal(t, hashBefore, f.core.GetStateHash())
	assert.Equal(t, int64(1), f.core.GetSequence())
	assert.Len(t, f.persist, 1)
}

func TestRejectionLeavesStateUntouched(t *testing.T) {
	f := newCoreFixture(t)

	created, err := f.core.ProcessOperation(f.createOp(), "test")
	require.NoError(t, err)

	hashBefore := f.core.GetStateHash()
	seqBefore := f.core.GetSequence()

	// wrong caller for deliver on an unfunded escrow
	_, err = f.core.ProcessOperation(&operation.MarkDelivered{
		RequestID: uuid.New(),
		ID:        created.Instance.ID,
		Seller:    f.buyer,
		Timestamp: f.ts,
	}, "test")

	rej, ok := escrow.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, escrow.RejectUnauthorized, rej.Kind)
	assert.Equal(t, hashBefore, f.core.GetStateHash())
	assert.Equal(t, seqBefore, f.core.GetSequence())
	assert.Len(t, f.persist, 1)
}

func TestSourceSequenceOrdering(t *testing.T) {
	f := newCoreFixture(t)

	first := f.createOp()
	first.Sequence = 5
	_, err := f.core.ProcessOperation(first, "bus")
	require.NoError(t, err, "first sequence from a source establishes the baseline")

	second := f.createOp()
	second.Sequence = 6
	_, err = f.core.ProcessOperation(second, "bus")
	require.NoError(t, err)

	stale := f.createOp()
	stale.Sequence = 6
	_, err = f.core.ProcessOperation(stale, "bus")
	assert.ErrorIs(t, err, ErrSequenceViolation)
	assert.ErrorContains(t, err, "out-of-order")

	gapped := f.createOp()
	gapped.Sequence = 9
	_, err = f.core.ProcessOperation(gapped, "bus")
	assert.ErrorIs(t, err, ErrSequenceViolation)
	assert.ErrorContains(t, err, "sequence gap")
}

func TestRunContinuesAfterOrderingViolation(t *testing.T) {
	f := newCoreFixture(t)

	in := make(chan Input)
	done := make(chan error, 1)
	go func() { done <- f.core.Run(context.Background(), in, zerolog.Nop()) }()

	send := func(op operation.Operation) Outcome {
		reply := make(chan Outcome, 1)
		in <- Input{Op: op, Source: "bus", Reply: reply}
		return <-reply
	}

	first := f.createOp()
	first.Sequence = 5
	require.NoError(t, send(first).Err)

	gapped := f.createOp()
	gapped.Sequence = 9
	assert.ErrorIs(t, send(gapped).Err, ErrSequenceViolation)

	// the loop must survive the gap and process the next in-order operation
	next := f.createOp()
	next.Sequence = 6
	require.NoError(t, send(next).Err)
	assert.Equal(t, int64(2), f.core.GetSequence())

	close(in)
	require.NoError(t, <-done)
}

func TestReplayRebuildsIdenticalState(t *testing.T) {
	f := newCoreFixture(t)

	created, err := f.core.ProcessOperation(f.createOp(), "test")
	require.NoError(t, err)
	_, err = f.core.ProcessOperation(f.fundOp(created.Instance), "test")
	require.NoError(t, err)
	_, err = f.core.ProcessOperation(&operation.MarkDelivered{
		RequestID: uuid.New(),
		ID:        created.Instance.ID,
		Seller:    f.seller,
		Timestamp: f.ts,
	}, "test")
	require.NoError(t, err)

	envelopes := make([]*operation.Envelope, 0, 3)
	for len(f.persist) > 0 {
		commit := <-f.persist
		envelopes = append(envelopes, commit.Envelope)
	}
	require.Len(t, envelopes, 3)

	replayed := NewCore(0, make(chan Commit, 16), make(chan Commit, 16), nil, nil)
	for _, env := range envelopes {
		require.NoError(t, replayed.ReplayOperation(env))
	}

	assert.Equal(t, f.core.GetStateHash(), replayed.GetStateHash())
	assert.Equal(t, f.core.GetSequence(), replayed.GetSequence())
}

func TestReplayDetectsHashMismatch(t *testing.T) {
	f := newCoreFixture(t)

	_, err := f.core.ProcessOperation(f.createOp(), "test")
	require.NoError(t, err)
	commit := <-f.persist
	commit.Envelope.StateHash[0] ^= 0xFF

	replayed := NewCore(0, make(chan Commit, 16), make(chan Commit, 16), nil, nil)
	err = replayed.ReplayOperation(commit.Envelope)
	assert.ErrorContains(t, err, "state hash mismatch")
}

func TestSnapshotRestoreResumesChain(t *testing.T) {
	f := newCoreFixture(t)

	created, err := f.core.ProcessOperation(f.createOp(), "test")
	require.NoError(t, err)
	_, err = f.core.ProcessOperation(f.fundOp(created.Instance), "test")
	require.NoError(t, err)

	snap := f.core.CreateSnapshotState()
	assert.Equal(t, int64(1), snap.Sequence)
	assert.Equal(t, f.core.GetStateHash(), snap.StateHash)
	require.Len(t, snap.Instances, 1)

	restored := NewCore(0, make(chan Commit, 16), make(chan Commit, 16), nil, nil)
	restored.RestoreFromSnapshot(snap)
	assert.Equal(t, f.core.GetSequence(), restored.GetSequence())
	assert.Equal(t, f.core.GetStateHash(), restored.GetStateHash())

	// both cores must produce the same hash for the same next operation
	next := &operation.MarkDelivered{
		RequestID: uuid.New(),
		ID:        created.Instance.ID,
		Seller:    f.seller,
		Timestamp: f.ts,
	}
	_, err = f.core.ProcessOperation(next, "test")
	require.NoError(t, err)
	_, err = restored.ProcessOperation(next, "test")
	require.NoError(t, err)
	assert.Equal(t, f.core.GetStateHash(), restored.GetStateHash())
}

func TestSnapshotRestoreRejectsProcessedKeys(t *testing.T) {
	f := newCoreFixture(t)

	op := f.createOp()
	_, err := f.core.ProcessOperation(op, "test")
	require.NoError(t, err)

	restored := NewCore(0, make(chan Commit, 16), make(chan Commit, 16), nil, nil)
	restored.RestoreFromSnapshot(f.core.CreateSnapshotState())

	_, err = restored.ProcessOperation(op, "test")
	assert.ErrorIs(t, err, ErrDuplicateOperation)
}
