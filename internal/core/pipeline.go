package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/operation"

	"github.com/rs/zerolog"
)

// ErrDuplicateOperation marks a redelivered operation that was already
// committed. Callers treat it as success.
var ErrDuplicateOperation = errors.New("duplicate operation")

// Commit is what the core emits downstream for every committed operation.
type Commit struct {
	Envelope   *operation.Envelope
	Result     *escrow.Result
	StateDelta []byte
}

// Input carries one operation into the core goroutine. Reply is optional;
// when set, the outcome is delivered on it (buffered, non-blocking send).
// Snapshot requests ride the same channel so state capture serializes with
// operation processing; when Snapshot is set, Op is ignored.
type Input struct {
	Op       operation.Operation
	Source   string
	Received time.Time
	Reply    chan<- Outcome
	Snapshot chan<- *SnapshotState
}

// Outcome is the reply for an Input that requested one.
type Outcome struct {
	Result *escrow.Result
	Err    error
}

// Core is the single-writer operation processor. All escrow state lives
// behind it; nothing else mutates the record store or balances.
type Core struct {
	sequence     int64
	hasher       *StateHasher
	store        escrow.RecordStore
	balances     *ledger.BalanceTracker
	validator    *ledger.InvariantValidator
	engine       *escrow.Engine
	idempotency  *IdempotencyChecker
	seqValidator *SequenceValidator
	metrics      *observability.Metrics

	custodialHeld int64

	persistChan    chan<- Commit
	projectionChan chan<- Commit
}

func NewCore(
	startSequence int64,
	persistChan, projectionChan chan<- Commit,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *Core {
	store := escrow.NewMemoryStore()
	balances := ledger.NewBalanceTracker()
	validator := ledger.NewInvariantValidator(balances)

	return &Core{
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		store:          store,
		balances:       balances,
		validator:      validator,
		engine:         escrow.NewEngine(store, balances, validator),
		idempotency:    NewIdempotencyChecker(1_000_000, dbChecker),
		seqValidator:   NewSequenceValidator(),
		metrics:        metrics,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// Run drains the input channel until it closes or the context ends.
// Rejections and ordering violations drop the single operation; only
// genuine invariant violations terminate the loop.
func (c *Core) Run(ctx context.Context, in <-chan Input, logger zerolog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case input, ok := <-in:
			if !ok {
				return nil
			}

			if input.Snapshot != nil {
				input.Snapshot <- c.CreateSnapshotState()
				continue
			}

			result, err := c.ProcessOperation(input.Op, input.Source)

			if input.Reply != nil {
				select {
				case input.Reply <- Outcome{Result: result, Err: err}:
				default:
				}
			}

			switch {
			case err == nil, errors.Is(err, ErrDuplicateOperation):
			default:
				if _, ok := escrow.AsRejection(err); ok {
					logger.Warn().
						Str("op_type", input.Op.OpType().String()).
						Str("idempotency_key", input.Op.IdempotencyKey()).
						Err(err).
						Msg("operation rejected")
					continue
				}
				if errors.Is(err, ErrSequenceViolation) {
					logger.Warn().
						Str("source", input.Source).
						Str("op_type", input.Op.OpType().String()).
						Int64("source_sequence", input.Op.SourceSequence()).
						Err(err).
						Msg("operation dropped on ordering violation")
					continue
				}
				logger.Error().Err(err).Msg("core halted on invariant violation")
				return err
			}
		}
	}
}

// ProcessOperation is the main pipeline: dedup, ordering, transition,
// state hash, emit, mark processed. Rejections leave sequence, hash chain,
// and all state untouched.
func (c *Core) ProcessOperation(op operation.Operation, source string) (*escrow.Result, error) {
	start := time.Now()
	opType := op.OpType().String()
	key := op.IdempotencyKey()

	isDuplicate := c.idempotency.IsDuplicate(opType, key)

	if err := c.seqValidator.Validate(source, op.SourceSequence(), isDuplicate); err != nil {
		if c.metrics != nil {
			c.metrics.CoreOpsRejected.WithLabelValues(opType, "ordering").Inc()
			c.metrics.SourceOutOfOrder.WithLabelValues(source).Inc()
		}
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreOpsRejected.WithLabelValues(opType, "duplicate").Inc()
		}
		return nil, ErrDuplicateOperation
	}

	result, err := c.engine.Apply(op, c.sequence)
	if err != nil {
		if rej, ok := escrow.AsRejection(err); ok {
			if c.metrics != nil {
				c.metrics.CoreOpsRejected.WithLabelValues(opType, rej.Kind.String()).Inc()
			}
			return nil, err
		}
		return nil, fmt.Errorf("apply %s: %w", opType, err)
	}

	stateDigest := c.computeStateDigest(result)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	payload, err := operation.EncodePayload(op)
	if err != nil {
		return nil, err
	}

	envelope := &operation.Envelope{
		Sequence:       c.sequence,
		IdempotencyKey: key,
		OpType:         op.OpType(),
		Instance:       op.Instance(),
		Timestamp:      op.OpTimestamp(),
		SourceSequence: op.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	commit := Commit{
		Envelope:   envelope,
		Result:     result,
		StateDelta: stateDigest,
	}

	// Persistence: blocking send. The core stalls until the persistence
	// worker drains, so no committed operation is ever lost.
	c.persistChan <- commit

	// Projections: non-blocking send. A dropped commit is rebuilt from
	// the operation log.
	select {
	case c.projectionChan <- commit:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.WithLabelValues("all").Inc()
		}
	}

	c.idempotency.MarkProcessed(opType, key)
	c.sequence++

	c.recordCommitMetrics(op, result, opType, start)

	return result, nil
}

func (c *Core) recordCommitMetrics(op operation.Operation, result *escrow.Result, opType string, start time.Time) {
	if c.metrics == nil {
		return
	}

	c.metrics.CoreOpsApplied.WithLabelValues(opType).Inc()
	c.metrics.CoreOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
	c.metrics.DedupLRUSize.Set(float64(c.idempotency.Size()))

	if result.Instance != nil {
		if op.OpType() != operation.TypeCreateEscrow {
			c.metrics.EscrowsByStatus.WithLabelValues(result.PrevStatus.String()).Dec()
		}
		c.metrics.EscrowsByStatus.WithLabelValues(result.Instance.Status.String()).Inc()
	}

	switch op.OpType() {
	case operation.TypeFundEscrow:
		c.custodialHeld += result.Instance.Amount
	case operation.TypeConfirmDelivery, operation.TypeResolveDispute, operation.TypeAdminRelease:
		c.custodialHeld -= result.Instance.Amount
	}
	c.metrics.CustodialHeld.Set(float64(c.custodialHeld))

	if result.Disbursement != nil {
		kind := "release"
		if result.Disbursement.Kind == ledger.KindRefund {
			kind = "refund"
		}
		c.metrics.DisbursementsPaid.WithLabelValues(kind).Inc()
		c.metrics.FeesCollected.Add(float64(result.Disbursement.Fee))
	}
}

// ReplayOperation re-applies a logged operation during startup recovery and
// verifies the recomputed hash against the stored chain.
func (c *Core) ReplayOperation(env *operation.Envelope) error {
	op, err := operation.DecodePayload(env.OpType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}

	result, err := c.engine.Apply(op, env.Sequence)
	if err != nil {
		// Only committed operations reach the log; a rejection here means
		// the log and the replayed state diverged.
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}

	stateDigest := c.computeStateDigest(result)
	stateHash := c.hasher.ComputeHash(env.Sequence, stateDigest)
	if env.StateHash != ([32]byte{}) && stateHash != env.StateHash {
		return fmt.Errorf("replay seq %d: state hash mismatch", env.Sequence)
	}

	c.idempotency.MarkProcessed(env.OpType.String(), env.IdempotencyKey)
	c.sequence = env.Sequence + 1

	if c.metrics != nil {
		c.metrics.ReplayOpsTotal.Inc()
	}
	return nil
}

// computeStateDigest builds the canonical bytes hashed into the chain:
// the touched account balances (sorted by path) followed by the mutated
// instance record. State-only transitions touch no accounts but still
// change the instance, so every commit advances the digest.
func (c *Core) computeStateDigest(result *escrow.Result) []byte {
	touched := make(map[ledger.AccountKey]bool)
	if result.Bundle != nil {
		for _, ins := range result.Bundle.Payments() {
			touched[ins.Sender] = true
			touched[ins.Receiver] = true
			if ins.Fee > 0 {
				touched[ledger.ExternalAccount(ledger.ExternalFees)] = true
			}
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(touched))
	for key := range touched {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+96)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, c.balances.GetBalance(key))
	}

	if inst := result.Instance; inst != nil {
		digest = append(digest, inst.ID[:]...)
		digest = append(digest, byte(inst.Status))
		digest = append(digest, inst.Buyer[:]...)
		digest = appendInt64LE(digest, inst.Amount)
		digest = appendInt64LE(digest, inst.Version)
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// --- Snapshot restore & startup ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]int64
	Instances       []*escrow.Instance
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot loads the core's in-memory state. Events after the
// snapshot sequence are replayed on top via ReplayOperation.
func (c *Core) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)

	for key, balance := range snap.Balances {
		c.balances.SetBalance(key, balance)
	}
	for _, inst := range snap.Instances {
		c.store.Put(inst.Clone())
		if inst.Status.Payable() {
			c.custodialHeld += inst.Amount
		}
	}
	for source, next := range snap.SequenceState {
		c.seqValidator.Restore(source, next)
	}
	c.idempotency.Warm(snap.IdempotencyKeys)
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *Core) CreateSnapshotState() *SnapshotState {
	instances := c.store.All()
	copies := make([]*escrow.Instance, len(instances))
	for i, inst := range instances {
		copies[i] = inst.Clone()
	}

	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.balances.Snapshot(),
		Instances:       copies,
		SequenceState:   c.seqValidator.Sources(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
}

// WarmIdempotency preloads composite dedup keys into the LRU, used at
// startup with the newest keys from the operation log.
func (c *Core) WarmIdempotency(keys []string) {
	c.idempotency.Warm(keys)
}

// GetSequence returns the next sequence to assign.
func (c *Core) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current chain tip.
func (c *Core) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}
