package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"EscrowLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Entry mirrors core.Commit in row form to avoid an import cycle.
// The orchestrator bridges between core commits and entries.
type Entry struct {
	OperationRow    OperationRow
	InstructionRows []InstructionRow
}

// Worker drains the persist channel and batch-writes to Postgres.
// The core's sends into the channel are blocking, so if this worker falls
// behind the core stalls and no committed operation is ever lost.
type Worker struct {
	writer       *OperationLogWriter
	db           *sql.DB
	inputChan    <-chan Entry
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan Entry,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Worker {
	return &Worker{
		writer:       NewOperationLogWriter(db),
		db:           db,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming entries and flushes either when the batch is full
// or the flush timeout expires. Blocks until ctx is cancelled or the
// input channel closes.
func (w *Worker) Run(ctx context.Context) error {
	opBatch := make([]OperationRow, 0, w.batchSize)
	insBatch := make([]InstructionRow, 0, w.batchSize*2)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(opBatch) > 0 {
				if err := w.flush(context.Background(), opBatch, insBatch); err != nil {
					w.logger.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case entry, ok := <-w.inputChan:
			if !ok {
				if len(opBatch) > 0 {
					if err := w.flush(context.Background(), opBatch, insBatch); err != nil {
						w.logger.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			opBatch = append(opBatch, entry.OperationRow)
			insBatch = append(insBatch, entry.InstructionRows...)

			if len(opBatch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, opBatch, insBatch); err != nil {
					w.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				opBatch = opBatch[:0]
				insBatch = insBatch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(opBatch) > 0 {
				if err := w.flushWithRetry(ctx, opBatch, insBatch); err != nil {
					w.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				opBatch = opBatch[:0]
				insBatch = insBatch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops
// entries: it retries until the write succeeds or the context is cancelled,
// in which case one final flush runs with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, ops []OperationRow, instructions []InstructionRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("operations", len(ops)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), ops, instructions); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, ops, instructions)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistRetry.Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, ops []OperationRow, instructions []InstructionRow) error {
	start := time.Now()

	// Operations and instructions commit in one transaction so a bundle is
	// never visible without the operation that produced it.
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteOperationBatch(ctx, tx, ops); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_operations").Inc()
		}
		return err
	}

	if err := w.writer.WriteInstructionBatch(ctx, tx, instructions); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_instructions").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(ops)))
		w.metrics.PersistOpsWritten.Add(float64(len(ops)))
		w.metrics.PersistInstructionsWritten.Add(float64(len(instructions)))
		if len(ops) > 0 {
			w.metrics.PersistLastSequence.Set(float64(ops[len(ops)-1].Sequence))
		}
	}

	return nil
}
