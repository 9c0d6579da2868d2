// Package projection maintains the Postgres read models. Projections are
// eventually consistent: the feed channel drops under backpressure and
// every table can be rebuilt from the operation log or the restored state.
package projection

import (
	"context"
	"database/sql"
	"fmt"

	"EscrowLedger/internal/orders"

	"github.com/rs/zerolog"
)

// Output mirrors the data projection workers need from a committed
// operation. The orchestrator bridges between the core's commit type and
// this.
type Output struct {
	Sequence         int64
	OpType           string
	InstanceID       string
	CustodialAddress string
	ListingID        string
	Seller           string
	Admin            string
	Buyer            string
	Amount           int64
	Status           string
	ExternalStatus   string
	Version          int64
	DisputeReason    string
	CustodialBalance int64
	Timestamp        int64
}

// Worker updates projection tables from committed operations.
type Worker struct {
	db        *sql.DB
	orders    *orders.Store
	inputChan <-chan Output
	logger    zerolog.Logger
	lastSeq   int64
}

func NewWorker(db *sql.DB, ordersStore *orders.Store, inputChan <-chan Output, logger zerolog.Logger) *Worker {
	return &Worker{
		db:        db,
		orders:    ordersStore,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the projection worker loop. Failed updates are logged and
// skipped; the tables converge on rebuild.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			if err := w.processOutput(ctx, output); err != nil {
				w.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
			}
			if err := w.mirrorOrder(ctx, output); err != nil {
				w.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("order mirror failed")
			}

			w.lastSeq = output.Sequence
		}
	}
}

func (w *Worker) processOutput(ctx context.Context, output Output) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.escrow_status (instance_id, custodial_address, seller, admin, buyer, amount, status, listing_id, version, updated_seq, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (instance_id) DO UPDATE
		SET status = $7,
		    buyer = COALESCE(NULLIF($5, ''), projections.escrow_status.buyer),
		    version = $9,
		    updated_seq = $10,
		    updated_at = NOW()
		WHERE projections.escrow_status.updated_seq < $10
	`, output.InstanceID, output.CustodialAddress, output.Seller, output.Admin, output.Buyer,
		output.Amount, output.Status, output.ListingID, output.Version, output.Sequence); err != nil {
		return fmt.Errorf("escrow status projection: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.custodial_balances (custodial_address, instance_id, balance, updated_seq)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (custodial_address) DO UPDATE
		SET balance = $3, updated_seq = $4
		WHERE projections.custodial_balances.updated_seq < $4
	`, output.CustodialAddress, output.InstanceID, output.CustodialBalance, output.Sequence); err != nil {
		return fmt.Errorf("custodial balance projection: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermarks (projection, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (projection) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// mirrorOrder keeps the commerce order row in step with the escrow. Order
// creation rides the CreateEscrow commit; every other operation updates
// the mirrored external status.
func (w *Worker) mirrorOrder(ctx context.Context, output Output) error {
	if output.OpType == "CreateEscrow" {
		return w.orders.Create(ctx, &orders.Order{
			InstanceID:     output.InstanceID,
			ListingID:      output.ListingID,
			Seller:         output.Seller,
			Buyer:          output.Buyer,
			Amount:         output.Amount,
			ExternalStatus: output.ExternalStatus,
			UpdatedSeq:     output.Sequence,
		})
	}
	return w.orders.UpdateStatus(ctx, output.InstanceID, output.Buyer, output.ExternalStatus, output.DisputeReason, output.Sequence)
}

// LastSequence returns the highest sequence this worker has applied.
func (w *Worker) LastSequence() int64 {
	return w.lastSeq
}

// Watermark reads the persisted projection watermark.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermarks WHERE projection = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return seq, nil
}

// RebuildProjections truncates the projection tables and rebuilds the
// custodial balance table from the instruction log. Escrow status rows are
// resynced from restored core state via SyncInstances.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	truncateStatements := []string{
		`TRUNCATE projections.escrow_status`,
		`TRUNCATE projections.custodial_balances`,
		`DELETE FROM projections.watermarks WHERE projection = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Credits into custodial accounts minus debits out of them.
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.custodial_balances (custodial_address, instance_id, balance, updated_seq)
		SELECT
			receiver_account AS custodial_address,
			instance_id,
			SUM(amount) AS balance,
			MAX(sequence) AS updated_seq
		FROM op_log.instructions
		WHERE receiver_account LIKE 'custodial:%'
		GROUP BY receiver_account, instance_id
		ON CONFLICT (custodial_address) DO UPDATE
			SET balance = EXCLUDED.balance, updated_seq = EXCLUDED.updated_seq
	`)
	if err != nil {
		return fmt.Errorf("rebuild custodial credits: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.custodial_balances (custodial_address, instance_id, balance, updated_seq)
		SELECT
			sender_account AS custodial_address,
			instance_id,
			-SUM(amount + fee) AS balance,
			MAX(sequence) AS updated_seq
		FROM op_log.instructions
		WHERE sender_account LIKE 'custodial:%'
		GROUP BY sender_account, instance_id
		ON CONFLICT (custodial_address) DO UPDATE
			SET balance = projections.custodial_balances.balance + EXCLUDED.balance,
			    updated_seq = GREATEST(projections.custodial_balances.updated_seq, EXCLUDED.updated_seq)
	`)
	if err != nil {
		return fmt.Errorf("rebuild custodial debits: %w", err)
	}

	logger.Info().Msg("projection rebuild complete")
	return nil
}

// InstanceRow is one restored escrow record for status resync.
type InstanceRow struct {
	InstanceID       string
	CustodialAddress string
	Seller           string
	Admin            string
	Buyer            string
	Amount           int64
	Status           string
	ListingID        string
	Version          int64
}

// SyncInstances upserts escrow status rows from authoritative core state,
// used after recovery to bring the read model level with the log.
func SyncInstances(ctx context.Context, db *sql.DB, atSequence int64, instances []InstanceRow) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, inst := range instances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.escrow_status (instance_id, custodial_address, seller, admin, buyer, amount, status, listing_id, version, updated_seq, updated_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, NOW())
			ON CONFLICT (instance_id) DO UPDATE
			SET status = $7,
			    buyer = COALESCE(NULLIF($5, ''), projections.escrow_status.buyer),
			    version = $9,
			    updated_seq = $10,
			    updated_at = NOW()
		`, inst.InstanceID, inst.CustodialAddress, inst.Seller, inst.Admin, inst.Buyer,
			inst.Amount, inst.Status, inst.ListingID, inst.Version, atSequence); err != nil {
			return fmt.Errorf("sync instance %s: %w", inst.InstanceID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermarks (projection, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (projection) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, atSequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}
