// Package query provides read-only access to the projection tables and
// the operation log. All responses carry as_of_sequence for freshness
// semantics.
package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when the requested escrow does not exist.
var ErrNotFound = errors.New("escrow not found")

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetEscrow returns the projected view of a single escrow instance.
func (s *Service) GetEscrow(ctx context.Context, instanceID string) (*EscrowResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var r EscrowResponse
	r.AsOfSequence = asOfSeq
	err = s.db.QueryRowContext(ctx, `
		SELECT es.instance_id, es.custodial_address, es.seller, es.admin,
		       COALESCE(es.buyer, ''), es.amount, es.status, es.listing_id, es.version,
		       COALESCE(cb.balance, 0)
		FROM projections.escrow_status es
		LEFT JOIN projections.custodial_balances cb ON cb.custodial_address = es.custodial_address
		WHERE es.instance_id = $1
	`, instanceID).Scan(
		&r.InstanceID, &r.CustodialAddress, &r.Seller, &r.Admin,
		&r.Buyer, &r.Amount, &r.Status, &r.ListingID, &r.Version,
		&r.CustodialBalance,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow %s: %w", instanceID, err)
	}
	return &r, nil
}

// ListEscrows returns projected escrows, optionally filtered by seller,
// buyer, or status, newest sequence first.
func (s *Service) ListEscrows(ctx context.Context, seller, buyer, status string, limit int) ([]EscrowResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT es.instance_id, es.custodial_address, es.seller, es.admin,
		       COALESCE(es.buyer, ''), es.amount, es.status, es.listing_id, es.version,
		       COALESCE(cb.balance, 0)
		FROM projections.escrow_status es
		LEFT JOIN projections.custodial_balances cb ON cb.custodial_address = es.custodial_address
		WHERE ($1 = '' OR es.seller = $1)
		  AND ($2 = '' OR es.buyer = $2)
		  AND ($3 = '' OR es.status = $3)
		ORDER BY es.updated_seq DESC
		LIMIT $4
	`, seller, buyer, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	defer rows.Close()

	var out []EscrowResponse
	for rows.Next() {
		var r EscrowResponse
		r.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&r.InstanceID, &r.CustodialAddress, &r.Seller, &r.Admin,
			&r.Buyer, &r.Amount, &r.Status, &r.ListingID, &r.Version,
			&r.CustodialBalance,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetInstructionHistory returns the committed ledger instructions for one
// escrow instance with cursor-based pagination.
func (s *Service) GetInstructionHistory(ctx context.Context, instanceID string, limit int, afterSequence *int64) ([]InstructionHistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	q := `
		SELECT instruction_id, bundle_id, op_ref, sequence,
		       instruction_type, kind, sender_account, receiver_account, amount, fee, timestamp
		FROM op_log.instructions
		WHERE instance_id = $1
	`
	args := []interface{}{instanceID}
	argIdx := 2

	if afterSequence != nil {
		q += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	q += " ORDER BY sequence DESC"
	q += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("instruction history: %w", err)
	}
	defer rows.Close()

	var entries []InstructionHistoryEntry
	for rows.Next() {
		var e InstructionHistoryEntry
		if err := rows.Scan(
			&e.InstructionID, &e.BundleID, &e.OpRef, &e.Sequence,
			&e.InstructionType, &e.Kind, &e.SenderAccount, &e.ReceiverAccount,
			&e.Amount, &e.Fee, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyIntegrity checks the persisted hash chain and the custodial
// invariants the projections should exhibit: no custodial account below
// zero and no terminal escrow still holding funds.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	report.AsOfSequence = asOfSeq

	rows, err := s.db.QueryContext(ctx, `
		SELECT o1.sequence
		FROM op_log.operations o1
		JOIN op_log.operations o2 ON o2.sequence = o1.sequence - 1
		WHERE o1.prev_hash != o2.state_hash
		ORDER BY o1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("hash chain check: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	negRows, err := s.db.QueryContext(ctx, `
		SELECT custodial_address FROM projections.custodial_balances
		WHERE balance < 0
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("custodial balance check: %w", err)
	}
	defer negRows.Close()

	for negRows.Next() {
		var addr string
		if err := negRows.Scan(&addr); err != nil {
			return nil, err
		}
		report.NegativeCustodials = append(report.NegativeCustodials, addr)
	}
	if err := negRows.Err(); err != nil {
		return nil, err
	}

	drainRows, err := s.db.QueryContext(ctx, `
		SELECT es.instance_id
		FROM projections.escrow_status es
		JOIN projections.custodial_balances cb ON cb.custodial_address = es.custodial_address
		WHERE es.status IN ('completed', 'refunded', 'cancelled') AND cb.balance != 0
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("drained check: %w", err)
	}
	defer drainRows.Close()

	for drainRows.Next() {
		var id string
		if err := drainRows.Scan(&id); err != nil {
			return nil, err
		}
		report.UndrainedTerminal = append(report.UndrainedTerminal, id)
	}
	if err := drainRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.NegativeCustodials) == 0 &&
		len(report.UndrainedTerminal) == 0
	return report, nil
}

func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermarks WHERE projection = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}
