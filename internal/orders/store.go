// Package orders is the commerce-facing read/write collaborator. It keeps
// one row per escrow instance with buyer-supplied contact metadata and the
// mirrored external status string. None of this data ever reaches the core.
package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Order is the commerce view of an escrow instance.
type Order struct {
	InstanceID      string    `json:"instance_id"`
	ListingID       string    `json:"listing_id"`
	Seller          string    `json:"seller"`
	Buyer           string    `json:"buyer,omitempty"`
	Amount          int64     `json:"amount"`
	ExternalStatus  string    `json:"external_status"`
	BuyerName       string    `json:"buyer_name,omitempty"`
	BuyerEmail      string    `json:"buyer_email,omitempty"`
	ShippingAddress string    `json:"shipping_address,omitempty"`
	DisputeReason   string    `json:"dispute_reason,omitempty"`
	UpdatedSeq      int64     `json:"updated_seq"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store persists orders in Postgres.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts the order row for a newly created escrow. Conflicts are
// ignored so projection rebuilds stay idempotent.
func (s *Store) Create(ctx context.Context, o *Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commerce.orders (instance_id, listing_id, seller, buyer, amount, external_status, updated_seq)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
		ON CONFLICT (instance_id) DO NOTHING`,
		o.InstanceID, o.ListingID, o.Seller, o.Buyer, o.Amount, o.ExternalStatus, o.UpdatedSeq,
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.InstanceID, err)
	}
	return nil
}

// UpdateStatus mirrors a committed transition onto the order row. The
// updated_seq guard makes replayed commits no-ops, so the mirror converges
// to the latest state regardless of delivery order.
func (s *Store) UpdateStatus(ctx context.Context, instanceID, buyer, externalStatus, disputeReason string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE commerce.orders
		SET external_status = $2,
		    buyer = COALESCE(NULLIF($3, ''), buyer),
		    dispute_reason = COALESCE(NULLIF($4, ''), dispute_reason),
		    updated_seq = $5,
		    updated_at = NOW()
		WHERE instance_id = $1 AND updated_seq < $5`,
		instanceID, externalStatus, buyer, disputeReason, seq,
	)
	if err != nil {
		return fmt.Errorf("update order status %s: %w", instanceID, err)
	}
	return nil
}

// AttachBuyerDetails records the buyer's contact metadata captured at
// checkout. These fields never influence ledger state.
func (s *Store) AttachBuyerDetails(ctx context.Context, instanceID, name, email, shipping string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commerce.orders
		SET buyer_name = $2, buyer_email = $3, shipping_address = $4, updated_at = NOW()
		WHERE instance_id = $1`,
		instanceID, name, email, shipping,
	)
	if err != nil {
		return fmt.Errorf("attach buyer details %s: %w", instanceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach buyer details %s: %w", instanceID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns a single order by instance id.
func (s *Store) Get(ctx context.Context, instanceID string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, listing_id, seller, COALESCE(buyer, ''), amount, external_status,
		       COALESCE(buyer_name, ''), COALESCE(buyer_email, ''), COALESCE(shipping_address, ''),
		       COALESCE(dispute_reason, ''), updated_seq, created_at, updated_at
		FROM commerce.orders
		WHERE instance_id = $1`,
		instanceID,
	)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", instanceID, err)
	}
	return o, nil
}

// ListFilter narrows List results. Zero values mean no constraint.
type ListFilter struct {
	Buyer  string
	Seller string
	Status string
	Limit  int
	Offset int
}

// List returns orders newest-first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Order, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, listing_id, seller, COALESCE(buyer, ''), amount, external_status,
		       COALESCE(buyer_name, ''), COALESCE(buyer_email, ''), COALESCE(shipping_address, ''),
		       COALESCE(dispute_reason, ''), updated_seq, created_at, updated_at
		FROM commerce.orders
		WHERE ($1 = '' OR buyer = $1)
		  AND ($2 = '' OR seller = $2)
		  AND ($3 = '' OR external_status = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`,
		f.Buyer, f.Seller, f.Status, limit, f.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (*Order, error) {
	var o Order
	err := r.Scan(
		&o.InstanceID, &o.ListingID, &o.Seller, &o.Buyer, &o.Amount, &o.ExternalStatus,
		&o.BuyerName, &o.BuyerEmail, &o.ShippingAddress,
		&o.DisputeReason, &o.UpdatedSeq, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
