package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Product is a seller listing. Prices are integer base units, matching
// escrow amounts.
type Product struct {
	ProductID   uuid.UUID `json:"product_id"`
	Seller      string    `json:"seller"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       int64     `json:"price"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProductStore persists product listings in Postgres.
type ProductStore struct {
	db *sql.DB
}

func NewProductStore(db *sql.DB) *ProductStore {
	return &ProductStore{db: db}
}

func (s *ProductStore) Create(ctx context.Context, p *Product) error {
	if p.ProductID == uuid.Nil {
		p.ProductID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commerce.products (product_id, seller, name, description, price, active)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ProductID, p.Seller, p.Name, p.Description, p.Price, p.Active,
	)
	if err != nil {
		return fmt.Errorf("insert product %s: %w", p.ProductID, err)
	}
	return nil
}

func (s *ProductStore) Update(ctx context.Context, p *Product) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commerce.products
		SET name = $2, description = $3, price = $4, active = $5, updated_at = NOW()
		WHERE product_id = $1`,
		p.ProductID, p.Name, p.Description, p.Price, p.Active,
	)
	if err != nil {
		return fmt.Errorf("update product %s: %w", p.ProductID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update product %s: %w", p.ProductID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *ProductStore) Get(ctx context.Context, id uuid.UUID) (*Product, error) {
	var p Product
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, seller, name, description, price, active, created_at, updated_at
		FROM commerce.products
		WHERE product_id = $1`,
		id,
	).Scan(&p.ProductID, &p.Seller, &p.Name, &p.Description, &p.Price, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}
	return &p, nil
}

// List returns products newest-first, optionally restricted to one seller
// and to active listings.
func (s *ProductStore) List(ctx context.Context, seller string, activeOnly bool, limit, offset int) ([]*Product, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, seller, name, description, price, active, created_at, updated_at
		FROM commerce.products
		WHERE ($1 = '' OR seller = $1)
		  AND (NOT $2 OR active)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`,
		seller, activeOnly, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []*Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ProductID, &p.Seller, &p.Name, &p.Description, &p.Price, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Deactivate hides a listing without deleting it.
func (s *ProductStore) Deactivate(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commerce.products SET active = FALSE, updated_at = NOW() WHERE product_id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("deactivate product %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate product %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
