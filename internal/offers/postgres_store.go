package offers

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists offers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (id, buyer_id, seller_id, project_title, project_brief,
			amount_cents, status, responded_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, o.ID, o.BuyerID, o.SellerID, o.ProjectTitle, o.ProjectBrief,
		o.AmountCents, o.Status, o.RespondedAt, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert offer: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, seller_id, project_title, project_brief,
			amount_cents, status, responded_at, created_at, updated_at
		FROM offers WHERE id = $1
	`, id)
	return scanOffer(row)
}

func (p *PostgresStore) Update(ctx context.Context, o *Offer) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE offers SET status = $1, responded_at = $2, updated_at = $3
		WHERE id = $4
	`, o.Status, o.RespondedAt, o.UpdatedAt, o.ID)
	if err != nil {
		return fmt.Errorf("update offer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// The expected current status is part of the WHERE clause, so at most one
// of several concurrent callers sees a row affected.
func (p *PostgresStore) UpdateStatusFrom(ctx context.Context, id string, from, to Status, now time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE offers SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`, to, now, id, from)
	if err != nil {
		return fmt.Errorf("update offer status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return ErrInvalidStatus
	}
	return nil
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Offer, error) {
	return p.list(ctx, `
		SELECT id, buyer_id, seller_id, project_title, project_brief,
			amount_cents, status, responded_at, created_at, updated_at
		FROM offers WHERE buyer_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, buyerID, limit)
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Offer, error) {
	return p.list(ctx, `
		SELECT id, buyer_id, seller_id, project_title, project_brief,
			amount_cents, status, responded_at, created_at, updated_at
		FROM offers WHERE seller_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, sellerID, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var offers []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOffer(row scanner) (*Offer, error) {
	o := &Offer{}
	var respondedAt sql.NullTime
	err := row.Scan(
		&o.ID, &o.BuyerID, &o.SellerID, &o.ProjectTitle, &o.ProjectBrief,
		&o.AmountCents, &o.Status, &respondedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if respondedAt.Valid {
		o.RespondedAt = &respondedAt.Time
	}
	return o, nil
}
