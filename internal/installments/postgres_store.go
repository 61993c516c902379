package installments

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists installment schedules in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const instColumns = `id, transaction_id, number, amount_cents, due_date, status, paid_at, payment_reference, created_at`

func (p *PostgresStore) CreatePlan(ctx context.Context, rows []*Installment) error {
	if len(rows) == 0 {
		return ErrInvalidPlan
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM installments WHERE transaction_id = $1`,
		rows[0].TransactionID).Scan(&count)
	if err != nil {
		return fmt.Errorf("check existing plan: %w", err)
	}
	if count > 0 {
		return ErrPlanExists
	}

	for _, r := range rows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO installments (
				id, transaction_id, number, amount_cents, due_date,
				status, paid_at, payment_reference, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.ID, r.TransactionID, r.Number, r.AmountCents, r.DueDate,
			string(r.Status), nullTime(r.PaidAt), nullString(r.PaymentReference), r.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert installment: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Installment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+instColumns+` FROM installments WHERE id = $1`, id)

	inst, err := scanInstallment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get installment: %w", err)
	}
	return inst, nil
}

func (p *PostgresStore) Update(ctx context.Context, inst *Installment) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE installments
		SET status = $1, paid_at = $2, payment_reference = $3
		WHERE id = $4`,
		string(inst.Status), nullTime(inst.PaidAt), nullString(inst.PaymentReference), inst.ID,
	)
	if err != nil {
		return fmt.Errorf("update installment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update installment: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Installment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+instColumns+`
		FROM installments
		WHERE transaction_id = $1
		ORDER BY number ASC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list installments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanInstallments(rows)
}

func (p *PostgresStore) ListDuePending(ctx context.Context, before time.Time, limit int) ([]*Installment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+instColumns+`
		FROM installments
		WHERE status = 'pending' AND due_date < $1
		ORDER BY due_date ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list due installments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanInstallments(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstallment(row rowScanner) (*Installment, error) {
	inst := &Installment{}
	var status string
	var paidAt sql.NullTime
	var paymentRef sql.NullString

	err := row.Scan(
		&inst.ID, &inst.TransactionID, &inst.Number, &inst.AmountCents, &inst.DueDate,
		&status, &paidAt, &paymentRef, &inst.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	inst.Status = Status(status)
	if paidAt.Valid {
		inst.PaidAt = &paidAt.Time
	}
	inst.PaymentReference = paymentRef.String
	return inst, nil
}

func scanInstallments(rows *sql.Rows) ([]*Installment, error) {
	var out []*Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan installment: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
