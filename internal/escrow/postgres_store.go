package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists transaction data in PostgreSQL. Atomic maps to a
// database transaction; GetTransactionForUpdate takes a row lock so
// concurrent transitions on the same transaction serialize at the database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// storeErr wraps driver failures so callers can match ErrStoreUnavailable.
// Domain sentinels pass through untouched.
func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func (p *PostgresStore) Atomic(ctx context.Context, fn func(ops Ops) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}

	if err := fn(&pgOps{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

// pgOps runs writes inside one database transaction.
type pgOps struct {
	tx *sql.Tx
}

const txnColumns = `id, offer_id, buyer_id, seller_id, project_title,
	       total_cents, fee_percent, platform_fee_cents, seller_cents,
	       payment_method, payment_reference, status, review_period_days,
	       delivered_at, review_started_at, review_expires_at, completed_at,
	       dispute_reason, created_at, updated_at`

func (o *pgOps) InsertTransaction(ctx context.Context, t *Transaction) error {
	_, err := o.tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, offer_id, buyer_id, seller_id, project_title,
			total_cents, fee_percent, platform_fee_cents, seller_cents,
			payment_method, payment_reference, status, review_period_days,
			delivered_at, review_started_at, review_expires_at, completed_at,
			dispute_reason, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20
		)`,
		t.ID, t.OfferID, t.BuyerID, t.SellerID, t.ProjectTitle,
		t.TotalCents, t.FeePercent, t.PlatformFeeCents, t.SellerCents,
		t.PaymentMethod, nullString(t.PaymentReference), string(t.Status), t.ReviewPeriodDays,
		nullTime(t.DeliveredAt), nullTime(t.ReviewStartedAt), nullTime(t.ReviewExpiresAt), nullTime(t.CompletedAt),
		nullString(t.DisputeReason), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return storeErr("insert transaction", err)
	}
	return nil
}

func (o *pgOps) GetTransactionForUpdate(ctx context.Context, id string) (*Transaction, error) {
	row := o.tx.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get transaction", err)
	}
	return t, nil
}

func (o *pgOps) UpdateTransaction(ctx context.Context, t *Transaction) error {
	result, err := o.tx.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, delivered_at = $2, review_started_at = $3,
			review_expires_at = $4, completed_at = $5, dispute_reason = $6,
			updated_at = $7
		WHERE id = $8`,
		string(t.Status), nullTime(t.DeliveredAt), nullTime(t.ReviewStartedAt),
		nullTime(t.ReviewExpiresAt), nullTime(t.CompletedAt), nullString(t.DisputeReason),
		t.UpdatedAt, t.ID,
	)
	if err != nil {
		return storeErr("update transaction", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("update transaction", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (o *pgOps) InsertHold(ctx context.Context, h *Hold) error {
	_, err := o.tx.ExecContext(ctx, `
		INSERT INTO escrow_holds (transaction_id, amount_cents, status, released_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		h.TransactionID, h.AmountCents, string(h.Status), nullTime(h.ReleasedAt), h.CreatedAt,
	)
	if err != nil {
		return storeErr("insert hold", err)
	}
	return nil
}

func (o *pgOps) GetHoldForUpdate(ctx context.Context, transactionID string) (*Hold, error) {
	row := o.tx.QueryRowContext(ctx, `
		SELECT transaction_id, amount_cents, status, released_at, created_at
		FROM escrow_holds WHERE transaction_id = $1 FOR UPDATE`, transactionID)

	h, err := scanHold(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get hold", err)
	}
	return h, nil
}

func (o *pgOps) UpdateHold(ctx context.Context, h *Hold) error {
	result, err := o.tx.ExecContext(ctx, `
		UPDATE escrow_holds SET status = $1, released_at = $2
		WHERE transaction_id = $3`,
		string(h.Status), nullTime(h.ReleasedAt), h.TransactionID,
	)
	if err != nil {
		return storeErr("update hold", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("update hold", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (o *pgOps) InsertDeliverable(ctx context.Context, d *Deliverable) error {
	_, err := o.tx.ExecContext(ctx, `
		INSERT INTO project_files (
			id, transaction_id, uploader_id, filename, storage_path,
			mime_type, size_bytes, description, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.TransactionID, d.UploaderID, d.Filename, nullString(d.StoragePath),
		nullString(d.MimeType), d.SizeBytes, nullString(d.Description), d.CreatedAt,
	)
	if err != nil {
		return storeErr("insert deliverable", err)
	}
	return nil
}

func (o *pgOps) InsertReview(ctx context.Context, r *Review) error {
	_, err := o.tx.ExecContext(ctx, `
		INSERT INTO reviews (id, transaction_id, reviewer_id, verdict, feedback, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.TransactionID, r.ReviewerID, string(r.Verdict), nullString(r.Feedback), r.CreatedAt,
	)
	if err != nil {
		return storeErr("insert review", err)
	}
	return nil
}

func (o *pgOps) InsertSellerEarning(ctx context.Context, e *SellerEarning) error {
	_, err := o.tx.ExecContext(ctx, `
		INSERT INTO seller_earnings (id, transaction_id, seller_id, amount_cents, status, available_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.TransactionID, e.SellerID, e.AmountCents, e.Status, e.AvailableAt, e.CreatedAt,
	)
	if err != nil {
		return storeErr("insert seller earning", err)
	}
	return nil
}

func (o *pgOps) InsertPlatformEarning(ctx context.Context, e *PlatformEarning) error {
	_, err := o.tx.ExecContext(ctx, `
		INSERT INTO platform_earnings (id, transaction_id, amount_cents, created_at)
		VALUES ($1, $2, $3, $4)`,
		e.ID, e.TransactionID, e.AmountCents, e.CreatedAt,
	)
	if err != nil {
		return storeErr("insert platform earning", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get transaction", err)
	}
	return t, nil
}

func (p *PostgresStore) GetHold(ctx context.Context, transactionID string) (*Hold, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT transaction_id, amount_cents, status, released_at, created_at
		FROM escrow_holds WHERE transaction_id = $1`, transactionID)

	h, err := scanHold(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get hold", err)
	}
	return h, nil
}

func (p *PostgresStore) ListDeliverables(ctx context.Context, transactionID string) ([]*Deliverable, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, uploader_id, filename, storage_path,
		       mime_type, size_bytes, description, created_at
		FROM project_files WHERE transaction_id = $1
		ORDER BY created_at ASC`, transactionID)
	if err != nil {
		return nil, storeErr("list deliverables", err)
	}
	defer func() { _ = rows.Close() }()

	var files []*Deliverable
	for rows.Next() {
		d := &Deliverable{}
		var storagePath, mimeType, description sql.NullString
		if err := rows.Scan(
			&d.ID, &d.TransactionID, &d.UploaderID, &d.Filename, &storagePath,
			&mimeType, &d.SizeBytes, &description, &d.CreatedAt,
		); err != nil {
			return nil, storeErr("scan deliverable", err)
		}
		d.StoragePath = storagePath.String
		d.MimeType = mimeType.String
		d.Description = description.String
		files = append(files, d)
	}
	return files, rows.Err()
}

func (p *PostgresStore) ListReviews(ctx context.Context, transactionID string) ([]*Review, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, reviewer_id, verdict, feedback, created_at
		FROM reviews WHERE transaction_id = $1
		ORDER BY created_at ASC`, transactionID)
	if err != nil {
		return nil, storeErr("list reviews", err)
	}
	defer func() { _ = rows.Close() }()

	var reviews []*Review
	for rows.Next() {
		r := &Review{}
		var verdict string
		var feedback sql.NullString
		if err := rows.Scan(&r.ID, &r.TransactionID, &r.ReviewerID, &verdict, &feedback, &r.CreatedAt); err != nil {
			return nil, storeErr("scan review", err)
		}
		r.Verdict = Verdict(verdict)
		r.Feedback = feedback.String
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM transactions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, storeErr("list transactions", err)
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListReviewExpired(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM transactions
		WHERE status IN ('pending_delivery', 'under_review')
		  AND review_expires_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, storeErr("list review expired", err)
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListSellerEarnings(ctx context.Context, sellerID, status string, limit int) ([]*SellerEarning, error) {
	query := `
		SELECT id, transaction_id, seller_id, amount_cents, status, available_at, created_at
		FROM seller_earnings WHERE seller_id = $1`
	args := []any{sellerID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list seller earnings", err)
	}
	defer func() { _ = rows.Close() }()

	var earnings []*SellerEarning
	for rows.Next() {
		e := &SellerEarning{}
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.SellerID, &e.AmountCents, &e.Status, &e.AvailableAt, &e.CreatedAt); err != nil {
			return nil, storeErr("scan seller earning", err)
		}
		earnings = append(earnings, e)
	}
	return earnings, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	t := &Transaction{}
	var status string
	var paymentRef, disputeReason sql.NullString
	var deliveredAt, reviewStartedAt, reviewExpiresAt, completedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.OfferID, &t.BuyerID, &t.SellerID, &t.ProjectTitle,
		&t.TotalCents, &t.FeePercent, &t.PlatformFeeCents, &t.SellerCents,
		&t.PaymentMethod, &paymentRef, &status, &t.ReviewPeriodDays,
		&deliveredAt, &reviewStartedAt, &reviewExpiresAt, &completedAt,
		&disputeReason, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.PaymentReference = paymentRef.String
	t.DisputeReason = disputeReason.String
	if deliveredAt.Valid {
		t.DeliveredAt = &deliveredAt.Time
	}
	if reviewStartedAt.Valid {
		t.ReviewStartedAt = &reviewStartedAt.Time
	}
	if reviewExpiresAt.Valid {
		t.ReviewExpiresAt = &reviewExpiresAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var txns []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, storeErr("scan transaction", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func scanHold(row rowScanner) (*Hold, error) {
	h := &Hold{}
	var status string
	var releasedAt sql.NullTime
	err := row.Scan(&h.TransactionID, &h.AmountCents, &status, &releasedAt, &h.CreatedAt)
	if err != nil {
		return nil, err
	}
	h.Status = HoldStatus(status)
	if releasedAt.Valid {
		h.ReleasedAt = &releasedAt.Time
	}
	return h, nil
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
