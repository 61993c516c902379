package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists notifications in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const ntfColumns = `id, recipient_id, type, title, message, priority, transaction_id, read, read_at, created_at`

func (p *PostgresStore) Insert(ctx context.Context, n *Notification) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notifications (
			id, recipient_id, type, title, message, priority,
			transaction_id, read, read_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		n.ID, n.RecipientID, string(n.Type), n.Title, n.Message, string(n.Priority),
		nullString(n.TransactionID), n.Read, nullTime(n.ReadAt), n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListByRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]*Notification, error) {
	query := `SELECT ` + ntfColumns + ` FROM notifications WHERE recipient_id = $1`
	if unreadOnly {
		query += ` AND read = FALSE`
	}
	query += ` ORDER BY created_at DESC LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkRead(ctx context.Context, id, recipientID string) (*Notification, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE notifications
		SET read = TRUE, read_at = COALESCE(read_at, NOW())
		WHERE id = $1 AND recipient_id = $2
		RETURNING `+ntfColumns, id, recipientID)

	n, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mark notification read: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) MarkAllRead(ctx context.Context, recipientID string) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE notifications
		SET read = TRUE, read_at = NOW()
		WHERE recipient_id = $1 AND read = FALSE`, recipientID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return int(rows), nil
}

func (p *PostgresStore) CountUnread(ctx context.Context, recipientID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND read = FALSE`,
		recipientID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	n := &Notification{}
	var eventType, priority string
	var txnID sql.NullString
	var readAt sql.NullTime

	err := row.Scan(
		&n.ID, &n.RecipientID, &eventType, &n.Title, &n.Message, &priority,
		&txnID, &n.Read, &readAt, &n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	n.Type = EventType(eventType)
	n.Priority = Priority(priority)
	n.TransactionID = txnID.String
	if readAt.Valid {
		n.ReadAt = &readAt.Time
	}
	return n, nil
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
