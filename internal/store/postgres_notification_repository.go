package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/transfer-service/internal/domain"
)

const notificationColumns = `id, transaction_id, idempotency_key, status, payload::text, retry_count, last_attempt_at, sent_at, protocol, error_message, created_at, updated_at`

func scanNotification(row pgx.Row) (*domain.NotificationRecord, error) {
	var (
		record  domain.NotificationRecord
		status  string
		payload string
	)
	if err := row.Scan(
		&record.ID,
		&record.TransactionID,
		&record.IdempotencyKey,
		&status,
		&payload,
		&record.RetryCount,
		&record.LastAttemptAt,
		&record.SentAt,
		&record.Protocol,
		&record.ErrorMessage,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.Status = domain.NotificationStatus(status)
	record.Payload = []byte(payload)
	return &record, nil
}

func collectNotifications(rows pgx.Rows) ([]domain.NotificationRecord, error) {
	defer rows.Close()
	records := make([]domain.NotificationRecord, 0)
	for rows.Next() {
		record, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// CreateNotification inserts the outbox row for a transaction as PENDING with zero retries.
func (r *PostgresRepository) CreateNotification(ctx context.Context, record *domain.NotificationRecord) error {
	if record.Status == "" {
		record.Status = domain.NotificationPending
	}
	query := `
		INSERT INTO regulator_notifications (transaction_id, idempotency_key, status, payload, retry_count)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		record.TransactionID,
		record.IdempotencyKey,
		string(record.Status),
		string(record.Payload),
		record.RetryCount,
	).Scan(&record.ID, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "transaction_id") {
			return ErrDuplicateNotification
		}
		return err
	}
	return nil
}

// FindNotificationByID retrieves an outbox row by its ID.
func (r *PostgresRepository) FindNotificationByID(ctx context.Context, id int64) (*domain.NotificationRecord, error) {
	record, err := scanNotification(r.db.QueryRow(ctx, `SELECT `+notificationColumns+` FROM regulator_notifications WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotificationNotFound
		}
		return nil, err
	}
	return record, nil
}

// FindNotificationByTransactionID retrieves the outbox row for a transaction.
func (r *PostgresRepository) FindNotificationByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.NotificationRecord, error) {
	record, err := scanNotification(r.db.QueryRow(ctx, `SELECT `+notificationColumns+` FROM regulator_notifications WHERE transaction_id = $1`, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotificationNotFound
		}
		return nil, err
	}
	return record, nil
}

// MarkNotificationSent moves a row to SENT. It reports false when the row was already SENT.
func (r *PostgresRepository) MarkNotificationSent(ctx context.Context, id int64, protocol string, at time.Time) (bool, error) {
	query := `
		UPDATE regulator_notifications
		SET status = 'SENT',
			protocol = $2,
			sent_at = $3,
			last_attempt_at = $3,
			error_message = NULL,
			updated_at = $3
		WHERE id = $1 AND status <> 'SENT'
	`
	tag, err := r.db.Exec(ctx, query, id, protocol, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RecordNotificationAttempt stamps a failed attempt on a PENDING row without counting
// it toward the retry ceiling. It reports false when the row is no longer PENDING.
func (r *PostgresRepository) RecordNotificationAttempt(ctx context.Context, id int64, errorMessage string, at time.Time) (bool, error) {
	query := `
		UPDATE regulator_notifications
		SET last_attempt_at = $3,
			error_message = $2,
			updated_at = $3
		WHERE id = $1 AND status = 'PENDING'
	`
	tag, err := r.db.Exec(ctx, query, id, errorMessage, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RecordNotificationFailure counts a failed attempt on a PENDING row. The row becomes
// FAILED once retry_count reaches maxAttempts. Rows that are not PENDING are left alone
// and ErrNotificationNotPending is returned.
func (r *PostgresRepository) RecordNotificationFailure(ctx context.Context, id int64, errorMessage string, at time.Time, maxAttempts int) (*domain.NotificationRecord, error) {
	query := `
		UPDATE regulator_notifications
		SET retry_count = retry_count + 1,
			last_attempt_at = $3,
			error_message = $2,
			status = CASE WHEN retry_count + 1 >= $4 THEN 'FAILED' ELSE 'PENDING' END,
			updated_at = $3
		WHERE id = $1 AND status = 'PENDING'
		RETURNING ` + notificationColumns
	record, err := scanNotification(r.db.QueryRow(ctx, query, id, errorMessage, at, maxAttempts))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotificationNotPending
		}
		return nil, err
	}
	return record, nil
}

// ResetFailedNotification moves a FAILED row back to PENDING with a zero retry count.
func (r *PostgresRepository) ResetFailedNotification(ctx context.Context, id int64, at time.Time) (bool, error) {
	query := `
		UPDATE regulator_notifications
		SET status = 'PENDING', retry_count = 0, updated_at = $2
		WHERE id = $1 AND status = 'FAILED'
	`
	tag, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FindPendingNotificationsCreatedBefore returns the oldest PENDING rows created before the cutoff.
func (r *PostgresRepository) FindPendingNotificationsCreatedBefore(ctx context.Context, before time.Time, limit int) ([]domain.NotificationRecord, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM regulator_notifications
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, before, limit)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

// FindFailedNotificationsAttemptedBefore returns FAILED rows whose last attempt is older than the cutoff.
func (r *PostgresRepository) FindFailedNotificationsAttemptedBefore(ctx context.Context, before time.Time, limit int) ([]domain.NotificationRecord, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM regulator_notifications
		WHERE status = 'FAILED' AND (last_attempt_at IS NULL OR last_attempt_at < $1)
		ORDER BY last_attempt_at ASC NULLS FIRST
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, before, limit)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

// CountNotificationsByStatus returns the number of outbox rows per status.
func (r *PostgresRepository) CountNotificationsByStatus(ctx context.Context) (map[domain.NotificationStatus]int, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM regulator_notifications GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[domain.NotificationStatus]int{
		domain.NotificationPending: 0,
		domain.NotificationSent:    0,
		domain.NotificationFailed:  0,
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[domain.NotificationStatus(status)] = count
	}
	return counts, rows.Err()
}
