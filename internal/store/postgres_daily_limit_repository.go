package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-service/internal/domain"
)

const dateLayout = "2006-01-02"

// GetDailyLimit returns the durable running total for accountID on date.
func (r *PostgresRepository) GetDailyLimit(ctx context.Context, accountID uuid.UUID, date time.Time) (*domain.DailyLimitRecord, error) {
	var (
		record domain.DailyLimitRecord
		total  string
	)
	query := `
		SELECT account_id, limit_date, total_amount::text, transaction_count, last_updated_at
		FROM daily_limit_control
		WHERE account_id = $1 AND limit_date = $2::date
	`
	err := r.db.QueryRow(ctx, query, accountID, date.Format(dateLayout)).Scan(
		&record.AccountID,
		&record.Date,
		&total,
		&record.TransactionCount,
		&record.LastUpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDailyLimitNotFound
		}
		return nil, err
	}
	if record.TotalAmount, err = parseAmount(total); err != nil {
		return nil, err
	}
	return &record, nil
}

// InsertDailyLimitIfAbsent seeds the row for (account, date). An existing row is left
// untouched so a concurrent increment is never overwritten by a stale baseline.
func (r *PostgresRepository) InsertDailyLimitIfAbsent(ctx context.Context, record domain.DailyLimitRecord) error {
	query := `
		INSERT INTO daily_limit_control (account_id, limit_date, total_amount, transaction_count, last_updated_at)
		VALUES ($1, $2::date, $3::numeric, $4, $5)
		ON CONFLICT (account_id, limit_date) DO NOTHING
	`
	_, err := r.db.Exec(ctx, query,
		record.AccountID,
		record.Date.Format(dateLayout),
		record.TotalAmount.String(),
		record.TransactionCount,
		record.LastUpdatedAt,
	)
	return err
}

// IncrementDailyLimit atomically adds amount to the day's total and returns the new total.
func (r *PostgresRepository) IncrementDailyLimit(ctx context.Context, accountID uuid.UUID, date time.Time, amount decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	var total string
	query := `
		UPDATE daily_limit_control
		SET total_amount = total_amount + $3::numeric,
			transaction_count = transaction_count + 1,
			last_updated_at = $4
		WHERE account_id = $1 AND limit_date = $2::date
		RETURNING total_amount::text
	`
	err := r.db.QueryRow(ctx, query, accountID, date.Format(dateLayout), amount.String(), at).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrDailyLimitNotFound
		}
		return decimal.Zero, err
	}
	return parseAmount(total)
}
