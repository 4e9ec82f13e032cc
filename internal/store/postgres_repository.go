/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface for
 * the ledger tables (accounts and transactions). The daily limit and notification
 * outbox queries live in their own files.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: NUMERIC columns are read as text and parsed.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-service/internal/domain"
)

var (
	ErrAccountNotFound        = errors.New("account not found")
	ErrInactiveAccount        = errors.New("account is inactive")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	ErrDailyLimitNotFound     = errors.New("daily limit record not found")
	ErrNotificationNotFound   = errors.New("notification not found")
	ErrNotificationNotPending = errors.New("notification is not pending")
	ErrDuplicateNotification  = errors.New("notification already exists for transaction")
)

const uniqueViolation = "23505"

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx so the same queries run inside
// and outside an explicit transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db dbtx
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// WithTx runs fn inside a transaction. Nested calls open a savepoint.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresRepository{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const accountColumns = `id, account_number, customer_id, balance::text, daily_limit::text, active, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		account    domain.Account
		balance    string
		dailyLimit string
	)
	if err := row.Scan(
		&account.ID,
		&account.AccountNumber,
		&account.CustomerID,
		&balance,
		&dailyLimit,
		&account.Active,
		&account.CreatedAt,
		&account.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if account.Balance, err = parseAmount(balance); err != nil {
		return nil, err
	}
	if account.DailyLimit, err = parseAmount(dailyLimit); err != nil {
		return nil, err
	}
	return &account, nil
}

// FindAccountByID retrieves an account by its ID.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	account, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

// ListAccounts returns every account ordered by account number.
func (r *PostgresRepository) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := r.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY account_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]domain.Account, 0)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

// DebitAccount locks the account row, re-checks that it is active and funded, and
// subtracts amount. It returns the account as it was before the debit.
func (r *PostgresRepository) DebitAccount(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (*domain.Account, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Use FOR UPDATE to lock the row, preventing concurrent debits from both passing the balance check.
	account, err := scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if !account.Active {
		return nil, ErrInactiveAccount
	}
	if account.Balance.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}

	_, err = tx.Exec(ctx, `UPDATE accounts SET balance = balance - $1::numeric, updated_at = NOW() WHERE id = $2`, amount.String(), accountID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return account, nil
}

// CreditAccount adds amount to the account balance.
func (r *PostgresRepository) CreditAccount(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) error {
	tag, err := r.db.Exec(ctx, `UPDATE accounts SET balance = balance + $1::numeric, updated_at = NOW() WHERE id = $2`, amount.String(), accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// CreateTransaction inserts a new ledger transaction.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO transactions (id, source_account_id, destination_account_id, amount, status, type, description, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Exec(ctx, query,
		tx.ID,
		tx.SourceAccountID,
		tx.DestinationAccountID,
		tx.Amount.String(),
		tx.Status,
		tx.Type,
		nullableText(tx.Description),
		nullableKey(tx.IdempotencyKey),
		tx.CreatedAt,
	)
	return err
}

// SumCompletedOutgoing sums COMPLETED transactions debited from accountID in [from, to).
func (r *PostgresRepository) SumCompletedOutgoing(ctx context.Context, accountID uuid.UUID, from, to time.Time) (decimal.Decimal, int, error) {
	var (
		total string
		count int
	)
	query := `
		SELECT COALESCE(SUM(amount), 0)::text, COUNT(*)
		FROM transactions
		WHERE source_account_id = $1
		  AND status = $2
		  AND created_at >= $3
		  AND created_at < $4
	`
	if err := r.db.QueryRow(ctx, query, accountID, domain.TransactionStatusCompleted, from, to).Scan(&total, &count); err != nil {
		return decimal.Zero, 0, err
	}
	amount, err := parseAmount(total)
	if err != nil {
		return decimal.Zero, 0, err
	}
	return amount, count, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", raw, err)
	}
	return value, nil
}

func nullableText(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func nullableKey(key *string) *string {
	if key == nil {
		return nil
	}
	return nullableText(*key)
}

// isUniqueViolation reports whether err is a unique constraint violation whose
// constraint name contains hint. An empty hint matches any unique violation.
func isUniqueViolation(err error, hint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return hint == "" || strings.Contains(pgErr.ConstraintName, hint)
}
