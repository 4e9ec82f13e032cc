/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the transfer-service: the ledger (accounts and
 * transactions), idempotency key claims, the daily spending totals and the regulator
 * notification outbox.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - github.com/shopspring/decimal: For exact money amounts.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Account methods
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	DebitAccount(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (*domain.Account, error)
	CreditAccount(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) error

	// Transaction methods
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	SumCompletedOutgoing(ctx context.Context, accountID uuid.UUID, from, to time.Time) (decimal.Decimal, int, error)

	// Idempotency key methods
	ClaimIdempotencyKey(ctx context.Context, claim domain.IdempotencyKey) (*domain.IdempotencyKey, error)
	FindIdempotencyKey(ctx context.Context, key string, at time.Time) (*domain.IdempotencyKey, error)

	// Daily limit methods
	GetDailyLimit(ctx context.Context, accountID uuid.UUID, date time.Time) (*domain.DailyLimitRecord, error)
	InsertDailyLimitIfAbsent(ctx context.Context, record domain.DailyLimitRecord) error
	IncrementDailyLimit(ctx context.Context, accountID uuid.UUID, date time.Time, amount decimal.Decimal, at time.Time) (decimal.Decimal, error)

	// Notification outbox methods
	CreateNotification(ctx context.Context, record *domain.NotificationRecord) error
	FindNotificationByID(ctx context.Context, id int64) (*domain.NotificationRecord, error)
	FindNotificationByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.NotificationRecord, error)
	MarkNotificationSent(ctx context.Context, id int64, protocol string, at time.Time) (bool, error)
	RecordNotificationAttempt(ctx context.Context, id int64, errorMessage string, at time.Time) (bool, error)
	RecordNotificationFailure(ctx context.Context, id int64, errorMessage string, at time.Time, maxAttempts int) (*domain.NotificationRecord, error)
	ResetFailedNotification(ctx context.Context, id int64, at time.Time) (bool, error)
	FindPendingNotificationsCreatedBefore(ctx context.Context, before time.Time, limit int) ([]domain.NotificationRecord, error)
	FindFailedNotificationsAttemptedBefore(ctx context.Context, before time.Time, limit int) ([]domain.NotificationRecord, error)
	CountNotificationsByStatus(ctx context.Context) (map[domain.NotificationStatus]int, error)

	// WithTx runs fn against a repository bound to a single database transaction.
	// The transaction commits only if fn returns nil.
	WithTx(ctx context.Context, fn func(Repository) error) error
}
