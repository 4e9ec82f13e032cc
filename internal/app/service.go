/**
 * @description
 * This file contains the core business logic for the transfer-service. The
 * `TransferService` struct orchestrates a transfer end to end: request dedup, admission
 * checks, the ledger + outbox transaction and the regulator notification hand-off.
 *
 * Key features:
 * - Admission control through the IdempotencyGuard and the layered DailyLimitCache.
 * - Debit, credit, daily total, ledger row and outbox record commit or roll back together.
 * - After commit, one synchronous notification attempt; a deferred attempt is handed to
 *   the RabbitMQ fallback channel. The caller's response never depends on the regulator.
 *
 * @dependencies
 * - context, errors, fmt, log/slog, time: Standard Go libraries.
 * - github.com/google/uuid, github.com/shopspring/decimal: ids and money.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/customerclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
	"github.com/transfa/transfer-service/pkg/customerclient"
	"github.com/transfa/transfer-service/pkg/rabbitmq"
)

const (
	transferSuccessMessage = "Transfer completed successfully"
	unknownHolderName      = "N/A"
)

// ServiceConfig holds the knobs of the transfer flow.
type ServiceConfig struct {
	MinimumAmount          decimal.Decimal
	NotificationExchange   string
	NotificationRoutingKey string
}

// TransferService provides the core business logic for transfers.
type TransferService struct {
	repo      store.Repository
	guard     *IdempotencyGuard
	limits    *DailyLimitCache
	outbox    *NotificationOutbox
	customers customerclient.Directory
	producer  rabbitmq.Publisher
	config    ServiceConfig
	now       func() time.Time
	logger    *slog.Logger
}

// NewTransferService creates a new transfer service instance.
func NewTransferService(
	repo store.Repository,
	guard *IdempotencyGuard,
	limits *DailyLimitCache,
	outbox *NotificationOutbox,
	customers customerclient.Directory,
	producer rabbitmq.Publisher,
	cfg ServiceConfig,
	logger *slog.Logger,
) *TransferService {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	if cfg.NotificationExchange == "" {
		cfg.NotificationExchange = "regulator.notifications"
	}
	if cfg.NotificationRoutingKey == "" {
		cfg.NotificationRoutingKey = "notification.fallback"
	}
	return &TransferService{
		repo:      repo,
		guard:     guard,
		limits:    limits,
		outbox:    outbox,
		customers: customers,
		producer:  producer,
		config:    cfg,
		now:       time.Now,
		logger:    logger,
	}
}

// Transfer moves req.Amount from the source to the destination account and records the
// regulator notification. idempotencyKey may be blank.
func (s *TransferService) Transfer(ctx context.Context, req domain.TransferRequest, idempotencyKey string) (*domain.TransferResponse, error) {
	key := strings.TrimSpace(idempotencyKey)
	s.logger.Info("transfer requested", "source_account_id", req.SourceAccountID, "destination_account_id", req.DestinationAccountID, "amount", req.Amount.String(), "idempotency_key", key)

	// 1. Request shape and early duplicate rejection
	if err := req.Validate(s.config.MinimumAmount); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransfer, err)
	}
	if key != "" {
		existing, found, err := s.guard.Resolve(ctx, key)
		if err != nil {
			return nil, err
		}
		if found {
			s.logger.Warn("duplicate transfer rejected", "idempotency_key", key, "transaction_id", existing)
			return nil, &DuplicateTransactionError{IdempotencyKey: key, TransactionID: existing}
		}
	}

	// 2. Accounts and holder
	source, err := s.findAccount(ctx, req.SourceAccountID)
	if err != nil {
		return nil, err
	}
	destination, err := s.findAccount(ctx, req.DestinationAccountID)
	if err != nil {
		return nil, err
	}
	customer, err := s.findCustomer(ctx, source.CustomerID)
	if err != nil {
		return nil, err
	}

	// 3. Admission
	if !source.Active {
		return nil, fmt.Errorf("source account %s: %w", source.ID, ErrInactiveAccount)
	}
	if !destination.Active {
		return nil, fmt.Errorf("destination account %s: %w", destination.ID, ErrInactiveAccount)
	}
	if source.Balance.LessThan(req.Amount) {
		return nil, fmt.Errorf("account %s: %w", source.ID, ErrInsufficientBalance)
	}
	current, allowed, err := s.limits.Evaluate(ctx, source.ID, source.DailyLimit, req.Amount)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &DailyLimitExceededError{AccountID: source.ID, Limit: source.DailyLimit, CurrentTotal: current, Amount: req.Amount}
	}

	// 4. Ledger, daily total and outbox in one transaction
	ledgerTx := &domain.Transaction{
		ID:                   uuid.New(),
		SourceAccountID:      source.ID,
		DestinationAccountID: destination.ID,
		Amount:               req.Amount,
		Status:               domain.TransactionStatusCompleted,
		Type:                 domain.TransactionTypeTransfer,
		Description:          strings.TrimSpace(req.Description),
		CreatedAt:            s.now(),
	}
	if key != "" {
		ledgerTx.IdempotencyKey = &key
	}

	var (
		record     *domain.NotificationRecord
		dailyTotal decimal.Decimal
	)
	err = s.repo.WithTx(ctx, func(txRepo store.Repository) error {
		debited, err := txRepo.DebitAccount(ctx, source.ID, req.Amount)
		if err != nil {
			return mapLedgerError(source.ID, err)
		}
		if err := txRepo.CreditAccount(ctx, destination.ID, req.Amount); err != nil {
			return mapLedgerError(destination.ID, err)
		}

		total, err := s.limits.WithStore(txRepo).RecordTransfer(ctx, source.ID, req.Amount)
		if err != nil {
			return err
		}
		if total.GreaterThan(debited.DailyLimit) {
			return &DailyLimitExceededError{AccountID: source.ID, Limit: debited.DailyLimit, CurrentTotal: total.Sub(req.Amount), Amount: req.Amount}
		}
		dailyTotal = total

		if err := txRepo.CreateTransaction(ctx, ledgerTx); err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
		if err := s.guard.WithStore(txRepo).Register(ctx, key, ledgerTx.ID); err != nil {
			return err
		}

		record, err = s.outbox.Create(ctx, txRepo, ledgerTx, debited, destination, customer)
		return err
	})
	if err != nil {
		s.guard.Release(ctx, key, ledgerTx.ID)
		s.limits.Invalidate(ctx, source.ID)
		s.logger.Warn("transfer rolled back", "source_account_id", source.ID, "transaction_id", ledgerTx.ID, "error", err)
		return nil, err
	}
	s.logger.Info("transfer committed", "transaction_id", ledgerTx.ID, "notification_id", record.ID)
	s.limits.MirrorTotal(ctx, source.ID, dailyTotal)

	// 5. Notify; the response does not depend on the outcome
	result := s.outbox.DeliverNow(ctx, record)
	if result.Outcome != DeliverySent {
		s.publishFallback(ctx, record, ledgerTx)
	}

	return &domain.TransferResponse{
		TransactionID:  ledgerTx.ID,
		IdempotencyKey: ledgerTx.IdempotencyKey,
		Status:         domain.TransferStatusSuccess,
		SourceAccount: domain.AccountSummary{
			ID:            source.ID,
			AccountNumber: source.AccountNumber,
			HolderName:    customer.Name,
		},
		DestinationAccount: domain.AccountSummary{
			ID:            destination.ID,
			AccountNumber: destination.AccountNumber,
			HolderName:    s.holderName(ctx, destination.CustomerID),
		},
		Amount:          ledgerTx.Amount,
		TransactionDate: ledgerTx.CreatedAt,
		Message:         transferSuccessMessage,
	}, nil
}

// ListAccounts returns every ledger account.
func (s *TransferService) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	return s.repo.ListAccounts(ctx)
}

// NotificationStats returns the number of outbox records per status.
func (s *TransferService) NotificationStats(ctx context.Context) (map[domain.NotificationStatus]int, error) {
	return s.repo.CountNotificationsByStatus(ctx)
}

func (s *TransferService) publishFallback(ctx context.Context, record *domain.NotificationRecord, tx *domain.Transaction) {
	msg, err := s.outbox.FallbackMessage(record, tx)
	if err != nil {
		s.logger.Error("failed to build fallback message; pending sweep will retry", "notification_id", record.ID, "error", err)
		return
	}
	if err := s.producer.Publish(ctx, s.config.NotificationExchange, s.config.NotificationRoutingKey, msg); err != nil {
		s.logger.Error("failed to publish fallback message; pending sweep will retry", "notification_id", record.ID, "error", err)
		return
	}
	s.logger.Info("notification handed to fallback channel", "notification_id", record.ID, "transaction_id", tx.ID)
}

func (s *TransferService) findAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	account, err := s.repo.FindAccountByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, fmt.Errorf("account %s: %w", id, ErrAccountNotFound)
		}
		return nil, fmt.Errorf("load account %s: %w", id, err)
	}
	return account, nil
}

func (s *TransferService) findCustomer(ctx context.Context, id uuid.UUID) (*domain.Customer, error) {
	customer, err := s.customers.FindCustomer(ctx, id)
	if err != nil {
		if errors.Is(err, customerclient.ErrCustomerNotFound) {
			return nil, fmt.Errorf("customer %s: %w", id, ErrCustomerNotFound)
		}
		return nil, fmt.Errorf("load customer %s: %w", id, err)
	}
	return &domain.Customer{
		ID:    customer.ID,
		Name:  customer.Name,
		TaxID: customer.TaxID,
		Email: customer.Email,
		Phone: customer.Phone,
	}, nil
}

func (s *TransferService) holderName(ctx context.Context, customerID uuid.UUID) string {
	customer, err := s.customers.FindCustomer(ctx, customerID)
	if err != nil || strings.TrimSpace(customer.Name) == "" {
		return unknownHolderName
	}
	return customer.Name
}

func mapLedgerError(accountID uuid.UUID, err error) error {
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		return fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
	case errors.Is(err, store.ErrInactiveAccount):
		return fmt.Errorf("account %s: %w", accountID, ErrInactiveAccount)
	case errors.Is(err, store.ErrInsufficientFunds):
		return fmt.Errorf("account %s: %w", accountID, ErrInsufficientBalance)
	default:
		return fmt.Errorf("update account %s: %w", accountID, err)
	}
}
