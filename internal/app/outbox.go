package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
	"github.com/transfa/transfer-service/pkg/regulator"
)

// DeliveryOutcome tags a DeliveryResult.
type DeliveryOutcome int

const (
	// DeliverySent means the regulator acknowledged and the record is SENT.
	DeliverySent DeliveryOutcome = iota + 1
	// DeliveryDeferred means the attempt failed and the record stays PENDING for a later path.
	DeliveryDeferred
	// DeliveryFailed means the attempt failed and the record hit its retry ceiling.
	DeliveryFailed
)

func (o DeliveryOutcome) String() string {
	switch o {
	case DeliverySent:
		return "sent"
	case DeliveryDeferred:
		return "deferred"
	case DeliveryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DeliveryResult is the outcome of one delivery attempt.
type DeliveryResult struct {
	Outcome    DeliveryOutcome
	Protocol   string
	Reason     string
	RetryCount int
}

func Sent(protocol string) DeliveryResult {
	return DeliveryResult{Outcome: DeliverySent, Protocol: protocol}
}

func Deferred(reason string) DeliveryResult {
	return DeliveryResult{Outcome: DeliveryDeferred, Reason: reason}
}

func Failed(reason string) DeliveryResult {
	return DeliveryResult{Outcome: DeliveryFailed, Reason: reason}
}

// NotificationOutbox owns the regulator notification records: it writes them in the
// transfer's transaction and drives every delivery attempt against them.
type NotificationOutbox struct {
	repo              store.Repository
	notifier          regulator.Notifier
	maxFailedAttempts int
	now               func() time.Time
	logger            *slog.Logger
}

// NewNotificationOutbox creates the outbox. maxFailedAttempts is the default retry
// ceiling used by AttemptSend.
func NewNotificationOutbox(repo store.Repository, notifier regulator.Notifier, maxFailedAttempts int, logger *slog.Logger) *NotificationOutbox {
	if maxFailedAttempts <= 0 {
		maxFailedAttempts = 10
	}
	return &NotificationOutbox{
		repo:              repo,
		notifier:          notifier,
		maxFailedAttempts: maxFailedAttempts,
		now:               time.Now,
		logger:            logger,
	}
}

// Create writes the PENDING record for tx through repo, which must be the transfer's
// transaction-scoped repository. The payload snapshot is never rewritten afterwards.
func (o *NotificationOutbox) Create(
	ctx context.Context,
	repo store.Repository,
	tx *domain.Transaction,
	source *domain.Account,
	destination *domain.Account,
	customer *domain.Customer,
) (*domain.NotificationRecord, error) {
	key := ""
	if tx.IdempotencyKey != nil {
		key = strings.TrimSpace(*tx.IdempotencyKey)
	}
	if key == "" {
		key = uuid.NewString()
	}

	payload, err := json.Marshal(domain.NotificationRequest{
		TransactionID:            tx.ID,
		IdempotencyKey:           key,
		SourceAccountNumber:      source.AccountNumber,
		DestinationAccountNumber: destination.AccountNumber,
		Amount:                   tx.Amount,
		CustomerName:             customer.Name,
		CustomerTaxID:            customer.TaxID,
		TransactionDate:          tx.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal notification payload: %w", err)
	}

	record := &domain.NotificationRecord{
		TransactionID:  tx.ID,
		IdempotencyKey: key,
		Status:         domain.NotificationPending,
		Payload:        payload,
		RetryCount:     0,
	}
	if err := repo.CreateNotification(ctx, record); err != nil {
		return nil, fmt.Errorf("create notification record: %w", err)
	}
	o.logger.Info("notification record created", "notification_id", record.ID, "transaction_id", tx.ID)
	return record, nil
}

// DeliverNow makes the synchronous first attempt. A failure stamps the error and the
// attempt time on the record without counting a retry, and is reported as Deferred so
// the caller can hand it to the fallback channel.
func (o *NotificationOutbox) DeliverNow(ctx context.Context, record *domain.NotificationRecord) DeliveryResult {
	if record.Status == domain.NotificationSent {
		return Sent(derefString(record.Protocol))
	}

	resp, err := o.notify(ctx, record)
	if err == nil {
		return o.markSent(ctx, record, resp.Protocol)
	}

	o.logger.Warn("synchronous notification failed, deferring", "notification_id", record.ID, "transaction_id", record.TransactionID, "error", err)
	if _, stampErr := o.repo.RecordNotificationAttempt(ctx, record.ID, err.Error(), o.now()); stampErr != nil {
		o.logger.Error("failed to record notification attempt", "notification_id", record.ID, "error", stampErr)
	}
	return Deferred(err.Error())
}

// AttemptSend retries a stored record. Failures are counted on the record; once its
// retry count reaches ceiling it becomes FAILED. A non-positive ceiling uses the
// outbox default.
func (o *NotificationOutbox) AttemptSend(ctx context.Context, record *domain.NotificationRecord, ceiling int) DeliveryResult {
	if record.Status == domain.NotificationSent {
		return Sent(derefString(record.Protocol))
	}
	if ceiling <= 0 {
		ceiling = o.maxFailedAttempts
	}

	resp, err := o.notify(ctx, record)
	if err == nil {
		return o.markSent(ctx, record, resp.Protocol)
	}

	updated, recordErr := o.repo.RecordNotificationFailure(ctx, record.ID, err.Error(), o.now(), ceiling)
	if recordErr != nil {
		if errors.Is(recordErr, store.ErrNotificationNotPending) {
			return o.currentResult(ctx, record.ID, err.Error())
		}
		o.logger.Error("failed to record notification failure", "notification_id", record.ID, "error", recordErr)
		return Deferred(err.Error())
	}

	if updated.Status == domain.NotificationFailed {
		o.logger.Error("notification retry ceiling reached, marked FAILED",
			"notification_id", record.ID, "transaction_id", record.TransactionID, "retry_count", updated.RetryCount, "error", err)
		result := Failed(err.Error())
		result.RetryCount = updated.RetryCount
		return result
	}
	o.logger.Warn("notification attempt failed",
		"notification_id", record.ID, "transaction_id", record.TransactionID, "retry_count", updated.RetryCount, "error", err)
	result := Deferred(err.Error())
	result.RetryCount = updated.RetryCount
	return result
}

// FallbackMessage builds the async channel message for record.
func (o *NotificationOutbox) FallbackMessage(record *domain.NotificationRecord, tx *domain.Transaction) (domain.FallbackMessage, error) {
	payload, err := decodePayload(record)
	if err != nil {
		return domain.FallbackMessage{}, err
	}
	return domain.FallbackMessage{
		NotificationID:           record.ID,
		TransactionID:            record.TransactionID,
		IdempotencyKey:           record.IdempotencyKey,
		SourceAccountID:          tx.SourceAccountID,
		SourceAccountNumber:      payload.SourceAccountNumber,
		DestinationAccountID:     tx.DestinationAccountID,
		DestinationAccountNumber: payload.DestinationAccountNumber,
		Amount:                   payload.Amount,
		CustomerName:             payload.CustomerName,
		CustomerTaxID:            payload.CustomerTaxID,
		TransactionDate:          payload.TransactionDate,
		RetryCount:               record.RetryCount,
	}, nil
}

func (o *NotificationOutbox) notify(ctx context.Context, record *domain.NotificationRecord) (*regulator.NotificationResponse, error) {
	payload, err := decodePayload(record)
	if err != nil {
		return nil, err
	}
	return o.notifier.Notify(ctx, regulator.NotificationRequest{
		TransactionID:            payload.TransactionID.String(),
		IdempotencyKey:           record.IdempotencyKey,
		SourceAccountNumber:      payload.SourceAccountNumber,
		DestinationAccountNumber: payload.DestinationAccountNumber,
		Amount:                   payload.Amount.StringFixed(2),
		CustomerName:             payload.CustomerName,
		CustomerTaxID:            payload.CustomerTaxID,
		TransactionDate:          payload.TransactionDate,
		RetryCount:               record.RetryCount,
	})
}

func (o *NotificationOutbox) markSent(ctx context.Context, record *domain.NotificationRecord, protocol string) DeliveryResult {
	changed, err := o.repo.MarkNotificationSent(ctx, record.ID, protocol, o.now())
	if err != nil {
		// The regulator has it; the idempotency key makes the next attempt a replay.
		o.logger.Error("notification acknowledged but not persisted", "notification_id", record.ID, "protocol", protocol, "error", err)
		return Deferred(fmt.Sprintf("persist sent status: %v", err))
	}
	if !changed {
		o.logger.Info("notification already SENT", "notification_id", record.ID)
		return o.currentResult(ctx, record.ID, "")
	}
	o.logger.Info("notification sent", "notification_id", record.ID, "transaction_id", record.TransactionID, "protocol", protocol)
	return Sent(protocol)
}

// currentResult reads the record back after a guarded update matched nothing.
func (o *NotificationOutbox) currentResult(ctx context.Context, id int64, reason string) DeliveryResult {
	current, err := o.repo.FindNotificationByID(ctx, id)
	if err != nil {
		return Deferred(reason)
	}
	switch current.Status {
	case domain.NotificationSent:
		return Sent(derefString(current.Protocol))
	case domain.NotificationFailed:
		result := Failed(reason)
		result.RetryCount = current.RetryCount
		return result
	default:
		result := Deferred(reason)
		result.RetryCount = current.RetryCount
		return result
	}
}

func decodePayload(record *domain.NotificationRecord) (*domain.NotificationRequest, error) {
	var payload domain.NotificationRequest
	if err := json.Unmarshal(record.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode notification %d payload: %w", record.ID, err)
	}
	return &payload, nil
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
