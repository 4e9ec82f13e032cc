package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
)

// FallbackConsumer re-drives notifications published on the async fallback channel.
// The outbox row is authoritative: the message only says which row to look at.
type FallbackConsumer struct {
	repo             store.Repository
	outbox           *NotificationOutbox
	maxRetryAttempts int
	timeout          time.Duration
	logger           *slog.Logger
}

func NewFallbackConsumer(repo store.Repository, outbox *NotificationOutbox, maxRetryAttempts int, logger *slog.Logger) *FallbackConsumer {
	if maxRetryAttempts <= 0 {
		maxRetryAttempts = 3
	}
	return &FallbackConsumer{
		repo:             repo,
		outbox:           outbox,
		maxRetryAttempts: maxRetryAttempts,
		timeout:          15 * time.Second,
		logger:           logger,
	}
}

// HandleMessage returns true when the delivery should be acknowledged and false when it
// should be requeued.
func (c *FallbackConsumer) HandleMessage(body []byte) bool {
	var msg domain.FallbackMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.logger.Error("dropping undecodable fallback message", "error", err)
		return true
	}
	if msg.NotificationID == 0 && msg.TransactionID == uuid.Nil {
		c.logger.Error("dropping fallback message without notification reference")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.process(ctx, msg); err != nil {
		c.logger.Error("fallback message processing error, requeueing", "notification_id", msg.NotificationID, "transaction_id", msg.TransactionID, "error", err)
		return false
	}
	return true
}

func (c *FallbackConsumer) process(ctx context.Context, msg domain.FallbackMessage) error {
	record, err := c.lookup(ctx, msg)
	if err != nil {
		if errors.Is(err, store.ErrNotificationNotFound) {
			c.logger.Warn("no notification record for fallback message, acknowledging", "notification_id", msg.NotificationID, "transaction_id", msg.TransactionID)
			return nil
		}
		return fmt.Errorf("lookup notification: %w", err)
	}

	switch record.Status {
	case domain.NotificationSent:
		c.logger.Info("notification already SENT, skipping", "notification_id", record.ID, "protocol", derefString(record.Protocol))
		return nil
	case domain.NotificationFailed:
		c.logger.Info("notification is FAILED, leaving it to the failed sweep", "notification_id", record.ID)
		return nil
	}

	if msg.IdempotencyKey != "" && msg.IdempotencyKey != record.IdempotencyKey {
		c.logger.Warn("idempotency key mismatch, skipping", "notification_id", record.ID, "message_key", msg.IdempotencyKey, "record_key", record.IdempotencyKey)
		return nil
	}

	result := c.outbox.AttemptSend(ctx, record, c.maxRetryAttempts)
	c.logger.Info("fallback delivery attempt finished", "notification_id", record.ID, "outcome", result.Outcome.String(), "retry_count", result.RetryCount)
	return nil
}

func (c *FallbackConsumer) lookup(ctx context.Context, msg domain.FallbackMessage) (*domain.NotificationRecord, error) {
	if msg.NotificationID != 0 {
		return c.repo.FindNotificationByID(ctx, msg.NotificationID)
	}
	return c.repo.FindNotificationByTransactionID(ctx, msg.TransactionID)
}
