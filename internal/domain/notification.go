package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NotificationStatus is the lifecycle state of a regulator notification.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "PENDING"
	NotificationSent    NotificationStatus = "SENT"
	NotificationFailed  NotificationStatus = "FAILED"
)

// NotificationRecord is the outbox row for one transaction. Payload is a JSON snapshot of
// NotificationRequest taken at creation time and never rewritten.
type NotificationRecord struct {
	ID             int64              `json:"id"`
	TransactionID  uuid.UUID          `json:"transaction_id"`
	IdempotencyKey string             `json:"idempotency_key"`
	Status         NotificationStatus `json:"status"`
	Payload        []byte             `json:"payload"`
	RetryCount     int                `json:"retry_count"`
	LastAttemptAt  *time.Time         `json:"last_attempt_at,omitempty"`
	SentAt         *time.Time         `json:"sent_at,omitempty"`
	Protocol       *string            `json:"protocol,omitempty"`
	ErrorMessage   *string            `json:"error_message,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// NotificationRequest is the payload snapshot stored with the outbox row.
type NotificationRequest struct {
	TransactionID            uuid.UUID       `json:"transaction_id"`
	IdempotencyKey           string          `json:"idempotency_key"`
	SourceAccountNumber      string          `json:"source_account_number"`
	DestinationAccountNumber string          `json:"destination_account_number"`
	Amount                   decimal.Decimal `json:"amount"`
	CustomerName             string          `json:"customer_name"`
	CustomerTaxID            string          `json:"customer_tax_id"`
	TransactionDate          time.Time       `json:"transaction_date"`
}

// FallbackMessage is published on the async channel when the synchronous attempt is
// deferred. NotificationID points the consumer at the authoritative outbox row.
type FallbackMessage struct {
	NotificationID           int64           `json:"notification_id"`
	TransactionID            uuid.UUID       `json:"transaction_id"`
	IdempotencyKey           string          `json:"idempotency_key"`
	SourceAccountID          uuid.UUID       `json:"source_account_id"`
	SourceAccountNumber      string          `json:"source_account_number"`
	DestinationAccountID     uuid.UUID       `json:"destination_account_id"`
	DestinationAccountNumber string          `json:"destination_account_number"`
	Amount                   decimal.Decimal `json:"amount"`
	CustomerName             string          `json:"customer_name"`
	CustomerTaxID            string          `json:"customer_tax_id"`
	TransactionDate          time.Time       `json:"transaction_date"`
	RetryCount               int             `json:"retry_count"`
}
