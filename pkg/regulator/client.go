/**
 * @description
 * This package wraps the call to the regulator's notification API. It defines the
 * wire contract, the failure taxonomy, a chaos mock used in non-production
 * environments, an HTTP client for the real endpoint, and the retry +
 * circuit-breaker policy that every caller goes through.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 */
package regulator

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRateLimited         = errors.New("regulator rate limit exceeded")
	ErrUnavailable         = errors.New("regulator communication error")
	ErrTimeout             = errors.New("regulator call timed out")
	ErrRejected            = errors.New("regulator rejected the notification")
	ErrCircuitOpen         = errors.New("regulator circuit breaker is open")
	ErrUpstreamUnavailable = errors.New("regulator unavailable")
)

// NotificationRequest is the body sent to the regulator for one completed transfer.
// Amount is a plain decimal string so the wire format never goes through float64.
// RetryCount is the number of failed attempts already counted on the outbox record.
type NotificationRequest struct {
	TransactionID            string    `json:"transaction_id"`
	IdempotencyKey           string    `json:"idempotency_key"`
	SourceAccountNumber      string    `json:"source_account_number"`
	DestinationAccountNumber string    `json:"destination_account_number"`
	Amount                   string    `json:"amount"`
	CustomerName             string    `json:"customer_name"`
	CustomerTaxID            string    `json:"customer_tax_id"`
	TransactionDate          time.Time `json:"transaction_date"`
	RetryCount               int       `json:"retry_count"`
}

// NotificationResponse is the regulator's acknowledgement.
type NotificationResponse struct {
	Protocol  string    `json:"protocol"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Notifier is implemented by anything that can deliver a notification to the regulator.
// Implementations are expected to be idempotent on IdempotencyKey.
type Notifier interface {
	Notify(ctx context.Context, req NotificationRequest) (*NotificationResponse, error)
}

// Retryable reports whether err is a transient upstream failure worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrTimeout)
}
