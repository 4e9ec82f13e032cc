/**
 * @description
 * This file defines the core ledger models for the transfer-service: accounts,
 * customers, transactions and the DTOs exchanged with the HTTP layer.
 *
 * @notes
 * - Amounts are `decimal.Decimal` so limit and balance comparisons are exact.
 * - Customer data is owned by an external registry; only the fields needed for the
 *   regulator payload and the transfer response are modelled here.
 */

package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	TransactionStatusCompleted = "COMPLETED"
	TransactionTypeTransfer    = "TRANSFER"

	TransferStatusSuccess = "SUCCESS"
)

// Account is a ledger account. Balance and DailyLimit are owned by the ledger.
type Account struct {
	ID            uuid.UUID       `json:"id"`
	AccountNumber string          `json:"account_number"`
	CustomerID    uuid.UUID       `json:"customer_id"`
	Balance       decimal.Decimal `json:"balance"`
	DailyLimit    decimal.Decimal `json:"daily_limit"`
	Active        bool            `json:"active"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Customer is the account holder as known by the customer registry.
type Customer struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	TaxID string    `json:"tax_id"`
	Email string    `json:"email"`
	Phone string    `json:"phone"`
}

// Transaction maps to the `transactions` table.
type Transaction struct {
	ID                   uuid.UUID       `json:"id"`
	SourceAccountID      uuid.UUID       `json:"source_account_id"`
	DestinationAccountID uuid.UUID       `json:"destination_account_id"`
	Amount               decimal.Decimal `json:"amount"`
	Status               string          `json:"status"`
	Type                 string          `json:"type"`
	Description          string          `json:"description"`
	IdempotencyKey       *string         `json:"idempotency_key,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// IdempotencyKey maps to the `idempotency_keys` table: the durable claim of a client key
// by one transaction until ExpiresAt.
type IdempotencyKey struct {
	Key           string
	TransactionID uuid.UUID
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Live reports whether the claim still holds at t.
func (k IdempotencyKey) Live(t time.Time) bool {
	return k.ExpiresAt.After(t)
}

// TransferRequest is the DTO for incoming transfer API requests.
type TransferRequest struct {
	SourceAccountID      uuid.UUID       `json:"source_account_id"`
	DestinationAccountID uuid.UUID       `json:"destination_account_id"`
	Amount               decimal.Decimal `json:"amount"`
	Description          string          `json:"description"`
}

var (
	ErrMissingAccount     = errors.New("source and destination accounts are required")
	ErrSameAccount        = errors.New("source and destination accounts must differ")
	ErrNonPositiveAmount  = errors.New("amount must be greater than zero")
	ErrAmountBelowMinimum = errors.New("amount is below the minimum transfer amount")
	ErrDescriptionTooLong = errors.New("description must be at most 255 characters")
)

// Validate checks the request shape. minimum is inclusive; a zero minimum disables the check.
func (r TransferRequest) Validate(minimum decimal.Decimal) error {
	if r.SourceAccountID == uuid.Nil || r.DestinationAccountID == uuid.Nil {
		return ErrMissingAccount
	}
	if r.SourceAccountID == r.DestinationAccountID {
		return ErrSameAccount
	}
	if !r.Amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	if minimum.IsPositive() && r.Amount.LessThan(minimum) {
		return ErrAmountBelowMinimum
	}
	if len(strings.TrimSpace(r.Description)) > 255 {
		return ErrDescriptionTooLong
	}
	return nil
}

// AccountSummary is the account view echoed back in a transfer response.
type AccountSummary struct {
	ID            uuid.UUID `json:"id"`
	AccountNumber string    `json:"account_number"`
	HolderName    string    `json:"holder_name"`
}

// TransferResponse is returned once funds have moved and the outbox row exists.
type TransferResponse struct {
	TransactionID      uuid.UUID       `json:"transaction_id"`
	IdempotencyKey     *string         `json:"idempotency_key,omitempty"`
	Status             string          `json:"status"`
	SourceAccount      AccountSummary  `json:"source_account"`
	DestinationAccount AccountSummary  `json:"destination_account"`
	Amount             decimal.Decimal `json:"amount"`
	TransactionDate    time.Time       `json:"transaction_date"`
	Message            string          `json:"message"`
}

// DailyLimitRecord maps to `daily_limit_control`: one row per account per calendar day.
type DailyLimitRecord struct {
	AccountID        uuid.UUID       `json:"account_id"`
	Date             time.Time       `json:"date"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	TransactionCount int             `json:"transaction_count"`
	LastUpdatedAt    time.Time       `json:"last_updated_at"`
}
