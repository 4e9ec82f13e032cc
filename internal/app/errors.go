package app

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTransfer      = errors.New("invalid transfer request")
	ErrAccountNotFound      = errors.New("account not found")
	ErrCustomerNotFound     = errors.New("customer not found")
	ErrInactiveAccount      = errors.New("account is inactive")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrDailyLimitExceeded   = errors.New("daily transfer limit exceeded")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
)

// DailyLimitExceededError carries the numbers behind a daily limit rejection.
type DailyLimitExceededError struct {
	AccountID    uuid.UUID
	Limit        decimal.Decimal
	CurrentTotal decimal.Decimal
	Amount       decimal.Decimal
}

func (e *DailyLimitExceededError) Error() string {
	return fmt.Sprintf("daily transfer limit exceeded: limit %s, already transferred today %s, requested %s",
		e.Limit.StringFixed(2), e.CurrentTotal.StringFixed(2), e.Amount.StringFixed(2))
}

func (e *DailyLimitExceededError) Is(target error) bool {
	return target == ErrDailyLimitExceeded
}

// DuplicateTransactionError reports a reused idempotency key. TransactionID is uuid.Nil
// when the original transaction could not be resolved.
type DuplicateTransactionError struct {
	IdempotencyKey string
	TransactionID  uuid.UUID
}

func (e *DuplicateTransactionError) Error() string {
	if e.TransactionID == uuid.Nil {
		return fmt.Sprintf("duplicate transaction for idempotency key %q", e.IdempotencyKey)
	}
	return fmt.Sprintf("duplicate transaction for idempotency key %q: already processed as %s", e.IdempotencyKey, e.TransactionID)
}

func (e *DuplicateTransactionError) Is(target error) bool {
	return target == ErrDuplicateTransaction
}
