/**
 * @description
 * This file contains the HTTP handlers for the transfer-service's API endpoints.
 * Handlers parse incoming requests, call the transfer service and map its errors onto
 * HTTP responses. They act as the bridge between the web layer and the business logic.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/shopspring/decimal: amounts are accepted as JSON strings or numbers.
 * - internal/app, internal/domain: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-service/internal/app"
	"github.com/transfa/transfer-service/internal/domain"
)

const idempotencyKeyHeader = "Idempotency-Key"

// TransferService is the part of app.TransferService the handlers use.
type TransferService interface {
	Transfer(ctx context.Context, req domain.TransferRequest, idempotencyKey string) (*domain.TransferResponse, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	NotificationStats(ctx context.Context) (map[domain.NotificationStatus]int, error)
}

// Sweeper runs the notification reconciliation sweeps on demand.
type Sweeper interface {
	SweepPending(ctx context.Context, now time.Time) (app.SweepReport, error)
	SweepFailed(ctx context.Context, now time.Time) (app.SweepReport, error)
}

// TransactionHandlers holds the services the handlers use.
type TransactionHandlers struct {
	service TransferService
	sweeper Sweeper
	now     func() time.Time
}

// NewTransactionHandlers creates a new instance of TransactionHandlers.
func NewTransactionHandlers(service TransferService, sweeper Sweeper) *TransactionHandlers {
	return &TransactionHandlers{service: service, sweeper: sweeper, now: time.Now}
}

type transferRequestBody struct {
	SourceAccountID      string          `json:"source_account_id"`
	DestinationAccountID string          `json:"destination_account_id"`
	Amount               decimal.Decimal `json:"amount"`
	Description          string          `json:"description"`
}

type errorResponse struct {
	Status    int       `json:"status"`
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

type reconcileResponse struct {
	Pending app.SweepReport `json:"pending"`
	Failed  app.SweepReport `json:"failed"`
}

// TransferHandler handles POST /api/v1/transactions/transfer.
func (h *TransactionHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	var body transferRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		log.Printf("level=warn component=api endpoint=transfer outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, r, http.StatusBadRequest, "Invalid Request", "Invalid request body")
		return
	}

	sourceID, err := uuid.Parse(strings.TrimSpace(body.SourceAccountID))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "Invalid Request", "source_account_id must be a valid UUID")
		return
	}
	destinationID, err := uuid.Parse(strings.TrimSpace(body.DestinationAccountID))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "Invalid Request", "destination_account_id must be a valid UUID")
		return
	}

	req := domain.TransferRequest{
		SourceAccountID:      sourceID,
		DestinationAccountID: destinationID,
		Amount:               body.Amount,
		Description:          body.Description,
	}
	key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))

	resp, err := h.service.Transfer(r.Context(), req, key)
	if err != nil {
		status, title := classifyError(err)
		message := err.Error()
		if status == http.StatusInternalServerError {
			log.Printf("level=error component=api endpoint=transfer outcome=failed source_account_id=%s err=%v", sourceID, err)
			message = "Internal server error"
		} else {
			log.Printf("level=warn component=api endpoint=transfer outcome=reject source_account_id=%s status=%d err=%v", sourceID, status, err)
		}
		h.writeError(w, r, status, title, message)
		return
	}

	log.Printf("level=info component=api endpoint=transfer outcome=success transaction_id=%s amount=%s", resp.TransactionID, resp.Amount.String())
	h.writeJSON(w, http.StatusOK, resp)
}

// ListAccountsHandler handles GET /api/v1/transactions/accounts.
func (h *TransactionHandlers) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListAccounts(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=list_accounts err=%v", err)
		h.writeError(w, r, http.StatusInternalServerError, "Internal Server Error", "Internal server error")
		return
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	h.writeJSON(w, http.StatusOK, accounts)
}

// NotificationStatsHandler handles GET /internal/notifications/stats.
func (h *TransactionHandlers) NotificationStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.NotificationStats(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=notification_stats err=%v", err)
		h.writeError(w, r, http.StatusInternalServerError, "Internal Server Error", "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// ReconcileNotificationsHandler handles POST /internal/notifications/reconcile by
// running both sweeps once.
func (h *TransactionHandlers) ReconcileNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	pending, err := h.sweeper.SweepPending(r.Context(), now)
	if err != nil {
		log.Printf("level=error component=api endpoint=reconcile sweep=pending err=%v", err)
		h.writeError(w, r, http.StatusInternalServerError, "Internal Server Error", "Pending sweep failed")
		return
	}
	failed, err := h.sweeper.SweepFailed(r.Context(), now)
	if err != nil {
		log.Printf("level=error component=api endpoint=reconcile sweep=failed err=%v", err)
		h.writeError(w, r, http.StatusInternalServerError, "Internal Server Error", "Failed sweep failed")
		return
	}
	log.Printf("level=info component=api endpoint=reconcile pending=%q failed=%q", pending.String(), failed.String())
	h.writeJSON(w, http.StatusOK, reconcileResponse{Pending: pending, Failed: failed})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrInvalidTransfer):
		return http.StatusBadRequest, "Invalid Request"
	case errors.Is(err, app.ErrAccountNotFound):
		return http.StatusNotFound, "Account Not Found"
	case errors.Is(err, app.ErrCustomerNotFound):
		return http.StatusNotFound, "Customer Not Found"
	case errors.Is(err, app.ErrInactiveAccount):
		return http.StatusUnprocessableEntity, "Inactive Account"
	case errors.Is(err, app.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "Insufficient Balance"
	case errors.Is(err, app.ErrDailyLimitExceeded):
		return http.StatusUnprocessableEntity, "Daily Limit Exceeded"
	case errors.Is(err, app.ErrDuplicateTransaction):
		return http.StatusConflict, "Duplicate Transaction"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *TransactionHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *TransactionHandlers) writeError(w http.ResponseWriter, r *http.Request, status int, title, message string) {
	h.writeJSON(w, status, errorResponse{
		Status:    status,
		Error:     title,
		Message:   message,
		Path:      r.URL.Path,
		Timestamp: h.now(),
	})
}
