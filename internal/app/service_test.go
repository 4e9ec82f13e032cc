package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/pkg/customerclient"
	"github.com/transfa/transfer-service/pkg/regulator"
)

var (
	sourceCustomerID = uuid.MustParse("c0000000-0000-4000-8000-000000000001")
	destCustomerID   = uuid.MustParse("c0000000-0000-4000-8000-000000000002")
	sourceID         = uuid.MustParse("a0000000-0000-4000-8000-000000000001")
	destID           = uuid.MustParse("a0000000-0000-4000-8000-000000000002")
	inactiveID       = uuid.MustParse("a0000000-0000-4000-8000-000000000005")
	orphanID         = uuid.MustParse("a0000000-0000-4000-8000-000000000009")
)

type serviceHarness struct {
	service   *TransferService
	repo      *memStore
	notifier  *fakeNotifier
	publisher *fakePublisher
	redis     *miniredis.Miniredis
}

func newServiceHarness(t *testing.T, cache FastCache) *serviceHarness {
	t.Helper()
	h := &serviceHarness{
		repo: newMemStore(
			domain.Account{ID: sourceID, AccountNumber: "00001-1", CustomerID: sourceCustomerID, Balance: dec("5000"), DailyLimit: dec("1000"), Active: true},
			domain.Account{ID: destID, AccountNumber: "00002-2", CustomerID: destCustomerID, Balance: dec("100"), DailyLimit: dec("1000"), Active: true},
			domain.Account{ID: inactiveID, AccountNumber: "00005-5", CustomerID: destCustomerID, Balance: dec("100"), DailyLimit: dec("1000"), Active: false},
			domain.Account{ID: orphanID, AccountNumber: "00009-9", CustomerID: uuid.New(), Balance: dec("100"), DailyLimit: dec("1000"), Active: true},
		),
		notifier:  &fakeNotifier{},
		publisher: &fakePublisher{},
	}
	if cache == nil {
		var redisCache *RedisFastCache
		h.redis, redisCache = newRedisCache(t)
		cache = redisCache
	}

	customers := customerclient.NewFixtureDirectory(
		customerclient.Customer{ID: sourceCustomerID, Name: "João da Silva", TaxID: "123.456.789-00"},
		customerclient.Customer{ID: destCustomerID, Name: "Maria Santos", TaxID: "987.654.321-00"},
	)
	guard := NewIdempotencyGuard(cache, h.repo, "idem:", 24*time.Hour, testLogger())
	limits := NewDailyLimitCache(cache, h.repo, "daily:", time.UTC, testLogger())
	outbox := NewNotificationOutbox(h.repo, h.notifier, 10, testLogger())
	h.service = NewTransferService(h.repo, guard, limits, outbox, customers, h.publisher, ServiceConfig{
		MinimumAmount: dec("0.01"),
	}, testLogger())
	return h
}

func transfer(source, destination uuid.UUID, amount string) domain.TransferRequest {
	return domain.TransferRequest{SourceAccountID: source, DestinationAccountID: destination, Amount: dec(amount)}
}

func (h *serviceHarness) balance(id uuid.UUID) decimal.Decimal {
	return h.repo.account(id).Balance
}

func TestTransferEndToEnd(t *testing.T) {
	h := newServiceHarness(t, nil)
	ctx := context.Background()

	resp, err := h.service.Transfer(ctx, transfer(sourceID, destID, "500"), "key-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TransferStatusSuccess, resp.Status)
	assert.Equal(t, "Transfer completed successfully", resp.Message)
	assert.Equal(t, "João da Silva", resp.SourceAccount.HolderName)
	assert.Equal(t, "Maria Santos", resp.DestinationAccount.HolderName)
	require.NotNil(t, resp.IdempotencyKey)
	assert.Equal(t, "key-1", *resp.IdempotencyKey)

	assert.True(t, h.balance(sourceID).Equal(dec("4500")))
	assert.True(t, h.balance(destID).Equal(dec("600")))

	record, err := h.repo.FindNotificationByTransactionID(ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationSent, record.Status)
	assert.Equal(t, "key-1", record.IdempotencyKey)
	assert.Empty(t, h.publisher.messages)

	daily, err := h.repo.GetDailyLimit(ctx, sourceID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, daily.TotalAmount.Equal(dec("500")))

	registered, err := h.redis.Get("idem:key-1")
	require.NoError(t, err)
	assert.Equal(t, resp.TransactionID.String(), registered)
}

func TestTransferRejectsReusedIdempotencyKey(t *testing.T) {
	for name, cache := range map[string]FastCache{"redis": nil, "fast tier down": failingCache{}} {
		t.Run(name, func(t *testing.T) {
			h := newServiceHarness(t, cache)
			ctx := context.Background()

			first, err := h.service.Transfer(ctx, transfer(sourceID, destID, "100"), "key-1")
			require.NoError(t, err)

			_, err = h.service.Transfer(ctx, transfer(sourceID, destID, "100"), "key-1")
			require.ErrorIs(t, err, ErrDuplicateTransaction)
			var dup *DuplicateTransactionError
			require.ErrorAs(t, err, &dup)
			assert.Equal(t, first.TransactionID, dup.TransactionID)

			assert.True(t, h.balance(sourceID).Equal(dec("4900")))
			assert.Equal(t, 1, h.repo.transactionCount())
		})
	}
}

func TestTransferReusesExpiredIdempotencyKey(t *testing.T) {
	for name, cache := range map[string]FastCache{"redis": nil, "fast tier down": failingCache{}} {
		t.Run(name, func(t *testing.T) {
			h := newServiceHarness(t, cache)
			ctx := context.Background()
			stale := h.repo.seedIdempotencyKey("old-key", sourceID, time.Now().Add(-48*time.Hour), 24*time.Hour)

			resp, err := h.service.Transfer(ctx, transfer(sourceID, destID, "100"), "old-key")
			require.NoError(t, err)
			assert.Equal(t, domain.TransferStatusSuccess, resp.Status)
			assert.NotEqual(t, stale, resp.TransactionID)
			assert.True(t, h.balance(sourceID).Equal(dec("4900")))
			assert.Equal(t, 2, h.repo.transactionCount())

			entry, ok := h.repo.idempotencyKey("old-key")
			require.True(t, ok)
			assert.Equal(t, resp.TransactionID, entry.TransactionID)
			assert.True(t, entry.ExpiresAt.After(time.Now().Add(23*time.Hour)))

			_, err = h.service.Transfer(ctx, transfer(sourceID, destID, "100"), "old-key")
			var dup *DuplicateTransactionError
			require.ErrorAs(t, err, &dup)
			assert.Equal(t, resp.TransactionID, dup.TransactionID)
		})
	}
}

func TestTransferReusedKeyReportsOriginalFromDurableClaim(t *testing.T) {
	h := newServiceHarness(t, nil)
	ctx := context.Background()

	first, err := h.service.Transfer(ctx, transfer(sourceID, destID, "100"), "key-1")
	require.NoError(t, err)
	h.redis.FlushAll()

	_, err = h.service.Transfer(ctx, transfer(sourceID, destID, "100"), "key-1")
	var dup *DuplicateTransactionError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.TransactionID, dup.TransactionID)
	assert.Equal(t, 1, h.repo.transactionCount())
}

func TestTransferMirrorsDailyTotalOnlyAfterCommit(t *testing.T) {
	h := newServiceHarness(t, nil)
	ctx := context.Background()
	key := "daily:" + sourceID.String() + ":" + time.Now().UTC().Format("2006-01-02")

	var duringTx string
	h.repo.onCreateNotification = func() {
		duringTx, _ = h.redis.Get(key)
	}

	_, err := h.service.Transfer(ctx, transfer(sourceID, destID, "250"), "")
	require.NoError(t, err)
	assert.Equal(t, "0", duringTx)

	committed, err := h.redis.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "250", committed)
}

func TestTransferWithoutKeyIsNeverDeduplicated(t *testing.T) {
	h := newServiceHarness(t, nil)
	ctx := context.Background()

	_, err := h.service.Transfer(ctx, transfer(sourceID, destID, "100"), "")
	require.NoError(t, err)
	resp, err := h.service.Transfer(ctx, transfer(sourceID, destID, "100"), "  ")
	require.NoError(t, err)
	assert.Nil(t, resp.IdempotencyKey)
	assert.Equal(t, 2, h.repo.transactionCount())
}

func TestTransferDailyLimit(t *testing.T) {
	h := newServiceHarness(t, nil)
	ctx := context.Background()

	_, err := h.service.Transfer(ctx, transfer(sourceID, destID, "1500"), "")
	require.ErrorIs(t, err, ErrDailyLimitExceeded)
	var limitErr *DailyLimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.True(t, limitErr.Limit.Equal(dec("1000")))
	assert.True(t, limitErr.CurrentTotal.IsZero())
	assert.True(t, h.balance(sourceID).Equal(dec("5000")))

	_, err = h.service.Transfer(ctx, transfer(sourceID, destID, "600"), "")
	require.NoError(t, err)
	_, err = h.service.Transfer(ctx, transfer(sourceID, destID, "400"), "")
	require.NoError(t, err, "reaching the limit exactly is allowed")

	_, err = h.service.Transfer(ctx, transfer(sourceID, destID, "0.01"), "")
	require.ErrorAs(t, err, &limitErr)
	assert.True(t, limitErr.CurrentTotal.Equal(dec("1000")))
	assert.True(t, h.balance(sourceID).Equal(dec("4000")))
}

func TestTransferAdmissionErrors(t *testing.T) {
	tests := []struct {
		name    string
		req     domain.TransferRequest
		wantErr error
	}{
		{"same account", transfer(sourceID, sourceID, "10"), ErrInvalidTransfer},
		{"zero amount", transfer(sourceID, destID, "0"), ErrInvalidTransfer},
		{"below minimum", transfer(sourceID, destID, "0.001"), ErrInvalidTransfer},
		{"unknown source", transfer(uuid.New(), destID, "10"), ErrAccountNotFound},
		{"unknown destination", transfer(sourceID, uuid.New(), "10"), ErrAccountNotFound},
		{"inactive destination", transfer(sourceID, inactiveID, "10"), ErrInactiveAccount},
		{"inactive source", transfer(inactiveID, destID, "10"), ErrInactiveAccount},
		{"unknown source holder", transfer(orphanID, destID, "10"), ErrCustomerNotFound},
		{"insufficient balance", transfer(destID, sourceID, "100.01"), ErrInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newServiceHarness(t, nil)
			_, err := h.service.Transfer(context.Background(), tt.req, "k-"+tt.name)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, h.repo.transactionCount())
			assert.Zero(t, h.notifier.callCount())
		})
	}
}

func TestTransferSucceedsWhenRegulatorIsDown(t *testing.T) {
	h := newServiceHarness(t, nil)
	h.notifier.failAll = regulator.ErrUpstreamUnavailable

	resp, err := h.service.Transfer(context.Background(), transfer(sourceID, destID, "250"), "key-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TransferStatusSuccess, resp.Status)

	record, err := h.repo.FindNotificationByTransactionID(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationPending, record.Status)
	assert.Zero(t, record.RetryCount)

	require.Len(t, h.publisher.messages, 1)
	msg := h.publisher.messages[0]
	assert.Equal(t, record.ID, msg.NotificationID)
	assert.Equal(t, "key-1", msg.IdempotencyKey)
	assert.Equal(t, sourceID, msg.SourceAccountID)
	assert.Equal(t, []string{"regulator.notifications/notification.fallback"}, h.publisher.keys)
}

func TestTransferSucceedsWhenFallbackPublishFails(t *testing.T) {
	h := newServiceHarness(t, nil)
	h.notifier.failAll = regulator.ErrUpstreamUnavailable
	h.publisher.err = errors.New("channel closed")

	resp, err := h.service.Transfer(context.Background(), transfer(sourceID, destID, "250"), "")
	require.NoError(t, err)

	record, err := h.repo.FindNotificationByTransactionID(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationPending, record.Status)
}

func TestTransferRollbackReleasesKey(t *testing.T) {
	h := newServiceHarness(t, nil)
	ctx := context.Background()
	h.repo.createNotificationErr = errors.New("disk full")

	_, err := h.service.Transfer(ctx, transfer(sourceID, destID, "300"), "key-1")
	require.Error(t, err)

	assert.True(t, h.balance(sourceID).Equal(dec("5000")))
	assert.True(t, h.balance(destID).Equal(dec("100")))
	assert.Zero(t, h.repo.transactionCount())
	assert.False(t, h.redis.Exists("idem:key-1"))
	daily, err := h.repo.GetDailyLimit(ctx, sourceID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, daily.TotalAmount.IsZero())

	h.repo.createNotificationErr = nil
	resp, err := h.service.Transfer(ctx, transfer(sourceID, destID, "300"), "key-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TransferStatusSuccess, resp.Status)

	total, err := h.service.limits.CurrentTotal(ctx, sourceID)
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("300")))
}

func TestTransferUnknownDestinationHolder(t *testing.T) {
	h := newServiceHarness(t, nil)

	resp, err := h.service.Transfer(context.Background(), transfer(sourceID, orphanID, "10"), "")
	require.NoError(t, err)
	assert.Equal(t, "N/A", resp.DestinationAccount.HolderName)
}

func TestNotificationStats(t *testing.T) {
	h := newServiceHarness(t, nil)
	ctx := context.Background()
	_, err := h.service.Transfer(ctx, transfer(sourceID, destID, "10"), "")
	require.NoError(t, err)
	h.notifier.failAll = regulator.ErrUpstreamUnavailable
	_, err = h.service.Transfer(ctx, transfer(sourceID, destID, "10"), "")
	require.NoError(t, err)

	stats, err := h.service.NotificationStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[domain.NotificationSent])
	assert.Equal(t, 1, stats[domain.NotificationPending])

	accounts, err := h.service.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 4)
}
