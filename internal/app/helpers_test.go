package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
	"github.com/transfa/transfer-service/pkg/regulator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func newRedisCache(t *testing.T) (*miniredis.Miniredis, *RedisFastCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisFastCache(client)
}

// failingCache is a fast tier that is always down.
type failingCache struct{}

var errCacheDown = errors.New("fast tier down")

func (failingCache) Get(context.Context, string) (string, bool, error) { return "", false, errCacheDown }
func (failingCache) Set(context.Context, string, string, time.Duration) error {
	return errCacheDown
}
func (failingCache) SetIfAbsent(context.Context, string, string, time.Duration) (bool, string, error) {
	return false, "", errCacheDown
}
func (failingCache) SetMax(context.Context, string, string, time.Duration) error {
	return errCacheDown
}
func (failingCache) CompareAndDelete(context.Context, string, string) (bool, error) {
	return false, errCacheDown
}
func (failingCache) Delete(context.Context, string) error { return errCacheDown }

type dailyKey struct {
	accountID uuid.UUID
	date      string
}

// memStore is an in-memory store.Repository. WithTx snapshots the state and restores
// it when fn fails.
type memStore struct {
	mu            sync.Mutex
	accounts      map[uuid.UUID]domain.Account
	transactions  []domain.Transaction
	keys          map[string]domain.IdempotencyKey
	daily         map[dailyKey]domain.DailyLimitRecord
	notifications map[int64]domain.NotificationRecord
	nextID        int64

	// onCreateNotification runs inside the transfer's transaction, before the record is written.
	onCreateNotification  func()
	createNotificationErr error
	findNotificationErr   error
	selectErr             error
	resetErr              error

	getDailyCalls int
	sumCalls      int
}

func newMemStore(accounts ...domain.Account) *memStore {
	s := &memStore{
		accounts:      make(map[uuid.UUID]domain.Account),
		keys:          make(map[string]domain.IdempotencyKey),
		daily:         make(map[dailyKey]domain.DailyLimitRecord),
		notifications: make(map[int64]domain.NotificationRecord),
	}
	for _, account := range accounts {
		s.accounts[account.ID] = account
	}
	return s
}

func (s *memStore) FindAccountByID(_ context.Context, accountID uuid.UUID) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return &account, nil
}

func (s *memStore) ListAccounts(context.Context) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	accounts := make([]domain.Account, 0, len(s.accounts))
	for _, account := range s.accounts {
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func (s *memStore) DebitAccount(_ context.Context, accountID uuid.UUID, amount decimal.Decimal) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	if !account.Active {
		return nil, store.ErrInactiveAccount
	}
	if account.Balance.LessThan(amount) {
		return nil, store.ErrInsufficientFunds
	}
	before := account
	account.Balance = account.Balance.Sub(amount)
	s.accounts[accountID] = account
	return &before, nil
}

func (s *memStore) CreditAccount(_ context.Context, accountID uuid.UUID, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return store.ErrAccountNotFound
	}
	account.Balance = account.Balance.Add(amount)
	s.accounts[accountID] = account
	return nil
}

func (s *memStore) CreateTransaction(_ context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions = append(s.transactions, *tx)
	return nil
}

func (s *memStore) ClaimIdempotencyKey(_ context.Context, claim domain.IdempotencyKey) (*domain.IdempotencyKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.keys[claim.Key]
	if ok && current.Live(claim.CreatedAt) && current.TransactionID != claim.TransactionID {
		return &current, nil
	}
	s.keys[claim.Key] = claim
	return &claim, nil
}

func (s *memStore) FindIdempotencyKey(_ context.Context, key string, at time.Time) (*domain.IdempotencyKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.keys[key]
	if !ok || !entry.Live(at) {
		return nil, store.ErrIdempotencyKeyNotFound
	}
	return &entry, nil
}

func (s *memStore) SumCompletedOutgoing(_ context.Context, accountID uuid.UUID, from, to time.Time) (decimal.Decimal, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sumCalls++
	total := decimal.Zero
	count := 0
	for _, tx := range s.transactions {
		if tx.SourceAccountID != accountID || tx.Status != domain.TransactionStatusCompleted {
			continue
		}
		if tx.CreatedAt.Before(from) || !tx.CreatedAt.Before(to) {
			continue
		}
		total = total.Add(tx.Amount)
		count++
	}
	return total, count, nil
}

func (s *memStore) GetDailyLimit(_ context.Context, accountID uuid.UUID, date time.Time) (*domain.DailyLimitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getDailyCalls++
	record, ok := s.daily[dailyKey{accountID, date.Format("2006-01-02")}]
	if !ok {
		return nil, store.ErrDailyLimitNotFound
	}
	return &record, nil
}

func (s *memStore) InsertDailyLimitIfAbsent(_ context.Context, record domain.DailyLimitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dailyKey{record.AccountID, record.Date.Format("2006-01-02")}
	if _, ok := s.daily[key]; !ok {
		s.daily[key] = record
	}
	return nil
}

func (s *memStore) IncrementDailyLimit(_ context.Context, accountID uuid.UUID, date time.Time, amount decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dailyKey{accountID, date.Format("2006-01-02")}
	record, ok := s.daily[key]
	if !ok {
		return decimal.Zero, store.ErrDailyLimitNotFound
	}
	record.TotalAmount = record.TotalAmount.Add(amount)
	record.TransactionCount++
	record.LastUpdatedAt = at
	s.daily[key] = record
	return record.TotalAmount, nil
}

func (s *memStore) CreateNotification(_ context.Context, record *domain.NotificationRecord) error {
	if s.onCreateNotification != nil {
		s.onCreateNotification()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createNotificationErr != nil {
		return s.createNotificationErr
	}
	for _, existing := range s.notifications {
		if existing.TransactionID == record.TransactionID {
			return store.ErrDuplicateNotification
		}
	}
	s.nextID++
	record.ID = s.nextID
	record.CreatedAt = time.Now()
	record.UpdatedAt = record.CreatedAt
	s.notifications[record.ID] = *record
	return nil
}

func (s *memStore) FindNotificationByID(_ context.Context, id int64) (*domain.NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findNotificationErr != nil {
		return nil, s.findNotificationErr
	}
	record, ok := s.notifications[id]
	if !ok {
		return nil, store.ErrNotificationNotFound
	}
	return &record, nil
}

func (s *memStore) FindNotificationByTransactionID(_ context.Context, transactionID uuid.UUID) (*domain.NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.notifications {
		if record.TransactionID == transactionID {
			return &record, nil
		}
	}
	return nil, store.ErrNotificationNotFound
}

func (s *memStore) MarkNotificationSent(_ context.Context, id int64, protocol string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.notifications[id]
	if !ok || record.Status == domain.NotificationSent {
		return false, nil
	}
	record.Status = domain.NotificationSent
	record.Protocol = &protocol
	record.SentAt = &at
	record.LastAttemptAt = &at
	record.ErrorMessage = nil
	s.notifications[id] = record
	return true, nil
}

func (s *memStore) RecordNotificationAttempt(_ context.Context, id int64, errorMessage string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.notifications[id]
	if !ok || record.Status != domain.NotificationPending {
		return false, nil
	}
	record.LastAttemptAt = &at
	record.ErrorMessage = &errorMessage
	s.notifications[id] = record
	return true, nil
}

func (s *memStore) RecordNotificationFailure(_ context.Context, id int64, errorMessage string, at time.Time, maxAttempts int) (*domain.NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.notifications[id]
	if !ok || record.Status != domain.NotificationPending {
		return nil, store.ErrNotificationNotPending
	}
	record.RetryCount++
	record.LastAttemptAt = &at
	record.ErrorMessage = &errorMessage
	if record.RetryCount >= maxAttempts {
		record.Status = domain.NotificationFailed
	}
	s.notifications[id] = record
	return &record, nil
}

func (s *memStore) ResetFailedNotification(_ context.Context, id int64, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resetErr != nil {
		return false, s.resetErr
	}
	record, ok := s.notifications[id]
	if !ok || record.Status != domain.NotificationFailed {
		return false, nil
	}
	record.Status = domain.NotificationPending
	record.RetryCount = 0
	s.notifications[id] = record
	return true, nil
}

func (s *memStore) FindPendingNotificationsCreatedBefore(_ context.Context, before time.Time, limit int) ([]domain.NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selectErr != nil {
		return nil, s.selectErr
	}
	var records []domain.NotificationRecord
	for id := int64(1); id <= s.nextID && len(records) < limit; id++ {
		record, ok := s.notifications[id]
		if ok && record.Status == domain.NotificationPending && record.CreatedAt.Before(before) {
			records = append(records, record)
		}
	}
	return records, nil
}

func (s *memStore) FindFailedNotificationsAttemptedBefore(_ context.Context, before time.Time, limit int) ([]domain.NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selectErr != nil {
		return nil, s.selectErr
	}
	var records []domain.NotificationRecord
	for id := int64(1); id <= s.nextID && len(records) < limit; id++ {
		record, ok := s.notifications[id]
		if !ok || record.Status != domain.NotificationFailed {
			continue
		}
		if record.LastAttemptAt == nil || record.LastAttemptAt.Before(before) {
			records = append(records, record)
		}
	}
	return records, nil
}

func (s *memStore) CountNotificationsByStatus(context.Context) (map[domain.NotificationStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[domain.NotificationStatus]int{}
	for _, record := range s.notifications {
		counts[record.Status]++
	}
	return counts, nil
}

func (s *memStore) WithTx(_ context.Context, fn func(store.Repository) error) error {
	snapshot := s.snapshot()
	if err := fn(s); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

type memSnapshot struct {
	accounts      map[uuid.UUID]domain.Account
	transactions  []domain.Transaction
	keys          map[string]domain.IdempotencyKey
	daily         map[dailyKey]domain.DailyLimitRecord
	notifications map[int64]domain.NotificationRecord
	nextID        int64
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		accounts:      make(map[uuid.UUID]domain.Account, len(s.accounts)),
		transactions:  append([]domain.Transaction(nil), s.transactions...),
		keys:          make(map[string]domain.IdempotencyKey, len(s.keys)),
		daily:         make(map[dailyKey]domain.DailyLimitRecord, len(s.daily)),
		notifications: make(map[int64]domain.NotificationRecord, len(s.notifications)),
		nextID:        s.nextID,
	}
	for k, v := range s.accounts {
		snap.accounts[k] = v
	}
	for k, v := range s.keys {
		snap.keys[k] = v
	}
	for k, v := range s.daily {
		snap.daily[k] = v
	}
	for k, v := range s.notifications {
		snap.notifications[k] = v
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = snap.accounts
	s.transactions = snap.transactions
	s.keys = snap.keys
	s.daily = snap.daily
	s.notifications = snap.notifications
	s.nextID = snap.nextID
}

func (s *memStore) account(id uuid.UUID) domain.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[id]
}

func (s *memStore) notification(id int64) domain.NotificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifications[id]
}

func (s *memStore) setNotification(record domain.NotificationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[record.ID] = record
}

func (s *memStore) idempotencyKey(key string) (domain.IdempotencyKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.keys[key]
	return entry, ok
}

// seedIdempotencyKey stores a ledger transaction claimed by key at createdAt for ttl.
func (s *memStore) seedIdempotencyKey(key string, source uuid.UUID, createdAt time.Time, ttl time.Duration) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.transactions = append(s.transactions, domain.Transaction{
		ID:                   id,
		SourceAccountID:      source,
		DestinationAccountID: uuid.New(),
		Amount:               dec("10"),
		Status:               domain.TransactionStatusCompleted,
		Type:                 domain.TransactionTypeTransfer,
		IdempotencyKey:       &key,
		CreatedAt:            createdAt,
	})
	s.keys[key] = domain.IdempotencyKey{Key: key, TransactionID: id, CreatedAt: createdAt, ExpiresAt: createdAt.Add(ttl)}
	return id
}

func (s *memStore) transactionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transactions)
}

// fakeNotifier answers from a script of errors, then succeeds. It is idempotent on key.
type fakeNotifier struct {
	mu        sync.Mutex
	errs      []error
	failAll   error
	calls     int
	protocols map[string]string
	onCall    func(req regulator.NotificationRequest)
}

func (n *fakeNotifier) Notify(_ context.Context, req regulator.NotificationRequest) (*regulator.NotificationResponse, error) {
	n.mu.Lock()
	n.calls++
	call := n.calls
	onCall := n.onCall
	n.mu.Unlock()

	if onCall != nil {
		onCall(req)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failAll != nil {
		return nil, n.failAll
	}
	if call <= len(n.errs) && n.errs[call-1] != nil {
		return nil, n.errs[call-1]
	}
	if n.protocols == nil {
		n.protocols = make(map[string]string)
	}
	protocol, ok := n.protocols[req.IdempotencyKey]
	if !ok {
		protocol = fmt.Sprintf("REG-%08d", call)
		n.protocols[req.IdempotencyKey] = protocol
	}
	return &regulator.NotificationResponse{Protocol: protocol, Status: "ACCEPTED", Timestamp: time.Now()}, nil
}

func (n *fakeNotifier) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

// fakePublisher records fallback publishes.
type fakePublisher struct {
	mu       sync.Mutex
	err      error
	messages []domain.FallbackMessage
	keys     []string
}

func (p *fakePublisher) Publish(_ context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if msg, ok := body.(domain.FallbackMessage); ok {
		p.messages = append(p.messages, msg)
	}
	p.keys = append(p.keys, exchange+"/"+routingKey)
	return nil
}

func (p *fakePublisher) Close() {}

// seedNotification stores a PENDING record for a fresh transaction.
func seedNotification(t *testing.T, s *memStore, outbox *NotificationOutbox, key string) *domain.NotificationRecord {
	t.Helper()
	source := domain.Account{ID: uuid.New(), AccountNumber: "00001-1"}
	destination := domain.Account{ID: uuid.New(), AccountNumber: "00002-2"}
	tx := &domain.Transaction{
		ID:                   uuid.New(),
		SourceAccountID:      source.ID,
		DestinationAccountID: destination.ID,
		Amount:               dec("150.00"),
		Status:               domain.TransactionStatusCompleted,
		Type:                 domain.TransactionTypeTransfer,
		CreatedAt:            time.Now(),
	}
	if key != "" {
		tx.IdempotencyKey = &key
	}
	record, err := outbox.Create(context.Background(), s, tx, &source, &destination, &domain.Customer{Name: "Ana Costa", TaxID: "321.654.987-00"})
	if err != nil {
		t.Fatalf("seed notification: %v", err)
	}
	return record
}
