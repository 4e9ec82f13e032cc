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
)

// DailyLimitCache answers "how much has this account sent today" from three tiers:
// the fast cache, the daily_limit_control row and a sum over the ledger. A tier that
// answers backfills the cheaper ones. Fast-tier failures are logged and never returned.
type DailyLimitCache struct {
	cache    FastCache
	repo     store.Repository
	prefix   string
	location *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// NewDailyLimitCache creates the cache. Days are calendar days in location.
func NewDailyLimitCache(cache FastCache, repo store.Repository, prefix string, location *time.Location, logger *slog.Logger) *DailyLimitCache {
	if strings.TrimSpace(prefix) == "" {
		prefix = "daily-limit:"
	}
	if location == nil {
		location = time.Local
	}
	return &DailyLimitCache{
		cache:    cache,
		repo:     repo,
		prefix:   prefix,
		location: location,
		now:      time.Now,
		logger:   logger,
	}
}

// WithStore returns a copy whose durable tiers go through repo, typically a
// transaction-scoped repository.
func (c *DailyLimitCache) WithStore(repo store.Repository) *DailyLimitCache {
	clone := *c
	clone.repo = repo
	return &clone
}

// WithClock returns a copy reading the current time from now.
func (c *DailyLimitCache) WithClock(now func() time.Time) *DailyLimitCache {
	clone := *c
	clone.now = now
	return &clone
}

type limitDay struct {
	now   time.Time
	start time.Time
	end   time.Time
}

func (c *DailyLimitCache) today() limitDay {
	now := c.now().In(c.location)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.location)
	return limitDay{now: now, start: start, end: start.AddDate(0, 0, 1)}
}

// ttl is the time left until the day's local midnight, never below a second.
func (d limitDay) ttl() time.Duration {
	remaining := d.end.Sub(d.now)
	if remaining < time.Second {
		return time.Second
	}
	return remaining
}

func (c *DailyLimitCache) key(accountID uuid.UUID, day limitDay) string {
	return fmt.Sprintf("%s%s:%s", c.prefix, accountID, day.start.Format("2006-01-02"))
}

// CurrentTotal returns today's transferred total for accountID.
func (c *DailyLimitCache) CurrentTotal(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	day := c.today()
	key := c.key(accountID, day)

	if total, ok := c.readFast(ctx, key); ok {
		return total, nil
	}

	record, err := c.repo.GetDailyLimit(ctx, accountID, day.start)
	if err == nil {
		c.writeFast(ctx, key, record.TotalAmount, day)
		return record.TotalAmount, nil
	}
	if !errors.Is(err, store.ErrDailyLimitNotFound) {
		return decimal.Zero, fmt.Errorf("read daily limit record: %w", err)
	}

	total, count, err := c.repo.SumCompletedOutgoing(ctx, accountID, day.start, day.end)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum ledger for daily limit: %w", err)
	}
	if err := c.repo.InsertDailyLimitIfAbsent(ctx, domain.DailyLimitRecord{
		AccountID:        accountID,
		Date:             day.start,
		TotalAmount:      total,
		TransactionCount: count,
		LastUpdatedAt:    day.now,
	}); err != nil {
		c.logger.Warn("daily limit durable backfill failed", "account_id", accountID, "error", err)
	}
	c.writeFast(ctx, key, total, day)
	return total, nil
}

// Evaluate returns today's total and whether amount still fits under limit (inclusive).
func (c *DailyLimitCache) Evaluate(ctx context.Context, accountID uuid.UUID, limit, amount decimal.Decimal) (decimal.Decimal, bool, error) {
	current, err := c.CurrentTotal(ctx, accountID)
	if err != nil {
		return decimal.Zero, false, err
	}
	return current, current.Add(amount).LessThanOrEqual(limit), nil
}

// CanTransfer reports whether current + amount <= limit.
func (c *DailyLimitCache) CanTransfer(ctx context.Context, accountID uuid.UUID, limit, amount decimal.Decimal) (bool, error) {
	_, ok, err := c.Evaluate(ctx, accountID, limit, amount)
	return ok, err
}

// RecordTransfer adds amount to today's durable total with an atomic increment and
// returns the new total. It must run before the transfer's own ledger row is written so
// a ledger baseline does not count it twice. The fast tier is left alone until the
// caller commits and calls MirrorTotal.
func (c *DailyLimitCache) RecordTransfer(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	day := c.today()

	total, err := c.repo.IncrementDailyLimit(ctx, accountID, day.start, amount, day.now)
	if errors.Is(err, store.ErrDailyLimitNotFound) {
		baseline, count, sumErr := c.repo.SumCompletedOutgoing(ctx, accountID, day.start, day.end)
		if sumErr != nil {
			return decimal.Zero, fmt.Errorf("sum ledger for daily limit: %w", sumErr)
		}
		if insertErr := c.repo.InsertDailyLimitIfAbsent(ctx, domain.DailyLimitRecord{
			AccountID:        accountID,
			Date:             day.start,
			TotalAmount:      baseline,
			TransactionCount: count,
			LastUpdatedAt:    day.now,
		}); insertErr != nil {
			return decimal.Zero, fmt.Errorf("seed daily limit record: %w", insertErr)
		}
		total, err = c.repo.IncrementDailyLimit(ctx, accountID, day.start, amount, day.now)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("increment daily limit: %w", err)
	}
	return total, nil
}

// MirrorTotal writes a committed total to the fast tier. The entry only moves forward,
// so a late mirror never hides a newer total.
func (c *DailyLimitCache) MirrorTotal(ctx context.Context, accountID uuid.UUID, total decimal.Decimal) {
	if c.cache == nil {
		return
	}
	day := c.today()
	if err := c.cache.SetMax(ctx, c.key(accountID, day), total.String(), day.ttl()); err != nil {
		c.logger.Warn("daily limit fast tier update failed", "account_id", accountID, "error", err)
	}
}

// Invalidate drops today's fast-tier entry, used after a transfer rolled back.
func (c *DailyLimitCache) Invalidate(ctx context.Context, accountID uuid.UUID) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Delete(ctx, c.key(accountID, c.today())); err != nil {
		c.logger.Warn("daily limit fast tier invalidation failed", "account_id", accountID, "error", err)
	}
}

func (c *DailyLimitCache) readFast(ctx context.Context, key string) (decimal.Decimal, bool) {
	if c.cache == nil {
		return decimal.Zero, false
	}
	raw, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("daily limit fast tier read failed", "key", key, "error", err)
		return decimal.Zero, false
	}
	if !ok {
		return decimal.Zero, false
	}
	total, err := decimal.NewFromString(raw)
	if err != nil {
		c.logger.Warn("discarding unparsable daily limit entry", "key", key, "value", raw)
		return decimal.Zero, false
	}
	return total, true
}

func (c *DailyLimitCache) writeFast(ctx context.Context, key string, total decimal.Decimal, day limitDay) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Set(ctx, key, total.String(), day.ttl()); err != nil {
		c.logger.Warn("daily limit fast tier write failed", "key", key, "error", err)
	}
}
