package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
)

// IdempotencyGuard deduplicates transfer requests by client-supplied key. A key is
// claimed for ttl in the idempotency_keys table inside the transfer's transaction and
// mirrored to the fast tier; once the claim expires the key may be used again.
type IdempotencyGuard struct {
	cache  FastCache
	repo   store.Repository
	prefix string
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewIdempotencyGuard creates a guard. A nil cache runs on the durable claims alone.
func NewIdempotencyGuard(cache FastCache, repo store.Repository, prefix string, ttl time.Duration, logger *slog.Logger) *IdempotencyGuard {
	if strings.TrimSpace(prefix) == "" {
		prefix = "idempotency:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyGuard{
		cache:  cache,
		repo:   repo,
		prefix: prefix,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

// WithStore returns a copy whose durable claims go through repo, typically a
// transaction-scoped repository.
func (g *IdempotencyGuard) WithStore(repo store.Repository) *IdempotencyGuard {
	clone := *g
	clone.repo = repo
	return &clone
}

// WithClock returns a copy reading the current time from now.
func (g *IdempotencyGuard) WithClock(now func() time.Time) *IdempotencyGuard {
	clone := *g
	clone.now = now
	return &clone
}

func (g *IdempotencyGuard) key(idempotencyKey string) string {
	return g.prefix + idempotencyKey
}

// IsValid reports whether key may be used for a new transfer. A blank key is always valid.
func (g *IdempotencyGuard) IsValid(ctx context.Context, key string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return true, nil
	}
	_, found, err := g.Resolve(ctx, key)
	if err != nil {
		return false, err
	}
	return !found, nil
}

// Resolve returns the transaction holding a live claim on key.
func (g *IdempotencyGuard) Resolve(ctx context.Context, key string) (uuid.UUID, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return uuid.Nil, false, nil
	}

	if g.cache != nil {
		value, ok, err := g.cache.Get(ctx, g.key(key))
		switch {
		case err != nil:
			g.logger.Warn("idempotency fast tier read failed, falling back to durable claims", "key", key, "error", err)
		case ok:
			if id, parseErr := uuid.Parse(value); parseErr == nil {
				return id, true, nil
			}
			g.logger.Warn("discarding unparsable idempotency entry", "key", key, "value", value)
		}
	}

	now := g.now()
	entry, err := g.repo.FindIdempotencyKey(ctx, key, now)
	if err != nil {
		if errors.Is(err, store.ErrIdempotencyKeyNotFound) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("lookup idempotency key: %w", err)
	}

	g.mirror(ctx, key, entry.TransactionID, claimTTL(entry.ExpiresAt, now))
	return entry.TransactionID, true, nil
}

// Register claims key for transactionID through the guard's store, which should be the
// transfer's transaction so the claim commits or rolls back with it. A live claim held
// by another transaction yields a *DuplicateTransactionError carrying its id.
func (g *IdempotencyGuard) Register(ctx context.Context, key string, transactionID uuid.UUID) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}

	now := g.now()
	holder, err := g.repo.ClaimIdempotencyKey(ctx, domain.IdempotencyKey{
		Key:           key,
		TransactionID: transactionID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(g.ttl),
	})
	if err != nil {
		return fmt.Errorf("claim idempotency key: %w", err)
	}
	if holder.TransactionID != transactionID {
		return &DuplicateTransactionError{IdempotencyKey: key, TransactionID: holder.TransactionID}
	}

	g.mirror(ctx, key, transactionID, claimTTL(holder.ExpiresAt, now))
	return nil
}

// Release drops the fast-tier entry written for transactionID whose transfer did not
// commit. The durable claim rolls back with the transaction.
func (g *IdempotencyGuard) Release(ctx context.Context, key string, transactionID uuid.UUID) {
	key = strings.TrimSpace(key)
	if key == "" || g.cache == nil {
		return
	}
	if _, err := g.cache.CompareAndDelete(ctx, g.key(key), transactionID.String()); err != nil {
		g.logger.Warn("idempotency release failed", "key", key, "transaction_id", transactionID, "error", err)
	}
}

func (g *IdempotencyGuard) mirror(ctx context.Context, key string, transactionID uuid.UUID, ttl time.Duration) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Set(ctx, g.key(key), transactionID.String(), ttl); err != nil {
		g.logger.Warn("idempotency fast tier write failed", "key", key, "error", err)
	}
}

// claimTTL is the time left on a claim, never below a second.
func claimTTL(expiresAt, now time.Time) time.Duration {
	left := expiresAt.Sub(now)
	if left < time.Second {
		return time.Second
	}
	return left
}
