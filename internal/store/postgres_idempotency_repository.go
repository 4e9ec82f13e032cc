package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/transfa/transfer-service/internal/domain"
)

const idempotencyColumns = `idempotency_key, transaction_id, created_at, expires_at`

func scanIdempotencyKey(row pgx.Row) (*domain.IdempotencyKey, error) {
	var entry domain.IdempotencyKey
	if err := row.Scan(&entry.Key, &entry.TransactionID, &entry.CreatedAt, &entry.ExpiresAt); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ClaimIdempotencyKey registers claim.Key for claim.TransactionID unless a live claim by
// another transaction exists. An expired row is taken over. The returned entry is the
// claim now holding the key; the caller owns it only if its TransactionID matches.
// A concurrent claim of the same key blocks until the other transaction ends.
func (r *PostgresRepository) ClaimIdempotencyKey(ctx context.Context, claim domain.IdempotencyKey) (*domain.IdempotencyKey, error) {
	query := `
		INSERT INTO idempotency_keys (idempotency_key, transaction_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET transaction_id = EXCLUDED.transaction_id,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
		   OR idempotency_keys.transaction_id = EXCLUDED.transaction_id
		RETURNING ` + idempotencyColumns
	entry, err := scanIdempotencyKey(r.db.QueryRow(ctx, query, claim.Key, claim.TransactionID, claim.CreatedAt, claim.ExpiresAt))
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	entry, err = scanIdempotencyKey(r.db.QueryRow(ctx,
		`SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE idempotency_key = $1`,
		claim.Key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIdempotencyKeyNotFound
		}
		return nil, err
	}
	return entry, nil
}

// FindIdempotencyKey returns the claim on key that is still live at at.
func (r *PostgresRepository) FindIdempotencyKey(ctx context.Context, key string, at time.Time) (*domain.IdempotencyKey, error) {
	entry, err := scanIdempotencyKey(r.db.QueryRow(ctx,
		`SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE idempotency_key = $1 AND expires_at > $2`,
		key, at,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIdempotencyKeyNotFound
		}
		return nil, err
	}
	return entry, nil
}
