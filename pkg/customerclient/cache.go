package customerclient

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CachedDirectory is a read-through Redis cache in front of another Directory.
// Redis failures are logged and the lookup falls through to the wrapped directory.
type CachedDirectory struct {
	next   Directory
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewCachedDirectory wraps next. A nil client disables caching.
func NewCachedDirectory(next Directory, client redis.UniversalClient, prefix string, ttl time.Duration) *CachedDirectory {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "customer:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedDirectory{
		next:   next,
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
	}
}

func (d *CachedDirectory) key(customerID uuid.UUID) string {
	return d.prefix + customerID.String()
}

func (d *CachedDirectory) FindCustomer(ctx context.Context, customerID uuid.UUID) (*Customer, error) {
	if d.client != nil {
		raw, err := d.client.Get(ctx, d.key(customerID)).Result()
		switch {
		case err == nil:
			var customer Customer
			if jsonErr := json.Unmarshal([]byte(raw), &customer); jsonErr == nil {
				return &customer, nil
			}
			log.Printf("level=warn component=customer_cache msg=\"discarding undecodable cache entry\" customer_id=%s", customerID)
		case errors.Is(err, redis.Nil):
		default:
			log.Printf("level=warn component=customer_cache msg=\"cache read failed\" customer_id=%s err=%v", customerID, err)
		}
	}

	customer, err := d.next.FindCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	if d.client != nil {
		blob, err := json.Marshal(customer)
		if err == nil {
			err = d.client.Set(ctx, d.key(customerID), blob, d.ttl).Err()
		}
		if err != nil {
			log.Printf("level=warn component=customer_cache msg=\"cache write failed\" customer_id=%s err=%v", customerID, err)
		}
	}
	return customer, nil
}
