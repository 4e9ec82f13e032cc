package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// FastCache is the disposable key/value tier in front of the database. Every value it
// holds has a durable source, so callers treat its errors as misses.
type FastCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetIfAbsent stores value only when key is unset. When it is already set the
	// current value is returned with stored=false.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (stored bool, current string, err error)
	// SetMax stores a numeric value unless the key already holds a larger one.
	SetMax(ctx context.Context, key, value string, ttl time.Duration) error
	// CompareAndDelete removes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	Delete(ctx context.Context, key string) error
}

var setIfAbsentScript = redis.NewScript(`
local stored = redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2])
if stored then
  return {1, ARGV[1]}
end
local current = redis.call("GET", KEYS[1])
if not current then
  current = ""
end
return {0, current}
`)

var setMaxScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current and tonumber(current) and tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisFastCache implements FastCache on Redis.
type RedisFastCache struct {
	client redis.UniversalClient
}

func NewRedisFastCache(client redis.UniversalClient) *RedisFastCache {
	return &RedisFastCache{client: client}
}

func ttlMillis(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ms < 1000 {
		ms = 1000
	}
	return ms
}

func (c *RedisFastCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (c *RedisFastCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, time.Duration(ttlMillis(ttl))*time.Millisecond).Err()
}

func (c *RedisFastCache) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	rawResult, err := setIfAbsentScript.Run(ctx, c.client, []string{key}, value, ttlMillis(ttl)).Result()
	if err != nil {
		return false, "", err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return false, "", fmt.Errorf("unexpected redis set-if-absent response shape: %T", rawResult)
	}
	stored, ok := values[0].(int64)
	if !ok {
		return false, "", fmt.Errorf("unexpected redis set-if-absent flag type: %T", values[0])
	}
	current, _ := values[1].(string)
	return stored == 1, current, nil
}

func (c *RedisFastCache) SetMax(ctx context.Context, key, value string, ttl time.Duration) error {
	return setMaxScript.Run(ctx, c.client, []string{key}, value, ttlMillis(ttl)).Err()
}

func (c *RedisFastCache) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	deleted, err := compareAndDeleteScript.Run(ctx, c.client, []string{key}, value).Int64()
	if err != nil {
		return false, err
	}
	return deleted > 0, nil
}

func (c *RedisFastCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
