package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisFastCacheGetSet(t *testing.T) {
	mr, cache := newRedisCache(t)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "k", "v", time.Minute))
	value, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", value)
	assert.Equal(t, time.Minute, mr.TTL("k"))

	require.NoError(t, cache.Delete(ctx, "k"))
	assert.False(t, mr.Exists("k"))
}

func TestRedisFastCacheSetIfAbsent(t *testing.T) {
	mr, cache := newRedisCache(t)
	ctx := context.Background()

	stored, current, err := cache.SetIfAbsent(ctx, "idem", "tx-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, stored)
	assert.Equal(t, "tx-1", current)
	assert.Equal(t, time.Hour, mr.TTL("idem"))

	stored, current, err = cache.SetIfAbsent(ctx, "idem", "tx-2", time.Hour)
	require.NoError(t, err)
	assert.False(t, stored)
	assert.Equal(t, "tx-1", current)
}

func TestRedisFastCacheSetMaxKeepsLargest(t *testing.T) {
	mr, cache := newRedisCache(t)
	ctx := context.Background()

	require.NoError(t, cache.SetMax(ctx, "total", "300", time.Minute))
	require.NoError(t, cache.SetMax(ctx, "total", "150.50", time.Minute))
	value, err := mr.Get("total")
	require.NoError(t, err)
	assert.Equal(t, "300", value)

	require.NoError(t, cache.SetMax(ctx, "total", "450.25", time.Minute))
	value, err = mr.Get("total")
	require.NoError(t, err)
	assert.Equal(t, "450.25", value)
}

func TestRedisFastCacheCompareAndDelete(t *testing.T) {
	mr, cache := newRedisCache(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("idem", "tx-1"))

	deleted, err := cache.CompareAndDelete(ctx, "idem", "tx-2")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.True(t, mr.Exists("idem"))

	deleted, err = cache.CompareAndDelete(ctx, "idem", "tx-1")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, mr.Exists("idem"))
}

func TestTTLMillisFloor(t *testing.T) {
	assert.Equal(t, int64(1000), ttlMillis(0))
	assert.Equal(t, int64(1000), ttlMillis(200*time.Millisecond))
	assert.Equal(t, int64(90000), ttlMillis(90*time.Second))
}
