package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/entitlesync/internal/storetest"
	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis on localhost:6379 (or REDIS_TEST_ADDR)
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	s, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{})
	require.NoError(t, err)
	assert.Equal(t, "entitlesync:", s.config.KeyPrefix)
	assert.Equal(t, "entitlesync:ent:T1", s.rowKey("T1"))
	assert.Equal(t, "entitlesync:sub:sub_1", s.subKey("sub_1"))
}

func TestTimeLayoutSortsLexically(t *testing.T) {
	a := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	b := a.Add(time.Nanosecond)
	c := a.Add(10 * time.Hour)
	fa, fb, fc := formatTime(&a), formatTime(&b), formatTime(&c)
	assert.Less(t, fa, fb)
	assert.Less(t, fb, fc)
	assert.True(t, a.Equal(*parseTime(fa)))
	assert.Nil(t, parseTime(""))
}

func TestDecodeRow(t *testing.T) {
	ent, err := decodeRow([]byte(`{"tenant_id":"T1","customer_ref":"cus_1","subscription_ref":"sub_1",` +
		`"status":"active","plan_tier":"pro","period_end":"2026-11-01T00:00:00.000000000Z",` +
		`"updated_at":"2026-10-01T00:00:00.000000000Z"}`))
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, ent.Status)
	assert.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), *ent.PeriodEnd)
	assert.Nil(t, ent.LastEventAt)

	_, err = decodeRow([]byte(`{`))
	assert.Error(t, err)
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) entitlement.Store {
		client := setupTestRedis(t)
		s, err := New(client, DefaultConfig())
		require.NoError(t, err)
		return s
	})
}

func TestStore_Delete(t *testing.T) {
	s, err := New(setupTestRedis(t), DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		SubscriptionRef: entitlement.String("sub_1"),
		Status:          entitlement.StatusPtr(entitlement.StatusActive),
	}))
	require.NoError(t, s.Delete(ctx, "T1"))

	_, err = s.Get(ctx, "T1")
	assert.ErrorIs(t, err, entitlement.ErrNotFound)
	_, err = s.FindBySubscriptionRef(ctx, "sub_1")
	assert.ErrorIs(t, err, entitlement.ErrNotFound)
}
