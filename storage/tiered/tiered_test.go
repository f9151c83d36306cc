package tiered

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/entitlesync/internal/storetest"
	"github.com/mihaimyh/entitlesync/pkg/entitlement"
	"github.com/mihaimyh/entitlesync/storage/memory"
)

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		s, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		assert.NoError(t, err)
		assert.NotNil(t, s)
		assert.NoError(t, s.Close())
	})

	t.Run("nil hot storage", func(t *testing.T) {
		s, err := New(Config{Cold: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, s)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})

	t.Run("nil cold storage", func(t *testing.T) {
		s, err := New(Config{Hot: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, s)
	})

	t.Run("default sync buffer size", func(t *testing.T) {
		s, err := New(Config{Hot: memory.New(), Cold: memory.New(), AsyncHotRefresh: true})
		require.NoError(t, err)
		defer s.Close()
		assert.Equal(t, 1000, cap(s.syncQueue))
	})
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) entitlement.Store {
		s, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestStore_ReadThroughPopulatesHot(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	end := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, cold.Upsert(ctx, "T1", entitlement.Update{
		SubscriptionRef: entitlement.String("sub_1"),
		Status:          entitlement.StatusPtr(entitlement.StatusActive),
		PeriodEnd:       &end,
	}))

	s, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)

	got, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, got.Status)

	cached, err := hot.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", cached.SubscriptionRef)
	assert.True(t, end.Equal(*cached.PeriodEnd))
}

func TestStore_WriteThroughRefreshesHot(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	s, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)

	end := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		Status:    entitlement.StatusPtr(entitlement.StatusActive),
		PeriodEnd: &end,
	}))
	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		Status:         entitlement.StatusPtr(entitlement.StatusCanceled),
		PlanTier:       entitlement.TierPtr(entitlement.TierBasic),
		ClearPeriodEnd: true,
	}))

	cached, err := hot.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusCanceled, cached.Status)
	assert.Nil(t, cached.PeriodEnd)
}

func TestStore_StaleWriteLeavesBothTiers(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	s, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)

	t0 := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		Status: entitlement.StatusPtr(entitlement.StatusActive), EventAt: &t0, OnlyIfNewer: true,
	}))
	hotWrites := hot.Writes()

	old := t0.Add(-time.Hour)
	err = s.Upsert(ctx, "T1", entitlement.Update{
		Status: entitlement.StatusPtr(entitlement.StatusPastDue), EventAt: &old, OnlyIfNewer: true,
	})
	assert.ErrorIs(t, err, entitlement.ErrStaleEvent)
	assert.Equal(t, hotWrites, hot.Writes())
}

type failingStore struct {
	entitlement.Store
}

func (failingStore) Upsert(context.Context, string, entitlement.Update) error {
	return errors.New("hot down")
}

// flakyHot accepts writes until failWrites is set, then rejects them while
// still serving whatever it last held.
type flakyHot struct {
	*memory.Store
	mu         sync.Mutex
	failWrites bool
}

func (f *flakyHot) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = v
}

func (f *flakyHot) Upsert(ctx context.Context, tenantID string, u entitlement.Update) error {
	f.mu.Lock()
	failing := f.failWrites
	f.mu.Unlock()
	if failing {
		return errors.New("hot down")
	}
	return f.Store.Upsert(ctx, tenantID, u)
}

func TestStore_FailedRefreshDoesNotServeStaleHot(t *testing.T) {
	ctx := context.Background()
	hot := &flakyHot{Store: memory.New()}
	var reported int
	s, err := New(Config{Hot: hot, Cold: memory.New(), AsyncErrorHandler: func(error) { reported++ }})
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		SubscriptionRef: entitlement.String("sub_1"),
		Status:          entitlement.StatusPtr(entitlement.StatusActive),
	}))
	cached, err := hot.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, cached.Status)

	hot.setFailing(true)
	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		Status: entitlement.StatusPtr(entitlement.StatusCanceled),
	}))
	assert.Equal(t, 1, reported)

	got, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusCanceled, got.Status)
	assert.Equal(t, entitlement.TierBasic, got.PlanTier)

	_, err = hot.Get(ctx, "T1")
	assert.ErrorIs(t, err, entitlement.ErrNotFound, "stale hot copy is evicted")

	// Once Hot recovers, the next write clears the mark and Hot serves again.
	hot.setFailing(false)
	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		CustomerRef: entitlement.String("cus_1"),
	}))
	cached, err = hot.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusCanceled, cached.Status)
	assert.Equal(t, "cus_1", cached.CustomerRef)
	assert.False(t, s.isPending("T1"))
}

func TestStore_FailedRefreshWithoutDeleterReadsCold(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	require.NoError(t, inner.Upsert(ctx, "T1", entitlement.Update{
		Status: entitlement.StatusPtr(entitlement.StatusActive),
	}))
	s, err := New(Config{Hot: failingStore{Store: inner}, Cold: memory.New()})
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		Status: entitlement.StatusPtr(entitlement.StatusCanceled),
	}))

	got, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusCanceled, got.Status)
}

func TestStore_AsyncRefreshReportsErrors(t *testing.T) {
	var mu sync.Mutex
	var reported []error

	s, err := New(Config{
		Hot:             failingStore{Store: memory.New()},
		Cold:            memory.New(),
		AsyncHotRefresh: true,
		AsyncErrorHandler: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, err)
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.Upsert(context.Background(), "T1", entitlement.Update{
		Status: entitlement.StatusPtr(entitlement.StatusActive),
	}))
	require.NoError(t, s.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	assert.Contains(t, reported[0].Error(), "hot down")
}
