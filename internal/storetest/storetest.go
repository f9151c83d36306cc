// Package storetest holds the behavior every entitlement.Store backend must
// share. Backend test files call Run with their own constructor.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) entitlement.Store

// Run executes the shared store suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("UpsertCreates", func(t *testing.T) { testUpsertCreates(t, newStore(t)) })
	t.Run("PartialMerge", func(t *testing.T) { testPartialMerge(t, newStore(t)) })
	t.Run("StatusOnlyDerivesTier", func(t *testing.T) { testStatusOnlyDerivesTier(t, newStore(t)) })
	t.Run("ClearPeriodEnd", func(t *testing.T) { testClearPeriodEnd(t, newStore(t)) })
	t.Run("SubscriptionIndex", func(t *testing.T) { testSubscriptionIndex(t, newStore(t)) })
	t.Run("SubscriptionIndexMoves", func(t *testing.T) { testSubscriptionIndexMoves(t, newStore(t)) })
	t.Run("OnlyIfNewer", func(t *testing.T) { testOnlyIfNewer(t, newStore(t)) })
	t.Run("ConcurrentUpserts", func(t *testing.T) { testConcurrentUpserts(t, newStore(t)) })
	t.Run("Provision", func(t *testing.T) { testProvision(t, newStore(t)) })
}

func testGetMissing(t *testing.T, s entitlement.Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, entitlement.ErrNotFound), "got %v", err)

	_, err = s.FindBySubscriptionRef(ctx, "sub_missing")
	assert.True(t, errors.Is(err, entitlement.ErrNotFound), "got %v", err)
}

func testUpsertCreates(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	end := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		CustomerRef:     entitlement.String("cus_1"),
		SubscriptionRef: entitlement.String("sub_1"),
		Status:          entitlement.StatusPtr(entitlement.StatusTrialing),
		PlanTier:        entitlement.TierPtr(entitlement.TierPro),
		PeriodEnd:       &end,
	}))

	got, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "T1", got.TenantID)
	assert.Equal(t, "cus_1", got.CustomerRef)
	assert.Equal(t, "sub_1", got.SubscriptionRef)
	assert.Equal(t, entitlement.StatusTrialing, got.Status)
	assert.Equal(t, entitlement.TierPro, got.PlanTier)
	require.NotNil(t, got.PeriodEnd)
	assert.True(t, end.Equal(*got.PeriodEnd), "period_end = %v", got.PeriodEnd)
	assert.False(t, got.UpdatedAt.IsZero())
}

func testPartialMerge(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	end := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		CustomerRef:     entitlement.String("cus_1"),
		SubscriptionRef: entitlement.String("sub_1"),
		Status:          entitlement.StatusPtr(entitlement.StatusTrialing),
		PlanTier:        entitlement.TierPtr(entitlement.TierPro),
		PeriodEnd:       &end,
	}))
	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		Status: entitlement.StatusPtr(entitlement.StatusActive),
	}))

	got, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, got.Status)
	assert.Equal(t, "cus_1", got.CustomerRef)
	assert.Equal(t, "sub_1", got.SubscriptionRef)
	assert.Equal(t, entitlement.TierPro, got.PlanTier)
	require.NotNil(t, got.PeriodEnd)
	assert.True(t, end.Equal(*got.PeriodEnd))
}

func testStatusOnlyDerivesTier(t *testing.T, s entitlement.Store) {
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		Status: entitlement.StatusPtr(entitlement.StatusTrialing),
	}))
	got, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusTrialing, got.Status)
	assert.Equal(t, entitlement.TierPro, got.PlanTier)

	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		Status: entitlement.StatusPtr(entitlement.StatusCanceled),
	}))
	got, err = s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusCanceled, got.Status)
	assert.Equal(t, entitlement.TierBasic, got.PlanTier)

	// An explicit tier still wins over the derived one.
	require.NoError(t, s.Upsert(ctx, "T2", entitlement.Update{
		Status:   entitlement.StatusPtr(entitlement.StatusActive),
		PlanTier: entitlement.TierPtr(entitlement.TierBasic),
	}))
	got, err = s.Get(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierBasic, got.PlanTier)
}

func testClearPeriodEnd(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	end := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		SubscriptionRef: entitlement.String("sub_1"),
		Status:          entitlement.StatusPtr(entitlement.StatusActive),
		PeriodEnd:       &end,
	}))
	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		Status:         entitlement.StatusPtr(entitlement.StatusCanceled),
		PlanTier:       entitlement.TierPtr(entitlement.TierBasic),
		ClearPeriodEnd: true,
	}))

	got, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusCanceled, got.Status)
	assert.Equal(t, entitlement.TierBasic, got.PlanTier)
	assert.Nil(t, got.PeriodEnd)
	assert.Equal(t, "sub_1", got.SubscriptionRef)
}

func testSubscriptionIndex(t *testing.T, s entitlement.Store) {
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		SubscriptionRef: entitlement.String("sub_1"),
		Status:          entitlement.StatusPtr(entitlement.StatusActive),
	}))
	require.NoError(t, s.Upsert(ctx, "T2", entitlement.Update{
		SubscriptionRef: entitlement.String("sub_2"),
		Status:          entitlement.StatusPtr(entitlement.StatusTrialing),
	}))

	got, err := s.FindBySubscriptionRef(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "T1", got.TenantID)

	got, err = s.FindBySubscriptionRef(ctx, "sub_2")
	require.NoError(t, err)
	assert.Equal(t, "T2", got.TenantID)
}

func testSubscriptionIndexMoves(t *testing.T, s entitlement.Store) {
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		SubscriptionRef: entitlement.String("sub_old"),
		Status:          entitlement.StatusPtr(entitlement.StatusActive),
	}))
	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		SubscriptionRef: entitlement.String("sub_new"),
		Status:          entitlement.StatusPtr(entitlement.StatusTrialing),
	}))

	_, err := s.FindBySubscriptionRef(ctx, "sub_old")
	assert.True(t, errors.Is(err, entitlement.ErrNotFound), "old ref still indexed: %v", err)

	got, err := s.FindBySubscriptionRef(ctx, "sub_new")
	require.NoError(t, err)
	assert.Equal(t, "T1", got.TenantID)
	assert.Equal(t, entitlement.StatusTrialing, got.Status)
}

func testOnlyIfNewer(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	t0 := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		Status:      entitlement.StatusPtr(entitlement.StatusActive),
		EventAt:     entitlement.Time(t0),
		OnlyIfNewer: true,
	}))

	err := s.Upsert(ctx, "T1", entitlement.Update{
		Status:      entitlement.StatusPtr(entitlement.StatusPastDue),
		EventAt:     entitlement.Time(t0.Add(-time.Minute)),
		OnlyIfNewer: true,
	})
	assert.True(t, errors.Is(err, entitlement.ErrStaleEvent), "got %v", err)

	got, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, got.Status)
	require.NotNil(t, got.LastEventAt)
	assert.True(t, t0.Equal(*got.LastEventAt))

	// Same timestamp is not stale.
	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		Status:      entitlement.StatusPtr(entitlement.StatusCanceled),
		EventAt:     entitlement.Time(t0),
		OnlyIfNewer: true,
	}))

	// Unconditional writes always land.
	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		Status:  entitlement.StatusPtr(entitlement.StatusActive),
		EventAt: entitlement.Time(t0.Add(-time.Hour)),
	}))
	got, err = s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, got.Status)
}

func testConcurrentUpserts(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	statuses := []entitlement.Status{
		entitlement.StatusTrialing,
		entitlement.StatusActive,
		entitlement.StatusPastDue,
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st := statuses[i%len(statuses)]
			assert.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
				SubscriptionRef: entitlement.String("sub_1"),
				Status:          entitlement.StatusPtr(st),
				PlanTier:        entitlement.TierPtr(entitlement.TierFor(st)),
			}))
		}(i)
	}
	wg.Wait()

	got, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Contains(t, statuses, got.Status)
	assert.Equal(t, entitlement.TierPro, got.PlanTier)

	bySub, err := s.FindBySubscriptionRef(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "T1", bySub.TenantID)
}

func testProvision(t *testing.T, s entitlement.Store) {
	ctx := context.Background()

	require.NoError(t, entitlement.Provision(ctx, s, "T9"))
	got, err := s.Get(ctx, "T9")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusNone, got.Status)
	assert.Equal(t, entitlement.TierBasic, got.PlanTier)
	assert.Empty(t, got.SubscriptionRef)

	require.NoError(t, s.Upsert(ctx, "T9", entitlement.Update{
		Status: entitlement.StatusPtr(entitlement.StatusActive),
	}))
	require.NoError(t, entitlement.Provision(ctx, s, "T9"))
	got, err = s.Get(ctx, "T9")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, got.Status)

	assert.ErrorIs(t, entitlement.Provision(ctx, s, ""), entitlement.ErrInvalidTenant)
}
