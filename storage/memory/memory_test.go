package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/entitlesync/internal/storetest"
	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

func TestStore_Suite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) entitlement.Store {
		return New()
	})
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	end := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{
		Status:    entitlement.StatusPtr(entitlement.StatusActive),
		PeriodEnd: &end,
	}))

	got, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	got.Status = entitlement.StatusCanceled
	*got.PeriodEnd = end.Add(time.Hour)

	again, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, again.Status)
	assert.True(t, end.Equal(*again.PeriodEnd))
}

func TestStore_UpdatedAtUsesClock(t *testing.T) {
	s := New()
	fixed := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return fixed })

	require.NoError(t, s.Upsert(context.Background(), "T1", entitlement.Update{
		Status: entitlement.StatusPtr(entitlement.StatusTrialing),
	}))
	got, err := s.Get(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, fixed, got.UpdatedAt)
	assert.Equal(t, 1, s.Writes())
}

func TestStore_StaleWriteNotCounted(t *testing.T) {
	s := New()
	ctx := context.Background()
	t0 := time.Now().UTC()

	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{EventAt: &t0, OnlyIfNewer: true}))
	earlier := t0.Add(-time.Second)
	err := s.Upsert(ctx, "T1", entitlement.Update{EventAt: &earlier, OnlyIfNewer: true})
	assert.ErrorIs(t, err, entitlement.ErrStaleEvent)
	assert.Equal(t, 1, s.Writes())
}

func TestStore_Clear(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{SubscriptionRef: entitlement.String("sub_1")}))

	s.Clear()

	_, err := s.Get(ctx, "T1")
	assert.ErrorIs(t, err, entitlement.ErrNotFound)
	_, err = s.FindBySubscriptionRef(ctx, "sub_1")
	assert.ErrorIs(t, err, entitlement.ErrNotFound)
}

func TestStore_Delete(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "T1", entitlement.Update{SubscriptionRef: entitlement.String("sub_1")}))
	require.NoError(t, s.Upsert(ctx, "T2", entitlement.Update{SubscriptionRef: entitlement.String("sub_2")}))

	require.NoError(t, s.Delete(ctx, "T1"))
	require.NoError(t, s.Delete(ctx, "missing"))

	_, err := s.Get(ctx, "T1")
	assert.ErrorIs(t, err, entitlement.ErrNotFound)
	_, err = s.FindBySubscriptionRef(ctx, "sub_1")
	assert.ErrorIs(t, err, entitlement.ErrNotFound)
	_, err = s.FindBySubscriptionRef(ctx, "sub_2")
	assert.NoError(t, err)
}
