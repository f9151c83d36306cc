package entitlement

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record matches the lookup
	ErrNotFound = errors.New("entitlement not found")

	// ErrStaleEvent is returned by a conditional Upsert that lost to a newer event
	ErrStaleEvent = errors.New("entitlement already reflects a newer event")

	// ErrStoreUnavailable is returned when the backend cannot be reached
	ErrStoreUnavailable = errors.New("entitlement store unavailable")

	// ErrInvalidTenant is returned for an empty tenant id
	ErrInvalidTenant = errors.New("invalid tenant id")
)

// Store persists entitlement records. It is read by the access gate and
// written only by the reconciliation engine.
type Store interface {
	// Get returns the record for tenantID or ErrNotFound.
	Get(ctx context.Context, tenantID string) (*Entitlement, error)

	// Upsert merges u into the tenant's record, creating it when missing.
	// Implementations must commit the whole update (row and subscription
	// ref index) atomically.
	Upsert(ctx context.Context, tenantID string, u Update) error

	// FindBySubscriptionRef returns the record currently holding ref or ErrNotFound.
	FindBySubscriptionRef(ctx context.Context, ref string) (*Entitlement, error)
}

// Provision creates the default record for a newly registered tenant. It is
// a no-op when the tenant already has one.
func Provision(ctx context.Context, store Store, tenantID string) error {
	if tenantID == "" {
		return ErrInvalidTenant
	}
	_, err := store.Get(ctx, tenantID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to load entitlement: %w", err)
	}
	return store.Upsert(ctx, tenantID, Update{
		Status:   StatusPtr(StatusNone),
		PlanTier: TierPtr(TierBasic),
	})
}

// GetOrDefault returns the stored record or the default one when missing.
func GetOrDefault(ctx context.Context, store Store, tenantID string) (*Entitlement, error) {
	ent, err := store.Get(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return Default(tenantID), nil
	}
	return ent, err
}
