package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

// Provider is the interface a billing backend implements.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles verification, classification and reconciliation.
	WebhookHandler() http.Handler

	// SyncTenant forces a synchronization of the tenant's state from the
	// provider into the entitlement store. Used for "restore purchases" and
	// nightly reconciliation jobs. Returns the resulting record.
	SyncTenant(ctx context.Context, tenantID string) (*entitlement.Entitlement, error)
}

// Subscription is the provider's current truth about one subscription.
type Subscription struct {
	Ref         string
	CustomerRef string

	// TenantID is read from the subscription metadata when present.
	TenantID string

	// Status is empty when the provider status is not recognized.
	Status         entitlement.Status
	ProviderStatus string
	PeriodEnd      *time.Time
}

// SubscriptionFetcher retrieves a subscription from the provider.
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, ref string) (*Subscription, error)
}

// SubscriptionFetcherFunc adapts a function to SubscriptionFetcher.
type SubscriptionFetcherFunc func(ctx context.Context, ref string) (*Subscription, error)

func (f SubscriptionFetcherFunc) FetchSubscription(ctx context.Context, ref string) (*Subscription, error) {
	return f(ctx, ref)
}

// CheckoutRequest starts a subscription for a tenant. CustomerRef, when set,
// reuses the tenant's existing provider customer instead of creating one.
type CheckoutRequest struct {
	TenantID    string
	Email       string
	CustomerRef string
}

// Checkout creates hosted payment pages.
type Checkout interface {
	// CheckoutURL returns a checkout page that subscribes the tenant.
	CheckoutURL(ctx context.Context, req CheckoutRequest) (string, error)

	// PortalURL returns a self-service page for an existing customer.
	PortalURL(ctx context.Context, customerRef string) (string, error)
}
