package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

// AppliedEvent describes a committed reconciliation write. It is passed to
// the OnApplied callback after the entitlement has been updated in storage.
type AppliedEvent struct {
	// TenantID is the internal tenant identifier
	TenantID string `json:"tenant_id"`

	// PreviousStatus and PreviousTier are the values before the write
	// ("none"/"basic" for a tenant without a record)
	PreviousStatus entitlement.Status   `json:"previous_status"`
	PreviousTier   entitlement.PlanTier `json:"previous_tier"`

	// Status and Tier are the values after the write
	Status entitlement.Status   `json:"status"`
	Tier   entitlement.PlanTier `json:"tier"`

	// SubscriptionRef is the provider subscription the event concerned
	SubscriptionRef string `json:"subscription_ref,omitempty"`

	// PeriodEnd is when current coverage lapses (nil when cleared)
	PeriodEnd *time.Time `json:"period_end,omitempty"`

	// Provider is the billing provider name ("stripe")
	Provider string `json:"provider"`

	// EventID and EventType identify the provider event,
	// e.g. "customer.subscription.updated". Sync writes use "sync".
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type"`

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time `json:"event_timestamp"`
}

// Changed reports whether the write moved the tenant's status or tier.
func (e AppliedEvent) Changed() bool {
	return e.PreviousStatus != e.Status || e.PreviousTier != e.Tier
}

// AppliedCallback receives committed writes. Its error is logged and never
// fails the event.
type AppliedCallback func(ctx context.Context, event AppliedEvent) error
