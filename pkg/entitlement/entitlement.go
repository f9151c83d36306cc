// Package entitlement holds the per-tenant entitlement record, the partial
// update type used to mutate it and the Store contract every persistence
// backend implements.
package entitlement

import (
	"strings"
	"time"
)

// Status is the subscription status that governs access.
type Status string

const (
	StatusNone     Status = "none"
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// PlanTier is the plan level derived from Status.
type PlanTier string

const (
	TierBasic PlanTier = "basic"
	TierPro   PlanTier = "pro"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusTrialing, StatusActive, StatusPastDue, StatusCanceled:
		return true
	}
	return false
}

// ParseStatus parses a stored status. Empty input maps to StatusNone.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if st == "" {
		return StatusNone, true
	}
	return st, st.Valid()
}

// TierFor derives the plan tier from a status. past_due keeps pro while the
// provider retries the payment; the provider cancels when retries run out.
func TierFor(s Status) PlanTier {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue:
		return TierPro
	default:
		return TierBasic
	}
}

// Entitlement is the locally cached belief about a tenant's paid access.
type Entitlement struct {
	TenantID        string
	CustomerRef     string
	SubscriptionRef string
	Status          Status
	PlanTier        PlanTier
	PeriodEnd       *time.Time

	// LastEventAt is the provider timestamp of the last applied event.
	LastEventAt *time.Time
	UpdatedAt   time.Time
}

// Default returns the record a tenant has before its first checkout.
func Default(tenantID string) *Entitlement {
	return &Entitlement{
		TenantID: tenantID,
		Status:   StatusNone,
		PlanTier: TierBasic,
	}
}

// Clone returns a deep copy.
func (e *Entitlement) Clone() *Entitlement {
	if e == nil {
		return nil
	}
	c := *e
	if e.PeriodEnd != nil {
		t := *e.PeriodEnd
		c.PeriodEnd = &t
	}
	if e.LastEventAt != nil {
		t := *e.LastEventAt
		c.LastEventAt = &t
	}
	return &c
}

// HasAccess reports whether the tenant may use paid features at now.
// grace extends a lapsed period_end to absorb webhook delivery lag.
func (e *Entitlement) HasAccess(now time.Time, grace time.Duration) bool {
	if e == nil || e.PlanTier != TierPro {
		return false
	}
	if e.PeriodEnd == nil {
		return true
	}
	return now.Before(e.PeriodEnd.Add(grace))
}
