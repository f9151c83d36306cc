package entitlement

import "time"

// Update is a partial set of fields. Nil fields are left untouched by
// Store.Upsert; it is a merge, never a full replace.
type Update struct {
	CustomerRef     *string
	SubscriptionRef *string
	Status          *Status
	PlanTier        *PlanTier
	PeriodEnd       *time.Time

	// ClearPeriodEnd nulls period_end. It wins over PeriodEnd.
	ClearPeriodEnd bool

	// EventAt is recorded as last_event_at when set.
	EventAt *time.Time

	// OnlyIfNewer makes the write conditional on EventAt being at or after
	// the stored last_event_at. A losing write returns ErrStaleEvent.
	OnlyIfNewer bool
}

// Empty reports whether the update writes nothing.
func (u Update) Empty() bool {
	return u.CustomerRef == nil && u.SubscriptionRef == nil && u.Status == nil &&
		u.PlanTier == nil && u.PeriodEnd == nil && !u.ClearPeriodEnd && u.EventAt == nil
}

// IsStale reports whether u must be rejected against the stored record.
func (u Update) IsStale(stored *Entitlement) bool {
	if !u.OnlyIfNewer || u.EventAt == nil || stored == nil || stored.LastEventAt == nil {
		return false
	}
	return u.EventAt.Before(*stored.LastEventAt)
}

// WithDerivedTier fills PlanTier from Status when only Status is set, so a
// status change never leaves a tier that contradicts it.
func (u Update) WithDerivedTier() Update {
	if u.Status != nil && u.PlanTier == nil {
		u.PlanTier = TierPtr(TierFor(*u.Status))
	}
	return u
}

// ApplyTo merges u into e in place. Stores without native partial updates
// use it under their own commit boundary.
func (u Update) ApplyTo(e *Entitlement) {
	u = u.WithDerivedTier()
	if u.CustomerRef != nil {
		e.CustomerRef = *u.CustomerRef
	}
	if u.SubscriptionRef != nil {
		e.SubscriptionRef = *u.SubscriptionRef
	}
	if u.Status != nil {
		e.Status = *u.Status
	}
	if u.PlanTier != nil {
		e.PlanTier = *u.PlanTier
	}
	if u.ClearPeriodEnd {
		e.PeriodEnd = nil
	} else if u.PeriodEnd != nil {
		t := u.PeriodEnd.UTC()
		e.PeriodEnd = &t
	}
	if u.EventAt != nil {
		t := u.EventAt.UTC()
		e.LastEventAt = &t
	}
	if e.Status == "" {
		e.Status = StatusNone
	}
	if e.PlanTier == "" {
		e.PlanTier = TierFor(e.Status)
	}
}

// FromEntitlement builds the update that reproduces e on an empty row.
// Used to populate caches from a durable store.
func FromEntitlement(e *Entitlement) Update {
	u := Update{
		CustomerRef:     ptr(e.CustomerRef),
		SubscriptionRef: ptr(e.SubscriptionRef),
		Status:          ptr(e.Status),
		PlanTier:        ptr(e.PlanTier),
		PeriodEnd:       e.PeriodEnd,
		ClearPeriodEnd:  e.PeriodEnd == nil,
		EventAt:         e.LastEventAt,
	}
	return u
}

func ptr[T any](v T) *T {
	return &v
}

// String returns a pointer to s. Helper for building updates.
func String(s string) *string { return &s }

// StatusPtr returns a pointer to s.
func StatusPtr(s Status) *Status { return &s }

// TierPtr returns a pointer to t.
func TierPtr(t PlanTier) *PlanTier { return &t }

// Time returns a pointer to t.
func Time(t time.Time) *time.Time { return &t }
