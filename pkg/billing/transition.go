package billing

import (
	"time"

	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

// Kind identifies a lifecycle transition variant.
type Kind int

const (
	KindIgnored Kind = iota
	KindCheckoutCompleted
	KindStatusChanged
	KindCanceled
)

// Kinds lists every transition kind.
var Kinds = []Kind{KindIgnored, KindCheckoutCompleted, KindStatusChanged, KindCanceled}

func (k Kind) String() string {
	switch k {
	case KindIgnored:
		return "ignored"
	case KindCheckoutCompleted:
		return "checkout_completed"
	case KindStatusChanged:
		return "status_changed"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// EventMeta identifies the provider event a transition was classified from.
type EventMeta struct {
	ID      string
	Type    string
	Created time.Time
}

// Meta returns the event metadata.
func (m EventMeta) Meta() EventMeta { return m }

// Transition is a classified provider event. The set of variants is closed:
// CheckoutCompleted, SubscriptionStatusChanged, SubscriptionCanceled, Ignored.
type Transition interface {
	Kind() Kind
	Meta() EventMeta
	transition()
}

// CheckoutCompleted is a first successful checkout (trial start or payment).
// Status and PeriodEnd are optional; the reconciler asks the provider when
// Status is empty.
type CheckoutCompleted struct {
	EventMeta
	TenantID        string
	CustomerRef     string
	SubscriptionRef string
	Status          entitlement.Status
	PeriodEnd       *time.Time
}

// SubscriptionStatusChanged is any provider-side status change. An empty
// Status means the payload did not carry one (invoice events).
type SubscriptionStatusChanged struct {
	EventMeta
	SubscriptionRef string
	Status          entitlement.Status
	PeriodEnd       *time.Time
}

// SubscriptionCanceled is a terminal cancellation.
type SubscriptionCanceled struct {
	EventMeta
	SubscriptionRef string
}

// Ignored is an event the system does not act on. Warning marks payloads
// that should have been actionable, such as an unrecognized status.
type Ignored struct {
	EventMeta
	Reason  string
	Warning bool
}

func (CheckoutCompleted) Kind() Kind         { return KindCheckoutCompleted }
func (SubscriptionStatusChanged) Kind() Kind { return KindStatusChanged }
func (SubscriptionCanceled) Kind() Kind      { return KindCanceled }
func (Ignored) Kind() Kind                   { return KindIgnored }

func (CheckoutCompleted) transition()         {}
func (SubscriptionStatusChanged) transition() {}
func (SubscriptionCanceled) transition()      {}
func (Ignored) transition()                   {}
