package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/entitlesync/pkg/billing"
	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

// Event types the classifier acts on.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventSubscriptionCreated   = "customer.subscription.created"
	EventSubscriptionUpdated   = "customer.subscription.updated"
	EventSubscriptionDeleted   = "customer.subscription.deleted"
	EventInvoicePaid           = "invoice.paid"
	EventInvoicePaymentSucceed = "invoice.payment_succeeded"
	EventInvoicePaymentFailed  = "invoice.payment_failed"
	EventTrialWillEnd          = "customer.subscription.trial_will_end"
)

// MonitoredEvents lists the event types reported by the webhook health check.
var MonitoredEvents = []string{
	EventCheckoutCompleted,
	EventSubscriptionCreated,
	EventSubscriptionUpdated,
	EventSubscriptionDeleted,
	EventInvoicePaid,
	EventInvoicePaymentSucceed,
	EventInvoicePaymentFailed,
}

// Classify maps a verified Stripe event to a lifecycle transition. Unknown
// event types are Ignored. A payload that does not decode wraps
// billing.ErrMalformedEvent; a subscription checkout without a tenant
// reference wraps billing.ErrMissingCorrelation.
func Classify(event stripe.Event) (billing.Transition, error) {
	meta := billing.EventMeta{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if event.Created == 0 {
		meta.Created = time.Time{}
	}

	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	switch meta.Type {
	case EventCheckoutCompleted:
		return classifyCheckout(meta, raw)
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		return classifySubscription(meta, raw)
	case EventSubscriptionDeleted:
		var sub subscriptionPayload
		if err := decode(raw, &sub); err != nil {
			return nil, err
		}
		if sub.ID == "" {
			return billing.Ignored{EventMeta: meta, Reason: "subscription id missing"}, nil
		}
		return billing.SubscriptionCanceled{EventMeta: meta, SubscriptionRef: sub.ID}, nil
	case EventInvoicePaid, EventInvoicePaymentSucceed, EventInvoicePaymentFailed:
		var inv invoicePayload
		if err := decode(raw, &inv); err != nil {
			return nil, err
		}
		ref := inv.subscriptionRef()
		if ref == "" {
			return billing.Ignored{EventMeta: meta, Reason: "not a subscription invoice"}, nil
		}
		// Invoices carry no subscription status; the reconciler fetches it.
		return billing.SubscriptionStatusChanged{EventMeta: meta, SubscriptionRef: ref}, nil
	default:
		return billing.Ignored{EventMeta: meta, Reason: "unhandled event type"}, nil
	}
}

func classifyCheckout(meta billing.EventMeta, raw json.RawMessage) (billing.Transition, error) {
	var session checkoutSession
	if err := decode(raw, &session); err != nil {
		return nil, err
	}
	if session.Subscription == "" {
		return billing.Ignored{EventMeta: meta, Reason: "not a subscription checkout"}, nil
	}
	tenantID := session.tenantID()
	if tenantID == "" {
		return nil, fmt.Errorf("%w: checkout session %s", billing.ErrMissingCorrelation, session.ID)
	}
	return billing.CheckoutCompleted{
		EventMeta:       meta,
		TenantID:        tenantID,
		CustomerRef:     string(session.Customer),
		SubscriptionRef: string(session.Subscription),
	}, nil
}

func classifySubscription(meta billing.EventMeta, raw json.RawMessage) (billing.Transition, error) {
	var sub subscriptionPayload
	if err := decode(raw, &sub); err != nil {
		return nil, err
	}
	if sub.ID == "" {
		return billing.Ignored{EventMeta: meta, Reason: "subscription id missing"}, nil
	}
	status, ok := MapSubscriptionStatus(sub.Status)
	if !ok {
		return billing.Ignored{
			EventMeta: meta,
			Reason:    fmt.Sprintf("unrecognized subscription status %q", sub.Status),
			Warning:   true,
		}, nil
	}
	if status == entitlement.StatusCanceled {
		return billing.SubscriptionCanceled{EventMeta: meta, SubscriptionRef: sub.ID}, nil
	}
	return billing.SubscriptionStatusChanged{
		EventMeta:       meta,
		SubscriptionRef: sub.ID,
		Status:          status,
		PeriodEnd:       sub.periodEnd(),
	}, nil
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty data.object", billing.ErrMalformedEvent)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrMalformedEvent, err)
	}
	return nil
}
