package stripe

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

// Correlation keys attached at checkout and echoed back on later events.
const (
	metadataTenantKey = "tenant_id"
)

// expandableID decodes a Stripe reference that is either an ID string or an
// expanded object with an "id" field.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(strings.TrimSpace(s))
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(strings.TrimSpace(obj.ID))
	return nil
}

// checkoutSession is a minimal representation of a Stripe checkout.session event.
type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

func (s checkoutSession) tenantID() string {
	if id := strings.TrimSpace(s.Metadata[metadataTenantKey]); id != "" {
		return id
	}
	return strings.TrimSpace(s.ClientReferenceID)
}

// subscriptionPayload is a minimal representation of a Stripe subscription event.
type subscriptionPayload struct {
	ID       string            `json:"id"`
	Customer expandableID      `json:"customer"`
	Status   string            `json:"status"`
	TrialEnd int64             `json:"trial_end"`
	Metadata map[string]string `json:"metadata"`
	Items    struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// periodEnd returns the latest item period end, falling back to trial_end.
func (s subscriptionPayload) periodEnd() *time.Time {
	var latest int64
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > latest {
			latest = item.CurrentPeriodEnd
		}
	}
	if latest == 0 {
		latest = s.TrialEnd
	}
	return unixTime(latest)
}

// invoicePayload is a minimal representation of a Stripe invoice event.
// Newer API versions move the subscription under parent.subscription_details.
type invoicePayload struct {
	ID           string       `json:"id"`
	Subscription expandableID `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (i invoicePayload) subscriptionRef() string {
	if i.Subscription != "" {
		return string(i.Subscription)
	}
	return string(i.Parent.SubscriptionDetails.Subscription)
}

// MapSubscriptionStatus converts a Stripe subscription status to an
// entitlement status. Unknown statuses fail closed: ok is false.
//
// paused and incomplete subscriptions have never been paid for the current
// period, so they map to none (basic) rather than past_due. Canceled is
// terminal for the reconciler and would swallow a later resume.
func MapSubscriptionStatus(status string) (entitlement.Status, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "trialing":
		return entitlement.StatusTrialing, true
	case "active":
		return entitlement.StatusActive, true
	case "past_due", "unpaid":
		return entitlement.StatusPastDue, true
	case "paused", "incomplete":
		return entitlement.StatusNone, true
	case "canceled", "incomplete_expired":
		return entitlement.StatusCanceled, true
	default:
		return "", false
	}
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
