package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/entitlesync/pkg/billing"
)

// SignatureHeader carries the timestamp and HMAC digests of a webhook.
const SignatureHeader = "Stripe-Signature"

// Verifier authenticates webhook payloads with the endpoint's signing secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a Verifier. A zero tolerance uses the SDK default (300s).
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: strings.TrimSpace(secret), tolerance: tolerance}
}

// Configured reports whether a signing secret is set.
func (v *Verifier) Configured() bool {
	return v.secret != ""
}

// Verify checks sigHeader against the exact payload bytes and returns the
// parsed event. A bad or stale signature wraps billing.ErrInvalidSignature;
// an authentic body that is not an event wraps billing.ErrMalformedEvent.
func (v *Verifier) Verify(payload []byte, sigHeader string) (stripe.Event, error) {
	if strings.TrimSpace(sigHeader) == "" {
		return stripe.Event{}, fmt.Errorf("%w: missing %s header", billing.ErrInvalidSignature, SignatureHeader)
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, sigHeader, v.secret, v.tolerance); err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", billing.ErrInvalidSignature, err)
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stripe.Event{}, errors.Join(billing.ErrMalformedEvent, err)
	}
	return event, nil
}
