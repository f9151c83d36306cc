package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/entitlesync/pkg/billing"
)

// CheckoutURL creates a subscription-mode Checkout Session and returns its URL.
// The tenant id travels in the session and subscription metadata so every
// later event can be correlated.
func (p *Provider) CheckoutURL(ctx context.Context, req billing.CheckoutRequest) (string, error) {
	const endpoint = "/checkout/sessions"
	startTime := time.Now()

	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return "", billing.ErrMissingCorrelation
	}
	if strings.TrimSpace(p.config.PriceID) == "" {
		p.metrics.RecordAPICall(providerName, endpoint, "price_not_configured")
		return "", fmt.Errorf("%w: price id is required", billing.ErrProviderNotConfigured)
	}

	metadata := map[string]string{metadataTenantKey: tenantID}
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(p.config.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(p.config.SuccessURL),
		CancelURL:         stripe.String(p.config.CancelURL),
		ClientReferenceID: stripe.String(tenantID),
		Metadata:          metadata,
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: map[string]string{metadataTenantKey: tenantID},
		},
	}
	if p.trialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(int64(p.trialDays))
	}
	// Stripe rejects Customer and CustomerEmail together.
	if ref := strings.TrimSpace(req.CustomerRef); ref != "" {
		params.Customer = stripe.String(ref)
	} else if email := strings.TrimSpace(req.Email); email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	session, err := p.api.CreateCheckoutSession(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		return "", fmt.Errorf("%w: failed to create checkout session: %v", billing.ErrProviderAPI, err)
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")

	return session.URL, nil
}

// PortalURL creates a Billing Portal session for a customer and returns its URL.
// This lets tenants update payment methods or cancel.
func (p *Provider) PortalURL(ctx context.Context, customerRef string) (string, error) {
	const endpoint = "/billing_portal/sessions"
	startTime := time.Now()

	if strings.TrimSpace(customerRef) == "" {
		p.metrics.RecordAPICall(providerName, endpoint, "customer_not_found")
		return "", billing.ErrCustomerNotFound
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerRef),
		ReturnURL: stripe.String(p.config.PortalReturnURL),
	}

	session, err := p.api.CreatePortalSession(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		return "", fmt.Errorf("%w: failed to create portal session: %v", billing.ErrProviderAPI, err)
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")

	return session.URL, nil
}

// FetchSubscription implements billing.SubscriptionFetcher.
func (p *Provider) FetchSubscription(ctx context.Context, ref string) (*billing.Subscription, error) {
	const endpoint = "/subscriptions/{id}"
	startTime := time.Now()

	sub, err := p.api.RetrieveSubscription(ctx, ref)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		return nil, fmt.Errorf("%w: failed to fetch subscription %s: %v", billing.ErrProviderAPI, ref, err)
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")

	return subscriptionFromStripe(sub), nil
}

func subscriptionFromStripe(sub *stripe.Subscription) *billing.Subscription {
	out := &billing.Subscription{
		Ref:            sub.ID,
		ProviderStatus: string(sub.Status),
	}
	if status, ok := MapSubscriptionStatus(string(sub.Status)); ok {
		out.Status = status
	}
	if sub.Customer != nil {
		out.CustomerRef = sub.Customer.ID
	}
	if sub.Metadata != nil {
		out.TenantID = sub.Metadata[metadataTenantKey]
	}

	var latest int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.CurrentPeriodEnd > latest {
				latest = item.CurrentPeriodEnd
			}
		}
	}
	if latest == 0 {
		latest = sub.TrialEnd
	}
	out.PeriodEnd = unixTime(latest)
	return out
}
