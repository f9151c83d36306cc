package stripe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/entitlesync/pkg/billing"
	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

func TestCheckoutURL(t *testing.T) {
	env := newTestEnv(t)

	url, err := env.provider.CheckoutURL(context.Background(), billing.CheckoutRequest{
		TenantID: testTenantID,
		Email:    "owner@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", url)

	params := env.api.checkout
	require.NotNil(t, params)
	assert.Equal(t, string(stripe.CheckoutSessionModeSubscription), *params.Mode)
	require.Len(t, params.LineItems, 1)
	assert.Equal(t, "price_pro_monthly", *params.LineItems[0].Price)
	assert.Equal(t, testTenantID, *params.ClientReferenceID)
	assert.Equal(t, testTenantID, params.Metadata["tenant_id"])
	assert.Equal(t, testTenantID, params.SubscriptionData.Metadata["tenant_id"])
	assert.Equal(t, int64(7), *params.SubscriptionData.TrialPeriodDays)
	assert.Equal(t, "owner@example.com", *params.CustomerEmail)
	assert.Equal(t, "https://app.example.com/billing/success", *params.SuccessURL)
}

func TestCheckoutURL_ReusesCustomer(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.provider.CheckoutURL(context.Background(), billing.CheckoutRequest{
		TenantID:    testTenantID,
		Email:       "owner@example.com",
		CustomerRef: "cus_existing",
	})
	require.NoError(t, err)

	params := env.api.checkout
	require.NotNil(t, params.Customer)
	assert.Equal(t, "cus_existing", *params.Customer)
	assert.Nil(t, params.CustomerEmail, "customer and customer_email are exclusive")
}

func TestCheckoutURL_TrialDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.TrialDays = -1 })

	_, err := env.provider.CheckoutURL(context.Background(), billing.CheckoutRequest{TenantID: testTenantID})
	require.NoError(t, err)
	assert.Nil(t, env.api.checkout.SubscriptionData.TrialPeriodDays)
	assert.Nil(t, env.api.checkout.CustomerEmail)
}

func TestCheckoutURL_Errors(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.provider.CheckoutURL(context.Background(), billing.CheckoutRequest{TenantID: "  "})
	assert.ErrorIs(t, err, billing.ErrMissingCorrelation)

	noPrice := newTestEnv(t, func(c *Config) { c.PriceID = "" })
	_, err = noPrice.provider.CheckoutURL(context.Background(), billing.CheckoutRequest{TenantID: testTenantID})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	env.api.err = errors.New("card_declined")
	_, err = env.provider.CheckoutURL(context.Background(), billing.CheckoutRequest{TenantID: testTenantID})
	assert.ErrorIs(t, err, billing.ErrProviderAPI)
}

func TestPortalURL(t *testing.T) {
	env := newTestEnv(t)

	url, err := env.provider.PortalURL(context.Background(), testCusID)
	require.NoError(t, err)
	assert.Equal(t, "https://billing.stripe.com/p/session/bps_1", url)
	assert.Equal(t, testCusID, *env.api.portal.Customer)
	assert.Equal(t, "https://app.example.com/settings", *env.api.portal.ReturnURL)

	_, err = env.provider.PortalURL(context.Background(), "")
	assert.ErrorIs(t, err, billing.ErrCustomerNotFound)
}

func TestFetchSubscription(t *testing.T) {
	env := newTestEnv(t)
	end := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	env.api.setSubscription(testSubID, "unpaid", end)

	sub, err := env.provider.FetchSubscription(context.Background(), testSubID)
	require.NoError(t, err)
	assert.Equal(t, testSubID, sub.Ref)
	assert.Equal(t, testCusID, sub.CustomerRef)
	assert.Equal(t, testTenantID, sub.TenantID)
	assert.Equal(t, entitlement.StatusPastDue, sub.Status)
	assert.Equal(t, "unpaid", sub.ProviderStatus)
	assert.True(t, end.Equal(*sub.PeriodEnd))

	_, err = env.provider.FetchSubscription(context.Background(), "sub_missing")
	assert.ErrorIs(t, err, billing.ErrProviderAPI)
}

func TestSubscriptionFromStripe_UnknownStatusFailsClosed(t *testing.T) {
	sub := subscriptionFromStripe(&stripe.Subscription{ID: "sub_1", Status: "mystery", TrialEnd: 1790604800})
	assert.Empty(t, sub.Status)
	assert.Equal(t, time.Unix(1790604800, 0).UTC(), *sub.PeriodEnd)
}

func TestSyncTenant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	end := time.Now().Add(10 * 24 * time.Hour).UTC().Truncate(time.Second)
	env.api.setSubscription(testSubID, stripe.SubscriptionStatusTrialing, end)

	require.Equal(t, 200, env.deliver(t, checkoutEvent("evt_checkout", time.Now())).Code)

	env.api.setSubscription(testSubID, stripe.SubscriptionStatusActive, end.Add(30*24*time.Hour))
	ent, err := env.provider.SyncTenant(ctx, testTenantID)
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, ent.Status)
	assert.Equal(t, entitlement.TierPro, ent.PlanTier)
}
