package stripe

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/entitlesync/pkg/billing"
	"github.com/mihaimyh/entitlesync/storage/memory"
)

const (
	testSecret   = "whsec_test_secret"
	testTenantID = "T1"
	testSubID    = "sub_1"
	testCusID    = "cus_1"
)

var _ billing.Provider = (*Provider)(nil)
var _ billing.SubscriptionFetcher = (*Provider)(nil)
var _ billing.Checkout = (*Provider)(nil)

// fakeAPI records calls and serves subscriptions from memory.
type fakeAPI struct {
	mu            sync.Mutex
	subscriptions map[string]*stripe.Subscription
	checkout      *stripe.CheckoutSessionCreateParams
	portal        *stripe.BillingPortalSessionCreateParams
	retrieveCalls int
	err           error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{subscriptions: make(map[string]*stripe.Subscription)}
}

func (f *fakeAPI) setSubscription(id string, status stripe.SubscriptionStatus, periodEnd time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[id] = &stripe.Subscription{
		ID:       id,
		Status:   status,
		Customer: &stripe.Customer{ID: testCusID},
		Metadata: map[string]string{metadataTenantKey: testTenantID},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{CurrentPeriodEnd: periodEnd.Unix()}},
		},
	}
}

func (f *fakeAPI) RetrieveSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrieveCalls++
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, errors.New("resource_missing")
	}
	return sub, nil
}

func (f *fakeAPI) CreateCheckoutSession(
	_ context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.checkout = params
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1"}, nil
}

func (f *fakeAPI) CreatePortalSession(
	_ context.Context, params *stripe.BillingPortalSessionCreateParams,
) (*stripe.BillingPortalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.portal = params
	return &stripe.BillingPortalSession{ID: "bps_1", URL: "https://billing.stripe.com/p/session/bps_1"}, nil
}

type testEnv struct {
	provider *Provider
	store    *memory.Store
	api      *fakeAPI
	handler  http.Handler
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	store := memory.New()
	api := newFakeAPI()
	cfg := Config{
		Config: billing.Config{
			Store:              store,
			WebhookSecret:      testSecret,
			RateLimitPerMinute: -1,
		},
		PriceID:         "price_pro_monthly",
		SuccessURL:      "https://app.example.com/billing/success",
		CancelURL:       "https://app.example.com/billing/cancel",
		PortalReturnURL: "https://app.example.com/settings",
		API:             api,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	p, err := NewProvider(cfg)
	require.NoError(t, err)
	return &testEnv{provider: p, store: store, api: api, handler: p.WebhookHandler()}
}

func signedRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set(SignatureHeader, signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (e *testEnv) deliver(t *testing.T, payload string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, signedRequest(t, testSecret, payload))
	return rec
}
