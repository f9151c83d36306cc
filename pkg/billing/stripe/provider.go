// Package stripe implements billing.Provider for Stripe: webhook
// verification and classification, checkout and billing-portal sessions, and
// subscription lookups for the reconciler.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/entitlesync/pkg/billing"
	"github.com/mihaimyh/entitlesync/pkg/billing/internal"
	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultTrialDays         = 7
	webhookBodyLimit         = 256 * 1024
)

// API is the subset of the Stripe client the provider calls.
type API interface {
	RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error)
}

// clientAPI adapts *stripe.Client to API.
type clientAPI struct {
	client *stripe.Client
}

// NewAPI wraps the Stripe SDK client for apiKey.
func NewAPI(apiKey string, httpClient *http.Client) API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{HTTPClient: httpClient})
	return &clientAPI{client: stripe.NewClient(apiKey, stripe.WithBackends(backends))}
}

func (c *clientAPI) RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return c.client.V1Subscriptions.Retrieve(ctx, id, nil)
}

func (c *clientAPI) CreateCheckoutSession(
	ctx context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	return c.client.V1CheckoutSessions.Create(ctx, params)
}

func (c *clientAPI) CreatePortalSession(
	ctx context.Context, params *stripe.BillingPortalSessionCreateParams,
) (*stripe.BillingPortalSession, error) {
	return c.client.V1BillingPortalSessions.Create(ctx, params)
}

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Store, secrets, metrics, logger)

	// PriceID is the recurring price checkout sessions subscribe to.
	PriceID string

	// TrialDays is the trial length for new subscriptions. Zero uses the
	// default of 7; negative disables the trial.
	TrialDays int

	// SuccessURL, CancelURL and PortalReturnURL are redirect targets.
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string

	// SignatureTolerance bounds webhook timestamp age. Zero uses 300s.
	SignatureTolerance time.Duration

	// API overrides the Stripe client (tests).
	API API
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	config      Config
	api         API
	verifier    *Verifier
	reconciler  *billing.Reconciler
	rateLimiter *internal.RateLimiter
	metrics     billing.Metrics
	logger      billing.Logger
	trialDays   int
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	api := config.API
	if api == nil {
		apiKey := strings.TrimSpace(config.APIKey)
		if apiKey == "" {
			return nil, billing.ErrProviderNotConfigured
		}
		api = NewAPI(apiKey, config.HTTPClient)
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	trialDays := config.TrialDays
	if trialDays == 0 {
		trialDays = defaultTrialDays
	}

	p := &Provider{
		config:    config,
		api:       api,
		verifier:  NewVerifier(config.WebhookSecret, config.SignatureTolerance),
		metrics:   metrics,
		logger:    logger,
		trialDays: trialDays,
	}

	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{
		Store:             config.Store,
		Fetcher:           p,
		Provider:          providerName,
		EnforceEventOrder: config.EnforceEventOrder,
		OnApplied:         config.OnApplied,
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		return nil, err
	}
	p.reconciler = reconciler

	switch limit := config.RateLimitPerMinute; {
	case limit == 0:
		p.rateLimiter = internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow)
	case limit > 0:
		p.rateLimiter = internal.NewRateLimiter(limit, defaultRateLimitWindow)
	}

	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	if p.rateLimiter == nil {
		return handler
	}
	return p.rateLimiter.Middleware(handler)
}

// SyncTenant synchronizes a tenant's entitlement from Stripe
func (p *Provider) SyncTenant(ctx context.Context, tenantID string) (*entitlement.Entitlement, error) {
	return p.reconciler.SyncTenant(ctx, tenantID)
}

// Reconciler returns the reconciler the webhook handler applies events with.
func (p *Provider) Reconciler() *billing.Reconciler {
	return p.reconciler
}
