package billing

import (
	"net/http"

	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Store is the entitlement store the reconciler writes to
	Store entitlement.Store

	// WebhookSecret is used to verify incoming webhook signatures.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider
	// (checkout, portal, subscription lookups).
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// EnforceEventOrder makes every write conditional on the event being at
	// least as new as the last applied one. Off by default: last write wins.
	EnforceEventOrder bool

	// OnApplied is called after every committed write (optional).
	OnApplied AppliedCallback

	// RateLimitPerMinute caps webhook requests per client IP. Zero uses the
	// provider default; negative disables limiting.
	RateLimitPerMinute int

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is an optional structured logger. Defaults to NoopLogger.
	Logger Logger
}
