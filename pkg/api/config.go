package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/entitlesync/pkg/billing"
	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

// Config holds configuration for the application API handler
type Config struct {
	// Store is the entitlement store (required)
	Store entitlement.Store

	// Billing creates checkout and portal sessions. If nil, those endpoints
	// respond 503.
	Billing billing.Checkout

	// GetTenantID extracts the authenticated tenant from the request (required).
	// Session handling belongs to the host application.
	GetTenantID func(*http.Request) string

	// Grace extends has_access past period_end.
	Grace time.Duration

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional; defaults to billing.NoopLogger.
	Logger billing.Logger

	now func() time.Time
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.GetTenantID == nil {
		return fmt.Errorf("getTenantID is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}
	if config.now == nil {
		config.now = time.Now
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common TenantID extraction patterns

// FromHeader returns a GetTenantID function that reads a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetTenantID function that reads a request context value
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if tenantID, ok := r.Context().Value(key).(string); ok {
			return tenantID
		}
		return ""
	}
}
