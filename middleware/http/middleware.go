// Package http provides net/http middleware that gates paid routes on the
// tenant's entitlement.
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

// TenantIDExtractor extracts the tenant ID from an HTTP request
// Return empty string if the tenant is not authenticated
type TenantIDExtractor func(r *http.Request) string

// Checker decides access for a tenant. *entitlement.Gate implements it.
type Checker interface {
	Check(ctx context.Context, tenantID string) (entitlement.Decision, error)
}

// Config holds middleware configuration
type Config struct {
	// Gate decides access (required)
	Gate Checker

	// GetTenantID extracts tenant ID from request (required)
	GetTenantID TenantIDExtractor

	// OnDenied is called when the tenant has no paid access
	// If nil, returns 402 Payment Required with a JSON body
	OnDenied func(w http.ResponseWriter, r *http.Request, d entitlement.Decision)

	// OnUnauthorized is called when no tenant is authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the entitlement cannot be loaded
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

type contextKey struct{}

// DecisionFromContext returns the decision stored by Middleware.
func DecisionFromContext(ctx context.Context) (entitlement.Decision, bool) {
	d, ok := ctx.Value(contextKey{}).(entitlement.Decision)
	return d, ok
}

// Middleware creates an HTTP middleware that only lets entitled tenants through
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Gate == nil {
		panic("entitlesync/http: Config.Gate is required")
	}
	if config.GetTenantID == nil {
		panic("entitlesync/http: Config.GetTenantID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := config.GetTenantID(r)
			if tenantID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			d, err := config.Gate.Check(r.Context(), tenantID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !d.Allowed {
				if config.OnDenied != nil {
					config.OnDenied(w, r, d)
				} else {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusPaymentRequired)
					_ = json.NewEncoder(w).Encode(d.Denial())
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, d)))
		})
	}
}

// HandlerFunc is Middleware for http.HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// Common extractors for convenience

// FromHeader returns a TenantIDExtractor that reads a header
func FromHeader(headerName string) TenantIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a TenantIDExtractor that reads a context value
func FromContext(key interface{}) TenantIDExtractor {
	return func(r *http.Request) string {
		if tenantID, ok := r.Context().Value(key).(string); ok {
			return tenantID
		}
		return ""
	}
}
