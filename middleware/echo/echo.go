// Package echo provides Echo middleware that gates paid routes on the
// tenant's entitlement.
package echo

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

// DecisionKey is the echo context key holding the entitlement.Decision.
const DecisionKey = "entitlesync.decision"

// TenantIDExtractor extracts the tenant ID from an Echo context
// Return empty string if the tenant is not authenticated
type TenantIDExtractor func(c echo.Context) string

// Checker decides access for a tenant. *entitlement.Gate implements it.
type Checker interface {
	Check(ctx context.Context, tenantID string) (entitlement.Decision, error)
}

// Config holds middleware configuration
type Config struct {
	// Gate decides access (required)
	Gate Checker

	// GetTenantID extracts tenant ID from context (required)
	GetTenantID TenantIDExtractor

	// OnDenied is called when the tenant has no paid access
	// If nil, returns 402 Payment Required JSON
	OnDenied func(c echo.Context, d entitlement.Decision) error

	// OnUnauthorized is called when no tenant is authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the entitlement cannot be loaded
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that only lets entitled tenants through
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Gate == nil {
		panic("entitlesync/echo: Config.Gate is required")
	}
	if cfg.GetTenantID == nil {
		panic("entitlesync/echo: Config.GetTenantID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := cfg.GetTenantID(c)
			if tenantID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			d, err := cfg.Gate.Check(c.Request().Context(), tenantID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			if !d.Allowed {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, d)
				}
				return c.JSON(http.StatusPaymentRequired, d.Denial())
			}

			c.Set(DecisionKey, d)
			return next(c)
		}
	}
}

// FromHeader returns a TenantIDExtractor that reads a header
func FromHeader(headerName string) TenantIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromContext returns a TenantIDExtractor that reads an echo context key
func FromContext(key string) TenantIDExtractor {
	return func(c echo.Context) string {
		if tenantID, ok := c.Get(key).(string); ok {
			return tenantID
		}
		return ""
	}
}
