// Package gin provides Gin middleware that gates paid routes on the tenant's
// entitlement.
package gin

import (
	"context"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

// DecisionKey is the gin context key holding the entitlement.Decision.
const DecisionKey = "entitlesync.decision"

// TenantIDExtractor extracts the tenant ID from a Gin context
// Return empty string if the tenant is not authenticated
type TenantIDExtractor func(c *gongin.Context) string

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
	OnDenied func(c *gongin.Context, d entitlement.Decision)

	// OnUnauthorized is called when no tenant is authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the entitlement cannot be loaded
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that only lets entitled tenants through
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("entitlesync/gin: Config.Gate is required")
	}
	if cfg.GetTenantID == nil {
		panic("entitlesync/gin: Config.GetTenantID is required")
	}

	return func(c *gongin.Context) {
		tenantID := cfg.GetTenantID(c)
		if tenantID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		d, err := cfg.Gate.Check(c.Request.Context(), tenantID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		if !d.Allowed {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, d)
			} else {
				c.JSON(http.StatusPaymentRequired, d.Denial())
			}
			c.Abort()
			return
		}

		c.Set(DecisionKey, d)
		c.Next()
	}
}

// FromHeader returns a TenantIDExtractor that reads a header
func FromHeader(headerName string) TenantIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromContext returns a TenantIDExtractor that reads a gin context key
func FromContext(key string) TenantIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}
