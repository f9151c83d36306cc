// Package fiber provides Fiber middleware that gates paid routes on the
// tenant's entitlement.
package fiber

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

// DecisionKey is the Locals key holding the entitlement.Decision.
const DecisionKey = "entitlesync.decision"

// TenantIDExtractor extracts the tenant ID from a Fiber context
// Return empty string if the tenant is not authenticated
type TenantIDExtractor func(c *fiber.Ctx) string

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
	OnDenied func(c *fiber.Ctx, d entitlement.Decision) error

	// OnUnauthorized is called when no tenant is authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the entitlement cannot be loaded
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that only lets entitled tenants through
func Middleware(cfg Config) fiber.Handler {
	if cfg.Gate == nil {
		panic("entitlesync/fiber: Config.Gate is required")
	}
	if cfg.GetTenantID == nil {
		panic("entitlesync/fiber: Config.GetTenantID is required")
	}

	return func(c *fiber.Ctx) error {
		tenantID := cfg.GetTenantID(c)
		if tenantID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		d, err := cfg.Gate.Check(c.UserContext(), tenantID)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		if !d.Allowed {
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, d)
			}
			return c.Status(fiber.StatusPaymentRequired).JSON(d.Denial())
		}

		c.Locals(DecisionKey, d)
		return c.Next()
	}
}

// FromHeader returns a TenantIDExtractor that reads a header
func FromHeader(headerName string) TenantIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromLocals returns a TenantIDExtractor that reads a Locals value
func FromLocals(key string) TenantIDExtractor {
	return func(c *fiber.Ctx) string {
		if tenantID, ok := c.Locals(key).(string); ok {
			return tenantID
		}
		return ""
	}
}
