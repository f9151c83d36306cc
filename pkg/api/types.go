package api

import "time"

// EntitlementResponse is the tenant's current billing standing
type EntitlementResponse struct {
	TenantID  string     `json:"tenant_id"`
	Status    string     `json:"status"`
	PlanTier  string     `json:"plan_tier"`
	PeriodEnd *time.Time `json:"period_end"`
	HasAccess bool       `json:"has_access"`
}

// CheckoutRequest is the POST /checkout body
type CheckoutRequest struct {
	Email string `json:"email"`
}

// URLResponse carries a hosted page to redirect to
type URLResponse struct {
	URL string `json:"url"`
}
