package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mihaimyh/entitlesync/pkg/billing"
	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

const (
	maxTenantIDLen   = 255
	maxRequestBody   = 16 * 1024
	maxEmailLen      = 320
	errUnauthorized  = "tenant not authenticated"
	errNotConfigured = "billing not configured"
)

// Handler serves the tenant-facing billing endpoints
type Handler struct {
	config Config
}

// GetEntitlement returns the tenant's record, or the default view when the
// tenant has never checked out.
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	ent, err := entitlement.GetOrDefault(r.Context(), h.config.Store, tenantID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get entitlement: %w", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, EntitlementResponse{
		TenantID:  ent.TenantID,
		Status:    string(ent.Status),
		PlanTier:  string(ent.PlanTier),
		PeriodEnd: ent.PeriodEnd,
		HasAccess: ent.HasAccess(h.config.now(), h.config.Grace),
	})
}

// CreateCheckout starts a subscription checkout for the tenant.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	if h.config.Billing == nil {
		h.handleError(w, r, errors.New(errNotConfigured), http.StatusServiceUnavailable)
		return
	}

	var body CheckoutRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&body); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	email := strings.TrimSpace(body.Email)
	if email == "" || len(email) > maxEmailLen || !strings.Contains(email, "@") {
		h.handleError(w, r, fmt.Errorf("email is required"), http.StatusBadRequest)
		return
	}

	ent, err := h.config.Store.Get(r.Context(), tenantID)
	if err != nil && !errors.Is(err, entitlement.ErrNotFound) {
		h.handleError(w, r, fmt.Errorf("failed to get entitlement: %w", err), http.StatusInternalServerError)
		return
	}
	req := billing.CheckoutRequest{TenantID: tenantID, Email: email}
	if ent != nil {
		req.CustomerRef = ent.CustomerRef
	}

	url, err := h.config.Billing.CheckoutURL(r.Context(), req)
	if err != nil {
		h.billingError(w, r, "checkout", tenantID, err)
		return
	}
	writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

// CreatePortal opens the billing portal for the tenant's customer.
func (h *Handler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	if h.config.Billing == nil {
		h.handleError(w, r, errors.New(errNotConfigured), http.StatusServiceUnavailable)
		return
	}

	ent, err := h.config.Store.Get(r.Context(), tenantID)
	if err != nil && !errors.Is(err, entitlement.ErrNotFound) {
		h.handleError(w, r, fmt.Errorf("failed to get entitlement: %w", err), http.StatusInternalServerError)
		return
	}
	if ent == nil || ent.CustomerRef == "" {
		h.handleError(w, r, fmt.Errorf("no billing customer for tenant"), http.StatusNotFound)
		return
	}

	url, err := h.config.Billing.PortalURL(r.Context(), ent.CustomerRef)
	if err != nil {
		h.billingError(w, r, "portal", tenantID, err)
		return
	}
	writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

func (h *Handler) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := strings.TrimSpace(h.config.GetTenantID(r))
	if tenantID == "" {
		h.handleError(w, r, errors.New(errUnauthorized), http.StatusUnauthorized)
		return "", false
	}
	if len(tenantID) > maxTenantIDLen {
		h.handleError(w, r, fmt.Errorf("invalid tenant ID format"), http.StatusBadRequest)
		return "", false
	}
	return tenantID, true
}

func (h *Handler) billingError(w http.ResponseWriter, r *http.Request, op, tenantID string, err error) {
	h.config.Logger.Error("billing session failed",
		billing.F("operation", op),
		billing.F("tenant_id", tenantID),
		billing.F("error", err),
	)
	switch {
	case errors.Is(err, billing.ErrProviderNotConfigured):
		h.handleError(w, r, errors.New(errNotConfigured), http.StatusServiceUnavailable)
	case errors.Is(err, billing.ErrCustomerNotFound):
		h.handleError(w, r, fmt.Errorf("no billing customer for tenant"), http.StatusNotFound)
	default:
		h.handleError(w, r, fmt.Errorf("billing provider unavailable"), http.StatusBadGateway)
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Response already sent; nothing useful to do with an encode error.
	_ = json.NewEncoder(w).Encode(v)
}
