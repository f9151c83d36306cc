package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mihaimyh/entitlesync/pkg/entitlement"
	"github.com/mihaimyh/entitlesync/storage/memory"
)

func newGate(t *testing.T, store entitlement.Store) *entitlement.Gate {
	t.Helper()
	gate, err := entitlement.NewGate(entitlement.GateConfig{Store: store})
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	return gate
}

func storeWith(t *testing.T, tenantID string, status entitlement.Status, periodEnd *time.Time) *memory.Store {
	t.Helper()
	store := memory.New()
	err := store.Upsert(context.Background(), tenantID, entitlement.Update{
		Status:    entitlement.StatusPtr(status),
		PlanTier:  entitlement.TierPtr(entitlement.TierFor(status)),
		PeriodEnd: periodEnd,
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	return store
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if _, ok := DecisionFromContext(r.Context()); !ok {
		w.WriteHeader(http.StatusTeapot)
		return
	}
	w.WriteHeader(http.StatusOK)
})

func TestMiddleware_AllowsEntitledTenant(t *testing.T) {
	end := time.Now().Add(24 * time.Hour)
	mw := Middleware(Config{
		Gate:        newGate(t, storeWith(t, "T1", entitlement.StatusActive, &end)),
		GetTenantID: FromHeader("X-Tenant-ID"),
	})

	req := httptest.NewRequest(http.MethodGet, "/reports", nil)
	req.Header.Set("X-Tenant-ID", "T1")
	w := httptest.NewRecorder()
	mw(okHandler).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestMiddleware_DeniesWithPaymentRequired(t *testing.T) {
	tests := []struct {
		name       string
		store      entitlement.Store
		wantReason string
	}{
		{"no record", memory.New(), entitlement.ReasonNoPlan},
		{"canceled", storeWith(t, "T1", entitlement.StatusCanceled, nil), entitlement.ReasonCanceled},
		{"lapsed", storeWith(t, "T1", entitlement.StatusActive, entitlement.Time(time.Now().Add(-time.Hour))),
			entitlement.ReasonPeriodLapsed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := Middleware(Config{Gate: newGate(t, tt.store), GetTenantID: FromHeader("X-Tenant-ID")})

			req := httptest.NewRequest(http.MethodGet, "/reports", nil)
			req.Header.Set("X-Tenant-ID", "T1")
			w := httptest.NewRecorder()
			mw(okHandler).ServeHTTP(w, req)

			if w.Code != http.StatusPaymentRequired {
				t.Fatalf("Expected status 402, got %d", w.Code)
			}
			var body entitlement.Denial
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("Failed to decode body: %v", err)
			}
			if body.Reason != tt.wantReason {
				t.Errorf("Expected reason %q, got %q", tt.wantReason, body.Reason)
			}
		})
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	mw := Middleware(Config{Gate: newGate(t, memory.New()), GetTenantID: FromHeader("X-Tenant-ID")})

	w := httptest.NewRecorder()
	mw(okHandler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

type errChecker struct{}

func (errChecker) Check(context.Context, string) (entitlement.Decision, error) {
	return entitlement.Decision{}, errors.New("connection refused")
}

func TestMiddleware_StoreError(t *testing.T) {
	var got error
	mw := Middleware(Config{
		Gate:        errChecker{},
		GetTenantID: func(*http.Request) string { return "T1" },
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})

	w := httptest.NewRecorder()
	mw(okHandler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports", nil))

	if w.Code != http.StatusServiceUnavailable || got == nil {
		t.Errorf("OnError not used: code=%d err=%v", w.Code, got)
	}

	plain := Middleware(Config{Gate: errChecker{}, GetTenantID: func(*http.Request) string { return "T1" }})
	w = httptest.NewRecorder()
	plain(okHandler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic without Gate")
		}
	}()
	Middleware(Config{GetTenantID: FromHeader("X-Tenant-ID")})
}

func TestHandlerFunc(t *testing.T) {
	hf := HandlerFunc(Config{Gate: newGate(t, memory.New()), GetTenantID: FromHeader("X-Tenant-ID")})

	req := httptest.NewRequest(http.MethodGet, "/reports", nil)
	req.Header.Set("X-Tenant-ID", "T1")
	w := httptest.NewRecorder()
	hf(okHandler.ServeHTTP)(w, req)
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", w.Code)
	}
}
