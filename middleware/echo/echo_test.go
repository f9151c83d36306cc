package echo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/entitlesync/pkg/entitlement"
	"github.com/mihaimyh/entitlesync/storage/memory"
)

type staticChecker struct {
	d   entitlement.Decision
	err error
}

func (s staticChecker) Check(context.Context, string) (entitlement.Decision, error) {
	return s.d, s.err
}

func setupEcho(gate Checker) *echo.Echo {
	e := echo.New()
	e.Use(Middleware(Config{Gate: gate, GetTenantID: FromHeader("X-Tenant-ID")}))
	e.GET("/reports", func(c echo.Context) error {
		d := c.Get(DecisionKey).(entitlement.Decision)
		return c.String(http.StatusOK, d.Reason)
	})
	return e
}

func do(e *echo.Echo, tenantID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/reports", nil)
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Allowed(t *testing.T) {
	rec := do(setupEcho(staticChecker{d: entitlement.Decision{Allowed: true, Reason: entitlement.ReasonAllowed}}), "T1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, entitlement.ReasonAllowed, rec.Body.String())
}

func TestMiddleware_DeniedWithGate(t *testing.T) {
	gate, err := entitlement.NewGate(entitlement.GateConfig{Store: memory.New()})
	require.NoError(t, err)

	rec := do(setupEcho(gate), "T1")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var body entitlement.Denial
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, entitlement.ReasonNoPlan, body.Reason)
	assert.Equal(t, entitlement.TierBasic, body.PlanTier)
}

func TestMiddleware_UnauthorizedAndError(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, do(setupEcho(staticChecker{}), "").Code)
	assert.Equal(t, http.StatusInternalServerError,
		do(setupEcho(staticChecker{err: errors.New("down")}), "T1").Code)
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	e := echo.New()
	e.Use(Middleware(Config{
		Gate:        staticChecker{d: entitlement.Decision{Reason: entitlement.ReasonPeriodLapsed}},
		GetTenantID: FromContext("tenant"),
		OnUnauthorized: func(c echo.Context) error {
			return c.NoContent(http.StatusForbidden)
		},
	}))
	e.GET("/reports", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	assert.Equal(t, http.StatusForbidden, do(e, "T1").Code, "FromContext ignores the header")
}
