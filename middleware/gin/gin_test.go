package gin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/entitlesync/pkg/entitlement"
	"github.com/mihaimyh/entitlesync/storage/memory"
)

func init() {
	gongin.SetMode(gongin.TestMode)
}

type errChecker struct{}

func (errChecker) Check(context.Context, string) (entitlement.Decision, error) {
	return entitlement.Decision{}, errors.New("connection refused")
}

func setupRouter(t *testing.T, gate Checker) *gongin.Engine {
	t.Helper()
	r := gongin.New()
	r.Use(Middleware(Config{Gate: gate, GetTenantID: FromHeader("X-Tenant-ID")}))
	r.GET("/reports", func(c *gongin.Context) {
		d, ok := c.Get(DecisionKey)
		require.True(t, ok)
		c.JSON(http.StatusOK, gongin.H{"reason": d.(entitlement.Decision).Reason})
	})
	return r
}

func newGate(t *testing.T, status entitlement.Status) *entitlement.Gate {
	t.Helper()
	store := memory.New()
	if status != "" {
		end := time.Now().Add(time.Hour)
		require.NoError(t, store.Upsert(context.Background(), "T1", entitlement.Update{
			Status:    entitlement.StatusPtr(status),
			PeriodEnd: &end,
		}))
	}
	gate, err := entitlement.NewGate(entitlement.GateConfig{Store: store})
	require.NoError(t, err)
	return gate
}

func do(r http.Handler, tenantID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/reports", nil)
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware(t *testing.T) {
	assert.Equal(t, http.StatusOK, do(setupRouter(t, newGate(t, entitlement.StatusTrialing)), "T1").Code)
	assert.Equal(t, http.StatusUnauthorized, do(setupRouter(t, newGate(t, "")), "").Code)
	assert.Equal(t, http.StatusInternalServerError, do(setupRouter(t, errChecker{}), "T1").Code)

	w := do(setupRouter(t, newGate(t, entitlement.StatusCanceled)), "T1")
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var body entitlement.Denial
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, entitlement.ReasonCanceled, body.Reason)
	assert.Equal(t, entitlement.StatusCanceled, body.Status)
}

func TestMiddleware_PanicsWithoutGate(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{GetTenantID: FromHeader("X-Tenant-ID")}) })
}
