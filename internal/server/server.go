// Package server assembles the entitlesync HTTP surface: the Stripe webhook,
// the tenant API, the gated access probe, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	httpmw "github.com/mihaimyh/entitlesync/middleware/http"
	"github.com/mihaimyh/entitlesync/pkg/api"
	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

// Routes.
const (
	WebhookPath     = "/webhooks/stripe"
	EntitlementPath = "/api/entitlement"
	CheckoutPath    = "/api/checkout"
	PortalPath      = "/api/portal"
	AccessPath      = "/api/access"
	HealthPath      = "/healthz"
	MetricsPath     = "/metrics"

	// legacyPortalPath is kept for clients of the first checkout API.
	legacyPortalPath = "/api/checkout/portal"

	requestIDHeader = "X-Request-ID"
)

// Config wires the server's handlers.
type Config struct {
	Addr string

	// Webhook serves WebhookPath (required).
	Webhook http.Handler

	// API serves the tenant endpoints (required).
	API *api.Handler

	// Gate protects AccessPath. Optional; the route is not mounted without it.
	Gate httpmw.Checker

	// GetTenantID identifies the caller for gated routes.
	GetTenantID func(*http.Request) string

	// Metrics serves MetricsPath when set.
	Metrics http.Handler

	// TrustProxyHeaders rewrites RemoteAddr from X-Forwarded-For and friends.
	// Enable only behind a proxy that overwrites them; the webhook rate
	// limiter keys on RemoteAddr.
	TrustProxyHeaders bool

	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
}

// Server is the HTTP server.
type Server struct {
	config  Config
	handler http.Handler
}

// New builds the router.
func New(config Config) (*Server, error) {
	if config.Webhook == nil {
		return nil, errors.New("webhook handler is required")
	}
	if config.API == nil {
		return nil, errors.New("api handler is required")
	}
	if config.Gate != nil && config.GetTenantID == nil {
		return nil, errors.New("getTenantID is required when a gate is set")
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{config: config}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	if s.config.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(accessLog(s.config.Logger))
	r.Use(middleware.Recoverer)

	r.Get(HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	if s.config.Metrics != nil {
		r.Method(http.MethodGet, MetricsPath, s.config.Metrics)
	}

	// The webhook handler answers GET (health) and 405 itself.
	r.Handle(WebhookPath, s.config.Webhook)

	r.Get(EntitlementPath, s.config.API.GetEntitlement)
	r.Post(CheckoutPath, s.config.API.CreateCheckout)
	r.Post(PortalPath, s.config.API.CreatePortal)
	r.Post(legacyPortalPath, s.config.API.CreatePortal)

	if s.config.Gate != nil {
		gated := httpmw.Middleware(httpmw.Config{
			Gate:        s.config.Gate,
			GetTenantID: s.config.GetTenantID,
		})
		r.With(gated).Get(AccessPath, handleAccess)
	}

	return r
}

type accessResponse struct {
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason"`
	PlanTier string `json:"plan_tier"`
}

// handleAccess only runs for tenants the gate let through.
func handleAccess(w http.ResponseWriter, r *http.Request) {
	d, _ := httpmw.DecisionFromContext(r.Context())
	resp := accessResponse{Allowed: d.Allowed, Reason: d.Reason, PlanTier: string(entitlement.TierBasic)}
	if d.Entitlement != nil {
		resp.PlanTier = string(d.Entitlement.PlanTier)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Run serves on config.Addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.config.Logger.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
		defer cancel()
		s.config.Logger.Info().Msg("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// requestID takes X-Request-ID from the caller or mints a UUID, and exposes
// it through chi's middleware.GetReqID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			event := logger.Info()
			if status >= http.StatusInternalServerError {
				event = logger.Error()
			}
			event.
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
