package entitlement

import (
	"context"
	"fmt"
	"time"
)

// Reasons reported by Gate.Check.
const (
	ReasonAllowed      = "allowed"
	ReasonNoPlan       = "no_subscription"
	ReasonCanceled     = "subscription_canceled"
	ReasonPeriodLapsed = "period_lapsed"
)

// Decision is the gate's verdict for one tenant.
type Decision struct {
	Allowed     bool
	Reason      string
	Entitlement *Entitlement
}

// GateConfig configures a Gate.
type GateConfig struct {
	Store Store

	// Cache is optional. Defaults to NoopCache.
	Cache    Cache
	CacheTTL time.Duration

	// Grace extends period_end before access is denied.
	Grace time.Duration

	// Now is overridable for tests.
	Now func() time.Time
}

// Gate answers "may this tenant use paid features" from the entitlement store.
type Gate struct {
	store Store
	cache Cache
	ttl   time.Duration
	grace time.Duration
	now   func() time.Time
}

// NewGate creates a Gate.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	g := &Gate{
		store: cfg.Store,
		cache: cfg.Cache,
		ttl:   cfg.CacheTTL,
		grace: cfg.Grace,
		now:   cfg.Now,
	}
	if g.cache == nil {
		g.cache = NoopCache{}
	}
	if g.ttl == 0 {
		g.ttl = 30 * time.Second
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

// Check loads the tenant's entitlement and decides access.
func (g *Gate) Check(ctx context.Context, tenantID string) (Decision, error) {
	if tenantID == "" {
		return Decision{}, ErrInvalidTenant
	}
	ent, ok := g.cache.Get(tenantID)
	if !ok {
		var err error
		ent, err = GetOrDefault(ctx, g.store, tenantID)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to load entitlement: %w", err)
		}
		g.cache.Set(tenantID, ent, g.ttl)
	}
	return g.decide(ent), nil
}

// Invalidate drops a cached record, typically after a reconciliation write.
func (g *Gate) Invalidate(tenantID string) {
	g.cache.Invalidate(tenantID)
}

func (g *Gate) decide(ent *Entitlement) Decision {
	d := Decision{Entitlement: ent}
	switch {
	case ent.HasAccess(g.now(), g.grace):
		d.Allowed = true
		d.Reason = ReasonAllowed
	case ent.Status == StatusCanceled:
		d.Reason = ReasonCanceled
	case ent.PlanTier == TierPro:
		d.Reason = ReasonPeriodLapsed
	default:
		d.Reason = ReasonNoPlan
	}
	return d
}

// Denial is the JSON body access-gate middleware writes with 402.
type Denial struct {
	Error    string   `json:"error"`
	Reason   string   `json:"reason"`
	Status   Status   `json:"status"`
	PlanTier PlanTier `json:"plan_tier"`
}

// Denial describes a refused decision.
func (d Decision) Denial() Denial {
	out := Denial{Error: "payment required", Reason: d.Reason, Status: StatusNone, PlanTier: TierBasic}
	if d.Entitlement != nil {
		out.Status = d.Entitlement.Status
		out.PlanTier = d.Entitlement.PlanTier
	}
	return out
}
