package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

// Outcome summarizes what Apply did with a transition.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeIgnored Outcome = "ignored"
	OutcomeSkipped Outcome = "skipped"
)

// Result is returned by Reconciler.Apply.
type Result struct {
	Kind     Kind
	Outcome  Outcome
	TenantID string
	Reason   string

	// Event is set when Outcome is OutcomeApplied.
	Event *AppliedEvent
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Store entitlement.Store

	// Fetcher resolves the provider's current status for a subscription.
	// Required for transitions whose payload carries no status.
	Fetcher SubscriptionFetcher

	// Provider labels metrics and applied events.
	Provider string

	EnforceEventOrder bool
	OnApplied         AppliedCallback

	Logger  Logger
	Metrics Metrics

	// Now is overridable for tests. Used for sync writes.
	Now func() time.Time
}

// Reconciler applies classified provider events to the entitlement store.
// Each transition maps to at most one Store.Upsert, issued as the last
// fallible step.
type Reconciler struct {
	store       entitlement.Store
	fetcher     SubscriptionFetcher
	provider    string
	strictOrder bool
	onApplied   AppliedCallback
	logger      Logger
	metrics     Metrics
	now         func() time.Time
}

type applyFunc func(r *Reconciler, ctx context.Context, t Transition) (Result, error)

// transitionTable holds one handler per Kind. TestTransitionTableIsExhaustive
// guards it against new kinds.
var transitionTable = map[Kind]applyFunc{
	KindIgnored:           (*Reconciler).applyIgnored,
	KindCheckoutCompleted: (*Reconciler).applyCheckout,
	KindStatusChanged:     (*Reconciler).applyStatusChanged,
	KindCanceled:          (*Reconciler).applyCanceled,
}

// NewReconciler creates a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrProviderNotConfigured)
	}
	r := &Reconciler{
		store:       cfg.Store,
		fetcher:     cfg.Fetcher,
		provider:    cfg.Provider,
		strictOrder: cfg.EnforceEventOrder,
		onApplied:   cfg.OnApplied,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
	}
	if r.provider == "" {
		r.provider = "unknown"
	}
	if r.logger == nil {
		r.logger = &NoopLogger{}
	}
	if r.metrics == nil {
		r.metrics = &NoopMetrics{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Apply reconciles one transition. Errors matching ErrUnknownSubscriptionRef
// or entitlement.ErrStaleEvent are non-retryable outcomes; see StatusCode.
func (r *Reconciler) Apply(ctx context.Context, t Transition) (Result, error) {
	if t == nil {
		return Result{}, fmt.Errorf("%w: nil transition", ErrMalformedEvent)
	}
	fn, ok := transitionTable[t.Kind()]
	if !ok {
		return Result{}, fmt.Errorf("%w: unhandled transition kind %s", ErrMalformedEvent, t.Kind())
	}
	return fn(r, ctx, t)
}

func (r *Reconciler) applyIgnored(_ context.Context, t Transition) (Result, error) {
	ig := t.(Ignored)
	log := r.logger.Debug
	if ig.Warning {
		log = r.logger.Warn
	}
	log("event ignored",
		F("event_id", ig.ID),
		F("event_type", ig.Type),
		F("reason", ig.Reason),
	)
	return Result{Kind: KindIgnored, Outcome: OutcomeIgnored, Reason: ig.Reason}, nil
}

func (r *Reconciler) applyCheckout(ctx context.Context, t Transition) (Result, error) {
	c := t.(CheckoutCompleted)
	res := Result{Kind: KindCheckoutCompleted, TenantID: c.TenantID}

	if c.TenantID == "" {
		r.logger.Error("checkout event has no tenant correlation id",
			F("event_id", c.ID),
			F("subscription_ref", c.SubscriptionRef),
		)
		return res, ErrMissingCorrelation
	}
	if c.SubscriptionRef == "" {
		res.Outcome = OutcomeIgnored
		res.Reason = "not a subscription checkout"
		return res, nil
	}

	status, periodEnd, customerRef := c.Status, c.PeriodEnd, c.CustomerRef
	// The checkout may be delivered after later status changes were dropped
	// for an unknown ref, so the provider's current state is authoritative.
	if r.fetcher != nil {
		sub, err := r.fetch(ctx, c.SubscriptionRef)
		if err != nil {
			return res, err
		}
		status, periodEnd = sub.Status, sub.PeriodEnd
		if customerRef == "" {
			customerRef = sub.CustomerRef
		}
		if sub.Status == "" {
			r.logger.Warn("unrecognized provider subscription status",
				F("event_id", c.ID),
				F("subscription_ref", c.SubscriptionRef),
				F("provider_status", sub.ProviderStatus),
			)
		}
	} else if status == "" {
		return res, fmt.Errorf("%w: checkout carries no status and no subscription fetcher is set", ErrProviderNotConfigured)
	}
	if status == "" {
		res.Outcome = OutcomeIgnored
		res.Reason = "unrecognized subscription status"
		return res, nil
	}

	current, err := entitlement.GetOrDefault(ctx, r.store, c.TenantID)
	if err != nil {
		return res, fmt.Errorf("failed to load entitlement: %w", err)
	}

	// A checkout whose subscription is already gone must not clobber a
	// different live subscription the tenant has since started.
	if status == entitlement.StatusCanceled && current.SubscriptionRef != "" &&
		current.SubscriptionRef != c.SubscriptionRef && current.Status != entitlement.StatusCanceled {
		res.Outcome = OutcomeSkipped
		res.Reason = "checkout subscription already canceled"
		r.logger.Info("skipping checkout for canceled subscription",
			F("tenant_id", c.TenantID),
			F("subscription_ref", c.SubscriptionRef),
			F("current_subscription_ref", current.SubscriptionRef),
		)
		return res, nil
	}

	u := r.statusUpdate(c.EventMeta, status, periodEnd)
	u.SubscriptionRef = entitlement.String(c.SubscriptionRef)
	if current.CustomerRef == "" && customerRef != "" {
		u.CustomerRef = entitlement.String(customerRef)
	}
	if current.SubscriptionRef != "" && current.SubscriptionRef != c.SubscriptionRef {
		r.logger.Info("replacing subscription reference",
			F("tenant_id", c.TenantID),
			F("from", current.SubscriptionRef),
			F("to", c.SubscriptionRef),
		)
	}
	return r.commit(ctx, res, current, c.EventMeta, c.SubscriptionRef, u)
}

func (r *Reconciler) applyStatusChanged(ctx context.Context, t Transition) (Result, error) {
	s := t.(SubscriptionStatusChanged)
	res := Result{Kind: KindStatusChanged}

	if s.SubscriptionRef == "" {
		res.Outcome = OutcomeIgnored
		res.Reason = "no subscription reference"
		return res, nil
	}

	current, err := r.lookupRef(ctx, s.EventMeta, s.SubscriptionRef)
	if err != nil {
		return res, err
	}
	res.TenantID = current.TenantID

	status, periodEnd := s.Status, s.PeriodEnd
	if status == "" {
		if r.fetcher == nil {
			return res, fmt.Errorf("%w: status change carries no status and no subscription fetcher is set", ErrProviderNotConfigured)
		}
		sub, err := r.fetch(ctx, s.SubscriptionRef)
		if err != nil {
			return res, err
		}
		if sub.Status == "" {
			r.logger.Warn("unrecognized provider subscription status",
				F("event_id", s.ID),
				F("subscription_ref", s.SubscriptionRef),
				F("provider_status", sub.ProviderStatus),
			)
			res.Outcome = OutcomeIgnored
			res.Reason = "unrecognized subscription status"
			return res, nil
		}
		status, periodEnd = sub.Status, sub.PeriodEnd
	}

	// Provider subscriptions are terminal once canceled; only a new
	// checkout re-opens the tenant.
	if current.Status == entitlement.StatusCanceled && status != entitlement.StatusCanceled {
		res.Outcome = OutcomeSkipped
		res.Reason = "subscription already canceled"
		r.logger.Info("ignoring status change for canceled subscription",
			F("tenant_id", current.TenantID),
			F("subscription_ref", s.SubscriptionRef),
			F("status", string(status)),
		)
		return res, nil
	}

	u := r.statusUpdate(s.EventMeta, status, periodEnd)
	return r.commit(ctx, res, current, s.EventMeta, s.SubscriptionRef, u)
}

func (r *Reconciler) applyCanceled(ctx context.Context, t Transition) (Result, error) {
	c := t.(SubscriptionCanceled)
	res := Result{Kind: KindCanceled}

	if c.SubscriptionRef == "" {
		res.Outcome = OutcomeIgnored
		res.Reason = "no subscription reference"
		return res, nil
	}

	current, err := r.lookupRef(ctx, c.EventMeta, c.SubscriptionRef)
	if err != nil {
		return res, err
	}
	res.TenantID = current.TenantID

	u := r.statusUpdate(c.EventMeta, entitlement.StatusCanceled, nil)
	return r.commit(ctx, res, current, c.EventMeta, c.SubscriptionRef, u)
}

// statusUpdate builds the status, tier and period_end part of a write.
// canceled always clears period_end; a missing period_end leaves it as is.
func (r *Reconciler) statusUpdate(meta EventMeta, status entitlement.Status, periodEnd *time.Time) entitlement.Update {
	u := entitlement.Update{
		Status:      entitlement.StatusPtr(status),
		PlanTier:    entitlement.TierPtr(entitlement.TierFor(status)),
		OnlyIfNewer: r.strictOrder,
	}
	switch {
	case status == entitlement.StatusCanceled:
		u.ClearPeriodEnd = true
	case periodEnd != nil:
		u.PeriodEnd = periodEnd
	}
	if !meta.Created.IsZero() {
		u.EventAt = entitlement.Time(meta.Created)
	}
	return u
}

func (r *Reconciler) lookupRef(ctx context.Context, meta EventMeta, ref string) (*entitlement.Entitlement, error) {
	current, err := r.store.FindBySubscriptionRef(ctx, ref)
	if errors.Is(err, entitlement.ErrNotFound) {
		r.logger.Warn("event references unknown subscription",
			F("event_id", meta.ID),
			F("event_type", meta.Type),
			F("subscription_ref", ref),
		)
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubscriptionRef, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up subscription: %w", err)
	}
	return current, nil
}

func (r *Reconciler) fetch(ctx context.Context, ref string) (*Subscription, error) {
	sub, err := r.fetcher.FetchSubscription(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrProviderAPI) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderAPI, err)
	}
	if sub == nil {
		return nil, fmt.Errorf("%w: subscription %s not returned", ErrProviderAPI, ref)
	}
	return sub, nil
}

func (r *Reconciler) commit(
	ctx context.Context, res Result, current *entitlement.Entitlement,
	meta EventMeta, ref string, u entitlement.Update,
) (Result, error) {
	tenantID := current.TenantID
	if res.TenantID == "" {
		res.TenantID = tenantID
	}

	if err := r.store.Upsert(ctx, tenantID, u); err != nil {
		if errors.Is(err, entitlement.ErrStaleEvent) {
			res.Outcome = OutcomeSkipped
			res.Reason = "stale event"
			r.logger.Debug("stale event not applied",
				F("event_id", meta.ID),
				F("tenant_id", tenantID),
			)
			return res, err
		}
		return res, fmt.Errorf("failed to write entitlement: %w", err)
	}

	next := current.Clone()
	u.ApplyTo(next)
	ev := AppliedEvent{
		TenantID:        tenantID,
		PreviousStatus:  current.Status,
		PreviousTier:    current.PlanTier,
		Status:          next.Status,
		Tier:            next.PlanTier,
		SubscriptionRef: ref,
		PeriodEnd:       next.PeriodEnd,
		Provider:        r.provider,
		EventID:         meta.ID,
		EventType:       meta.Type,
		EventTimestamp:  meta.Created,
	}
	res.Outcome = OutcomeApplied
	res.Event = &ev

	if ev.PreviousStatus != ev.Status {
		r.metrics.RecordStatusChange(r.provider, string(ev.PreviousStatus), string(ev.Status))
	}
	r.logger.Info("entitlement reconciled",
		F("tenant_id", tenantID),
		F("event_type", meta.Type),
		F("from", string(ev.PreviousStatus)),
		F("to", string(ev.Status)),
	)

	if r.onApplied != nil {
		if err := r.onApplied(ctx, ev); err != nil {
			r.logger.Warn("applied-event callback failed",
				F("tenant_id", tenantID),
				F("error", err.Error()),
			)
		}
	}
	return res, nil
}

// SyncTenant re-reads the tenant's subscription from the provider and applies
// it. Tenants without a subscription are returned unchanged.
func (r *Reconciler) SyncTenant(ctx context.Context, tenantID string) (*entitlement.Entitlement, error) {
	start := r.now()
	ent, err := r.syncTenant(ctx, tenantID)
	status := "success"
	if err != nil {
		status = "error"
	}
	r.metrics.RecordTenantSync(r.provider, status)
	r.metrics.RecordTenantSyncDuration(r.provider, r.now().Sub(start))
	return ent, err
}

func (r *Reconciler) syncTenant(ctx context.Context, tenantID string) (*entitlement.Entitlement, error) {
	if tenantID == "" {
		return nil, entitlement.ErrInvalidTenant
	}
	current, err := entitlement.GetOrDefault(ctx, r.store, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entitlement: %w", err)
	}
	if current.SubscriptionRef == "" {
		return current, nil
	}
	if r.fetcher == nil {
		return nil, fmt.Errorf("%w: no subscription fetcher", ErrProviderNotConfigured)
	}

	sub, err := r.fetch(ctx, current.SubscriptionRef)
	if err != nil {
		return nil, err
	}
	if sub.Status == "" {
		r.logger.Warn("unrecognized provider subscription status",
			F("tenant_id", tenantID),
			F("provider_status", sub.ProviderStatus),
		)
		return current, nil
	}

	meta := EventMeta{Type: "sync", Created: r.now().UTC()}
	var t Transition = SubscriptionStatusChanged{
		EventMeta:       meta,
		SubscriptionRef: current.SubscriptionRef,
		Status:          sub.Status,
		PeriodEnd:       sub.PeriodEnd,
	}
	if sub.Status == entitlement.StatusCanceled {
		t = SubscriptionCanceled{EventMeta: meta, SubscriptionRef: current.SubscriptionRef}
	}
	if _, err := r.Apply(ctx, t); err != nil && !errors.Is(err, entitlement.ErrStaleEvent) {
		return nil, err
	}
	return entitlement.GetOrDefault(ctx, r.store, tenantID)
}
