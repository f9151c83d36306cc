// Package redis provides a Redis implementation of the entitlement.Store interface.
// Each record is a JSON document; a Lua script merges updates and moves the
// subscription index key in the same atomic step.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

// timeLayout is fixed width so the script can compare timestamps as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements entitlement.Store using Redis
type Store struct {
	client redis.UniversalClient
	config Config
	upsert *redis.Script
	now    func() time.Time
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "entitlesync:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "entitlesync:",
	}
}

// New creates a new Redis store.
// The client can be *redis.Client or *redis.Ring. The script touches index
// keys it derives at run time, so Redis Cluster is not supported.
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}

	return &Store{
		client: client,
		config: config,
		upsert: redis.NewScript(upsertScript),
		now:    time.Now,
	}, nil
}

// upsertScript returns "stale" when a conditional write loses, "ok" otherwise.
const upsertScript = `
local rowKey = KEYS[1]
local prefix = ARGV[1]
local u = cjson.decode(ARGV[2])

local raw = redis.call('GET', rowKey)
local row
if raw then
	row = cjson.decode(raw)
else
	row = {
		tenant_id = u.tenant_id,
		customer_ref = '',
		subscription_ref = '',
		status = 'none',
		plan_tier = u.default_tier,
	}
end

if u.only_if_newer and u.event_at and row.last_event_at and u.event_at < row.last_event_at then
	return 'stale'
end

local oldRef = row.subscription_ref or ''
if u.customer_ref then row.customer_ref = u.customer_ref end
if u.subscription_ref then row.subscription_ref = u.subscription_ref end
if u.status then row.status = u.status end
if u.plan_tier then row.plan_tier = u.plan_tier end
if u.clear_period_end then
	row.period_end = nil
elseif u.period_end then
	row.period_end = u.period_end
end
if u.event_at then row.last_event_at = u.event_at end
row.updated_at = u.updated_at

local newRef = row.subscription_ref or ''
if oldRef ~= newRef and oldRef ~= '' then
	local oldKey = prefix .. 'sub:' .. oldRef
	if redis.call('GET', oldKey) == u.tenant_id then
		redis.call('DEL', oldKey)
	end
end
if newRef ~= '' then
	redis.call('SET', prefix .. 'sub:' .. newRef, u.tenant_id)
end

redis.call('SET', rowKey, cjson.encode(row))
return 'ok'
`

// scriptUpdate is the script argument. Absent fields are left untouched.
type scriptUpdate struct {
	TenantID        string  `json:"tenant_id"`
	DefaultTier     string  `json:"default_tier"`
	CustomerRef     *string `json:"customer_ref,omitempty"`
	SubscriptionRef *string `json:"subscription_ref,omitempty"`
	Status          *string `json:"status,omitempty"`
	PlanTier        *string `json:"plan_tier,omitempty"`
	PeriodEnd       string  `json:"period_end,omitempty"`
	ClearPeriodEnd  bool    `json:"clear_period_end,omitempty"`
	EventAt         string  `json:"event_at,omitempty"`
	OnlyIfNewer     bool    `json:"only_if_newer,omitempty"`
	UpdatedAt       string  `json:"updated_at"`
}

// storedRow is the JSON document kept at the row key.
type storedRow struct {
	TenantID        string `json:"tenant_id"`
	CustomerRef     string `json:"customer_ref"`
	SubscriptionRef string `json:"subscription_ref"`
	Status          string `json:"status"`
	PlanTier        string `json:"plan_tier"`
	PeriodEnd       string `json:"period_end"`
	LastEventAt     string `json:"last_event_at"`
	UpdatedAt       string `json:"updated_at"`
}

func (s *Store) rowKey(tenantID string) string {
	return s.config.KeyPrefix + "ent:" + tenantID
}

func (s *Store) subKey(ref string) string {
	return s.config.KeyPrefix + "sub:" + ref
}

// Get implements entitlement.Store
func (s *Store) Get(ctx context.Context, tenantID string) (*entitlement.Entitlement, error) {
	raw, err := s.client.Get(ctx, s.rowKey(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return decodeRow(raw)
}

// FindBySubscriptionRef implements entitlement.Store
func (s *Store) FindBySubscriptionRef(ctx context.Context, ref string) (*entitlement.Entitlement, error) {
	if ref == "" {
		return nil, entitlement.ErrNotFound
	}
	tenantID, err := s.client.Get(ctx, s.subKey(ref)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up subscription: %w", err)
	}

	ent, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if ent.SubscriptionRef != ref {
		return nil, entitlement.ErrNotFound
	}
	return ent, nil
}

// Delete drops the tenant's row. A dangling subscription key is harmless:
// FindBySubscriptionRef resolves through the row.
func (s *Store) Delete(ctx context.Context, tenantID string) error {
	if err := s.client.Del(ctx, s.rowKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("failed to delete entitlement: %w", err)
	}
	return nil
}

// Upsert implements entitlement.Store
func (s *Store) Upsert(ctx context.Context, tenantID string, u entitlement.Update) error {
	if tenantID == "" {
		return entitlement.ErrInvalidTenant
	}
	u = u.WithDerivedTier()

	arg := scriptUpdate{
		TenantID:        tenantID,
		DefaultTier:     string(entitlement.TierFor(entitlement.StatusNone)),
		CustomerRef:     u.CustomerRef,
		SubscriptionRef: u.SubscriptionRef,
		PeriodEnd:       formatTime(u.PeriodEnd),
		ClearPeriodEnd:  u.ClearPeriodEnd,
		EventAt:         formatTime(u.EventAt),
		OnlyIfNewer:     u.OnlyIfNewer,
		UpdatedAt:       s.now().UTC().Format(timeLayout),
	}
	if u.Status != nil {
		v := string(*u.Status)
		arg.Status = &v
		arg.DefaultTier = string(entitlement.TierFor(*u.Status))
	}
	if u.PlanTier != nil {
		v := string(*u.PlanTier)
		arg.PlanTier = &v
	}

	payload, err := json.Marshal(arg)
	if err != nil {
		return fmt.Errorf("failed to encode update: %w", err)
	}

	res, err := s.upsert.Run(ctx, s.client, []string{s.rowKey(tenantID)}, s.config.KeyPrefix, payload).Text()
	if err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	if res == "stale" {
		return entitlement.ErrStaleEvent
	}
	return nil
}

func decodeRow(raw []byte) (*entitlement.Entitlement, error) {
	var row storedRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("failed to decode entitlement: %w", err)
	}
	ent := &entitlement.Entitlement{
		TenantID:        row.TenantID,
		CustomerRef:     row.CustomerRef,
		SubscriptionRef: row.SubscriptionRef,
		Status:          entitlement.Status(row.Status),
		PlanTier:        entitlement.PlanTier(row.PlanTier),
		PeriodEnd:       parseTime(row.PeriodEnd),
		LastEventAt:     parseTime(row.LastEventAt),
	}
	if t := parseTime(row.UpdatedAt); t != nil {
		ent.UpdatedAt = *t
	}
	return ent, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return nil
	}
	return &t
}
