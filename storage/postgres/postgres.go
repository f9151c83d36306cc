// Package postgres provides a PostgreSQL implementation of the entitlement.Store interface.
// The subscription ref lives on the row itself, so each Upsert is one
// INSERT ... ON CONFLICT statement and the index can never diverge from the row.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

//go:embed schema.sql
var schema string

// Store implements entitlement.Store using PostgreSQL
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL store
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", entitlement.ErrStoreUnavailable, err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Migrate creates the entitlements table and index if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const selectColumns = `tenant_id, customer_ref, subscription_ref, status, plan_tier,
	period_end, last_event_at, updated_at`

// Get implements entitlement.Store
func (s *Store) Get(ctx context.Context, tenantID string) (*entitlement.Entitlement, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM entitlements WHERE tenant_id = $1`, tenantID)
	return scanEntitlement(row)
}

// FindBySubscriptionRef implements entitlement.Store
func (s *Store) FindBySubscriptionRef(ctx context.Context, ref string) (*entitlement.Entitlement, error) {
	if ref == "" {
		return nil, entitlement.ErrNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM entitlements
			WHERE subscription_ref = $1
			ORDER BY updated_at DESC
			LIMIT 1`, ref)
	return scanEntitlement(row)
}

// upsertSQL merges nullable parameters over the stored row. $10 turns the
// write into a conditional one: it only lands when the event is not older
// than last_event_at.
const upsertSQL = `
INSERT INTO entitlements AS e
	(tenant_id, customer_ref, subscription_ref, status, plan_tier, period_end, last_event_at, updated_at)
VALUES (
	$1,
	COALESCE($2::text, ''),
	COALESCE($3::text, ''),
	COALESCE($4::text, 'none'),
	COALESCE($5::text, $11::text),
	CASE WHEN $9::boolean THEN NULL ELSE $6::timestamptz END,
	$7::timestamptz,
	$8
)
ON CONFLICT (tenant_id) DO UPDATE SET
	customer_ref     = COALESCE($2::text, e.customer_ref),
	subscription_ref = COALESCE($3::text, e.subscription_ref),
	status           = COALESCE($4::text, e.status),
	plan_tier        = COALESCE($5::text, e.plan_tier),
	period_end       = CASE WHEN $9::boolean THEN NULL ELSE COALESCE($6::timestamptz, e.period_end) END,
	last_event_at    = COALESCE($7::timestamptz, e.last_event_at),
	updated_at       = $8
WHERE NOT $10::boolean
	OR $7::timestamptz IS NULL
	OR e.last_event_at IS NULL
	OR e.last_event_at <= $7::timestamptz`

// Upsert implements entitlement.Store
func (s *Store) Upsert(ctx context.Context, tenantID string, u entitlement.Update) error {
	if tenantID == "" {
		return entitlement.ErrInvalidTenant
	}
	u = u.WithDerivedTier()

	var status, tier *string
	newStatus := entitlement.StatusNone
	if u.Status != nil {
		v := string(*u.Status)
		status = &v
		newStatus = *u.Status
	}
	if u.PlanTier != nil {
		v := string(*u.PlanTier)
		tier = &v
	}

	tag, err := s.pool.Exec(ctx, upsertSQL,
		tenantID,
		u.CustomerRef,
		u.SubscriptionRef,
		status,
		tier,
		utc(u.PeriodEnd),
		utc(u.EventAt),
		time.Now().UTC(),
		u.ClearPeriodEnd,
		u.OnlyIfNewer,
		string(entitlement.TierFor(newStatus)),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlement.ErrStaleEvent
	}
	return nil
}

func scanEntitlement(row pgx.Row) (*entitlement.Entitlement, error) {
	var ent entitlement.Entitlement
	var status, tier string
	err := row.Scan(
		&ent.TenantID,
		&ent.CustomerRef,
		&ent.SubscriptionRef,
		&status,
		&tier,
		&ent.PeriodEnd,
		&ent.LastEventAt,
		&ent.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	ent.Status = entitlement.Status(status)
	ent.PlanTier = entitlement.PlanTier(tier)
	ent.PeriodEnd = utc(ent.PeriodEnd)
	ent.LastEventAt = utc(ent.LastEventAt)
	ent.UpdatedAt = ent.UpdatedAt.UTC()
	return &ent, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
