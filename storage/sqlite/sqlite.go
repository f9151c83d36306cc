// Package sqlite provides an embedded, file-backed entitlement.Store on the
// pure-Go modernc.org/sqlite driver. It suits single-instance deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

const schema = `
CREATE TABLE IF NOT EXISTS entitlements (
	tenant_id        TEXT PRIMARY KEY,
	customer_ref     TEXT NOT NULL DEFAULT '',
	subscription_ref TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'none',
	plan_tier        TEXT NOT NULL DEFAULT 'basic',
	period_end       INTEGER,
	last_event_at    INTEGER,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS entitlements_subscription_ref_idx
	ON entitlements (subscription_ref) WHERE subscription_ref <> '';
`

// Timestamps are stored as Unix nanoseconds.
const upsertSQL = `
INSERT INTO entitlements
	(tenant_id, customer_ref, subscription_ref, status, plan_tier, period_end, last_event_at, updated_at)
VALUES (
	?1,
	COALESCE(?2, ''),
	COALESCE(?3, ''),
	COALESCE(?4, 'none'),
	COALESCE(?5, ?11),
	CASE WHEN ?9 THEN NULL ELSE ?6 END,
	?7,
	?8
)
ON CONFLICT (tenant_id) DO UPDATE SET
	customer_ref     = COALESCE(?2, customer_ref),
	subscription_ref = COALESCE(?3, subscription_ref),
	status           = COALESCE(?4, status),
	plan_tier        = COALESCE(?5, plan_tier),
	period_end       = CASE WHEN ?9 THEN NULL ELSE COALESCE(?6, period_end) END,
	last_event_at    = COALESCE(?7, last_event_at),
	updated_at       = ?8
WHERE NOT ?10 OR ?7 IS NULL OR last_event_at IS NULL OR last_event_at <= ?7`

const selectColumns = `tenant_id, customer_ref, subscription_ref, status, plan_tier,
	period_end, last_event_at, updated_at`

// Store implements entitlement.Store on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if path == ":memory:" {
		dsn = path
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One writer at a time; also keeps a ":memory:" database on a single connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the entitlements table and index if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get implements entitlement.Store
func (s *Store) Get(ctx context.Context, tenantID string) (*entitlement.Entitlement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM entitlements WHERE tenant_id = ?`, tenantID)
	return scanEntitlement(row)
}

// FindBySubscriptionRef implements entitlement.Store
func (s *Store) FindBySubscriptionRef(ctx context.Context, ref string) (*entitlement.Entitlement, error) {
	if ref == "" {
		return nil, entitlement.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM entitlements
			WHERE subscription_ref = ? ORDER BY updated_at DESC LIMIT 1`, ref)
	return scanEntitlement(row)
}

// Upsert implements entitlement.Store
func (s *Store) Upsert(ctx context.Context, tenantID string, u entitlement.Update) error {
	if tenantID == "" {
		return entitlement.ErrInvalidTenant
	}
	u = u.WithDerivedTier()

	var status, tier sql.NullString
	newStatus := entitlement.StatusNone
	if u.Status != nil {
		status = sql.NullString{String: string(*u.Status), Valid: true}
		newStatus = *u.Status
	}
	if u.PlanTier != nil {
		tier = sql.NullString{String: string(*u.PlanTier), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, upsertSQL,
		tenantID,
		nullString(u.CustomerRef),
		nullString(u.SubscriptionRef),
		status,
		tier,
		nanos(u.PeriodEnd),
		nanos(u.EventAt),
		s.now().UTC().UnixNano(),
		u.ClearPeriodEnd,
		u.OnlyIfNewer,
		string(entitlement.TierFor(newStatus)),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read upsert result: %w", err)
	}
	if n == 0 {
		return entitlement.ErrStaleEvent
	}
	return nil
}

func scanEntitlement(row *sql.Row) (*entitlement.Entitlement, error) {
	var (
		ent                  entitlement.Entitlement
		status, tier         string
		periodEnd, lastEvent sql.NullInt64
		updatedAt            int64
	)
	err := row.Scan(&ent.TenantID, &ent.CustomerRef, &ent.SubscriptionRef, &status, &tier,
		&periodEnd, &lastEvent, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entitlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	ent.Status = entitlement.Status(status)
	ent.PlanTier = entitlement.PlanTier(tier)
	ent.PeriodEnd = fromNanos(periodEnd)
	ent.LastEventAt = fromNanos(lastEvent)
	ent.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &ent, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
