// Package firestore provides a Firestore implementation of the entitlement.Store interface.
// One document per tenant; the subscription ref is a field of that document,
// so each Upsert is a single-document transaction.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

// Store implements entitlement.Store using Google Cloud Firestore
type Store struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

// Config holds Firestore storage configuration
type Config struct {
	// Collection holds one document per tenant.
	// Default: "billing_entitlements"
	Collection string
}

// New creates a new Firestore store
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.Collection == "" {
		config.Collection = "billing_entitlements"
	}

	return &Store{
		client:     client,
		collection: config.Collection,
		now:        time.Now,
	}, nil
}

// Get implements entitlement.Store
func (s *Store) Get(ctx context.Context, tenantID string) (*entitlement.Entitlement, error) {
	snap, err := s.client.Collection(s.collection).Doc(tenantID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	if !snap.Exists() {
		return nil, entitlement.ErrNotFound
	}
	return fromData(snap.Ref.ID, snap.Data()), nil
}

// FindBySubscriptionRef implements entitlement.Store
func (s *Store) FindBySubscriptionRef(ctx context.Context, ref string) (*entitlement.Entitlement, error) {
	if ref == "" {
		return nil, entitlement.ErrNotFound
	}
	iter := s.client.Collection(s.collection).
		Where("subscriptionRef", "==", ref).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, entitlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription: %w", err)
	}
	return fromData(snap.Ref.ID, snap.Data()), nil
}

// Upsert implements entitlement.Store
func (s *Store) Upsert(ctx context.Context, tenantID string, u entitlement.Update) error {
	if tenantID == "" {
		return entitlement.ErrInvalidTenant
	}
	doc := s.client.Collection(s.collection).Doc(tenantID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		ent := entitlement.Default(tenantID)

		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			ent = fromData(tenantID, snap.Data())
		}

		if u.IsStale(ent) {
			return entitlement.ErrStaleEvent
		}
		u.ApplyTo(ent)
		ent.UpdatedAt = s.now().UTC()

		return tx.Set(doc, toData(ent))
	})
	if errors.Is(err, entitlement.ErrStaleEvent) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	return nil
}

func toData(ent *entitlement.Entitlement) map[string]interface{} {
	data := map[string]interface{}{
		"customerRef":     ent.CustomerRef,
		"subscriptionRef": ent.SubscriptionRef,
		"status":          string(ent.Status),
		"planTier":        string(ent.PlanTier),
		"periodEnd":       nil,
		"lastEventAt":     nil,
		"updatedAt":       ent.UpdatedAt,
	}
	if ent.PeriodEnd != nil {
		data["periodEnd"] = *ent.PeriodEnd
	}
	if ent.LastEventAt != nil {
		data["lastEventAt"] = *ent.LastEventAt
	}
	return data
}

func fromData(tenantID string, data map[string]interface{}) *entitlement.Entitlement {
	ent := &entitlement.Entitlement{
		TenantID:        tenantID,
		CustomerRef:     getString(data, "customerRef"),
		SubscriptionRef: getString(data, "subscriptionRef"),
		Status:          entitlement.Status(getString(data, "status")),
		PlanTier:        entitlement.PlanTier(getString(data, "planTier")),
		PeriodEnd:       getTimePtr(data, "periodEnd"),
		LastEventAt:     getTimePtr(data, "lastEventAt"),
		UpdatedAt:       getTime(data, "updatedAt"),
	}
	if ent.Status == "" {
		ent.Status = entitlement.StatusNone
	}
	if ent.PlanTier == "" {
		ent.PlanTier = entitlement.TierFor(ent.Status)
	}
	return ent
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	t := getTime(data, key)
	if t.IsZero() {
		return nil
	}
	return &t
}
