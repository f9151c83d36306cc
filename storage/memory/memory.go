// Package memory provides an in-memory implementation of the entitlement.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

// Store implements entitlement.Store using in-memory maps
type Store struct {
	mu     sync.RWMutex
	rows   map[string]*entitlement.Entitlement
	bySub  map[string]string
	now    func() time.Time
	writes int
}

// New creates a new in-memory store
func New() *Store {
	return &Store{
		rows:  make(map[string]*entitlement.Entitlement),
		bySub: make(map[string]string),
		now:   time.Now,
	}
}

// SetClock overrides the clock used for updated_at.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Get implements entitlement.Store
func (s *Store) Get(ctx context.Context, tenantID string) (*entitlement.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.rows[tenantID]
	if !ok {
		return nil, entitlement.ErrNotFound
	}
	// Return a copy to prevent external mutations
	return ent.Clone(), nil
}

// Upsert implements entitlement.Store. The row and the subscription index
// change under one lock.
func (s *Store) Upsert(ctx context.Context, tenantID string, u entitlement.Update) error {
	if tenantID == "" {
		return entitlement.ErrInvalidTenant
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.rows[tenantID]
	if !ok {
		ent = entitlement.Default(tenantID)
	} else {
		ent = ent.Clone()
	}
	if u.IsStale(ent) {
		return entitlement.ErrStaleEvent
	}

	oldRef := ent.SubscriptionRef
	u.ApplyTo(ent)
	ent.UpdatedAt = s.now().UTC()

	if oldRef != ent.SubscriptionRef && oldRef != "" && s.bySub[oldRef] == tenantID {
		delete(s.bySub, oldRef)
	}
	if ent.SubscriptionRef != "" {
		s.bySub[ent.SubscriptionRef] = tenantID
	}
	s.rows[tenantID] = ent
	s.writes++
	return nil
}

// FindBySubscriptionRef implements entitlement.Store
func (s *Store) FindBySubscriptionRef(ctx context.Context, ref string) (*entitlement.Entitlement, error) {
	if ref == "" {
		return nil, entitlement.ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenantID, ok := s.bySub[ref]
	if !ok {
		return nil, entitlement.ErrNotFound
	}
	ent, ok := s.rows[tenantID]
	if !ok {
		return nil, entitlement.ErrNotFound
	}
	return ent.Clone(), nil
}

// Delete removes a tenant's row and its subscription index entry.
func (s *Store) Delete(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.rows[tenantID]; ok && ent.SubscriptionRef != "" {
		delete(s.bySub, ent.SubscriptionRef)
	}
	delete(s.rows, tenantID)
	return nil
}

// Writes returns the number of committed upserts.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// Clear removes all data from the store (useful for testing)
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rows = make(map[string]*entitlement.Entitlement)
	s.bySub = make(map[string]string)
	s.writes = 0
}
