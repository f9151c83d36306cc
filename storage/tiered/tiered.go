// Package tiered provides a Hot/Cold entitlement.Store that serves reads from
// a fast store (Hot) and keeps a durable store (Cold) as the source of truth.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

// Config configures the tiered store behavior
type Config struct {
	// Hot is the L1 store (e.g., Redis, Memory) serving gate reads
	Hot entitlement.Store

	// Cold is the L2 store (e.g., Postgres, Firestore) and the source of truth
	Cold entitlement.Store

	// AsyncHotRefresh copies committed rows into Hot on a background worker
	// instead of inline with the write.
	AsyncHotRefresh bool

	// SyncBufferSize is the size of the buffered channel for async refreshes.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when refreshing Hot fails, inline or async.
	// Reads of that tenant go to Cold until a later refresh succeeds.
	AsyncErrorHandler func(error)
}

// Deleter is implemented by hot stores that can drop a single tenant.
// The tiered store evicts through it when a refresh fails.
type Deleter interface {
	Delete(ctx context.Context, tenantID string) error
}

// Store implements a Hot/Cold tiered entitlement store.
// - Get: read-through (Hot, then Cold, then populate Hot)
// - FindBySubscriptionRef: Cold only; the reconciler must see committed refs
// - Upsert: write to Cold, then copy the committed row into Hot
//
// A tenant whose Hot copy may lag Cold is marked pending; Get skips Hot for
// it until a refresh lands.
type Store struct {
	hot  entitlement.Store
	cold entitlement.Store
	conf Config

	mu      sync.Mutex
	pending map[string]uint64
	gen     uint64

	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new tiered store.
func New(config Config) (*Store, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Store{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		pending:   make(map[string]uint64),
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}
	if config.AsyncHotRefresh {
		s.startWorker()
	}
	return s, nil
}

// Close drains pending refreshes and stops the worker.
func (s *Store) Close() error {
	if s.conf.AsyncHotRefresh {
		s.closeOnce.Do(func() {
			close(s.shutdown)
			s.wg.Wait()
		})
	}
	return nil
}

// startWorker applies refreshes sequentially, preserving write order.
func (s *Store) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.report(job())
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Store) report(err error) {
	if err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered sync failed: %w", err))
	}
}

// markPending records that Hot may be behind Cold for tenantID and returns
// the generation a refresh must match to clear it.
func (s *Store) markPending(tenantID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.pending[tenantID] = s.gen
	return s.gen
}

// clearPending drops the mark unless a newer write has set it again.
func (s *Store) clearPending(tenantID string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[tenantID] == gen {
		delete(s.pending, tenantID)
	}
}

func (s *Store) isPending(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[tenantID]
	return ok
}

// evict drops the Hot copy so other readers of Hot fall through to Cold.
func (s *Store) evict(ctx context.Context, tenantID string) {
	if d, ok := s.hot.(Deleter); ok {
		if err := d.Delete(ctx, tenantID); err != nil {
			s.report(fmt.Errorf("evict hot %s: %w", tenantID, err))
		}
	}
}

// Get implements entitlement.Store with read-through.
func (s *Store) Get(ctx context.Context, tenantID string) (*entitlement.Entitlement, error) {
	if s.isPending(tenantID) {
		return s.cold.Get(ctx, tenantID)
	}

	ent, err := s.hot.Get(ctx, tenantID)
	if err == nil {
		return ent, nil
	}

	ent, err = s.cold.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	// Cache fill; a failure only costs another Cold read.
	_ = s.hot.Upsert(ctx, tenantID, entitlement.FromEntitlement(ent))
	return ent, nil
}

// FindBySubscriptionRef implements entitlement.Store
func (s *Store) FindBySubscriptionRef(ctx context.Context, ref string) (*entitlement.Entitlement, error) {
	return s.cold.FindBySubscriptionRef(ctx, ref)
}

// Upsert implements entitlement.Store with write-through.
func (s *Store) Upsert(ctx context.Context, tenantID string, u entitlement.Update) error {
	if err := s.cold.Upsert(ctx, tenantID, u); err != nil {
		return err
	}
	gen := s.markPending(tenantID)

	refresh := func() error {
		// Background context: the request may be gone by the time this runs.
		ctx := context.Background()
		ent, err := s.cold.Get(ctx, tenantID)
		if err != nil {
			s.evict(ctx, tenantID)
			return fmt.Errorf("reload %s: %w", tenantID, err)
		}
		if err := s.hot.Upsert(ctx, tenantID, entitlement.FromEntitlement(ent)); err != nil {
			s.evict(ctx, tenantID)
			return fmt.Errorf("refresh hot %s: %w", tenantID, err)
		}
		s.clearPending(tenantID, gen)
		return nil
	}

	if !s.conf.AsyncHotRefresh {
		s.report(refresh())
		return nil
	}

	select {
	case s.syncQueue <- refresh:
	default:
		s.evict(context.Background(), tenantID)
		s.report(fmt.Errorf("sync queue full, hot copy of %s is stale", tenantID))
	}
	return nil
}
