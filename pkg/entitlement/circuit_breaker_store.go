package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// CircuitBreakerConfig configures CircuitBreakerStore.
type CircuitBreakerConfig struct {
	Name string

	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32

	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration

	// MaxRequests allowed through while half-open.
	MaxRequests uint32

	// OnStateChange is called on every transition, e.g. to log or record metrics.
	OnStateChange func(name string, from, to string)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             "entitlement-store",
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		MaxRequests:      1,
	}
}

// CircuitBreakerStore wraps a Store with circuit breaker protection.
// ErrNotFound and ErrStaleEvent are outcomes, not failures, and never trip it.
type CircuitBreakerStore struct {
	store Store
	cb    *gobreaker.CircuitBreaker[any]
}

// NewCircuitBreakerStore creates a new store wrapper with a circuit breaker.
func NewCircuitBreakerStore(store Store, cfg CircuitBreakerConfig) *CircuitBreakerStore {
	def := DefaultCircuitBreakerConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleEvent) ||
				errors.Is(err, context.Canceled)
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(name, from.String(), to.String())
		}
	}

	return &CircuitBreakerStore{
		store: store,
		cb:    gobreaker.NewCircuitBreaker[any](settings),
	}
}

// State returns the breaker state: "closed", "half-open" or "open".
func (s *CircuitBreakerStore) State() string {
	return s.cb.State().String()
}

func (s *CircuitBreakerStore) Get(ctx context.Context, tenantID string) (*Entitlement, error) {
	res, err := s.execute(func() (any, error) {
		return s.store.Get(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Entitlement), nil
}

func (s *CircuitBreakerStore) Upsert(ctx context.Context, tenantID string, u Update) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.store.Upsert(ctx, tenantID, u)
	})
	return err
}

func (s *CircuitBreakerStore) FindBySubscriptionRef(ctx context.Context, ref string) (*Entitlement, error) {
	res, err := s.execute(func() (any, error) {
		return s.store.FindBySubscriptionRef(ctx, ref)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Entitlement), nil
}

func (s *CircuitBreakerStore) execute(fn func() (any, error)) (any, error) {
	res, err := s.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrStoreUnavailable
	}
	return res, err
}
