package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/entitlesync/internal/config"
	"github.com/mihaimyh/entitlesync/pkg/api"
	"github.com/mihaimyh/entitlesync/pkg/billing"
	zerologadapter "github.com/mihaimyh/entitlesync/pkg/billing/logger/zerolog"
	prommetrics "github.com/mihaimyh/entitlesync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/entitlesync/pkg/billing/notify/rabbitmq"
	"github.com/mihaimyh/entitlesync/pkg/billing/stripe"
	"github.com/mihaimyh/entitlesync/pkg/entitlement"
	firestorestore "github.com/mihaimyh/entitlesync/storage/firestore"
	"github.com/mihaimyh/entitlesync/storage/memory"
	"github.com/mihaimyh/entitlesync/storage/postgres"
	redisstore "github.com/mihaimyh/entitlesync/storage/redis"
	"github.com/mihaimyh/entitlesync/storage/sqlite"
	"github.com/mihaimyh/entitlesync/storage/tiered"
)

// app is the wired service shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	blog     billing.Logger
	store    entitlement.Store
	gate     *entitlement.Gate
	provider *stripe.Provider
	api      *api.Handler
	registry *prometheus.Registry

	publisher  *rabbitmq.Publisher
	subscriber *rabbitmq.Subscriber

	closers []func() error
}

// opened is a store plus whatever must be closed or migrated with it.
type opened struct {
	store   entitlement.Store
	migrate func(context.Context) error
	close   func() error
}

func openStore(ctx context.Context, cfg config.StoreConfig) (opened, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return opened{store: memory.New()}, nil

	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return opened{}, err
		}
		return opened{store: s, migrate: s.Migrate, close: s.Close}, nil

	case config.DriverPostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.PostgresDSN
		if cfg.PostgresMaxConns > 0 {
			pgCfg.MaxConns = cfg.PostgresMaxConns
		}
		s, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return opened{}, err
		}
		return opened{store: s, migrate: s.Migrate, close: func() error { s.Close(); return nil }}, nil

	case config.DriverRedis:
		return openRedis(ctx, cfg)

	case config.DriverFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return opened{}, fmt.Errorf("failed to create firestore client: %w", err)
		}
		s, err := firestorestore.New(client, firestorestore.Config{Collection: cfg.FirestoreCollection})
		if err != nil {
			_ = client.Close()
			return opened{}, err
		}
		return opened{store: s, close: client.Close}, nil

	default:
		return opened{}, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openRedis(ctx context.Context, cfg config.StoreConfig) (opened, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return opened{}, fmt.Errorf("%w: redis ping: %v", entitlement.ErrStoreUnavailable, err)
	}
	s, err := redisstore.New(client, redisstore.Config{KeyPrefix: cfg.RedisPrefix})
	if err != nil {
		_ = client.Close()
		return opened{}, err
	}
	return opened{store: s, close: client.Close}, nil
}

// buildStore opens the configured driver and layers the optional Redis hot
// tier and the circuit breaker on top.
func (a *app) buildStore(ctx context.Context) error {
	cold, err := openStore(ctx, a.cfg.Store)
	if err != nil {
		return err
	}
	if cold.close != nil {
		a.closers = append(a.closers, cold.close)
	}
	store := cold.store

	if a.cfg.Store.RedisHot && a.cfg.Store.Driver != config.DriverRedis {
		hot, err := openRedis(ctx, a.cfg.Store)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, hot.close)

		t, err := tiered.New(tiered.Config{
			Hot:  hot.store,
			Cold: cold.store,
			AsyncErrorHandler: func(err error) {
				a.logger.Warn().Err(err).Msg("hot tier refresh failed")
			},
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, t.Close)
		store = t
	}

	if a.cfg.Breaker.Enabled {
		store = entitlement.NewCircuitBreakerStore(store, entitlement.CircuitBreakerConfig{
			FailureThreshold: a.cfg.Breaker.FailureThreshold,
			Timeout:          a.cfg.Breaker.Timeout,
			OnStateChange: func(name, from, to string) {
				a.logger.Warn().Str("breaker", name).Str("from", from).Str("to", to).Msg("store circuit breaker state change")
			},
		})
	}
	a.store = store
	return nil
}

// migrate applies the schema for drivers that have one.
func migrate(ctx context.Context, cfg config.StoreConfig) (bool, error) {
	s, err := openStore(ctx, cfg)
	if err != nil {
		return false, err
	}
	if s.close != nil {
		defer s.close()
	}
	if s.migrate == nil {
		return false, nil
	}
	return true, s.migrate(ctx)
}

// newApp wires the store, gate, Stripe provider and API handler. withBroker
// connects the change publisher and subscriber when AMQP_URL is set.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, withBroker bool) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		blog:     zerologadapter.NewLogger(logger),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := a.buildStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	gate, err := entitlement.NewGate(entitlement.GateConfig{
		Store:    a.store,
		Cache:    entitlement.NewLRUCache(cfg.Gate.CacheSize),
		CacheTTL: cfg.Gate.CacheTTL,
		Grace:    cfg.Gate.Grace,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.gate = gate

	if withBroker && cfg.Notify.AMQPURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.Notify.AMQPURL, cfg.Notify.Exchange, a.blog)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.publisher = pub
		a.closers = append(a.closers, pub.Close)

		sub, err := rabbitmq.NewSubscriber(rabbitmq.SubscriberConfig{
			URL:      cfg.Notify.AMQPURL,
			Exchange: cfg.Notify.Exchange,
			Logger:   a.blog,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.subscriber = sub
		a.closers = append(a.closers, sub.Close)
	}

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Store:              a.store,
			WebhookSecret:      cfg.Stripe.WebhookSecret,
			APIKey:             cfg.Stripe.SecretKey,
			EnforceEventOrder:  cfg.Events.EnforceEventOrder,
			OnApplied:          a.onApplied,
			RateLimitPerMinute: cfg.Stripe.RateLimitPerMinute,
			Metrics:            prommetrics.NewMetrics(a.registry, cfg.Metrics.Namespace),
			Logger:             a.blog,
		},
		PriceID:            cfg.Stripe.PriceID,
		TrialDays:          cfg.Stripe.TrialDays,
		SuccessURL:         cfg.Stripe.SuccessURL,
		CancelURL:          cfg.Stripe.CancelURL,
		PortalReturnURL:    cfg.Stripe.PortalReturnURL,
		SignatureTolerance: cfg.Stripe.SignatureTolerance,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create stripe provider: %w", err)
	}
	a.provider = provider

	handler, err := api.NewHandler(api.Config{
		Store:       a.store,
		Billing:     provider,
		GetTenantID: api.FromHeader(cfg.API.TenantHeader),
		Grace:       cfg.Gate.Grace,
		Logger:      a.blog,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.api = handler
	return a, nil
}

// onApplied drops the local gate entry and fans the change out to the
// other instances.
func (a *app) onApplied(ctx context.Context, ev billing.AppliedEvent) error {
	a.gate.Invalidate(ev.TenantID)
	if a.publisher == nil {
		return nil
	}
	return a.publisher.Publish(ctx, ev)
}

// invalidate handles changes published by any instance.
func (a *app) invalidate(_ context.Context, ev billing.AppliedEvent) {
	a.gate.Invalidate(ev.TenantID)
	a.logger.Debug().Str("tenant_id", ev.TenantID).Str("status", string(ev.Status)).Msg("gate cache invalidated")
}

func (a *app) metricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
