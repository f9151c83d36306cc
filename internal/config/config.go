// Package config loads the entitlesync binary's settings from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverMemory    = "memory"
	DriverSQLite    = "sqlite"
	DriverPostgres  = "postgres"
	DriverRedis     = "redis"
	DriverFirestore = "firestore"
)

type Config struct {
	HTTP    HTTPConfig
	Log     LogConfig
	Stripe  StripeConfig
	Store   StoreConfig
	Gate    GateConfig
	Notify  NotifyConfig
	API     APIConfig
	Metrics MetricsConfig
	Breaker BreakerConfig
	Events  EventsConfig
}

type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	// TrustProxyHeaders takes the client address from forwarding headers.
	TrustProxyHeaders bool
}

type LogConfig struct {
	Level  string
	Format string // json or console
}

type StripeConfig struct {
	SecretKey          string
	WebhookSecret      string
	PriceID            string
	TrialDays          int
	SuccessURL         string
	CancelURL          string
	PortalReturnURL    string
	SignatureTolerance time.Duration
	RateLimitPerMinute int
}

type StoreConfig struct {
	Driver string

	SQLitePath string

	PostgresDSN      string
	PostgresMaxConns int32

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// RedisHot puts Redis in front of a durable driver as a read-through tier.
	RedisHot bool

	FirestoreProject    string
	FirestoreCollection string
}

type GateConfig struct {
	CacheSize int
	CacheTTL  time.Duration
	Grace     time.Duration
}

type NotifyConfig struct {
	AMQPURL  string
	Exchange string
}

type APIConfig struct {
	TenantHeader string
}

type MetricsConfig struct {
	Namespace string
}

type BreakerConfig struct {
	Enabled          bool
	FailureThreshold uint32
	Timeout          time.Duration
}

// EventsConfig controls how webhook events are applied.
type EventsConfig struct {
	EnforceEventOrder bool
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return fromEnv()
}

// LoadFile reads the given env file, which must exist, then the environment.
// Variables already set in the environment win.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return fromEnv()
}

func fromEnv() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Addr:              getEnv("HTTP_ADDR", ":8080"),
			ShutdownTimeout:   getDurationEnv("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
			TrustProxyHeaders: getBoolEnv("HTTP_TRUST_PROXY_HEADERS", false),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Stripe: StripeConfig{
			SecretKey:          getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret:      getEnv("STRIPE_WEBHOOK_SECRET", ""),
			PriceID:            getEnv("STRIPE_PRICE_ID", ""),
			TrialDays:          getIntEnv("STRIPE_TRIAL_DAYS", 7),
			SuccessURL:         getEnv("STRIPE_SUCCESS_URL", "http://localhost:3000/billing/success"),
			CancelURL:          getEnv("STRIPE_CANCEL_URL", "http://localhost:3000/billing/cancel"),
			PortalReturnURL:    getEnv("STRIPE_PORTAL_RETURN_URL", "http://localhost:3000/settings"),
			SignatureTolerance: getDurationEnv("STRIPE_SIGNATURE_TOLERANCE", 5*time.Minute),
			RateLimitPerMinute: getIntEnv("WEBHOOK_RATE_LIMIT_PER_MINUTE", 100),
		},
		Store: StoreConfig{
			Driver:              strings.ToLower(getEnv("STORE_DRIVER", DriverMemory)),
			SQLitePath:          getEnv("SQLITE_PATH", "entitlesync.db"),
			PostgresDSN:         getEnv("POSTGRES_DSN", ""),
			PostgresMaxConns:    int32(getIntEnv("POSTGRES_MAX_CONNS", 10)),
			RedisAddr:           getEnv("REDIS_ADDR", ""),
			RedisPassword:       getEnv("REDIS_PASSWORD", ""),
			RedisDB:             getIntEnv("REDIS_DB", 0),
			RedisPrefix:         getEnv("REDIS_PREFIX", "entitlesync:"),
			RedisHot:            getBoolEnv("STORE_REDIS_HOT", false),
			FirestoreProject:    getEnv("FIRESTORE_PROJECT_ID", ""),
			FirestoreCollection: getEnv("FIRESTORE_COLLECTION", "billing_entitlements"),
		},
		Gate: GateConfig{
			CacheSize: getIntEnv("GATE_CACHE_SIZE", 10000),
			CacheTTL:  getDurationEnv("GATE_CACHE_TTL", 30*time.Second),
			Grace:     getDurationEnv("GATE_GRACE", 0),
		},
		Notify: NotifyConfig{
			AMQPURL:  getEnv("AMQP_URL", ""),
			Exchange: getEnv("AMQP_EXCHANGE", "entitlesync.entitlements"),
		},
		API: APIConfig{
			TenantHeader: getEnv("TENANT_HEADER", "X-Tenant-ID"),
		},
		Metrics: MetricsConfig{
			Namespace: getEnv("METRICS_NAMESPACE", "entitlesync"),
		},
		Breaker: BreakerConfig{
			Enabled:          getBoolEnv("STORE_BREAKER_ENABLED", true),
			FailureThreshold: uint32(getIntEnv("STORE_BREAKER_FAILURES", 5)),
			Timeout:          getDurationEnv("STORE_BREAKER_TIMEOUT", 30*time.Second),
		},
		Events: EventsConfig{
			EnforceEventOrder: getBoolEnv("ENFORCE_EVENT_ORDER", false),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres driver"))
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis driver"))
		}
	case DriverFirestore:
		if c.Store.FirestoreProject == "" {
			errs = append(errs, errors.New("FIRESTORE_PROJECT_ID is required for the firestore driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}
	if c.Store.RedisHot && c.Store.RedisAddr == "" {
		errs = append(errs, errors.New("STORE_REDIS_HOT requires REDIS_ADDR"))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("45s") or bare seconds ("45").
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
