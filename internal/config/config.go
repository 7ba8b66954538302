package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	DBSource    string
	StoreDriver string
	DBMaxConns  int32
	Port        string
	Env         string
	LogLevel    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SyncEnabled bool

	CardWebhookSecret string

	ChainMirrorURL       string
	ChainMerchantAccount string

	ExchangeRateURL      string
	ExchangeRateCacheTTL time.Duration

	ExportURL    string
	ExportAPIKey string

	NotifyURL string

	HTTPTimeout         time.Duration
	BreakerThreshold    uint32
	BreakerResetTimeout time.Duration

	Jobs JobsConfig
}

type JobsConfig struct {
	ExpiryInterval    time.Duration
	ExpiryEnabled     bool
	SyncInterval      time.Duration
	SyncEnabled       bool
	ReconcileInterval time.Duration
	ReconcileEnabled  bool
}

// Load reads configuration from the environment. A .env file in the working
// directory is read first if present; variables already set in the process
// environment win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from lookup, which reports whether a key is set.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	r := reader{lookup: lookup}

	cfg := &Config{
		StoreDriver: r.str("STORE_DRIVER", DriverPostgres),
		DBSource:    r.str("DB_SOURCE", ""),
		DBMaxConns:  int32(r.integer("DB_MAX_CONNS", 20)),
		Port:        r.str("SERVER_PORT", "8080"),
		Env:         r.str("ENVIRONMENT", "development"),
		LogLevel:    r.str("LOG_LEVEL", ""),

		RedisAddr:     r.str("REDIS_ADDR", ""),
		RedisPassword: r.str("REDIS_PASSWORD", ""),
		RedisDB:       r.integer("REDIS_DB", 0),

		SyncEnabled: r.boolean("SYNC_ENABLED", true),

		CardWebhookSecret: r.str("CARD_WEBHOOK_SECRET", ""),

		ChainMirrorURL:       r.str("CHAIN_MIRROR_URL", "https://mainnet-public.mirrornode.hedera.com"),
		ChainMerchantAccount: r.str("CHAIN_MERCHANT_ACCOUNT", ""),

		ExchangeRateURL:      r.str("EXCHANGE_RATE_URL", ""),
		ExchangeRateCacheTTL: r.duration("EXCHANGE_RATE_CACHE_TTL", 60*time.Second),

		ExportURL:    r.str("EXPORT_URL", ""),
		ExportAPIKey: r.str("EXPORT_API_KEY", ""),

		NotifyURL: r.str("NOTIFY_URL", ""),

		HTTPTimeout:         r.duration("HTTP_TIMEOUT", 8*time.Second),
		BreakerThreshold:    uint32(r.integer("BREAKER_THRESHOLD", 5)),
		BreakerResetTimeout: r.duration("BREAKER_RESET_TIMEOUT", 60*time.Second),

		Jobs: JobsConfig{
			ExpiryInterval:    r.duration("JOB_EXPIRY_INTERVAL", time.Minute),
			ExpiryEnabled:     r.boolean("JOB_EXPIRY_ENABLED", true),
			SyncInterval:      r.duration("JOB_SYNC_INTERVAL", 30*time.Second),
			SyncEnabled:       r.boolean("JOB_SYNC_ENABLED", true),
			ReconcileInterval: r.duration("JOB_RECONCILE_INTERVAL", 15*time.Minute),
			ReconcileEnabled:  r.boolean("JOB_RECONCILE_ENABLED", true),
		},
	}
	if r.err != nil {
		return nil, r.err
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case DriverMemory:
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, cfg.StoreDriver)
	}
	if cfg.BreakerThreshold == 0 {
		return nil, fmt.Errorf("BREAKER_THRESHOLD must be positive")
	}

	return cfg, nil
}

// reader keeps the first parse error so Load can report it once.
type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return n
}

func (r *reader) boolean(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return d
}

func (r *reader) fail(key, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
}
