package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Storage drivers.
const (
	DriverJSONFile = "jsonfile"
	DriverPostgres = "postgres"
)

// Config holds the complete application configuration, loadable from
// environment variables (QUICKCART_ prefix), flags, or YAML config files.
type Config struct {
	Addr      string `default:"0.0.0.0:8080" usage:"API server listen address"`
	Storage   StorageConfig
	Search    SearchConfig
	Session   SessionConfig
	Delivery  DeliveryConfig
	Events    EventsConfig
	RateLimit RateLimitConfig
	Auth      AuthConfig
	Graceful  GracefulConfig
}

// StorageConfig selects where the catalog and the order ledger live.
type StorageConfig struct {
	Driver        string        `default:"jsonfile" usage:"Storage driver: jsonfile or postgres"`
	CatalogPath   string        `default:"data/catalog.json" usage:"Catalog JSON file" flag:"catalog-path"`
	LedgerPath    string        `default:"data/orders.json" usage:"Order ledger JSON file" flag:"ledger-path"`
	SeedCatalog   bool          `default:"true" usage:"Write the sample catalog when the catalog file is missing" flag:"seed-catalog"`
	LockTimeout   time.Duration `default:"2s" usage:"Maximum wait for exclusive ledger access" flag:"lock-timeout"`
	IORetries     int           `default:"3" usage:"Retries for transient filesystem errors" flag:"io-retries"`
	RetryInterval time.Duration `default:"20ms" usage:"Initial backoff between filesystem retries" flag:"retry-interval"`
	DatabaseURL   string        `usage:"PostgreSQL connection URL (QUICKCART_STORAGE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
}

// SearchConfig tunes catalog search.
type SearchConfig struct {
	Limit int     `default:"10" usage:"Default number of search results"`
	Floor float64 `default:"0.6" usage:"Minimum typo similarity that counts toward the score"`
}

// SessionConfig controls dialogue sessions.
type SessionConfig struct {
	IdleTTL       time.Duration `default:"30m" usage:"Idle time after which a session and its cart are dropped" flag:"session-ttl"`
	SweepInterval time.Duration `default:"1m" usage:"How often idle sessions are evicted" flag:"session-sweep"`
	HistoryLimit  int           `default:"5" usage:"Default order history length" flag:"history-limit"`
}

// DeliveryConfig controls the delivery simulation.
type DeliveryConfig struct {
	Enabled    bool          `default:"true" usage:"Advance orders through delivery stages automatically" flag:"delivery"`
	Interval   time.Duration `default:"1s" usage:"Delivery scan interval" flag:"delivery-interval"`
	StageDelay time.Duration `default:"5s" usage:"Time an order spends in each stage" flag:"stage-delay"`
}

// EventsConfig controls publishing of order events to Kafka.
type EventsConfig struct {
	Brokers      string        `default:"" usage:"Comma separated Kafka brokers; empty disables events" flag:"kafka-brokers"`
	Topic        string        `default:"quickcart.order-events" usage:"Kafka topic for order events" flag:"kafka-topic"`
	WriteTimeout time.Duration `default:"5s" usage:"Kafka write timeout" flag:"kafka-write-timeout"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window, 0 disables"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// AuthConfig guards operator routes with API keys.
type AuthConfig struct {
	Enabled bool   `default:"false" usage:"Require API keys on operator routes" flag:"auth"`
	Pepper  string `usage:"HMAC pepper for API key hashing" flag:"api-key-pepper"`
	Keys    string `usage:"Static keys as name:hash[:scope+scope], comma separated; empty reads the api_keys table" flag:"api-keys"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML config
// files, then applies platform defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "QUICKCART",
		Files:     []string{"config.yaml", "/etc/quickcart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch c.Storage.Driver {
	case DriverJSONFile:
		if c.Storage.LedgerPath == "" {
			return errors.New("ledger path is required for the jsonfile driver")
		}
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("database URL is required: set QUICKCART_STORAGE_DATABASE_URL or DATABASE_URL")
		}
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.LockTimeout <= 0 {
		return errors.New("lock timeout must be positive")
	}
	if c.Auth.Enabled {
		if c.Auth.Pepper == "" {
			return errors.New("api key pepper is required when auth is enabled")
		}
		if c.Auth.Keys == "" && c.Storage.Driver != DriverPostgres {
			return errors.New("static api keys are required unless the postgres driver is used")
		}
	}
	return nil
}

// applyPlatformDefaults maps the conventional DATABASE_URL and PORT
// variables onto the QUICKCART_ configuration.
func (c *Config) applyPlatformDefaults() {
	if c.Storage.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.Storage.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
