package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

type Config struct {
	Port                   string `envconfig:"PORT" default:"8080"`
	AllowedOrigin          string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
	DatabaseDriver         string `envconfig:"DATABASE_DRIVER" default:"postgres"`
	DatabaseURL            string `envconfig:"DATABASE_URL"`
	MigrateOnStart         bool   `envconfig:"MIGRATE_ON_START" default:"false"`
	RedisAddr              string `envconfig:"REDIS_ADDR"`
	RedisPassword          string `envconfig:"REDIS_PASSWORD"`
	RedisDB                int    `envconfig:"REDIS_DB" default:"0"`
	CatalogCacheTTLSeconds int    `envconfig:"CATALOG_CACHE_TTL_SECONDS" default:"30"`
	InvoiceMaxAttempts     int    `envconfig:"INVOICE_MAX_ATTEMPTS" default:"3"`
	LogLevel               string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat              string `envconfig:"LOG_FORMAT" default:"text"`
}

// Load reads the environment. Malformed numbers and unknown drivers are
// reported rather than silently defaulted.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "read environment")
	}

	cfg.DatabaseDriver = strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver))
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	if cfg.DatabaseDriver != DriverPostgres && cfg.DatabaseDriver != DriverMySQL {
		return Config{}, errors.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}
	if cfg.CatalogCacheTTLSeconds < 1 {
		cfg.CatalogCacheTTLSeconds = 30
	}
	if cfg.InvoiceMaxAttempts < 1 {
		cfg.InvoiceMaxAttempts = 3
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) CatalogCacheTTL() time.Duration {
	return time.Duration(c.CatalogCacheTTLSeconds) * time.Second
}
