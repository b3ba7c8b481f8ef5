// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Catalog sources
const (
	CatalogStatic   = "static"
	CatalogFile     = "file"
	CatalogPostgres = "postgres"
)

// Config is shared by every binary; each reads the keys it needs.
type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	RedisURL     string   `mapstructure:"REDIS_URL"`

	JWTSigningKey string `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer     string `mapstructure:"JWT_ISSUER"`

	CatalogSource         string `mapstructure:"CATALOG_SOURCE"`
	CatalogPath           string `mapstructure:"CATALOG_PATH"`
	CatalogReloadSchedule string `mapstructure:"CATALOG_RELOAD_SCHEDULE"`

	DefaultUsageLimit int           `mapstructure:"DEFAULT_USAGE_LIMIT"`
	DefaultValidity   time.Duration `mapstructure:"DEFAULT_VALIDITY"`

	DirectoryTimeout    time.Duration `mapstructure:"DIRECTORY_TIMEOUT"`
	DirectoryCacheTTL   time.Duration `mapstructure:"DIRECTORY_CACHE_TTL"`
	FallbackDoctorLimit int           `mapstructure:"FALLBACK_DOCTOR_LIMIT"`
	NotifyWorkers       int           `mapstructure:"NOTIFY_WORKERS"`
	NotifyQueueSize     int           `mapstructure:"NOTIFY_QUEUE_SIZE"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	GatewayPort    string   `mapstructure:"GATEWAY_PORT"`
	AllowedOrigins []string `mapstructure:"ALLOWED_ORIGINS"`
}

var defaults = map[string]interface{}{
	"PORT":                    "8080",
	"ENV":                     "development",
	"LOG_LEVEL":               "info",
	"DB_MAX_CONNS":            20,
	"DB_MIN_CONNS":            2,
	"KAFKA_BROKERS":           "localhost:9092",
	"REDIS_URL":               "redis://localhost:6379/0",
	"CATALOG_SOURCE":          CatalogStatic,
	"CATALOG_RELOAD_SCHEDULE": "@every 15m",
	"DEFAULT_USAGE_LIMIT":     1,
	"DEFAULT_VALIDITY":        "720h",
	"DIRECTORY_TIMEOUT":       "2s",
	"DIRECTORY_CACHE_TTL":     "1m",
	"FALLBACK_DOCTOR_LIMIT":   5,
	"NOTIFY_WORKERS":          4,
	"NOTIFY_QUEUE_SIZE":       1024,
	"OTLP_ENDPOINT":           "",
	"TRACE_SAMPLE_RATE":       1.0,
	"GATEWAY_PORT":            "8081",
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"KAFKA_BROKERS", "REDIS_URL",
	"JWT_SIGNING_KEY", "JWT_ISSUER",
	"CATALOG_SOURCE", "CATALOG_PATH", "CATALOG_RELOAD_SCHEDULE",
	"DEFAULT_USAGE_LIMIT", "DEFAULT_VALIDITY",
	"DIRECTORY_TIMEOUT", "DIRECTORY_CACHE_TTL", "FALLBACK_DOCTOR_LIMIT",
	"NOTIFY_WORKERS", "NOTIFY_QUEUE_SIZE",
	"OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"GATEWAY_PORT", "ALLOWED_ORIGINS",
}

// Load reads the environment, then .env if present. It does not validate;
// binaries call Validate or the narrower Require* checks they need.
func Load() (*Config, error) {
	return load(".env")
}

func load(file string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(file)
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	for _, k := range keys {
		v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.AllowedOrigins = splitList(v.GetString("ALLOWED_ORIGINS"))
	cfg.CatalogSource = strings.ToLower(strings.TrimSpace(cfg.CatalogSource))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsDev reports whether ENV is development
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the settings the prescription API depends on.
func (c *Config) Validate() error {
	if err := c.RequireDatabase(); err != nil {
		return err
	}
	if err := c.RequireSigningKey(); err != nil {
		return err
	}
	switch c.CatalogSource {
	case CatalogStatic, CatalogPostgres:
	case CatalogFile:
		if c.CatalogPath == "" {
			return fmt.Errorf("CATALOG_PATH is required when CATALOG_SOURCE is %q", CatalogFile)
		}
	default:
		return fmt.Errorf("CATALOG_SOURCE must be %q, %q or %q, got %q",
			CatalogStatic, CatalogFile, CatalogPostgres, c.CatalogSource)
	}
	if c.CatalogReloadSchedule != "" {
		if _, err := cron.ParseStandard(c.CatalogReloadSchedule); err != nil {
			return fmt.Errorf("CATALOG_RELOAD_SCHEDULE: %w", err)
		}
	}
	if c.DefaultUsageLimit < 1 {
		return fmt.Errorf("DEFAULT_USAGE_LIMIT must be at least 1, got %d", c.DefaultUsageLimit)
	}
	if c.DefaultValidity <= 0 {
		return fmt.Errorf("DEFAULT_VALIDITY must be positive")
	}
	if c.NotifyWorkers < 1 || c.NotifyQueueSize < 1 {
		return fmt.Errorf("NOTIFY_WORKERS and NOTIFY_QUEUE_SIZE must be positive")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0, 1], got %v", c.TraceSampleRate)
	}
	return nil
}

// RequireDatabase checks DATABASE_URL is set
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// RequireSigningKey checks the JWT key. Production needs at least 32 bytes.
func (c *Config) RequireSigningKey() error {
	if c.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required")
	}
	if !c.IsDev() && len(c.JWTSigningKey) < 32 {
		return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 bytes outside development")
	}
	return nil
}

// RequireKafka checks at least one broker is configured
func (c *Config) RequireKafka() error {
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	return nil
}
