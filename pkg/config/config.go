package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/permengine/pkg/observability"
)

// EnvPrefix prefixes every environment variable, e.g. PERMENGINE_HTTP_ADDR
const EnvPrefix = "PERMENGINE"

// Config holds all application configuration. Values come from Default,
// then the optional YAML file, then the environment.
type Config struct {
	Environment string `envconfig:"ENVIRONMENT" yaml:"environment"`
	ConfigFile  string `envconfig:"CONFIG_FILE" yaml:"-"`

	// Server
	HTTPAddr        string        `envconfig:"HTTP_ADDR" yaml:"http_addr"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" yaml:"read_timeout"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout"`

	// PostgreSQL
	PostgresURL      string        `envconfig:"POSTGRES_URL" yaml:"postgres_url"`
	PostgresMaxConns int           `envconfig:"POSTGRES_MAX_CONNS" yaml:"postgres_max_conns"`
	PostgresMinConns int           `envconfig:"POSTGRES_MIN_CONNS" yaml:"postgres_min_conns"`
	PostgresTimeout  time.Duration `envconfig:"POSTGRES_TIMEOUT" yaml:"postgres_timeout"`

	// Redis; empty disables the shared tier and the Redis bus
	RedisURL      string `envconfig:"REDIS_URL" yaml:"redis_url"`
	RedisPoolSize int    `envconfig:"REDIS_POOL_SIZE" yaml:"redis_pool_size"`

	// Snapshot cache
	LocalCacheSize int           `envconfig:"LOCAL_CACHE_SIZE" yaml:"local_cache_size"`
	LocalCacheTTL  time.Duration `envconfig:"LOCAL_CACHE_TTL" yaml:"local_cache_ttl"`
	SharedCacheTTL time.Duration `envconfig:"SHARED_CACHE_TTL" yaml:"shared_cache_ttl"`
	CacheTimeout   time.Duration `envconfig:"CACHE_TIMEOUT" yaml:"cache_timeout"`
	BuildTimeout   time.Duration `envconfig:"BUILD_TIMEOUT" yaml:"build_timeout"`

	// Invalidation bus
	BusChannel string        `envconfig:"BUS_CHANNEL" yaml:"bus_channel"`
	BusTimeout time.Duration `envconfig:"BUS_TIMEOUT" yaml:"bus_timeout"`

	// Resolution policy
	FailOpen          bool   `envconfig:"FAIL_OPEN" yaml:"fail_open"`
	LockUnentitled    bool   `envconfig:"LOCK_UNENTITLED" yaml:"lock_unentitled"`
	ReconcileSchedule string `envconfig:"RECONCILE_SCHEDULE" yaml:"reconcile_schedule"`

	// Seed document: a local path or s3://bucket/key
	SeedFile        string `envconfig:"SEED_FILE" yaml:"seed_file"`
	SeedS3Region    string `envconfig:"SEED_S3_REGION" yaml:"seed_s3_region"`
	SeedS3Endpoint  string `envconfig:"SEED_S3_ENDPOINT" yaml:"seed_s3_endpoint"`
	SeedS3AccessKey string `envconfig:"SEED_S3_ACCESS_KEY" yaml:"seed_s3_access_key"`
	SeedS3SecretKey string `envconfig:"SEED_S3_SECRET_KEY" yaml:"seed_s3_secret_key"`
	SeedS3PathStyle bool   `envconfig:"SEED_S3_PATH_STYLE" yaml:"seed_s3_path_style"`

	// Observability
	LogLevel        string  `envconfig:"LOG_LEVEL" yaml:"log_level"`
	OTelEnabled     bool    `envconfig:"OTEL_ENABLED" yaml:"otel_enabled"`
	OTelEndpoint    string  `envconfig:"OTEL_ENDPOINT" yaml:"otel_endpoint"`
	OTelServiceName string  `envconfig:"OTEL_SERVICE_NAME" yaml:"otel_service_name"`
	OTelInsecure    bool    `envconfig:"OTEL_INSECURE" yaml:"otel_insecure"`
	OTelSampleRatio float64 `envconfig:"OTEL_SAMPLE_RATIO" yaml:"otel_sample_ratio"`
}

// Default returns the built-in defaults
func Default() Config {
	return Config{
		Environment:       "production",
		HTTPAddr:          ":8080",
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		PostgresMaxConns:  20,
		PostgresMinConns:  2,
		PostgresTimeout:   5 * time.Second,
		LocalCacheSize:    10000,
		LocalCacheTTL:     5 * time.Second,
		SharedCacheTTL:    10 * time.Minute,
		CacheTimeout:      50 * time.Millisecond,
		BuildTimeout:      2 * time.Second,
		BusChannel:        "perm_invalidation",
		BusTimeout:        50 * time.Millisecond,
		ReconcileSchedule: "@every 30s",
		LogLevel:          "info",
		OTelEndpoint:      "localhost:4317",
		OTelServiceName:   "permengine",
		OTelInsecure:      true,
	}
}

// LoadConfig loads defaults, the YAML file named by PERMENGINE_CONFIG_FILE
// (if any) and the environment, then validates the result.
func LoadConfig() (*Config, error) {
	return Load(os.Getenv(EnvPrefix + "_CONFIG_FILE"))
}

// Load is LoadConfig with an explicit YAML path; an empty path skips the file
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	// Only variables that are set override; unset ones keep earlier values.
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	cfg.ConfigFile = path

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Level returns the parsed log level
func (c *Config) Level() observability.LogLevel {
	level, _ := observability.ParseLogLevel(c.LogLevel)
	return level
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http address is required"))
	}
	if c.PostgresURL == "" {
		errs = append(errs, errors.New("postgres URL is required"))
	}
	if c.FailOpen && c.IsProduction() {
		errs = append(errs, errors.New("fail-open is not allowed in production"))
	}
	if c.LocalCacheSize <= 0 {
		errs = append(errs, errors.New("local cache size must be positive"))
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"local cache TTL", c.LocalCacheTTL},
		{"shared cache TTL", c.SharedCacheTTL},
		{"cache timeout", c.CacheTimeout},
		{"build timeout", c.BuildTimeout},
		{"bus timeout", c.BusTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if c.LocalCacheTTL > c.SharedCacheTTL {
		errs = append(errs, errors.New("local cache TTL must not exceed shared cache TTL"))
	}

	if _, err := observability.ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := cron.ParseStandard(c.ReconcileSchedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid reconcile schedule %q: %w", c.ReconcileSchedule, err))
	}

	if c.OTelEnabled {
		if c.OTelEndpoint == "" {
			errs = append(errs, errors.New("OpenTelemetry endpoint is required when OTel is enabled"))
		}
		if c.OTelServiceName == "" {
			errs = append(errs, errors.New("OpenTelemetry service name is required when OTel is enabled"))
		}
	}

	return errors.Join(errs...)
}
