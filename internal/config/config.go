// Package config loads the service configuration: built-in defaults,
// overlaid by an optional YAML file, overlaid by BASTION_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/triage-ai/bastion/internal/engine"
	"github.com/triage-ai/bastion/internal/engine/detectors"
	"github.com/triage-ai/bastion/internal/limiter"
	"github.com/triage-ai/bastion/internal/queue"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	LogLevel  string          `yaml:"log_level"`
	HTTP      HTTPConfig      `yaml:"http"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Auth      AuthConfig      `yaml:"auth"`
	Store     StoreConfig     `yaml:"store"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Notify    NotifyConfig    `yaml:"notify"`
	Detection DetectionConfig `yaml:"detection"`
	Limiter   limiter.Config  `yaml:"limiter"`
	Actions   ActionsConfig   `yaml:"actions"`
	Queue     queue.Config    `yaml:"queue"`
	Retention time.Duration   `yaml:"retention"`
}

type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

// GRPCConfig enables the gRPC listener when Addr is set.
type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// AuthConfig lists bcrypt hashes of accepted API keys. With no hashes
// the endpoints are unauthenticated.
type AuthConfig struct {
	APIKeyHashes []string      `yaml:"api_key_hashes"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"`
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// AnalyticsConfig enables the ClickHouse event sink when the DSN is set.
type AnalyticsConfig struct {
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
}

type NotifyConfig struct {
	Channel       string        `yaml:"channel"`
	WebhookURL    string        `yaml:"webhook_url"`
	WebhookSecret string        `yaml:"webhook_secret"`
	Timeout       time.Duration `yaml:"timeout"`
}

type DetectionConfig struct {
	detectors.Config `yaml:",inline"`

	Timeout            time.Duration       `yaml:"timeout"`
	MaxRecommendations int                 `yaml:"max_recommendations"`
	Policy             engine.PolicyConfig `yaml:"policy"`
}

type ActionsConfig struct {
	// Table maps severity names to action names; missing entries keep
	// the default mapping.
	Table     map[string]string `yaml:"table"`
	Overrides []string          `yaml:"overrides"`
	AuditAll  bool              `yaml:"audit_all"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Auth:  AuthConfig{CacheTTL: 30 * time.Second},
		Store: StoreConfig{Driver: DriverMemory, RedisPrefix: "bastion"},
		Notify: NotifyConfig{
			Channel: "security",
			Timeout: 5 * time.Second,
		},
		Detection: DetectionConfig{
			Timeout:            50 * time.Millisecond,
			MaxRecommendations: engine.DefaultMaxRecommendations,
		},
		Limiter:   limiter.DefaultConfig(),
		Queue:     queue.DefaultConfig(),
		Retention: 30 * 24 * time.Hour,
	}
}

// Load reads path (if non-empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("Load: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("Load: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg, os.Getenv)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("Load: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays BASTION_* variables. Unparseable numbers and
// durations keep the current value.
func applyEnv(cfg *Config, getenv func(string) string) {
	cfg.LogLevel = envOrDefault(getenv, "BASTION_LOG_LEVEL", cfg.LogLevel)
	cfg.HTTP.Addr = envOrDefault(getenv, "BASTION_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.GRPC.Addr = envOrDefault(getenv, "BASTION_GRPC_ADDR", cfg.GRPC.Addr)
	cfg.HTTP.CORSOrigins = envOrDefaultList(getenv, "BASTION_CORS_ORIGINS", cfg.HTTP.CORSOrigins)

	cfg.Auth.APIKeyHashes = envOrDefaultList(getenv, "BASTION_API_KEY_HASHES", cfg.Auth.APIKeyHashes)
	cfg.Auth.CacheTTL = envOrDefaultDuration(getenv, "BASTION_AUTH_CACHE_TTL", cfg.Auth.CacheTTL)

	cfg.Store.Driver = envOrDefault(getenv, "BASTION_STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.PostgresDSN = envOrDefault(getenv, "BASTION_POSTGRES_DSN", cfg.Store.PostgresDSN)
	cfg.Store.RedisURL = envOrDefault(getenv, "BASTION_REDIS_URL", cfg.Store.RedisURL)
	cfg.Analytics.ClickHouseDSN = envOrDefault(getenv, "BASTION_CLICKHOUSE_DSN", cfg.Analytics.ClickHouseDSN)

	cfg.Notify.WebhookURL = envOrDefault(getenv, "BASTION_NOTIFY_WEBHOOK_URL", cfg.Notify.WebhookURL)
	cfg.Notify.WebhookSecret = envOrDefault(getenv, "BASTION_NOTIFY_WEBHOOK_SECRET", cfg.Notify.WebhookSecret)

	cfg.Detection.Timeout = envOrDefaultDuration(getenv, "BASTION_DETECTOR_TIMEOUT", cfg.Detection.Timeout)
	cfg.Detection.RemoteClassifier.Endpoint = envOrDefault(getenv, "BASTION_PROMPT_GUARD_ENDPOINT", cfg.Detection.RemoteClassifier.Endpoint)

	cfg.Limiter.MaxRequestsPerWindow = envOrDefaultInt(getenv, "BASTION_RATE_LIMIT_MAX_REQUESTS", cfg.Limiter.MaxRequestsPerWindow)
	cfg.Limiter.Window = envOrDefaultDuration(getenv, "BASTION_RATE_LIMIT_WINDOW", cfg.Limiter.Window)
	cfg.Limiter.LockoutDuration = envOrDefaultDuration(getenv, "BASTION_LOCKOUT_DURATION", cfg.Limiter.LockoutDuration)

	cfg.Actions.Overrides = envOrDefaultList(getenv, "BASTION_OVERRIDE_IDENTITIES", cfg.Actions.Overrides)
	cfg.Actions.AuditAll = envOrDefaultBool(getenv, "BASTION_AUDIT_ALL", cfg.Actions.AuditAll)
}

// Validate reports every problem that would make the service unsafe or
// unable to start.
func (c Config) Validate() error {
	var errs []error

	if _, err := c.ActionTable(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Limiter.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("limiter: %w", err))
	}
	if err := c.Queue.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("queue: %w", err))
	}
	if c.Detection.Timeout <= 0 {
		errs = append(errs, errors.New("detection.timeout must be positive"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Retention <= 0 {
		errs = append(errs, errors.New("retention must be positive"))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	case DriverRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	for _, name := range c.Detection.Disabled {
		if !isBuiltin(name) {
			errs = append(errs, fmt.Errorf("unknown detector %q in detection.disabled", name))
		}
	}

	return errors.Join(errs...)
}

// ActionTable parses the configured severity → action mapping.
func (c Config) ActionTable() (engine.ActionTable, error) {
	return engine.ParseActionTable(c.Actions.Table)
}

func isBuiltin(name string) bool {
	for _, n := range detectors.BuiltinNames {
		if n == name {
			return true
		}
	}
	return false
}

func envOrDefault(getenv func(string) string, key, defaultVal string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(getenv func(string) string, key string, defaultVal int) int {
	if v := getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultBool(getenv func(string) string, key string, defaultVal bool) bool {
	if v := getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envOrDefaultDuration(getenv func(string) string, key string, defaultVal time.Duration) time.Duration {
	if v := getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envOrDefaultList(getenv func(string) string, key string, defaultVal []string) []string {
	v := getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
