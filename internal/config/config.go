// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Store         StoreConfig         `yaml:"store"`
	Signing       SigningConfig       `yaml:"signing"`
	Agent         AgentConfig         `yaml:"agent"`
	PKI           PKIConfig           `yaml:"pki"`
	Notify        NotifyConfig        `yaml:"notify"`
	Blob          BlobConfig          `yaml:"blob"`
	RateLimit     RateLimitConfig     `yaml:"ratelimit"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// IdentityConfig describes how operator JWTs are verified. Mode "hs256"
// checks a shared secret read from SecretEnv; mode "jwks" fetches keys from
// JWKSURL. RolesClaim is a dot-separated path into the claims, such as
// "realm_access.roles".
type IdentityConfig struct {
	Mode         string        `yaml:"mode"`
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	SecretEnv    string        `yaml:"secret_env"`
	JWKSURL      string        `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	Algorithms   []string      `yaml:"algorithms"`
	OperatorRole string        `yaml:"operator_role"`
	RolesClaim   string        `yaml:"roles_claim"`
}

// Secret returns the HS256 secret from the environment.
func (c IdentityConfig) Secret() string {
	if c.SecretEnv == "" {
		return ""
	}
	return os.Getenv(c.SecretEnv)
}

// StoreConfig describes workflow persistence. Driver is "memory" or "postgres".
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// DSN returns the connection string from the environment.
func (c StoreConfig) DSN() string {
	if c.DSNEnv == "" {
		return ""
	}
	return os.Getenv(c.DSNEnv)
}

// SigningConfig describes signature request tokens and the expiry sweep.
type SigningConfig struct {
	DefaultWindow time.Duration `yaml:"default_window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	PublicBaseURL string        `yaml:"public_base_url"`
}

// AgentConfig describes the certificate signing retry policy.
type AgentConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// PKIConfig describes the local signing key and timestamp authority.
type PKIConfig struct {
	KeyFile          string        `yaml:"key_file"`
	KeyID            string        `yaml:"key_id"`
	TSAURL           string        `yaml:"tsa_url"`
	TSATimeout       time.Duration `yaml:"tsa_timeout"`
	RequestTimestamp bool          `yaml:"request_timestamp"`
	Reason           string        `yaml:"reason"`
	Location         string        `yaml:"location"`
	Strict           bool          `yaml:"strict"`
	Breaker          BreakerConfig `yaml:"breaker"`
}

// BreakerConfig describes the TSA circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// NotifyConfig describes notification delivery. Driver is "log" or "redis".
type NotifyConfig struct {
	Driver  string      `yaml:"driver"`
	Redis   RedisConfig `yaml:"redis"`
	Channel string      `yaml:"channel"`
}

// RedisConfig locates a Redis server.
type RedisConfig struct {
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// Addr returns the Redis address from the environment.
func (c RedisConfig) Addr() string {
	if c.AddrEnv == "" {
		return ""
	}
	return os.Getenv(c.AddrEnv)
}

// BlobConfig describes where document bytes are kept. An empty root keeps
// them in memory.
type BlobConfig struct {
	Root string `yaml:"root"`
}

// RateLimitConfig limits public token endpoints per client IP.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Limit   int64         `yaml:"limit"`
	Period  time.Duration `yaml:"period"`
	Driver  string        `yaml:"driver"`
	Redis   RedisConfig   `yaml:"redis"`
}

// IdempotencyConfig describes deduplication of workflow creation.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"`
	Redis   RedisConfig   `yaml:"redis"`
	TTL     time.Duration `yaml:"ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    10 << 20,
		},
		Identity: IdentityConfig{
			Mode:         "hs256",
			SecretEnv:    "SIGNET_JWT_SECRET",
			JWKSCacheTTL: time.Hour,
			Algorithms:   []string{"RS256", "ES256"},
			OperatorRole: "signet:operator",
			RolesClaim:   "roles",
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "SIGNET_DATABASE_URL",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Signing: SigningConfig{
			DefaultWindow: 72 * time.Hour,
			SweepInterval: time.Minute,
		},
		Agent: AgentConfig{
			MaxAttempts:    3,
			BackoffInitial: 200 * time.Millisecond,
			BackoffMax:     5 * time.Second,
		},
		PKI: PKIConfig{
			TSATimeout:       10 * time.Second,
			RequestTimestamp: true,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 1,
				Cooldown:         30 * time.Second,
			},
		},
		Notify: NotifyConfig{
			Driver:  "log",
			Redis:   RedisConfig{AddrEnv: "SIGNET_REDIS_ADDR"},
			Channel: "signet:notifications",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Limit:   60,
			Period:  time.Minute,
			Driver:  "memory",
			Redis:   RedisConfig{AddrEnv: "SIGNET_REDIS_ADDR"},
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Driver:  "memory",
			Redis:   RedisConfig{AddrEnv: "SIGNET_REDIS_ADDR"},
			TTL:     24 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch c.Identity.Mode {
	case "hs256":
		if c.Identity.SecretEnv == "" {
			errs = append(errs, "identity.secret_env is required for mode hs256")
		}
	case "jwks":
		if c.Identity.JWKSURL == "" {
			errs = append(errs, "identity.jwks_url is required for mode jwks")
		}
		if c.Identity.Issuer == "" {
			errs = append(errs, "identity.issuer is required for mode jwks")
		}
	default:
		errs = append(errs, fmt.Sprintf("identity.mode %q is not one of hs256, jwks", c.Identity.Mode))
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for driver postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, postgres", c.Store.Driver))
	}

	if c.Signing.DefaultWindow <= 0 {
		errs = append(errs, "signing.default_window must be positive")
	}
	if c.Agent.MaxAttempts < 1 {
		errs = append(errs, "agent.max_attempts must be at least 1")
	}
	if c.Notify.Driver != "log" && c.Notify.Driver != "redis" {
		errs = append(errs, fmt.Sprintf("notify.driver %q is not one of log, redis", c.Notify.Driver))
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Limit < 1 || c.RateLimit.Period <= 0 {
			errs = append(errs, "ratelimit.limit and ratelimit.period must be positive")
		}
		if c.RateLimit.Driver != "memory" && c.RateLimit.Driver != "redis" {
			errs = append(errs, fmt.Sprintf("ratelimit.driver %q is not one of memory, redis", c.RateLimit.Driver))
		}
	}
	if c.Idempotency.Enabled && c.Idempotency.Driver != "memory" && c.Idempotency.Driver != "redis" {
		errs = append(errs, fmt.Sprintf("idempotency.driver %q is not one of memory, redis", c.Idempotency.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads SIGNET_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SIGNET_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SIGNET_IDENTITY_MODE"); v != "" {
		cfg.Identity.Mode = v
	}
	if v := os.Getenv("SIGNET_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("SIGNET_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("SIGNET_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("SIGNET_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("SIGNET_PKI_KEY_FILE"); v != "" {
		cfg.PKI.KeyFile = v
	}
	if v := os.Getenv("SIGNET_PKI_TSA_URL"); v != "" {
		cfg.PKI.TSAURL = v
	}
	if v := os.Getenv("SIGNET_NOTIFY_DRIVER"); v != "" {
		cfg.Notify.Driver = v
	}
	if v := os.Getenv("SIGNET_BLOB_ROOT"); v != "" {
		cfg.Blob.Root = v
	}
	if v := os.Getenv("SIGNET_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
