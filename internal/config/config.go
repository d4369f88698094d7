package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration of the auth service. Values come from an
// optional YAML file and are overridden by ERP_AUTH_* environment variables.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Guard     GuardConfig     `yaml:"guard"`
}

// HTTPConfig contains HTTP server settings.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DatabaseConfig selects the store backend. Driver is "pg" or "memory".
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig enables the shared permission cache when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig contains token and cache settings.
type AuthConfig struct {
	TokenSecret        string        `yaml:"token_secret"`
	Issuer             string        `yaml:"issuer"`
	AccessTTL          time.Duration `yaml:"access_ttl"`
	RefreshTTL         time.Duration `yaml:"refresh_ttl"`
	PrivateKeyFile     string        `yaml:"private_key_file"`
	PublicKeyFile      string        `yaml:"public_key_file"`
	KeyID              string        `yaml:"key_id"`
	PermissionCacheTTL time.Duration `yaml:"permission_cache_ttl"`
}

// RSA reports whether RS256 key files are configured.
func (a AuthConfig) RSA() bool {
	return a.PrivateKeyFile != "" || a.PublicKeyFile != ""
}

// RateLimitConfig limits login and refresh calls per client IP.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// GuardConfig lists path prefixes that bypass authentication, on top of the
// built-in health, metrics, login and refresh routes.
type GuardConfig struct {
	PublicPrefixes []string `yaml:"public_prefixes"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "pg",
			MaxOpenConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Auth: AuthConfig{
			Issuer:             "erp-auth",
			AccessTTL:          15 * time.Minute,
			RefreshTTL:         14 * 24 * time.Hour,
			PermissionCacheTTL: 5 * time.Minute,
		},
		RateLimit: RateLimitConfig{RPS: 5, Burst: 10},
		Logging:   LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// Load reads path (if non-empty), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("ERP_AUTH_HTTP_ADDR", &cfg.HTTP.Addr)
	str("ERP_AUTH_DB_DRIVER", &cfg.Database.Driver)
	str("ERP_AUTH_PG_DSN", &cfg.Database.DSN)
	str("ERP_AUTH_REDIS_ADDR", &cfg.Redis.Addr)
	str("ERP_AUTH_REDIS_PASSWORD", &cfg.Redis.Password)
	str("ERP_AUTH_TOKEN_SECRET", &cfg.Auth.TokenSecret)
	str("ERP_AUTH_ISSUER", &cfg.Auth.Issuer)
	str("ERP_AUTH_PRIVATE_KEY_FILE", &cfg.Auth.PrivateKeyFile)
	str("ERP_AUTH_PUBLIC_KEY_FILE", &cfg.Auth.PublicKeyFile)
	str("ERP_AUTH_KEY_ID", &cfg.Auth.KeyID)
	str("ERP_AUTH_LOG_LEVEL", &cfg.Logging.Level)
	str("ERP_AUTH_LOG_FORMAT", &cfg.Logging.Format)

	if err := dur("ERP_AUTH_ACCESS_TTL", &cfg.Auth.AccessTTL); err != nil {
		return err
	}
	if err := dur("ERP_AUTH_REFRESH_TTL", &cfg.Auth.RefreshTTL); err != nil {
		return err
	}
	if err := dur("ERP_AUTH_PERMISSION_CACHE_TTL", &cfg.Auth.PermissionCacheTTL); err != nil {
		return err
	}
	if v, ok := lookup("ERP_AUTH_REDIS_DB"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ERP_AUTH_REDIS_DB: %w", err)
		}
		cfg.Redis.DB = n
	}
	if v, ok := lookup("ERP_AUTH_PUBLIC_PREFIXES"); ok && v != "" {
		cfg.Guard.PublicPrefixes = splitList(v)
	}
	if v, ok := lookup("ERP_AUTH_ALLOWED_ORIGINS"); ok && v != "" {
		cfg.HTTP.AllowedOrigins = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

const minTokenSecretLength = 32

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.HTTP.Addr == "" {
		errs = append(errs, "http.addr is required")
	}
	switch c.Database.Driver {
	case "pg":
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for driver pg (set ERP_AUTH_PG_DSN)")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be pg or memory", c.Database.Driver))
	}

	if c.Auth.RSA() {
		if c.Auth.PrivateKeyFile == "" || c.Auth.PublicKeyFile == "" {
			errs = append(errs, "auth.private_key_file and auth.public_key_file must be set together")
		}
	} else if c.Auth.TokenSecret == "" {
		errs = append(errs, "auth.token_secret is required (set ERP_AUTH_TOKEN_SECRET) unless RS256 keys are configured")
	} else if len(c.Auth.TokenSecret) < minTokenSecretLength {
		errs = append(errs, "auth.token_secret must be at least 32 characters")
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, "auth.access_ttl and auth.refresh_ttl must be positive")
	} else if c.Auth.AccessTTL >= c.Auth.RefreshTTL {
		errs = append(errs, "auth.access_ttl must be shorter than auth.refresh_ttl")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, "rate_limit values must not be negative")
	}
	for _, p := range c.Guard.PublicPrefixes {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Sprintf("guard.public_prefixes entry %q must start with /", p))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
