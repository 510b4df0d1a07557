package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	ShareSigningKey string        `mapstructure:"SHARE_SIGNING_KEY"`
	ShareIssuer     string        `mapstructure:"SHARE_ISSUER"`
	ShareDefaultTTL time.Duration `mapstructure:"SHARE_DEFAULT_TTL"`
	ShareMaxTTL     time.Duration `mapstructure:"SHARE_MAX_TTL"`
	PublicBaseURL   string        `mapstructure:"PUBLIC_BASE_URL"`

	LedgerBackend string        `mapstructure:"LEDGER_BACKEND"`
	LedgerPath    string        `mapstructure:"LEDGER_PATH"`
	LedgerURL     string        `mapstructure:"LEDGER_URL"`
	LedgerTimeout time.Duration `mapstructure:"LEDGER_TIMEOUT"`

	RevocationBackend string        `mapstructure:"REVOCATION_BACKEND"`
	AuditTimeout      time.Duration `mapstructure:"AUDIT_TIMEOUT"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit         string        `mapstructure:"BODY_LIMIT"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"SHARE_SIGNING_KEY", "SHARE_ISSUER", "SHARE_DEFAULT_TTL", "SHARE_MAX_TTL", "PUBLIC_BASE_URL",
	"LEDGER_BACKEND", "LEDGER_PATH", "LEDGER_URL", "LEDGER_TIMEOUT",
	"REVOCATION_BACKEND", "AUDIT_TIMEOUT", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("SHARE_ISSUER", "healthshare")
	v.SetDefault("SHARE_DEFAULT_TTL", "24h")
	v.SetDefault("SHARE_MAX_TTL", "168h")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8000")
	v.SetDefault("LEDGER_BACKEND", "memory")
	v.SetDefault("LEDGER_PATH", "data/ledger")
	v.SetDefault("LEDGER_TIMEOUT", "3s")
	v.SetDefault("REVOCATION_BACKEND", "postgres")
	v.SetDefault("AUDIT_TIMEOUT", "2s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("one of AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set")
	}
	if c.IsProduction() && c.AuthSigningKey != "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is for development only; use AUTH_JWKS_URL in production")
	}
	if _, err := c.SessionSigningKey(); err != nil {
		return err
	}

	if c.IsProduction() && c.ShareSigningKey == "" {
		return fmt.Errorf("SHARE_SIGNING_KEY is required in production")
	}
	if _, err := c.ShareKey(); err != nil {
		return err
	}

	if c.ShareMaxTTL < time.Minute || c.ShareMaxTTL > 7*24*time.Hour {
		return fmt.Errorf("SHARE_MAX_TTL must be between 1m and 168h, got %s", c.ShareMaxTTL)
	}
	if c.ShareDefaultTTL < time.Minute || c.ShareDefaultTTL > c.ShareMaxTTL {
		return fmt.Errorf("SHARE_DEFAULT_TTL must be between 1m and SHARE_MAX_TTL, got %s", c.ShareDefaultTTL)
	}

	switch c.LedgerBackend {
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("LEDGER_BACKEND=memory is not allowed in production")
		}
	case "leveldb":
		if c.LedgerPath == "" {
			return fmt.Errorf("LEDGER_PATH is required when LEDGER_BACKEND is \"leveldb\"")
		}
	case "http":
		if c.LedgerURL == "" {
			return fmt.Errorf("LEDGER_URL is required when LEDGER_BACKEND is \"http\"")
		}
	default:
		return fmt.Errorf("LEDGER_BACKEND must be \"memory\", \"leveldb\", or \"http\", got %q", c.LedgerBackend)
	}

	switch c.RevocationBackend {
	case "memory", "postgres":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when REVOCATION_BACKEND is \"redis\"")
		}
	default:
		return fmt.Errorf("REVOCATION_BACKEND must be \"memory\", \"postgres\", or \"redis\", got %q", c.RevocationBackend)
	}

	if c.LedgerTimeout <= 0 || c.AuditTimeout <= 0 {
		return fmt.Errorf("LEDGER_TIMEOUT and AUDIT_TIMEOUT must be positive")
	}
	return nil
}

// SessionSigningKey decodes AUTH_SIGNING_KEY. It returns nil when unset.
func (c *Config) SessionSigningKey() ([]byte, error) {
	if c.AuthSigningKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.AuthSigningKey)
	if err != nil {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(key))
	}
	return key, nil
}

// ShareKey derives the Ed25519 share signing key from SHARE_SIGNING_KEY, a
// hex-encoded 32-byte seed. It returns nil when unset; the caller then
// generates an ephemeral key, which is only allowed outside production.
func (c *Config) ShareKey() (ed25519.PrivateKey, error) {
	if c.ShareSigningKey == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(c.ShareSigningKey)
	if err != nil {
		return nil, fmt.Errorf("SHARE_SIGNING_KEY is not valid hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("SHARE_SIGNING_KEY must be %d bytes (%d hex chars), got %d bytes",
			ed25519.SeedSize, ed25519.SeedSize*2, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
