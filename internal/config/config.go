package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// encryptionKeyMinLen is the shortest accepted ENCRYPTION_KEY.
const encryptionKeyMinLen = 32

// Session cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds all environment-based configuration for toolgate.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8090"`

	// PublicURL is the externally reachable base URL of the gateway. When
	// set, bearer challenges point at its protected resource metadata.
	PublicURL string `env:"PUBLIC_URL"`

	// AuthorizationServerURL is advertised in the protected resource
	// metadata document.
	AuthorizationServerURL string `env:"AUTHORIZATION_SERVER_URL"`

	// GatewayAPIKey is the shared key trusted internal callers present in
	// X-API-Key. Empty disables API key authentication.
	GatewayAPIKey string `env:"GATEWAY_API_KEY"`

	// EncryptionKey is the master secret connection values are sealed with.
	EncryptionKey string `env:"ENCRYPTION_KEY,required"`

	// StateDBPath overrides the default bbolt location.
	StateDBPath string `env:"STATE_DB_PATH"`

	// Bearer token validation. Either remote introspection or local JWT
	// verification.
	IntrospectionURL          string `env:"INTROSPECTION_URL"`
	IntrospectionClientID     string `env:"INTROSPECTION_CLIENT_ID"`
	IntrospectionClientSecret string `env:"INTROSPECTION_CLIENT_SECRET"`
	JWTSigningKey             string `env:"JWT_SIGNING_KEY"`
	JWTIssuer                 string `env:"JWT_ISSUER"`
	JWTAudience               string `env:"JWT_AUDIENCE"`
	RequiredScope             string `env:"REQUIRED_SCOPE" envDefault:"read"`

	SessionCache       string        `env:"SESSION_CACHE" envDefault:"memory"`
	SessionCacheMaxTTL time.Duration `env:"SESSION_CACHE_MAX_TTL" envDefault:"5m"`
	RedisAddr          string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword      string        `env:"REDIS_PASSWORD"`
	RedisDB            int           `env:"REDIS_DB" envDefault:"0"`

	// TokenEndpointTimeout bounds every call to a provider's token endpoint.
	TokenEndpointTimeout time.Duration `env:"TOKEN_ENDPOINT_TIMEOUT" envDefault:"10s"`

	// CatalogPath is an optional YAML file overlaid on the built-in catalog
	// and watched for changes.
	CatalogPath string `env:"CATALOG_PATH"`

	// OAuthRedirectURI is used for authorization code claims that do not
	// carry their own redirect URL.
	OAuthRedirectURI string `env:"OAUTH_REDIRECT_URI"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	cfg.SessionCache = strings.ToLower(strings.TrimSpace(cfg.SessionCache))

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.EncryptionKey) < encryptionKeyMinLen {
		return fmt.Errorf("ENCRYPTION_KEY must be at least %d characters", encryptionKeyMinLen)
	}

	if c.GatewayAPIKey == "" && c.IntrospectionURL == "" && c.JWTSigningKey == "" {
		return fmt.Errorf("at least one auth method required: GATEWAY_API_KEY, INTROSPECTION_URL, or JWT_SIGNING_KEY")
	}

	if c.IntrospectionURL != "" && c.JWTSigningKey != "" {
		return fmt.Errorf("INTROSPECTION_URL and JWT_SIGNING_KEY are mutually exclusive")
	}

	switch c.SessionCache {
	case CacheMemory, CacheRedis:
	default:
		return fmt.Errorf("SESSION_CACHE must be %q or %q, got %q", CacheMemory, CacheRedis, c.SessionCache)
	}

	if c.SessionCache == CacheRedis && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required when SESSION_CACHE is redis")
	}

	if c.SessionCacheMaxTTL <= 0 {
		return fmt.Errorf("SESSION_CACHE_MAX_TTL must be positive")
	}

	if c.TokenEndpointTimeout <= 0 {
		return fmt.Errorf("TOKEN_ENDPOINT_TIMEOUT must be positive")
	}

	if c.AuthorizationServerURL != "" && c.PublicURL == "" {
		return fmt.Errorf("PUBLIC_URL is required when AUTHORIZATION_SERVER_URL is set")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// BearerEnabled reports whether bearer tokens can be validated.
func (c *Config) BearerEnabled() bool {
	return c.IntrospectionURL != "" || c.JWTSigningKey != ""
}

// Scopes lists the scopes advertised in the protected resource metadata.
func (c *Config) Scopes() []string {
	if c.RequiredScope == "" {
		return nil
	}

	return []string{c.RequiredScope}
}
