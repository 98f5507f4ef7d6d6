package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL      string   `mapstructure:"REDIS_URL"`
	CacheBackend  string   `mapstructure:"CACHE_BACKEND"`
	MigrationsDir string   `mapstructure:"MIGRATIONS_DIR"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	AuthJWTSecret string `mapstructure:"AUTH_JWT_SECRET"`
	AuthIssuer    string `mapstructure:"AUTH_ISSUER"`
	AuthAudience  string `mapstructure:"AUTH_AUDIENCE"`

	TokenEncryptionKey string `mapstructure:"TOKEN_ENCRYPTION_KEY"`

	SyncCooldown        time.Duration `mapstructure:"SYNC_COOLDOWN"`
	SyncMaxAttempts     int           `mapstructure:"SYNC_MAX_ATTEMPTS"`
	SyncBackoffBase     time.Duration `mapstructure:"SYNC_BACKOFF_BASE"`
	SyncStaleAfter      time.Duration `mapstructure:"SYNC_STALE_AFTER"`
	SyncFailedRetention time.Duration `mapstructure:"SYNC_FAILED_RETENTION"`
	WorkerConcurrency   int           `mapstructure:"WORKER_CONCURRENCY"`

	FetchTimeout      time.Duration `mapstructure:"FETCH_TIMEOUT"`
	FetchMaxPages     int           `mapstructure:"FETCH_MAX_PAGES"`
	FetchMaxBodyBytes int64         `mapstructure:"FETCH_MAX_BODY_BYTES"`

	EpicClientID              string   `mapstructure:"EPIC_CLIENT_ID"`
	EpicAuthURL               string   `mapstructure:"EPIC_AUTH_URL"`
	EpicTokenURL              string   `mapstructure:"EPIC_TOKEN_URL"`
	EpicFHIRBase              string   `mapstructure:"EPIC_FHIR_BASE"`
	EpicScope                 string   `mapstructure:"EPIC_SCOPE"`
	EpicRedirectURL           string   `mapstructure:"EPIC_REDIRECT_URL"`
	EpicObservationCategories []string `mapstructure:"EPIC_OBSERVATION_CATEGORIES"`

	FrontendRedirect string `mapstructure:"FRONTEND_REDIRECT"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "CACHE_BACKEND", "MIGRATIONS_DIR", "CORS_ORIGINS",
	"AUTH_JWT_SECRET", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"TOKEN_ENCRYPTION_KEY",
	"SYNC_COOLDOWN", "SYNC_MAX_ATTEMPTS", "SYNC_BACKOFF_BASE", "SYNC_STALE_AFTER",
	"SYNC_FAILED_RETENTION", "WORKER_CONCURRENCY",
	"FETCH_TIMEOUT", "FETCH_MAX_PAGES", "FETCH_MAX_BODY_BYTES",
	"EPIC_CLIENT_ID", "EPIC_AUTH_URL", "EPIC_TOKEN_URL", "EPIC_FHIR_BASE",
	"EPIC_SCOPE", "EPIC_REDIRECT_URL", "EPIC_OBSERVATION_CATEGORIES",
	"FRONTEND_REDIRECT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("CACHE_BACKEND", "redis")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("SYNC_COOLDOWN", "30m")
	v.SetDefault("SYNC_MAX_ATTEMPTS", 3)
	v.SetDefault("SYNC_BACKOFF_BASE", "5s")
	v.SetDefault("SYNC_STALE_AFTER", "1h")
	v.SetDefault("SYNC_FAILED_RETENTION", "24h")
	v.SetDefault("WORKER_CONCURRENCY", 10)
	v.SetDefault("FETCH_TIMEOUT", "30s")
	v.SetDefault("FETCH_MAX_PAGES", 20)
	v.SetDefault("FETCH_MAX_BODY_BYTES", 32<<20)
	v.SetDefault("EPIC_OBSERVATION_CATEGORIES", "vital-signs,laboratory")
	v.SetDefault("FRONTEND_REDIRECT", "http://localhost:3000/epic/success")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated lists may carry spaces that the slice hook keeps.
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.EpicObservationCategories = splitList(v.GetString("EPIC_OBSERVATION_CATEGORIES"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, unauthenticated requests run as dev-user.")
		log.Println("WARNING: Set ENV=production and AUTH_JWT_SECRET for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// AUTH_JWT_SECRET must be set so that real JWT authentication is enforced, and
// TOKEN_ENCRYPTION_KEY is always required because provider tokens are never
// stored in plaintext.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthJWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required when ENV=%q", c.Env)
	}
	if c.TokenEncryptionKey == "" {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY is required")
	}
	if c.CacheBackend != "redis" && c.CacheBackend != "memory" {
		return fmt.Errorf("CACHE_BACKEND must be \"redis\" or \"memory\", got %q", c.CacheBackend)
	}
	if c.SyncMaxAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1, got %d", c.SyncMaxAttempts)
	}
	if c.SyncCooldown <= 0 {
		return fmt.Errorf("SYNC_COOLDOWN must be positive")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}
	return nil
}
