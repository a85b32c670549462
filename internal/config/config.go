package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	AuthoritySimulated = "simulated"
	AuthorityLive      = "live"

	StoreLocal = "local"
	StoreGCS   = "gcs"
)

// Config holds all application configuration.
type Config struct {
	Env            string `mapstructure:"APP_ENV"`
	ServerPort     string `mapstructure:"SERVER_PORT"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	ContentStore       string `mapstructure:"CONTENT_STORE"`
	ContentDir         string `mapstructure:"CONTENT_DIR"`
	GCSBucket          string `mapstructure:"GCS_BUCKET"`
	GCSCredentialsJSON string `mapstructure:"GCS_CREDENTIALS_JSON"`
	PublicBaseURL      string `mapstructure:"PUBLIC_BASE_URL"`

	AuthorityMode           string        `mapstructure:"AUTHORITY_MODE"`
	AuthorityEndpoint       string        `mapstructure:"AUTHORITY_ENDPOINT"`
	AuthorityToken          string        `mapstructure:"AUTHORITY_TOKEN"`
	AuthorityTimeout        time.Duration `mapstructure:"AUTHORITY_TIMEOUT"`
	AuthoritySimulatedDelay time.Duration `mapstructure:"AUTHORITY_SIMULATED_DELAY"`

	CompanyRUC     string `mapstructure:"COMPANY_RUC"`
	CompanyName    string `mapstructure:"COMPANY_NAME"`
	CompanyAddress string `mapstructure:"COMPANY_ADDRESS"`
	CompanyUbigeo  string `mapstructure:"COMPANY_UBIGEO"`

	TaxRateRaw        string `mapstructure:"TAX_RATE"`
	MaxUploadBytes    int64  `mapstructure:"MAX_UPLOAD_BYTES"`
	FuzzyProductMatch bool   `mapstructure:"FUZZY_PRODUCT_MATCH"`
	SkipRUCCheck      bool   `mapstructure:"SKIP_RUC_CHECK"`

	TaxRate decimal.Decimal `mapstructure:"-"`
}

var keys = []string{
	"APP_ENV", "SERVER_PORT", "ALLOWED_ORIGINS", "JWT_SECRET", "LOG_LEVEL",
	"DATABASE_URL",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"CONTENT_STORE", "CONTENT_DIR", "GCS_BUCKET", "GCS_CREDENTIALS_JSON", "PUBLIC_BASE_URL",
	"AUTHORITY_MODE", "AUTHORITY_ENDPOINT", "AUTHORITY_TOKEN", "AUTHORITY_TIMEOUT", "AUTHORITY_SIMULATED_DELAY",
	"COMPANY_RUC", "COMPANY_NAME", "COMPANY_ADDRESS", "COMPANY_UBIGEO",
	"TAX_RATE", "MAX_UPLOAD_BYTES", "FUZZY_PRODUCT_MATCH", "SKIP_RUC_CHECK",
}

// Load reads .env files (when present) and the process environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		_ = godotenv.Load()
	} else {
		_ = godotenv.Load(envFiles...)
	}
	return FromViper(viper.New())
}

// FromViper builds a Config from v after applying defaults and env bindings.
func FromViper(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))

	// mode and RUC check follow the environment unless set explicitly
	if !v.IsSet("AUTHORITY_MODE") || cfg.AuthorityMode == "" {
		cfg.AuthorityMode = AuthoritySimulated
		if cfg.IsProduction() {
			cfg.AuthorityMode = AuthorityLive
		}
	}
	if !v.IsSet("SKIP_RUC_CHECK") {
		cfg.SkipRUCCheck = !cfg.IsProduction()
	}

	rate, err := decimal.NewFromString(cfg.TaxRateRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid TAX_RATE %q: %w", cfg.TaxRateRaw, err)
	}
	cfg.TaxRate = rate

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", EnvDevelopment)
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CONTENT_STORE", StoreLocal)
	v.SetDefault("CONTENT_DIR", "storage")
	v.SetDefault("AUTHORITY_TIMEOUT", 30*time.Second)
	v.SetDefault("AUTHORITY_SIMULATED_DELAY", 1500*time.Millisecond)
	v.SetDefault("TAX_RATE", "0.18")
	v.SetDefault("MAX_UPLOAD_BYTES", int64(5<<20))
	v.SetDefault("FUZZY_PRODUCT_MATCH", true)
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.AuthorityMode {
	case AuthoritySimulated:
	case AuthorityLive:
		if c.AuthorityEndpoint == "" {
			errs = append(errs, errors.New("AUTHORITY_ENDPOINT is required in live mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("AUTHORITY_MODE must be %q or %q, got %q", AuthoritySimulated, AuthorityLive, c.AuthorityMode))
	}
	switch c.ContentStore {
	case StoreLocal:
		if c.ContentDir == "" {
			errs = append(errs, errors.New("CONTENT_DIR is required for the local content store"))
		}
	case StoreGCS:
		if c.GCSBucket == "" {
			errs = append(errs, errors.New("GCS_BUCKET is required for the gcs content store"))
		}
	default:
		errs = append(errs, fmt.Errorf("CONTENT_STORE must be %q or %q, got %q", StoreLocal, StoreGCS, c.ContentStore))
	}
	if c.IsProduction() && c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required in production"))
	}
	if c.IsProduction() && c.SkipRUCCheck {
		errs = append(errs, errors.New("SKIP_RUC_CHECK cannot be enabled in production"))
	}
	if c.TaxRate.IsNegative() || c.TaxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("TAX_RATE must be in [0, 1), got %s", c.TaxRate))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_BYTES must be positive"))
	}
	if c.AuthorityTimeout <= 0 {
		errs = append(errs, errors.New("AUTHORITY_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}
