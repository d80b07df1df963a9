package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	AuthMode    string `mapstructure:"AUTH_MODE"`
	JWTSecret   string `mapstructure:"JWT_SECRET"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	PaymentAPIKey   string `mapstructure:"PAYMENT_API_KEY"`
	PaymentBaseURL  string `mapstructure:"PAYMENT_BASE_URL"`
	PaymentCurrency string `mapstructure:"PAYMENT_CURRENCY"`

	PharmacyEnabled  bool   `mapstructure:"PHARMACY_ENABLED"`
	PharmacyEndpoint string `mapstructure:"PHARMACY_ENDPOINT"`
	PharmacyAPIKey   string `mapstructure:"PHARMACY_API_KEY"`

	ShippingFlatFee       string `mapstructure:"SHIPPING_FLAT_FEE"`
	FreeShippingThreshold string `mapstructure:"FREE_SHIPPING_THRESHOLD"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	// Parsed from the string fields above in Load.
	ShippingFee       decimal.Decimal `mapstructure:"-"`
	FreeShippingFloor decimal.Decimal `mapstructure:"-"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("PAYMENT_BASE_URL", "https://api.stripe.com")
	v.SetDefault("PAYMENT_CURRENCY", "usd")
	v.SetDefault("PHARMACY_ENABLED", false)
	v.SetDefault("SHIPPING_FLAT_FEE", "4.99")
	v.SetDefault("FREE_SHIPPING_THRESHOLD", "50")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("AUTH_MODE")
	v.BindEnv("JWT_SECRET")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("PAYMENT_API_KEY")
	v.BindEnv("PAYMENT_BASE_URL")
	v.BindEnv("PAYMENT_CURRENCY")
	v.BindEnv("PHARMACY_ENABLED")
	v.BindEnv("PHARMACY_ENDPOINT")
	v.BindEnv("PHARMACY_API_KEY")
	v.BindEnv("SHIPPING_FLAT_FEE")
	v.BindEnv("FREE_SHIPPING_THRESHOLD")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	fee, err := decimal.NewFromString(cfg.ShippingFlatFee)
	if err != nil {
		return nil, fmt.Errorf("SHIPPING_FLAT_FEE is not a valid decimal: %w", err)
	}
	floor, err := decimal.NewFromString(cfg.FreeShippingThreshold)
	if err != nil {
		return nil, fmt.Errorf("FREE_SHIPPING_THRESHOLD is not a valid decimal: %w", err)
	}
	if fee.IsNegative() || floor.IsNegative() {
		return nil, fmt.Errorf("shipping configuration must not be negative")
	}
	cfg.ShippingFee = fee
	cfg.FreeShippingFloor = floor

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active; identity comes from headers.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and configure JWT_SECRET for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. An explicit AUTH_MODE is
// returned as-is; otherwise development environments run header-based identity
// with no signature check and everything else requires HMAC-signed bearer
// tokens ("jwt").
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to run. Outside development
// a JWT secret must be present so real authentication is enforced, the payment
// gateway key must be set, and when pharmacy dispatch is enabled its endpoint
// and credential must both be configured (their absence is a startup error,
// not a call-time one).
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "jwt" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}
	if mode == "jwt" && c.JWTSecret == "" {
		return fmt.Errorf(
			"JWT_SECRET must be set when AUTH_MODE is \"jwt\" (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}

	if c.IsProduction() && c.PaymentAPIKey == "" {
		return fmt.Errorf("PAYMENT_API_KEY is required in production")
	}

	if c.PharmacyEnabled {
		if c.PharmacyEndpoint == "" {
			return fmt.Errorf("PHARMACY_ENDPOINT is required when PHARMACY_ENABLED is true")
		}
		if c.PharmacyAPIKey == "" {
			return fmt.Errorf("PHARMACY_API_KEY is required when PHARMACY_ENABLED is true")
		}
	}

	return nil
}
