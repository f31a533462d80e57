package timekeeper

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rcourtman/timekeeper/internal/timekeeper/ledger"
	"github.com/rcourtman/timekeeper/internal/timekeeper/payment"
)

// Config holds all configuration for the entitlement service.
type Config struct {
	BindAddress string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string

	StoreDriver   string
	DataDir       string
	MongoURI      string
	MongoDatabase string

	StripeAPIKey        string // optional; without it confirm and checkout answer 503
	StripeWebhookSecret string // optional; without it signed webhooks answer 500
	AdminKey            string // optional; admin routes are mounted only when set

	CheckoutSuccessURL string
	CheckoutCancelURL  string
	Currency           string
	LicensePrice       int64 // minor currency units
	DaypassBasePrice   int64 // minor currency units

	Timezone      string
	RateLimit     int // requests per minute per IP on public POST routes
	PublicMetrics bool

	location *time.Location
}

// Location returns the zone used for unlock calendar dates.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// LedgerConfig returns the store settings.
func (c *Config) LedgerConfig() ledger.Config {
	return ledger.Config{
		Driver:        c.StoreDriver,
		DataDir:       c.DataDir,
		MongoURI:      c.MongoURI,
		MongoDatabase: c.MongoDatabase,
	}
}

// Pricing returns the checkout price table.
func (c *Config) Pricing() payment.Pricing {
	return payment.Pricing{
		Currency:         c.Currency,
		LicensePrice:     c.LicensePrice,
		DaypassBasePrice: c.DaypassBasePrice,
	}
}

// LoadConfig loads service configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("TK_PORT", 8000)
	if err != nil {
		return nil, err
	}
	rateLimit, err := envOrDefaultInt("TK_RATE_LIMIT", 120)
	if err != nil {
		return nil, err
	}
	licensePrice, err := envOrDefaultInt64("TK_LICENSE_PRICE", 10000)
	if err != nil {
		return nil, err
	}
	daypassPrice, err := envOrDefaultInt64("TK_DAYPASS_BASE_PRICE", 200)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("TK_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		BindAddress:         envOrDefault("TK_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		Environment:         envOrDefault("TK_ENV", envOrDefault("ENVIRONMENT", "development")),
		LogLevel:            envOrDefault("TK_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("TK_LOG_FORMAT", "auto"),
		StoreDriver:         strings.ToLower(envOrDefault("TK_STORE_DRIVER", ledger.DriverSQLite)),
		DataDir:             envOrDefault("TK_DATA_DIR", "./data"),
		MongoURI:            strings.TrimSpace(os.Getenv("TK_MONGO_URI")),
		MongoDatabase:       envOrDefault("TK_MONGO_DATABASE", "timekeeper"),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		AdminKey:            strings.TrimSpace(os.Getenv("TK_ADMIN_KEY")),
		CheckoutSuccessURL:  envOrDefault("TK_CHECKOUT_SUCCESS_URL", "app://com.example.timekeeper/checkout-success"),
		CheckoutCancelURL:   envOrDefault("TK_CHECKOUT_CANCEL_URL", "app://com.example.timekeeper/checkout-cancel"),
		Currency:            strings.ToLower(envOrDefault("TK_CURRENCY", "jpy")),
		LicensePrice:        licensePrice,
		DaypassBasePrice:    daypassPrice,
		Timezone:            envOrDefault("TK_TIMEZONE", "UTC"),
		RateLimit:           rateLimit,
		PublicMetrics:       publicMetrics,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("TK_PORT must be between 1 and 65535, got %d", c.Port)
	}

	switch c.StoreDriver {
	case ledger.DriverSQLite, ledger.DriverMemory:
	case ledger.DriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("missing required environment variables: TK_MONGO_URI")
		}
	default:
		return fmt.Errorf("TK_STORE_DRIVER must be one of sqlite, mongo, memory, got %q", c.StoreDriver)
	}

	if c.LicensePrice <= 0 {
		return fmt.Errorf("TK_LICENSE_PRICE must be greater than 0, got %d", c.LicensePrice)
	}
	if c.DaypassBasePrice <= 0 {
		return fmt.Errorf("TK_DAYPASS_BASE_PRICE must be greater than 0, got %d", c.DaypassBasePrice)
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("TK_TIMEZONE must be a valid IANA zone: %w", err)
	}
	c.location = loc

	for key, raw := range map[string]string{
		"TK_CHECKOUT_SUCCESS_URL": c.CheckoutSuccessURL,
		"TK_CHECKOUT_CANCEL_URL":  c.CheckoutCancelURL,
	} {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s must be a valid URL: %w", key, err)
		}
		if !u.IsAbs() {
			return fmt.Errorf("%s must be an absolute URL", key)
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultInt64(key string, fallback int64) (int64, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}
