package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Store
	StoreDriver string // "postgres" or "sqlite"
	PostgresDSN string
	SQLitePath  string

	// Cache (optional)
	RedisAddr      string
	TenantCacheTTL time.Duration

	// Upstream
	UpstreamFlavor  string // "openai" or "azure"
	UpstreamBaseURL string
	UpstreamAPIKey  string
	AzureAPIVersion string
	UpstreamTimeout time.Duration

	// Pricing
	PricingCatalogURL      string
	PricingCatalogFile     string
	PricingProviderFilter  []string
	PricingRefreshInterval time.Duration
	PricingRequired        bool // refuse to start without any catalog
	PrevalidateModels      bool

	// Budgets
	BudgetPeriods           []string
	BudgetStrategy          string // "direct" or "cached"
	BudgetReconcileInterval time.Duration
	BudgetHeaderUsers       bool
	UserHeader              string

	// Admin
	AdminToken     string
	AdminRateLimit int

	// Logging
	LogLevel  string
	LogFormat string

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"

	RunSeed bool
}

const defaultCatalogURL = "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		StoreDriver:          getEnv("STORE_DRIVER", "postgres"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		SQLitePath:           getEnv("SQLITE_PATH", "data/meter.db"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		UpstreamFlavor:       getEnv("UPSTREAM_FLAVOR", "openai"),
		UpstreamBaseURL:      strings.TrimRight(os.Getenv("UPSTREAM_BASE_URL"), "/"),
		UpstreamAPIKey:       os.Getenv("UPSTREAM_API_KEY"),
		AzureAPIVersion:      getEnv("AZURE_API_VERSION", "2024-10-21"),
		PricingCatalogURL:    getEnv("PRICING_CATALOG_URL", defaultCatalogURL),
		PricingCatalogFile:   os.Getenv("PRICING_CATALOG_FILE"),
		UserHeader:           getEnv("USER_HEADER", "X-User-ID"),
		BudgetStrategy:       getEnv("BUDGET_STRATEGY", "cached"),
		AdminToken:           os.Getenv("ADMIN_TOKEN"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	cfg.PricingProviderFilter = splitList(getEnv("PRICING_PROVIDER_FILTER", cfg.UpstreamFlavor))
	cfg.BudgetPeriods = splitList(getEnv("BUDGET_PERIODS", "daily"))

	var err error
	if cfg.TenantCacheTTL, err = getDuration("TENANT_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.UpstreamTimeout, err = getDuration("UPSTREAM_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PricingRefreshInterval, err = getDuration("PRICING_REFRESH_INTERVAL", 6*time.Hour); err != nil {
		return nil, err
	}
	if cfg.BudgetReconcileInterval, err = getDuration("BUDGET_RECONCILE_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.PricingRequired, err = getBool("PRICING_REQUIRED_AT_STARTUP", true); err != nil {
		return nil, err
	}
	if cfg.PrevalidateModels, err = getBool("PREVALIDATE_MODELS", true); err != nil {
		return nil, err
	}
	if cfg.BudgetHeaderUsers, err = getBool("BUDGET_HEADER_USERS", false); err != nil {
		return nil, err
	}
	if cfg.RunSeed, err = getBool("RUN_SEED", false); err != nil {
		return nil, err
	}

	limitStr := getEnv("ADMIN_RATE_LIMIT", "30")
	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return nil, fmt.Errorf("invalid ADMIN_RATE_LIMIT: %w", err)
	}
	cfg.AdminRateLimit = limit

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.UpstreamFlavor {
	case "openai", "azure":
	default:
		return fmt.Errorf("unsupported UPSTREAM_FLAVOR %q", c.UpstreamFlavor)
	}

	switch c.BudgetStrategy {
	case "direct", "cached":
	default:
		return fmt.Errorf("unsupported BUDGET_STRATEGY %q", c.BudgetStrategy)
	}

	for _, p := range c.BudgetPeriods {
		switch p {
		case "daily", "weekly", "monthly":
		default:
			return fmt.Errorf("unsupported budget period %q", p)
		}
	}
	if len(c.BudgetPeriods) == 0 {
		return fmt.Errorf("BUDGET_PERIODS must name at least one period")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
