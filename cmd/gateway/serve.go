package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/llm-meter/config"
	"github.com/vnmchuo/llm-meter/internal/admin"
	"github.com/vnmchuo/llm-meter/internal/forward"
	"github.com/vnmchuo/llm-meter/internal/health"
	"github.com/vnmchuo/llm-meter/internal/ledger"
	"github.com/vnmchuo/llm-meter/internal/pricing"
	"github.com/vnmchuo/llm-meter/internal/provider"
	"github.com/vnmchuo/llm-meter/internal/provider/azure"
	"github.com/vnmchuo/llm-meter/internal/provider/openai"
	"github.com/vnmchuo/llm-meter/internal/proxy"
	"github.com/vnmchuo/llm-meter/internal/recorder"
	"github.com/vnmchuo/llm-meter/internal/seeder"
	"github.com/vnmchuo/llm-meter/internal/telemetry"
	"github.com/vnmchuo/llm-meter/internal/tenant"
	"github.com/vnmchuo/llm-meter/pkg/ratelimit"
)

var applySchema bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, logger)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&applySchema, "migrate", true, "apply the database schema before serving")
	rootCmd.AddCommand(serveCmd)
}

func newProvider(cfg *config.Config) (provider.Provider, string) {
	if cfg.UpstreamFlavor == "azure" {
		return azure.New(cfg.AzureAPIVersion), cfg.UpstreamBaseURL
	}
	base := cfg.UpstreamBaseURL
	if base == "" {
		base = openai.DefaultBaseURL
	}
	return openai.New(), base
}

func newCatalogSource(cfg *config.Config) pricing.Source {
	if cfg.PricingCatalogFile != "" {
		return &pricing.FileSource{Path: cfg.PricingCatalogFile, Providers: cfg.PricingProviderFilter}
	}
	return pricing.NewHTTPSource(cfg.PricingCatalogURL, cfg.PricingProviderFilter)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tp, shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		ServiceName:    "llm-meter",
		ServiceVersion: Version,
		Exporter:       cfg.OTELExporterType,
		Endpoint:       cfg.OTELExporterEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer()
	tracer := tp.Tracer("llm-meter")

	if applySchema {
		if err := migrate(ctx, cfg); err != nil {
			return err
		}
	}
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	rdb := openRedis(ctx, cfg, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	if cfg.RunSeed {
		if err := seeder.SeedTestTenant(ctx, st.tenants, logger); err != nil {
			return err
		}
	}

	counters := health.NewCounters()
	prov, baseURL := newProvider(cfg)

	pricingOpts := pricing.Options{
		Source:          newCatalogSource(cfg),
		Overrides:       st.overrides,
		Normalizer:      prov,
		Counters:        counters,
		Logger:          logger,
		Required:        cfg.PricingRequired,
		RefreshInterval: cfg.PricingRefreshInterval,
	}
	if rdb != nil {
		pricingOpts.Snapshot = pricing.NewRedisSnapshot(rdb)
	}
	prices := pricing.New(pricingOpts)
	if err := prices.Start(ctx); err != nil {
		return fmt.Errorf("pricing: %w", err)
	}

	periods, err := ledger.ParsePeriods(cfg.BudgetPeriods)
	if err != nil {
		return err
	}
	var reader ledger.SpendReader = ledger.NewDirectReader(st.billing)
	var spend recorder.SpendCounter
	var spendCounters *ledger.Counters
	if cfg.BudgetStrategy == "cached" {
		spendCounters = ledger.NewCounters(st.billing, periods, logger)
		if err := spendCounters.Reconcile(ctx); err != nil {
			return err
		}
		reader, spend = spendCounters, spendCounters
	}
	budget := ledger.New(reader, periods, cfg.BudgetHeaderUsers)

	engine := forward.NewEngine(prov, forward.Options{
		Timeout:    cfg.UpstreamTimeout,
		UserHeader: cfg.UserHeader,
		Counters:   counters,
		Logger:     logger,
	})
	rec := recorder.New(st.billing, prices, recorder.Options{
		Spend:    spend,
		Counters: counters,
		Tracer:   tracer,
		Logger:   logger,
	})
	dir := tenant.NewDirectory(st.tenants, rdb, cfg.TenantCacheTTL, logger)

	handler := proxy.NewHandler(budget, prices, engine, rec, st.billing, proxy.Options{
		Defaults:    forward.Target{BaseURL: baseURL, APIKey: cfg.UpstreamAPIKey},
		Prevalidate: cfg.PrevalidateModels,
		Tracer:      tracer,
		Logger:      logger,
	})

	var adminRoutes http.Handler
	if cfg.AdminToken != "" {
		var limiter *ratelimit.Limiter
		if rdb != nil {
			limiter = ratelimit.NewLimiter(rdb, cfg.AdminRateLimit, "admin")
		}
		adminRoutes = admin.NewHandler(st.tenants, dir, st.overrides, prices, logger).Router(cfg.AdminToken, limiter)
	} else {
		logger.Warn("ADMIN_TOKEN is not set, admin API disabled")
	}

	router := proxy.NewRouter(proxy.RouterConfig{
		Handler: handler,
		Auth:    tenant.NewMiddleware(dir, cfg.UserHeader, logger),
		Health:  proxy.HealthHandler(health.NewChecker(st.billing, redisPinger(rdb), prices, counters).WithCircuits(engine)),
		Admin:   adminRoutes,
	})

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go prices.Run(bgCtx)
	if spendCounters != nil {
		go spendCounters.Run(bgCtx, cfg.BudgetReconcileInterval)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("llm-meter starting",
			slog.String("port", cfg.Port),
			slog.String("store", cfg.StoreDriver),
			slog.String("upstream", prov.Name()),
			slog.String("budget_strategy", cfg.BudgetStrategy),
			slog.Int("catalog_models", prices.CatalogSize()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", slog.Any("error", err))
	}
	stopBackground()
	if err := rec.Drain(shutdownCtx); err != nil {
		logger.Error("usage recording did not finish", slog.Any("error", err))
	}
	logger.Info("server stopped")
	return nil
}
