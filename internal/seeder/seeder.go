package seeder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vnmchuo/llm-meter/internal/tenant"
)

const (
	TestAPIKey     = "test-api-key-12345"
	TestTenantID   = "00000000-0000-0000-0000-000000000001"
	TestTenantName = "local-dev"
	TestDailyLimit = 5.0
)

// SeedTestTenant creates a development tenant reachable with TestAPIKey and
// a 5 USD daily ceiling. An existing seed is left untouched.
func SeedTestTenant(ctx context.Context, store tenant.Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := store.GetTenant(ctx, TestTenantID); err == nil {
		logger.Info("test tenant already seeded", slog.String("tenant_id", TestTenantID))
		return nil
	} else if !errors.Is(err, tenant.ErrTenantNotFound) {
		return fmt.Errorf("failed to look up test tenant: %w", err)
	}

	daily := TestDailyLimit
	t := &tenant.Tenant{
		ID:     TestTenantID,
		Name:   TestTenantName,
		Limits: tenant.Limits{Daily: &daily},
		Active: true,
	}
	if err := store.CreateTenant(ctx, t, tenant.HashKey(TestAPIKey)); err != nil {
		return fmt.Errorf("failed to seed test tenant: %w", err)
	}
	logger.Info("test tenant created",
		slog.String("tenant_id", TestTenantID),
		slog.String("key", TestAPIKey),
		slog.Float64("daily_limit_usd", daily))
	return nil
}
