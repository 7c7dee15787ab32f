package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LogUsage(ctx context.Context, log *UsageLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	query := `
		INSERT INTO usage_logs (id, request_id, tenant_id, user_id, model, deployment,
			prompt_tokens, completion_tokens, cost_usd, status_code, stream, unpriced,
			overhead_ms, upstream_ms, transfer_ms, total_ms, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING created_at
	`
	err := s.db.QueryRow(ctx, query,
		log.ID, log.RequestID, log.TenantID, log.UserID, log.Model, log.Deployment,
		log.PromptTokens, log.CompletionTokens, log.CostUSD, log.StatusCode, log.Stream, log.Unpriced,
		log.OverheadMs, log.UpstreamMs, log.TransferMs, log.TotalMs, log.StartedAt,
	).Scan(&log.CreatedAt)

	if err != nil && err != pgx.ErrNoRows {
		return fmt.Errorf("failed to log usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddUsage(ctx context.Context, d Aggregate) error {
	query := `
		INSERT INTO usage_daily (tenant_id, user_id, day, cost_usd, prompt_tokens, completion_tokens, request_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, user_id, day) DO UPDATE SET
			cost_usd          = usage_daily.cost_usd + EXCLUDED.cost_usd,
			prompt_tokens     = usage_daily.prompt_tokens + EXCLUDED.prompt_tokens,
			completion_tokens = usage_daily.completion_tokens + EXCLUDED.completion_tokens,
			request_count     = usage_daily.request_count + EXCLUDED.request_count
	`
	_, err := s.db.Exec(ctx, query,
		d.TenantID, d.UserID, Day(d.Day), d.CostUSD, d.PromptTokens, d.CompletionTokens, d.Requests)
	if err != nil {
		return fmt.Errorf("failed to add usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) SumCost(ctx context.Context, tenantID string, userID *string, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)::float8
		FROM usage_daily
		WHERE tenant_id = $1 AND day >= $2 AND day < $3 AND ($4::text IS NULL OR user_id = $4::text)
	`
	var total float64
	err := s.db.QueryRow(ctx, query, tenantID, Day(from), Day(to), userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum cost: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) LoadAggregates(ctx context.Context, since time.Time) ([]Aggregate, error) {
	query := `
		SELECT tenant_id::text, user_id, day, cost_usd::float8, prompt_tokens, completion_tokens, request_count
		FROM usage_daily
		WHERE day >= $1
	`
	rows, err := s.db.Query(ctx, query, Day(since))
	if err != nil {
		return nil, fmt.Errorf("failed to load aggregates: %w", err)
	}
	defer rows.Close()

	var out []Aggregate
	for rows.Next() {
		var a Aggregate
		if err := rows.Scan(&a.TenantID, &a.UserID, &a.Day, &a.CostUSD,
			&a.PromptTokens, &a.CompletionTokens, &a.Requests); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		a.Day = Day(a.Day)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating aggregates: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]*UsageLog, error) {
	query := `
		SELECT id::text, request_id, tenant_id::text, user_id, model, deployment,
			prompt_tokens, completion_tokens, cost_usd::float8, status_code, stream, unpriced,
			overhead_ms, upstream_ms, transfer_ms, total_ms, started_at, created_at
		FROM usage_logs
		WHERE tenant_id = $1 AND started_at >= $2 AND started_at < $3
		ORDER BY started_at DESC
		LIMIT $4
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var logs []*UsageLog
	for rows.Next() {
		var l UsageLog
		err := rows.Scan(
			&l.ID, &l.RequestID, &l.TenantID, &l.UserID, &l.Model, &l.Deployment,
			&l.PromptTokens, &l.CompletionTokens, &l.CostUSD, &l.StatusCode, &l.Stream, &l.Unpriced,
			&l.OverheadMs, &l.UpstreamMs, &l.TransferMs, &l.TotalMs, &l.StartedAt, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage logs: %w", err)
	}

	return logs, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
