package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/llm-meter/internal/sqlitedb"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) Store {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) LogUsage(ctx context.Context, log *UsageLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO usage_logs (id, request_id, tenant_id, user_id, model, deployment,
			prompt_tokens, completion_tokens, cost_usd, status_code, stream, unpriced,
			overhead_ms, upstream_ms, transfer_ms, total_ms, started_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (request_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		log.ID, log.RequestID, log.TenantID, log.UserID, log.Model, log.Deployment,
		log.PromptTokens, log.CompletionTokens, log.CostUSD, log.StatusCode, log.Stream, log.Unpriced,
		log.OverheadMs, log.UpstreamMs, log.TransferMs, log.TotalMs,
		sqlitedb.FormatTime(log.StartedAt), sqlitedb.FormatTime(log.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddUsage(ctx context.Context, d Aggregate) error {
	query := `
		INSERT INTO usage_daily (tenant_id, user_id, day, cost_usd, prompt_tokens, completion_tokens, request_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, user_id, day) DO UPDATE SET
			cost_usd          = cost_usd + excluded.cost_usd,
			prompt_tokens     = prompt_tokens + excluded.prompt_tokens,
			completion_tokens = completion_tokens + excluded.completion_tokens,
			request_count     = request_count + excluded.request_count
	`
	_, err := s.db.ExecContext(ctx, query,
		d.TenantID, d.UserID, Day(d.Day).Format(sqlitedb.DayLayout),
		d.CostUSD, d.PromptTokens, d.CompletionTokens, d.Requests)
	if err != nil {
		return fmt.Errorf("failed to add usage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SumCost(ctx context.Context, tenantID string, userID *string, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_daily
		WHERE tenant_id = ? AND day >= ? AND day < ?`
	args := []any{tenantID, Day(from).Format(sqlitedb.DayLayout), Day(to).Format(sqlitedb.DayLayout)}
	if userID != nil {
		query += ` AND user_id = ?`
		args = append(args, *userID)
	}

	var total float64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum cost: %w", err)
	}
	return total, nil
}

func (s *SQLiteStore) LoadAggregates(ctx context.Context, since time.Time) ([]Aggregate, error) {
	query := `
		SELECT tenant_id, user_id, day, cost_usd, prompt_tokens, completion_tokens, request_count
		FROM usage_daily
		WHERE day >= ?
	`
	rows, err := s.db.QueryContext(ctx, query, Day(since).Format(sqlitedb.DayLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to load aggregates: %w", err)
	}
	defer rows.Close()

	var out []Aggregate
	for rows.Next() {
		var a Aggregate
		var day string
		if err := rows.Scan(&a.TenantID, &a.UserID, &day, &a.CostUSD,
			&a.PromptTokens, &a.CompletionTokens, &a.Requests); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		a.Day, err = time.Parse(sqlitedb.DayLayout, day)
		if err != nil {
			return nil, fmt.Errorf("invalid day %q: %w", day, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating aggregates: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]*UsageLog, error) {
	query := `
		SELECT id, request_id, tenant_id, user_id, model, deployment,
			prompt_tokens, completion_tokens, cost_usd, status_code, stream, unpriced,
			overhead_ms, upstream_ms, transfer_ms, total_ms, started_at, created_at
		FROM usage_logs
		WHERE tenant_id = ? AND started_at >= ? AND started_at < ?
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query,
		tenantID, sqlitedb.FormatTime(from), sqlitedb.FormatTime(to), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var logs []*UsageLog
	for rows.Next() {
		var l UsageLog
		var started, created string
		err := rows.Scan(
			&l.ID, &l.RequestID, &l.TenantID, &l.UserID, &l.Model, &l.Deployment,
			&l.PromptTokens, &l.CompletionTokens, &l.CostUSD, &l.StatusCode, &l.Stream, &l.Unpriced,
			&l.OverheadMs, &l.UpstreamMs, &l.TransferMs, &l.TotalMs, &started, &created,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		if l.StartedAt, err = sqlitedb.ParseTime(started); err != nil {
			return nil, fmt.Errorf("invalid started_at %q: %w", started, err)
		}
		if l.CreatedAt, err = sqlitedb.ParseTime(created); err != nil {
			return nil, fmt.Errorf("invalid created_at %q: %w", created, err)
		}
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage logs: %w", err)
	}

	return logs, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
