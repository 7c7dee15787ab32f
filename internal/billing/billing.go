package billing

import (
	"context"
	"time"
)

// UsageLog is one immutable row per completed proxied request.
type UsageLog struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"request_id"`
	TenantID         string    `json:"tenant_id"`
	UserID           string    `json:"user_id,omitempty"`
	Model            string    `json:"model"`
	Deployment       string    `json:"deployment,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	StatusCode       int       `json:"status_code"`
	Stream           bool      `json:"stream"`
	Unpriced         bool      `json:"unpriced"`
	OverheadMs       float64   `json:"overhead_ms"`
	UpstreamMs       float64   `json:"upstream_ms"`
	TransferMs       float64   `json:"transfer_ms"`
	TotalMs          float64   `json:"total_ms"`
	StartedAt        time.Time `json:"started_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// Aggregate is the running total of one (tenant, user, day) bucket. The
// anonymous user is the empty string. Rows only ever grow.
type Aggregate struct {
	TenantID         string
	UserID           string
	Day              time.Time // UTC midnight
	CostUSD          float64
	PromptTokens     int64
	CompletionTokens int64
	Requests         int64
}

type Store interface {
	// LogUsage appends a request log row; a repeated RequestID is ignored.
	LogUsage(ctx context.Context, log *UsageLog) error
	// AddUsage adds delta onto its bucket, creating it if needed. It is a
	// single insert-or-add statement so concurrent calls never lose updates.
	AddUsage(ctx context.Context, delta Aggregate) error
	// SumCost totals cost over days in [from, to). A nil userID sums every
	// user of the tenant.
	SumCost(ctx context.Context, tenantID string, userID *string, from, to time.Time) (float64, error)
	// LoadAggregates returns every bucket with Day >= since.
	LoadAggregates(ctx context.Context, since time.Time) ([]Aggregate, error)
	GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]*UsageLog, error)
	Ping(ctx context.Context) error
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
