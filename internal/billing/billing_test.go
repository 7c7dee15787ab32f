package billing

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-meter/internal/sqlitedb"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "meter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db)
}

func strPtr(s string) *string { return &s }

func TestDay(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	// 02:00 local on the 2nd is 17:00 UTC on the 1st.
	got := Day(time.Date(2026, 3, 2, 2, 0, 0, 0, loc))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestSQLiteStore_AddUsageAccumulates(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	day := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)

	require.NoError(t, s.AddUsage(ctx, Aggregate{TenantID: "t1", Day: day, CostUSD: 1.5, PromptTokens: 10, CompletionTokens: 5, Requests: 1}))
	require.NoError(t, s.AddUsage(ctx, Aggregate{TenantID: "t1", Day: day, CostUSD: 2.5, PromptTokens: 20, CompletionTokens: 1, Requests: 1}))
	require.NoError(t, s.AddUsage(ctx, Aggregate{TenantID: "t1", UserID: "alice", Day: day, CostUSD: 4, Requests: 1}))

	all, err := s.LoadAggregates(ctx, day.AddDate(0, 0, -1))
	require.NoError(t, err)
	require.Len(t, all, 2)

	byUser := map[string]Aggregate{}
	for _, a := range all {
		byUser[a.UserID] = a
	}
	assert.InDelta(t, 4.0, byUser[""].CostUSD, 1e-9)
	assert.Equal(t, int64(30), byUser[""].PromptTokens)
	assert.Equal(t, int64(6), byUser[""].CompletionTokens)
	assert.Equal(t, int64(2), byUser[""].Requests)
	assert.Equal(t, Day(day), byUser["alice"].Day)
}

func TestSQLiteStore_ConcurrentAddsAreCommutative(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.AddUsage(ctx, Aggregate{TenantID: "t1", Day: day, CostUSD: 0.25, PromptTokens: 1, Requests: 1}))
		}()
	}
	wg.Wait()

	total, err := s.SumCost(ctx, "t1", nil, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.InDelta(t, n*0.25, total, 1e-9)

	all, err := s.LoadAggregates(ctx, day)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(n), all[0].Requests)
}

func TestSQLiteStore_SumCostScopes(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	d1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)

	require.NoError(t, s.AddUsage(ctx, Aggregate{TenantID: "t1", UserID: "alice", Day: d1, CostUSD: 1}))
	require.NoError(t, s.AddUsage(ctx, Aggregate{TenantID: "t1", UserID: "bob", Day: d1, CostUSD: 2}))
	require.NoError(t, s.AddUsage(ctx, Aggregate{TenantID: "t1", UserID: "alice", Day: d2, CostUSD: 4}))
	require.NoError(t, s.AddUsage(ctx, Aggregate{TenantID: "t2", Day: d1, CostUSD: 100}))

	tests := []struct {
		name   string
		user   *string
		from   time.Time
		to     time.Time
		expect float64
	}{
		{"tenant one day", nil, d1, d2, 3},
		{"tenant two days", nil, d1, d2.AddDate(0, 0, 1), 7},
		{"alice two days", strPtr("alice"), d1, d2.AddDate(0, 0, 1), 5},
		{"bob second day", strPtr("bob"), d2, d2.AddDate(0, 0, 1), 0},
		{"anonymous", strPtr(""), d1, d2.AddDate(0, 0, 1), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.SumCost(ctx, "t1", tt.user, tt.from, tt.to)
			require.NoError(t, err)
			assert.InDelta(t, tt.expect, got, 1e-9)
		})
	}
}

func TestSQLiteStore_LogUsageIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	started := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)

	log := &UsageLog{
		RequestID: "req-1", TenantID: "t1", UserID: "alice", Model: "gpt-4o",
		PromptTokens: 100, CompletionTokens: 20, CostUSD: 0.0012, StatusCode: 200,
		Stream: true, OverheadMs: 1.5, UpstreamMs: 120, TransferMs: 30, TotalMs: 151.5,
		StartedAt: started,
	}
	require.NoError(t, s.LogUsage(ctx, log))
	require.NotEmpty(t, log.ID)

	dup := *log
	dup.ID = ""
	dup.CostUSD = 99
	require.NoError(t, s.LogUsage(ctx, &dup))

	logs, err := s.GetUsageByTenant(ctx, "t1", started.Add(-time.Hour), started.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	got := logs[0]
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, "alice", got.UserID)
	assert.InDelta(t, 0.0012, got.CostUSD, 1e-12)
	assert.True(t, got.Stream)
	assert.False(t, got.Unpriced)
	assert.True(t, started.Equal(got.StartedAt))
}

func TestSQLiteStore_GetUsageByTenantOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.LogUsage(ctx, &UsageLog{
			RequestID: id, TenantID: "t1", StatusCode: 200,
			StartedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.LogUsage(ctx, &UsageLog{RequestID: "other", TenantID: "t2", StatusCode: 200, StartedAt: base}))

	logs, err := s.GetUsageByTenant(ctx, "t1", base, base.Add(time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "c", logs[0].RequestID)
	assert.Equal(t, "b", logs[1].RequestID)
}

func TestSQLiteStore_Ping(t *testing.T) {
	s := newSQLiteStore(t)
	require.NoError(t, s.Ping(context.Background()))
}
