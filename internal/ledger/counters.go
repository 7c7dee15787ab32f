package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vnmchuo/llm-meter/internal/billing"
	"github.com/vnmchuo/llm-meter/internal/worker"
)

type projectKey struct {
	tenantID string
	day      int32
}

type userKey struct {
	tenantID string
	userID   string
	day      int32
}

// cell is a float64 accumulator updated with compare-and-swap.
type cell struct {
	bits atomic.Uint64
}

func (c *cell) add(v float64) {
	for {
		old := c.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + v)
		if c.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (c *cell) load() float64 {
	return math.Float64frombits(c.bits.Load())
}

type snapshot struct {
	project sync.Map // projectKey -> *cell
	user    sync.Map // userKey -> *cell
}

func (s *snapshot) add(tenantID, userID string, day int32, cost float64) {
	pc, _ := s.project.LoadOrStore(projectKey{tenantID, day}, &cell{})
	pc.(*cell).add(cost)
	uc, _ := s.user.LoadOrStore(userKey{tenantID, userID, day}, &cell{})
	uc.(*cell).add(cost)
}

func dayNumber(t time.Time) int32 {
	return int32(billing.Day(t).Unix() / 86400)
}

// Counters is an in-process SpendReader. It is fed by Add after each
// durable write and periodically replaced wholesale from the store.
type Counters struct {
	current atomic.Pointer[snapshot]
	mu      sync.Mutex // serializes Reconcile

	store   billing.Store
	periods []Period
	logger  *slog.Logger
	now     func() time.Time
}

func NewCounters(store billing.Store, periods []Period, logger *slog.Logger) *Counters {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Counters{store: store, periods: periods, logger: logger, now: time.Now}
	c.current.Store(&snapshot{})
	return c
}

// Add accumulates cost into the tenant and (tenant, user) cells for the day
// containing at. userID is a tenant.SpendKey; "" is the anonymous bucket.
// A negative cost takes back an earlier Add.
func (c *Counters) Add(tenantID, userID string, at time.Time, cost float64) {
	c.current.Load().add(tenantID, userID, dayNumber(at), cost)
}

func (c *Counters) Spent(ctx context.Context, tenantID string, userID *string, from, to time.Time) (float64, error) {
	s := c.current.Load()
	var total float64
	for d, end := dayNumber(from), dayNumber(to); d < end; d++ {
		var v any
		var ok bool
		if userID == nil {
			v, ok = s.project.Load(projectKey{tenantID, d})
		} else {
			v, ok = s.user.Load(userKey{tenantID, *userID, d})
		}
		if ok {
			total += v.(*cell).load()
		}
	}
	return total, nil
}

// Reconcile rebuilds the counters from the durable aggregates covering the
// longest configured period and swaps them in. The old snapshot is dropped,
// never merged.
func (c *Counters) Reconcile(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	since := windowStart(c.periods, c.now())
	rows, err := c.store.LoadAggregates(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to reconcile budget counters: %w", err)
	}

	next := &snapshot{}
	for _, a := range rows {
		next.add(a.TenantID, a.UserID, dayNumber(a.Day), a.CostUSD)
	}
	c.current.Store(next)
	c.logger.Debug("budget counters reconciled", slog.Int("buckets", len(rows)), slog.Time("since", since))
	return nil
}

// Run reconciles every interval until ctx is done.
func (c *Counters) Run(ctx context.Context, interval time.Duration) {
	worker.Every(ctx, interval, func(ctx context.Context) {
		if err := c.Reconcile(ctx); err != nil {
			c.logger.Warn("budget reconcile failed", slog.Any("error", err))
		}
	})
}
