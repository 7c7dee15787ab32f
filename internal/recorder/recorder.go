// Package recorder persists usage after the response has been delivered.
// Recording is attempted once, detached from the request; failures are
// counted and logged and never reach the caller.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/llm-meter/internal/billing"
	"github.com/vnmchuo/llm-meter/internal/forward"
	"github.com/vnmchuo/llm-meter/internal/health"
	"github.com/vnmchuo/llm-meter/internal/tenant"
	"github.com/vnmchuo/llm-meter/internal/worker"
)

// Event describes one completed proxied request.
type Event struct {
	RequestID        string
	TenantID         string
	UserID           string
	Personal         bool   // UserID comes from a personal credential
	Model            string // requested model
	UpstreamModel    string // model reported by the provider
	Deployment       string
	PromptTokens     int
	CompletionTokens int
	StatusCode       int
	Stream           bool
	ExtractionFailed bool
	Timings          forward.Timings
}

// PricingModel is the name used for pricing and logging: the requested
// model, else what the provider reported, else the deployment.
func (ev Event) PricingModel() string {
	for _, m := range []string{ev.Model, ev.UpstreamModel, ev.Deployment} {
		if m != "" {
			return m
		}
	}
	return ""
}

type Pricer interface {
	Cost(model string, promptTokens, completionTokens int) (float64, bool)
}

// SpendCounter mirrors durable increments into an in-process cache.
type SpendCounter interface {
	Add(tenantID, userID string, at time.Time, cost float64)
}

type Recorder struct {
	store    billing.Store
	pricer   Pricer
	spend    SpendCounter
	counters *health.Counters
	group    *worker.Group
	tracer   trace.Tracer
	logger   *slog.Logger
}

type Options struct {
	// Spend may be nil when budgets are read straight from the store.
	Spend    SpendCounter
	Counters *health.Counters
	Tracer   trace.Tracer
	Logger   *slog.Logger
	Timeout  time.Duration
}

func New(store billing.Store, pricer Pricer, opts Options) *Recorder {
	if opts.Counters == nil {
		opts.Counters = health.NewCounters()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("recorder")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	r := &Recorder{
		store:    store,
		pricer:   pricer,
		spend:    opts.Spend,
		counters: opts.Counters,
		group:    worker.NewGroup(opts.Timeout, opts.Logger),
		tracer:   opts.Tracer,
		logger:   opts.Logger,
	}
	r.group.OnDone = r.jobDone
	return r
}

// jobDone counts recordings that panicked. record counts its own errors.
func (r *Recorder) jobDone(name string, status worker.JobStatus, err error) {
	if status == worker.JobStatusFailed && errors.Is(err, worker.ErrPanic) {
		r.counters.RecordFailure()
	}
}

// Record schedules ev for persistence and returns immediately.
func (r *Recorder) Record(ev Event) {
	r.group.Go("record usage "+ev.RequestID, func(ctx context.Context) error {
		return r.record(ctx, ev)
	})
}

// Drain waits for scheduled recordings, bounded by ctx.
func (r *Recorder) Drain(ctx context.Context) error {
	return r.group.Wait(ctx)
}

func (r *Recorder) record(ctx context.Context, ev Event) error {
	ctx, span := r.tracer.Start(ctx, "recorder.record")
	defer span.End()

	model := ev.PricingModel()
	at := ev.Timings.Start
	if at.IsZero() {
		at = time.Now()
	}

	var cost float64
	unpriced := ev.ExtractionFailed
	if ev.PromptTokens > 0 || ev.CompletionTokens > 0 || ev.StatusCode/100 == 2 {
		var unknown bool
		cost, unknown = r.pricer.Cost(model, ev.PromptTokens, ev.CompletionTokens)
		unpriced = unpriced || unknown
	}

	span.SetAttributes(
		attribute.String("tenant_id", ev.TenantID),
		attribute.String("model", model),
		attribute.Float64("cost_usd", cost),
		attribute.Bool("unpriced", unpriced),
	)

	log := &billing.UsageLog{
		RequestID:        ev.RequestID,
		TenantID:         ev.TenantID,
		UserID:           ev.UserID,
		Model:            model,
		Deployment:       ev.Deployment,
		PromptTokens:     ev.PromptTokens,
		CompletionTokens: ev.CompletionTokens,
		CostUSD:          cost,
		StatusCode:       ev.StatusCode,
		Stream:           ev.Stream,
		Unpriced:         unpriced,
		OverheadMs:       forward.Millis(ev.Timings.Overhead()),
		UpstreamMs:       forward.Millis(ev.Timings.Upstream()),
		TransferMs:       forward.Millis(ev.Timings.Transfer()),
		TotalMs:          forward.Millis(ev.Timings.Total()),
		StartedAt:        at.UTC(),
	}

	var errs []error
	if err := r.store.LogUsage(ctx, log); err != nil {
		errs = append(errs, err)
	}

	// The cache is bumped before the durable write and taken back if it fails,
	// so a reconcile landing in between can only undercount.
	spendKey := tenant.SpendKey(ev.UserID, ev.Personal)
	if r.spend != nil {
		r.spend.Add(ev.TenantID, spendKey, at, cost)
	}

	// The aggregate is written even when the log row failed.
	err := r.store.AddUsage(ctx, billing.Aggregate{
		TenantID:         ev.TenantID,
		UserID:           spendKey,
		Day:              at,
		CostUSD:          cost,
		PromptTokens:     int64(ev.PromptTokens),
		CompletionTokens: int64(ev.CompletionTokens),
		Requests:         1,
	})
	if err != nil {
		errs = append(errs, err)
		if r.spend != nil {
			r.spend.Add(ev.TenantID, spendKey, at, -cost)
		}
	}

	if err := errors.Join(errs...); err != nil {
		r.counters.RecordFailure()
		span.RecordError(err)
		span.SetStatus(codes.Error, "recording failed")
		return fmt.Errorf("usage for request %s not recorded: %w", ev.RequestID, err)
	}

	r.logger.Debug("usage recorded",
		slog.String("request_id", ev.RequestID),
		slog.String("tenant_id", ev.TenantID),
		slog.String("model", model),
		slog.Float64("cost_usd", cost),
		slog.Bool("unpriced", unpriced))
	return nil
}
