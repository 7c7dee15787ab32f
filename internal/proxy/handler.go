package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-meter/internal/billing"
	"github.com/vnmchuo/llm-meter/internal/forward"
	"github.com/vnmchuo/llm-meter/internal/ledger"
	"github.com/vnmchuo/llm-meter/internal/provider"
	"github.com/vnmchuo/llm-meter/internal/recorder"
	"github.com/vnmchuo/llm-meter/internal/tenant"
	"github.com/vnmchuo/llm-meter/pkg/apierr"
)

// maxRequestBody caps what is read from the caller before forwarding.
const maxRequestBody = 16 << 20

// Budget admits requests and reports spend.
type Budget interface {
	Admit(ctx context.Context, cred *tenant.Credential) (ledger.Decision, error)
	Usage(ctx context.Context, cred *tenant.Credential) ([]ledger.PeriodUsage, error)
}

type ModelValidator interface {
	Validate(model string) error
}

type Forwarder interface {
	Forward(ctx context.Context, w http.ResponseWriter, req *forward.Request) (*forward.Result, error)
}

type UsageRecorder interface {
	Record(ev recorder.Event)
}

type Options struct {
	// Defaults is the upstream used by tenants without their own.
	Defaults forward.Target
	// Prevalidate rejects models with no known price before forwarding.
	Prevalidate bool
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

type Handler struct {
	budget      Budget
	prices      ModelValidator
	forwarder   Forwarder
	recorder    UsageRecorder
	billing     billing.Store
	defaults    forward.Target
	prevalidate bool
	tracer      trace.Tracer
	logger      *slog.Logger
}

func NewHandler(budget Budget, prices ModelValidator, forwarder Forwarder, rec UsageRecorder, store billing.Store, opts Options) *Handler {
	if opts.Tracer == nil {
		opts.Tracer = noopTracer()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		budget:      budget,
		prices:      prices,
		forwarder:   forwarder,
		recorder:    rec,
		billing:     store,
		defaults:    opts.Defaults,
		prevalidate: opts.Prevalidate,
		tracer:      opts.Tracer,
		logger:      opts.Logger,
	}
}

// HandleOperation proxies an OpenAI-style route such as /v1/chat/completions.
func (h *Handler) HandleOperation(op provider.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, op, "")
	}
}

// HandleDeployment proxies /openai/deployments/{deployment}/{operation}.
func (h *Handler) HandleDeployment(w http.ResponseWriter, r *http.Request) {
	deployment := chi.URLParam(r, "deployment")
	op, err := provider.ParseOperation(chi.URLParam(r, "*"))
	if err != nil || deployment == "" {
		apierr.Write(w, http.StatusNotFound, apierr.CodeNotFound, "unsupported deployment route", nil)
		return
	}
	h.serve(w, r, op, deployment)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, op provider.Operation, deployment string) {
	ctx := r.Context()
	cred := tenant.FromContext(ctx)
	if cred == nil {
		apierr.Write(w, http.StatusUnauthorized, apierr.CodeMissingCredential, "unauthorized", nil)
		return
	}
	requestID := RequestID(ctx)
	timings := &forward.Timings{Start: forward.StartTime(ctx)}
	if timings.Start.IsZero() {
		timings.Start = time.Now()
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		apierr.Write(w, http.StatusBadRequest, apierr.CodeInvalidRequest, "failed to read request body", nil)
		return
	}
	if len(raw) > maxRequestBody {
		apierr.Write(w, http.StatusRequestEntityTooLarge, apierr.CodeInvalidRequest, "request body too large", nil)
		return
	}

	decision, err := h.budget.Admit(ctx, cred)
	if err != nil {
		h.logger.Error("budget check failed",
			slog.String("request_id", requestID),
			slog.String("tenant_id", cred.Tenant.ID),
			slog.Any("error", err))
		apierr.Write(w, http.StatusServiceUnavailable, apierr.CodeLedgerUnavailable, "spend ledger unavailable", nil)
		return
	}
	if !decision.Allowed {
		apierr.Write(w, http.StatusTooManyRequests, apierr.CodeBudgetExceeded,
			string(decision.Scope)+" "+string(decision.Period)+" budget exceeded",
			map[string]any{
				"period": decision.Period,
				"scope":  decision.Scope,
				"limit":  decision.Limit,
				"used":   decision.Used,
			})
		return
	}

	body, info := forward.PrepareBody(raw)
	model := info.Model
	if model == "" {
		model = deployment
	}
	if h.prevalidate && model != "" {
		if err := h.prices.Validate(model); err != nil {
			apierr.Write(w, http.StatusUnprocessableEntity, apierr.CodeUnpricedModel,
				"no price is known for model "+strconv.Quote(model), map[string]any{"model": model})
			return
		}
	}

	target, err := forward.ResolveTarget(&cred.Tenant, h.defaults)
	if err != nil {
		apierr.Write(w, http.StatusBadGateway, apierr.CodeNoUpstream, "no upstream configured for tenant", nil)
		return
	}

	ctx, span := h.tracer.Start(ctx, "proxy.forward")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", cred.Tenant.ID),
		attribute.String("request_id", requestID),
		attribute.String("model", model),
		attribute.String("operation", string(op)),
	)

	res, err := h.forwarder.Forward(ctx, w, &forward.Request{
		Target:     target,
		Operation:  op,
		Deployment: deployment,
		Body:       body,
		Info:       &info,
		Header:     r.Header,
		Timings:    timings,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "forward failed")
		h.logger.Warn("upstream request failed",
			slog.String("request_id", requestID),
			slog.String("tenant_id", cred.Tenant.ID),
			slog.Any("error", err))
		switch {
		case errors.Is(err, forward.ErrUpstreamUnreachable):
			apierr.Write(w, http.StatusBadGateway, apierr.CodeUpstreamUnreachable, "upstream provider unreachable", nil)
		case errors.Is(err, forward.ErrNoUpstream):
			apierr.Write(w, http.StatusBadGateway, apierr.CodeNoUpstream, "no upstream configured for tenant", nil)
		default:
			apierr.Write(w, http.StatusInternalServerError, apierr.CodeInternal, "failed to forward request", nil)
		}
		return
	}
	span.SetAttributes(attribute.Int("status_code", res.StatusCode), attribute.Bool("stream", res.Stream))

	ev := recorder.Event{
		RequestID:        requestID,
		TenantID:         cred.Tenant.ID,
		UserID:           cred.UserID,
		Personal:         cred.Personal,
		Model:            res.RequestModel,
		UpstreamModel:    res.UpstreamModel,
		Deployment:       deployment,
		StatusCode:       res.StatusCode,
		Stream:           res.Stream,
		ExtractionFailed: res.ExtractionFailed,
		Timings:          *timings,
	}
	if res.Usage != nil {
		ev.PromptTokens = res.Usage.PromptTokens
		ev.CompletionTokens = res.Usage.CompletionTokens
	}
	h.recorder.Record(ev)

	h.logger.Info("request proxied",
		slog.String("request_id", requestID),
		slog.String("tenant_id", cred.Tenant.ID),
		slog.String("user_id", cred.UserID),
		slog.String("model", ev.PricingModel()),
		slog.Int("status", res.StatusCode),
		slog.Bool("stream", res.Stream),
		slog.Float64("overhead_ms", forward.Millis(timings.Overhead())),
		slog.Float64("total_ms", forward.Millis(timings.Total())),
		slog.Any("copy_error", res.CopyErr))
}

const (
	defaultUsageWindow = 30 * 24 * time.Hour
	defaultUsageLimit  = 100
	maxUsageLimit      = 1000
)

// HandleUsage reports the caller's current budget position and recent
// usage log entries.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cred := tenant.FromContext(ctx)
	if cred == nil {
		apierr.Write(w, http.StatusUnauthorized, apierr.CodeMissingCredential, "unauthorized", nil)
		return
	}

	now := time.Now()
	from := now.Add(-defaultUsageWindow)
	to := now
	q := r.URL.Query()

	if s := q.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			apierr.Write(w, http.StatusBadRequest, apierr.CodeInvalidRequest, "invalid 'from' date format (use RFC3339)", nil)
			return
		}
		from = t
	}
	if s := q.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			apierr.Write(w, http.StatusBadRequest, apierr.CodeInvalidRequest, "invalid 'to' date format (use RFC3339)", nil)
			return
		}
		to = t
	}
	limit := defaultUsageLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			apierr.Write(w, http.StatusBadRequest, apierr.CodeInvalidRequest, "invalid 'limit'", nil)
			return
		}
		limit = min(n, maxUsageLimit)
	}

	periods, err := h.budget.Usage(ctx, cred)
	if err != nil {
		h.logger.Error("usage lookup failed", slog.String("tenant_id", cred.Tenant.ID), slog.Any("error", err))
		apierr.Write(w, http.StatusServiceUnavailable, apierr.CodeLedgerUnavailable, "spend ledger unavailable", nil)
		return
	}

	logs, err := h.billing.GetUsageByTenant(ctx, cred.Tenant.ID, from, to, limit)
	if err != nil {
		h.logger.Error("usage log lookup failed", slog.String("tenant_id", cred.Tenant.ID), slog.Any("error", err))
		apierr.Write(w, http.StatusInternalServerError, apierr.CodeInternal, "failed to read usage logs", nil)
		return
	}
	if logs == nil {
		logs = []*billing.UsageLog{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"tenant_id": cred.Tenant.ID,
		"user_id":   cred.UserID,
		"periods":   periods,
		"returned":  len(logs),
		"logs":      logs,
		"from":      from,
		"to":        to,
	})
}
