package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/llm-meter/internal/forward"
	"github.com/vnmchuo/llm-meter/internal/health"
	"github.com/vnmchuo/llm-meter/internal/provider"
	"github.com/vnmchuo/llm-meter/internal/tenant"
)

const RequestIDHeader = "X-Request-ID"

func noopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("proxy")
}

// RequestMeta stamps every request with its arrival time and a fresh
// request id, echoed back in X-Request-ID. It must run first so the
// overhead timing covers authentication.
func RequestMeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := forward.WithStart(r.Context(), time.Now())
		id := uuid.NewString()
		ctx = context.WithValue(ctx, chimiddleware.RequestIDKey, id)
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func RequestID(ctx context.Context) string {
	if id := chimiddleware.GetReqID(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}

// HealthHandler serves the health report, with 503 when the store is down.
func HealthHandler(checker *health.Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := checker.Check(r.Context())
		status := http.StatusOK
		if report.Status == health.StatusUnavailable {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	}
}

type RouterConfig struct {
	Handler *Handler
	Auth    tenant.Middleware
	Health  http.Handler
	// Admin is mounted under /admin when set.
	Admin http.Handler
}

func NewRouter(cfg RouterConfig) http.Handler {
	h := cfg.Handler
	r := chi.NewRouter()
	r.Use(RequestMeta)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	if cfg.Health != nil {
		r.Get("/healthz", cfg.Health.ServeHTTP)
	}
	if cfg.Admin != nil {
		r.Mount("/admin", cfg.Admin)
	}

	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth)
		r.Post("/v1/chat/completions", h.HandleOperation(provider.OpChatCompletions))
		r.Post("/v1/completions", h.HandleOperation(provider.OpCompletions))
		r.Post("/v1/embeddings", h.HandleOperation(provider.OpEmbeddings))
		r.Post("/openai/deployments/{deployment}/*", h.HandleDeployment)
		r.Get("/v1/usage", h.HandleUsage)
	})
	return r
}
