// Package admin is the operator API for tenants, keys and price overrides.
// Every route requires the admin bearer token.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/vnmchuo/llm-meter/internal/pricing"
	"github.com/vnmchuo/llm-meter/internal/tenant"
	"github.com/vnmchuo/llm-meter/pkg/apierr"
	"github.com/vnmchuo/llm-meter/pkg/ratelimit"
)

// Invalidator drops cached credential resolutions.
type Invalidator interface {
	Invalidate(ctx context.Context, keyHashes ...string) error
	InvalidateTenant(ctx context.Context, tenantID string) error
}

// PriceTable is the live pricing state the admin API manages.
type PriceTable interface {
	PriceOf(model string) (pricing.Price, pricing.Match, bool)
	ReloadOverrides(ctx context.Context) error
	Refresh(ctx context.Context) error
	CatalogLoadedAt() time.Time
	CatalogSize() int
}

type Handler struct {
	tenants   tenant.Store
	cache     Invalidator
	overrides pricing.OverrideStore
	prices    PriceTable
	logger    *slog.Logger
}

func NewHandler(tenants tenant.Store, cache Invalidator, overrides pricing.OverrideStore, prices PriceTable, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{tenants: tenants, cache: cache, overrides: overrides, prices: prices, logger: logger}
}

// Router mounts the admin routes behind token auth and limiter.
func (h *Handler) Router(token string, limiter *ratelimit.Limiter) http.Handler {
	r := chi.NewRouter()
	r.Use(limiter.Middleware(h.logger))
	r.Use(RequireToken(token))

	r.Route("/tenants", func(r chi.Router) {
		r.Post("/", h.createTenant)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getTenant)
			r.Patch("/", h.updateTenant)
			r.Post("/rotate", h.rotateKey)
			r.Post("/deactivate", h.setActive(false))
			r.Post("/activate", h.setActive(true))
			r.Post("/users/{user}/key", h.putPersonalKey)
			r.Delete("/users/{user}/key", h.revokePersonalKey)
		})
	})
	r.Route("/pricing", func(r chi.Router) {
		r.Post("/refresh", h.refreshCatalog)
		r.Get("/{model}", h.getPrice)
		r.Put("/{model}", h.putOverride)
		r.Delete("/{model}", h.deleteOverride)
	})
	return r
}

// RequireToken rejects requests whose bearer token is not token. An empty
// token rejects everything.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := tenant.ExtractKey(r.Header)
			if got == "" {
				apierr.Write(w, http.StatusUnauthorized, apierr.CodeMissingCredential, "missing admin token", nil)
				return
			}
			if token == "" || !tenant.CompareToken(got, token) {
				apierr.Write(w, http.StatusUnauthorized, apierr.CodeInvalidCredential, "invalid admin token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		apierr.Write(w, http.StatusBadRequest, apierr.CodeInvalidRequest, "invalid request body: "+err.Error(), nil)
		return false
	}
	return true
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, slog.Any("error", err))
	apierr.Write(w, http.StatusInternalServerError, apierr.CodeInternal, msg, nil)
}

func (h *Handler) writeStoreError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound):
		apierr.Write(w, http.StatusNotFound, apierr.CodeNotFound, "tenant not found", nil)
	case errors.Is(err, tenant.ErrUnknownCredential):
		apierr.Write(w, http.StatusNotFound, apierr.CodeNotFound, "key not found", nil)
	case errors.Is(err, pricing.ErrOverrideNotFound):
		apierr.Write(w, http.StatusNotFound, apierr.CodeNotFound, "price override not found", nil)
	default:
		h.internalError(w, msg, err)
	}
}

// withInvalidation runs fn and then drops every cached resolution of the
// tenant's keys, including hashes fn replaced or removed.
func (h *Handler) withInvalidation(ctx context.Context, tenantID string, fn func() error) error {
	before, err := h.tenants.KeyHashes(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	after, err := h.tenants.KeyHashes(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := h.cache.Invalidate(ctx, append(before, after...)...); err != nil {
		// Entries still expire with the cache TTL.
		h.logger.Warn("tenant cache invalidation failed",
			slog.String("tenant_id", tenantID), slog.Any("error", err))
	}
	return nil
}

func validLimits(l tenant.Limits) bool {
	for _, v := range []*float64{l.Daily, l.Weekly, l.Monthly} {
		if v != nil && *v < 0 {
			return false
		}
	}
	return true
}
