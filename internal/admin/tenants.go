package admin

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vnmchuo/llm-meter/internal/tenant"
	"github.com/vnmchuo/llm-meter/pkg/apierr"
)

// tenantView is a tenant as returned to operators. The upstream secret is
// never echoed.
type tenantView struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Limits         tenant.Limits `json:"limits"`
	UserLimits     tenant.Limits `json:"user_limits"`
	Active         bool          `json:"active"`
	UpstreamURL    string        `json:"upstream_url,omitempty"`
	HasUpstreamKey bool          `json:"has_upstream_key"`
	CreatedAt      time.Time     `json:"created_at"`
}

func viewOf(t *tenant.Tenant) tenantView {
	return tenantView{
		ID:             t.ID,
		Name:           t.Name,
		Limits:         t.Limits,
		UserLimits:     t.UserLimits,
		Active:         t.Active,
		UpstreamURL:    t.UpstreamURL,
		HasUpstreamKey: t.UpstreamKey != "",
		CreatedAt:      t.CreatedAt,
	}
}

type createTenantRequest struct {
	Name        string        `json:"name"`
	Limits      tenant.Limits `json:"limits"`
	UserLimits  tenant.Limits `json:"user_limits"`
	UpstreamURL string        `json:"upstream_url"`
	UpstreamKey string        `json:"upstream_key"`
}

type keyResponse struct {
	Tenant *tenantView `json:"tenant,omitempty"`
	UserID string      `json:"user_id,omitempty"`
	// APIKey is shown once; only its hash is stored.
	APIKey string `json:"api_key"`
}

func (h *Handler) createTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		apierr.Write(w, http.StatusBadRequest, apierr.CodeInvalidRequest, "name is required", nil)
		return
	}
	if !validLimits(req.Limits) || !validLimits(req.UserLimits) {
		apierr.Write(w, http.StatusBadRequest, apierr.CodeInvalidRequest, "limits must not be negative", nil)
		return
	}

	key, err := tenant.GenerateKey()
	if err != nil {
		h.internalError(w, "failed to generate key", err)
		return
	}
	t := &tenant.Tenant{
		Name:        req.Name,
		Limits:      req.Limits,
		UserLimits:  req.UserLimits,
		Active:      true,
		UpstreamURL: req.UpstreamURL,
		UpstreamKey: req.UpstreamKey,
	}
	if err := h.tenants.CreateTenant(r.Context(), t, tenant.HashKey(key)); err != nil {
		h.internalError(w, "failed to create tenant", err)
		return
	}

	h.logger.Info("tenant created", "tenant_id", t.ID, "name", t.Name)
	v := viewOf(t)
	writeJSON(w, http.StatusCreated, keyResponse{Tenant: &v, APIKey: key})
}

func (h *Handler) getTenant(w http.ResponseWriter, r *http.Request) {
	t, err := h.tenants.GetTenant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeStoreError(w, "failed to load tenant", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

// updateTenantRequest is a partial update; absent fields keep their value.
// A limits object replaces all three ceilings of that scope.
type updateTenantRequest struct {
	Name        *string        `json:"name"`
	Limits      *tenant.Limits `json:"limits"`
	UserLimits  *tenant.Limits `json:"user_limits"`
	UpstreamURL *string        `json:"upstream_url"`
	UpstreamKey *string        `json:"upstream_key"`
}

func (h *Handler) updateTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req updateTenantRequest
	if !decode(w, r, &req) {
		return
	}

	t, err := h.tenants.GetTenant(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeStoreError(w, "failed to load tenant", err)
		return
	}
	if req.Name != nil {
		if *req.Name == "" {
			apierr.Write(w, http.StatusBadRequest, apierr.CodeInvalidRequest, "name must not be empty", nil)
			return
		}
		t.Name = *req.Name
	}
	if req.Limits != nil {
		t.Limits = *req.Limits
	}
	if req.UserLimits != nil {
		t.UserLimits = *req.UserLimits
	}
	if req.UpstreamURL != nil {
		t.UpstreamURL = *req.UpstreamURL
	}
	if req.UpstreamKey != nil {
		t.UpstreamKey = *req.UpstreamKey
	}
	if !validLimits(t.Limits) || !validLimits(t.UserLimits) {
		apierr.Write(w, http.StatusBadRequest, apierr.CodeInvalidRequest, "limits must not be negative", nil)
		return
	}

	err = h.withInvalidation(ctx, t.ID, func() error { return h.tenants.UpdateTenant(ctx, t) })
	if err != nil {
		h.writeStoreError(w, "failed to update tenant", err)
		return
	}
	h.logger.Info("tenant updated", "tenant_id", t.ID)
	writeJSON(w, http.StatusOK, viewOf(t))
}

func (h *Handler) setActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := chi.URLParam(r, "id")
		if err := h.tenants.SetActive(ctx, id, active); err != nil {
			h.writeStoreError(w, "failed to change tenant state", err)
			return
		}
		if err := h.cache.InvalidateTenant(ctx, id); err != nil {
			h.logger.Warn("tenant cache invalidation failed", "tenant_id", id, "error", err)
		}
		h.logger.Info("tenant state changed", "tenant_id", id, "active", active)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) rotateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	key, err := tenant.GenerateKey()
	if err != nil {
		h.internalError(w, "failed to generate key", err)
		return
	}
	err = h.withInvalidation(ctx, id, func() error { return h.tenants.RotateKey(ctx, id, tenant.HashKey(key)) })
	if err != nil {
		h.writeStoreError(w, "failed to rotate key", err)
		return
	}
	h.logger.Info("tenant key rotated", "tenant_id", id)
	writeJSON(w, http.StatusOK, keyResponse{APIKey: key})
}

func (h *Handler) putPersonalKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	user := tenant.NormalizeUserID(chi.URLParam(r, "user"))
	if user == "" {
		apierr.Write(w, http.StatusBadRequest, apierr.CodeInvalidRequest, "user is required", nil)
		return
	}
	if strings.HasPrefix(user, tenant.HeaderUserPrefix) {
		apierr.Write(w, http.StatusBadRequest, apierr.CodeInvalidRequest,
			"user ids may not start with "+strconv.Quote(tenant.HeaderUserPrefix), nil)
		return
	}
	if _, err := h.tenants.GetTenant(ctx, id); err != nil {
		h.writeStoreError(w, "failed to load tenant", err)
		return
	}

	key, err := tenant.GenerateKey()
	if err != nil {
		h.internalError(w, "failed to generate key", err)
		return
	}
	err = h.withInvalidation(ctx, id, func() error { return h.tenants.PutPersonalKey(ctx, id, user, tenant.HashKey(key)) })
	if err != nil {
		h.writeStoreError(w, "failed to mint personal key", err)
		return
	}
	h.logger.Info("personal key minted", "tenant_id", id, "user_id", user)
	writeJSON(w, http.StatusCreated, keyResponse{UserID: user, APIKey: key})
}

func (h *Handler) revokePersonalKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	user := tenant.NormalizeUserID(chi.URLParam(r, "user"))
	err := h.withInvalidation(ctx, id, func() error { return h.tenants.RevokePersonalKey(ctx, id, user) })
	if err != nil {
		h.writeStoreError(w, "failed to revoke personal key", err)
		return
	}
	h.logger.Info("personal key revoked", "tenant_id", id, "user_id", user)
	w.WriteHeader(http.StatusNoContent)
}
