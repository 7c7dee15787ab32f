package admin

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vnmchuo/llm-meter/internal/pricing"
	"github.com/vnmchuo/llm-meter/pkg/apierr"
)

type priceResponse struct {
	Model string         `json:"model"`
	Known bool           `json:"known"`
	Price *pricing.Price `json:"price,omitempty"`
	Match *pricing.Match `json:"match,omitempty"`
}

func (h *Handler) getPrice(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	resp := priceResponse{Model: model}
	if p, m, ok := h.prices.PriceOf(model); ok {
		resp.Known, resp.Price, resp.Match = true, &p, &m
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) putOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var p pricing.Price
	if !decode(w, r, &p) {
		return
	}
	if p.InputPerToken < 0 || p.OutputPerToken < 0 {
		apierr.Write(w, http.StatusBadRequest, apierr.CodeInvalidRequest, "prices must not be negative", nil)
		return
	}

	o := pricing.Override{Model: chi.URLParam(r, "model"), Price: p, UpdatedAt: time.Now().UTC()}
	if err := h.overrides.PutOverride(ctx, o); err != nil {
		h.internalError(w, "failed to store price override", err)
		return
	}
	if err := h.prices.ReloadOverrides(ctx); err != nil {
		h.internalError(w, "override stored but not reloaded", err)
		return
	}
	h.logger.Info("price override set", "model", o.Model,
		"input_per_token", p.InputPerToken, "output_per_token", p.OutputPerToken)
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) deleteOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	model := chi.URLParam(r, "model")
	if err := h.overrides.DeleteOverride(ctx, model); err != nil {
		h.writeStoreError(w, "failed to delete price override", err)
		return
	}
	if err := h.prices.ReloadOverrides(ctx); err != nil {
		h.internalError(w, "override deleted but not reloaded", err)
		return
	}
	h.logger.Info("price override removed", "model", model)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) refreshCatalog(w http.ResponseWriter, r *http.Request) {
	if err := h.prices.Refresh(r.Context()); err != nil {
		h.logger.Warn("manual catalog refresh failed", "error", err)
		apierr.Write(w, http.StatusBadGateway, apierr.CodeUpstreamUnreachable, "catalog refresh failed: "+err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models":    h.prices.CatalogSize(),
		"loaded_at": h.prices.CatalogLoadedAt(),
	})
}
