package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vnmchuo/llm-meter/internal/worker"
)

// Refresh fetches the catalog and swaps it in. On failure the current table
// stays published and the refresh-failure counter is bumped.
func (r *Resolver) Refresh(ctx context.Context) error {
	if r.source == nil {
		return errors.New("pricing: no catalog source configured")
	}

	c, err := r.source.Fetch(ctx)
	if err != nil {
		r.counters.RefreshFailure()
		r.logger.Warn("price catalog refresh failed, keeping last table", slog.Any("error", err))
		return fmt.Errorf("catalog refresh: %w", err)
	}

	loadedAt := time.Now().UTC()
	r.setCatalog(c, loadedAt)
	r.logger.Info("price catalog loaded", slog.Int("models", len(c)))

	if r.snapshot != nil {
		if err := r.snapshot.Save(ctx, c, loadedAt); err != nil {
			r.logger.Warn("price snapshot save failed", slog.Any("error", err))
		}
	}
	return nil
}

// Start performs the initial load: overrides, then the catalog from its
// source, falling back to the saved snapshot. With Required set and nothing
// loaded it returns ErrNoCatalog; otherwise every model is unpriced until a
// refresh succeeds.
func (r *Resolver) Start(ctx context.Context) error {
	if err := r.ReloadOverrides(ctx); err != nil {
		return err
	}

	if r.source != nil {
		if err := r.Refresh(ctx); err == nil {
			return nil
		}
	}

	if r.snapshot != nil {
		c, loadedAt, err := r.snapshot.Load(ctx)
		switch {
		case err == nil:
			r.setCatalog(c, loadedAt)
			r.logger.Warn("price catalog source unavailable, using snapshot",
				slog.Int("models", len(c)), slog.Time("snapshot_at", loadedAt))
			return nil
		case !errors.Is(err, ErrNoCatalog):
			r.logger.Warn("price snapshot load failed", slog.Any("error", err))
		}
	}

	if r.required {
		return ErrNoCatalog
	}
	r.logger.Error("no price catalog loaded, all models are unpriced until a refresh succeeds")
	return nil
}

// Run refreshes the catalog every interval until ctx is done.
func (r *Resolver) Run(ctx context.Context) {
	if r.source == nil {
		return
	}
	worker.Every(ctx, r.interval, func(ctx context.Context) {
		_ = r.Refresh(ctx)
	})
}
