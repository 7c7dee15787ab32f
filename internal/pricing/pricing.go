// Package pricing turns model names and token counts into cost.
//
// Prices live in an immutable table published through an atomic pointer.
// Lookups load the pointer once; refreshes and override reloads build a new
// table and swap it in, so a reader sees either the old table or the new one.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vnmchuo/llm-meter/internal/health"
)

var (
	ErrUnknownModel = errors.New("model has no price")
	ErrNoCatalog    = errors.New("no price catalog available")
)

// Price is the per-token rate in USD.
type Price struct {
	InputPerToken  float64 `json:"input_per_token" yaml:"input_per_token"`
	OutputPerToken float64 `json:"output_per_token" yaml:"output_per_token"`
}

// Catalog maps canonical model names to prices.
type Catalog map[string]Price

type Origin string

const (
	OriginOverride Origin = "override"
	OriginCatalog  Origin = "catalog"
)

// Match describes how a model name was priced.
type Match struct {
	Key    string `json:"key"` // table key that matched
	Origin Origin `json:"origin"`
	Exact  bool   `json:"exact"`
}

// Normalizer maps provider-specific spellings onto catalog names.
type Normalizer interface {
	NormalizeModel(model string) string
}

type table struct {
	overrides Catalog
	catalog   Catalog
	loadedAt  time.Time // zero until a catalog is loaded
}

type Options struct {
	Source     Source
	Snapshot   Snapshot
	Overrides  OverrideStore
	Normalizer Normalizer
	Counters   *health.Counters
	Logger     *slog.Logger

	// Required makes Start fail when neither the source nor a snapshot
	// yields a catalog.
	Required        bool
	RefreshInterval time.Duration
}

type Resolver struct {
	current atomic.Pointer[table]
	mu      sync.Mutex // serializes writers

	source     Source
	snapshot   Snapshot
	overrides  OverrideStore
	normalizer Normalizer
	counters   *health.Counters
	logger     *slog.Logger
	required   bool
	interval   time.Duration
}

func New(opts Options) *Resolver {
	if opts.Counters == nil {
		opts.Counters = health.NewCounters()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Resolver{
		source:     opts.Source,
		snapshot:   opts.Snapshot,
		overrides:  opts.Overrides,
		normalizer: opts.Normalizer,
		counters:   opts.Counters,
		logger:     opts.Logger,
		required:   opts.Required,
		interval:   opts.RefreshInterval,
	}
	r.current.Store(&table{overrides: Catalog{}, catalog: Catalog{}})
	return r
}

// PriceOf resolves model in order: override exact, catalog exact, then the
// normalized name and its dash-shortened prefixes (override before catalog
// at each step).
func (r *Resolver) PriceOf(model string) (Price, Match, bool) {
	t := r.current.Load()
	model = strings.TrimSpace(model)
	if model == "" {
		return Price{}, Match{}, false
	}

	for i, key := range r.candidates(model) {
		if p, ok := t.overrides[key]; ok {
			return p, Match{Key: key, Origin: OriginOverride, Exact: i == 0}, true
		}
		if p, ok := t.catalog[key]; ok {
			return p, Match{Key: key, Origin: OriginCatalog, Exact: i == 0}, true
		}
	}
	return Price{}, Match{}, false
}

func (r *Resolver) candidates(model string) []string {
	out := []string{model}
	name := model
	if r.normalizer != nil {
		name = r.normalizer.NormalizeModel(model)
	}
	if name != model && name != "" {
		out = append(out, name)
	}
	for {
		i := strings.LastIndexByte(name, '-')
		if i <= 0 {
			break
		}
		name = name[:i]
		out = append(out, name)
	}
	return out
}

// Cost prices a request. An unknown model costs zero, is reported as
// unpriced and bumps the unknown-model counter for that exact string.
func (r *Resolver) Cost(model string, promptTokens, completionTokens int) (float64, bool) {
	p, _, ok := r.PriceOf(model)
	if !ok {
		r.counters.UnknownModel(model)
		return 0, true
	}
	return float64(promptTokens)*p.InputPerToken + float64(completionTokens)*p.OutputPerToken, false
}

// Validate returns ErrUnknownModel, and counts the model, when it cannot be
// priced.
func (r *Resolver) Validate(model string) error {
	if _, _, ok := r.PriceOf(model); !ok {
		r.counters.UnknownModel(model)
		return fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return nil
}

// CatalogLoadedAt is the zero time until a catalog has been loaded.
func (r *Resolver) CatalogLoadedAt() time.Time {
	return r.current.Load().loadedAt
}

// CatalogSize is the number of catalog entries currently published.
func (r *Resolver) CatalogSize() int {
	return len(r.current.Load().catalog)
}

func (r *Resolver) setCatalog(c Catalog, loadedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.current.Load()
	r.current.Store(&table{overrides: old.overrides, catalog: c, loadedAt: loadedAt})
}

func (r *Resolver) setOverrides(o Catalog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.current.Load()
	r.current.Store(&table{overrides: o, catalog: old.catalog, loadedAt: old.loadedAt})
}

// ReloadOverrides replaces the override table with the store's contents.
func (r *Resolver) ReloadOverrides(ctx context.Context) error {
	if r.overrides == nil {
		return nil
	}
	list, err := r.overrides.ListOverrides(ctx)
	if err != nil {
		return fmt.Errorf("failed to load price overrides: %w", err)
	}
	next := make(Catalog, len(list))
	for _, o := range list {
		next[o.Model] = o.Price
	}
	r.setOverrides(next)
	return nil
}
