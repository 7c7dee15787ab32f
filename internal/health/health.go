// Package health holds process-wide diagnostic counters and the health
// classification built from them. Counter state is observability only and is
// lost on restart.
package health

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Counters struct {
	unknownModels      sync.Map // string -> *atomic.Int64
	recordFailures     atomic.Int64
	extractionFailures atomic.Int64
	refreshFailures    atomic.Int64
}

func NewCounters() *Counters {
	return &Counters{}
}

// UnknownModel counts a cost lookup for a model with no price.
func (c *Counters) UnknownModel(model string) {
	v, ok := c.unknownModels.Load(model)
	if !ok {
		v, _ = c.unknownModels.LoadOrStore(model, new(atomic.Int64))
	}
	v.(*atomic.Int64).Add(1)
}

func (c *Counters) RecordFailure()     { c.recordFailures.Add(1) }
func (c *Counters) ExtractionFailure() { c.extractionFailures.Add(1) }
func (c *Counters) RefreshFailure()    { c.refreshFailures.Add(1) }

// UnknownModels returns the tally per literal model string.
func (c *Counters) UnknownModels() map[string]int64 {
	out := make(map[string]int64)
	c.unknownModels.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

func (c *Counters) RecordFailures() int64     { return c.recordFailures.Load() }
func (c *Counters) ExtractionFailures() int64 { return c.extractionFailures.Load() }
func (c *Counters) RefreshFailures() int64    { return c.refreshFailures.Load() }

type Status string

const (
	StatusOK          Status = "ok"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// CatalogState reports whether any price catalog has been loaded.
type CatalogState interface {
	CatalogLoadedAt() time.Time
}

// CircuitState lists upstream hosts whose circuit breaker is open.
type CircuitState interface {
	OpenCircuits() []string
}

type Report struct {
	Status             Status         `json:"status"`
	Store              string         `json:"store"`
	Cache              string         `json:"cache,omitempty"`
	CatalogLoadedAt    *time.Time     `json:"catalog_loaded_at,omitempty"`
	UnknownModelCount  int            `json:"unknown_model_count"`
	UnknownModels      []UnknownModel `json:"unknown_models,omitempty"`
	RecordFailures     int64          `json:"record_failures"`
	ExtractionFailures int64          `json:"extraction_failures"`
	RefreshFailures    int64          `json:"catalog_refresh_failures"`
	OpenCircuits       []string       `json:"open_circuits,omitempty"`
}

type UnknownModel struct {
	Model string `json:"model"`
	Count int64  `json:"count"`
}

type Checker struct {
	store    Pinger
	cache    Pinger
	catalog  CatalogState
	circuits CircuitState
	counters *Counters
	timeout  time.Duration
}

// NewChecker builds a checker. cache and catalog may be nil.
func NewChecker(store, cache Pinger, catalog CatalogState, counters *Counters) *Checker {
	return &Checker{
		store:    store,
		cache:    cache,
		catalog:  catalog,
		counters: counters,
		timeout:  2 * time.Second,
	}
}

// WithCircuits adds upstream breaker state to the report.
func (c *Checker) WithCircuits(cs CircuitState) *Checker {
	c.circuits = cs
	return c
}

// Check classifies the process: unavailable when the store cannot be reached,
// degraded when anything was unpriced or unrecorded, the cache is down or an
// upstream circuit is open.
func (c *Checker) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	r := Report{Status: StatusOK, Store: "ok"}
	if err := c.store.Ping(ctx); err != nil {
		r.Store = err.Error()
		r.Status = StatusUnavailable
	}
	if c.cache != nil {
		r.Cache = "ok"
		if err := c.cache.Ping(ctx); err != nil {
			r.Cache = err.Error()
			r.degrade()
		}
	}
	if c.catalog != nil {
		if at := c.catalog.CatalogLoadedAt(); !at.IsZero() {
			r.CatalogLoadedAt = &at
		} else {
			r.degrade()
		}
	}

	for model, n := range c.counters.UnknownModels() {
		r.UnknownModels = append(r.UnknownModels, UnknownModel{Model: model, Count: n})
	}
	sort.Slice(r.UnknownModels, func(i, j int) bool { return r.UnknownModels[i].Model < r.UnknownModels[j].Model })
	r.UnknownModelCount = len(r.UnknownModels)
	r.RecordFailures = c.counters.RecordFailures()
	r.ExtractionFailures = c.counters.ExtractionFailures()
	r.RefreshFailures = c.counters.RefreshFailures()

	if c.circuits != nil {
		r.OpenCircuits = c.circuits.OpenCircuits()
	}

	if r.UnknownModelCount > 0 || r.RecordFailures > 0 || len(r.OpenCircuits) > 0 {
		r.degrade()
	}
	return r
}

func (r *Report) degrade() {
	if r.Status == StatusOK {
		r.Status = StatusDegraded
	}
}
