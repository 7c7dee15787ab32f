package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-meter/internal/billing"
	"github.com/vnmchuo/llm-meter/internal/forward"
	"github.com/vnmchuo/llm-meter/internal/health"
	"github.com/vnmchuo/llm-meter/internal/ledger"
	"github.com/vnmchuo/llm-meter/internal/pricing"
	"github.com/vnmchuo/llm-meter/internal/provider/azure"
	"github.com/vnmchuo/llm-meter/internal/provider/openai"
	"github.com/vnmchuo/llm-meter/internal/recorder"
	"github.com/vnmchuo/llm-meter/internal/sqlitedb"
	"github.com/vnmchuo/llm-meter/internal/tenant"
	"github.com/vnmchuo/llm-meter/pkg/apierr"
)

type mockBudget struct {
	admitFunc func(ctx context.Context, cred *tenant.Credential) (ledger.Decision, error)
	usageFunc func(ctx context.Context, cred *tenant.Credential) ([]ledger.PeriodUsage, error)
}

func (m *mockBudget) Admit(ctx context.Context, cred *tenant.Credential) (ledger.Decision, error) {
	if m.admitFunc != nil {
		return m.admitFunc(ctx, cred)
	}
	return ledger.Decision{Allowed: true}, nil
}

func (m *mockBudget) Usage(ctx context.Context, cred *tenant.Credential) ([]ledger.PeriodUsage, error) {
	if m.usageFunc != nil {
		return m.usageFunc(ctx, cred)
	}
	return nil, nil
}

type mockValidator struct {
	known map[string]bool
	calls atomic.Int32
}

func (m *mockValidator) Validate(model string) error {
	m.calls.Add(1)
	if m.known[model] {
		return nil
	}
	return fmt.Errorf("%w: %s", pricing.ErrUnknownModel, model)
}

type mockRecorder struct {
	mu     sync.Mutex
	events []recorder.Event
}

func (m *mockRecorder) Record(ev recorder.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *mockRecorder) recorded() []recorder.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recorder.Event(nil), m.events...)
}

type mockBillingStore struct {
	billing.Store
	getUsageByTenantFunc func(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]*billing.UsageLog, error)
}

func (m *mockBillingStore) GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]*billing.UsageLog, error) {
	if m.getUsageByTenantFunc != nil {
		return m.getUsageByTenantFunc(ctx, tenantID, from, to, limit)
	}
	return nil, nil
}

type staticSource pricing.Catalog

func (s staticSource) Fetch(ctx context.Context) (pricing.Catalog, error) {
	return pricing.Catalog(s), nil
}

// upstream is a fake OpenAI-compatible provider.
type upstream struct {
	*httptest.Server
	hits     atomic.Int32
	lastPath atomic.Value
	lastKey  atomic.Value
}

func newUpstream(t *testing.T, promptTokens int) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		u.lastPath.Store(r.URL.RequestURI())
		u.lastKey.Store(r.Header.Get("Authorization") + r.Header.Get("api-key"))

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		usage := fmt.Sprintf(`{"prompt_tokens":%d,"completion_tokens":0,"total_tokens":%d}`, promptTokens, promptTokens)

		if stream, _ := body["stream"].(bool); stream {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"model\":\"gpt-4o-2024-08-06\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
			w.(http.Flusher).Flush()
			fmt.Fprintf(w, "data: {\"model\":\"gpt-4o-2024-08-06\",\"choices\":[],\"usage\":%s}\n\n", usage)
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"cmpl-1","model":"gpt-4o-2024-08-06","choices":[{"message":{"content":"hi"}}],"usage":%s}`, usage)
	}))
	t.Cleanup(u.Close)
	return u
}

type fixture struct {
	handler  *Handler
	budget   *mockBudget
	prices   *mockValidator
	recorder *mockRecorder
	billing  *mockBillingStore
	upstream *upstream
}

func setupTest(t *testing.T, prevalidate bool) *fixture {
	t.Helper()
	f := &fixture{
		budget:   &mockBudget{},
		prices:   &mockValidator{known: map[string]bool{"gpt-4o": true}},
		recorder: &mockRecorder{},
		billing:  &mockBillingStore{},
		upstream: newUpstream(t, 10),
	}
	engine := forward.NewEngine(openai.New(), forward.Options{Timeout: 5 * time.Second})
	f.handler = NewHandler(f.budget, f.prices, engine, f.recorder, f.billing, Options{
		Defaults:    forward.Target{BaseURL: f.upstream.URL + "/v1", APIKey: "sk-upstream"},
		Prevalidate: prevalidate,
	})
	return f
}

func credential() *tenant.Credential {
	return &tenant.Credential{Tenant: tenant.Tenant{ID: "t1", Name: "acme", Active: true}, UserID: "alice"}
}

func authed(r *http.Request, cred *tenant.Credential) *http.Request {
	return r.WithContext(tenant.WithCredential(r.Context(), cred))
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apierr.Body {
	t.Helper()
	var body apierr.Body
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func chatRequest(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
}

func TestServe_Unauthorized(t *testing.T) {
	f := setupTest(t, true)
	w := httptest.NewRecorder()
	f.handler.HandleOperation("chat/completions")(w, chatRequest(`{}`))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, apierr.CodeMissingCredential, decodeError(t, w).Code())
}

func TestServe_ForwardsAndRecords(t *testing.T) {
	f := setupTest(t, true)
	w := httptest.NewRecorder()
	req := authed(chatRequest(`{"model":"gpt-4o","messages":[]}`), credential())
	f.handler.HandleOperation("chat/completions")(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"cmpl-1"`)
	assert.Equal(t, "/v1/chat/completions", f.upstream.lastPath.Load())
	assert.Equal(t, "Bearer sk-upstream", f.upstream.lastKey.Load())

	events := f.recorder.recorded()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "t1", ev.TenantID)
	assert.Equal(t, "alice", ev.UserID)
	assert.Equal(t, "gpt-4o", ev.Model)
	assert.Equal(t, "gpt-4o-2024-08-06", ev.UpstreamModel)
	assert.Equal(t, 10, ev.PromptTokens)
	assert.Equal(t, http.StatusOK, ev.StatusCode)
	assert.False(t, ev.Stream)
	assert.False(t, ev.Timings.Done.IsZero())
}

func TestServe_StreamingPassthrough(t *testing.T) {
	f := setupTest(t, true)
	w := httptest.NewRecorder()
	req := authed(chatRequest(`{"model":"gpt-4o","stream":true}`), credential())
	f.handler.HandleOperation("chat/completions")(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasSuffix(w.Body.String(), "data: [DONE]\n\n"))

	events := f.recorder.recorded()
	require.Len(t, events, 1)
	assert.True(t, events[0].Stream)
	assert.Equal(t, 10, events[0].PromptTokens)
	assert.False(t, events[0].ExtractionFailed)
}

func TestServe_BudgetExceeded(t *testing.T) {
	f := setupTest(t, true)
	f.budget.admitFunc = func(ctx context.Context, cred *tenant.Credential) (ledger.Decision, error) {
		return ledger.Decision{Period: ledger.Daily, Scope: ledger.ScopeProject, Limit: 5, Used: 6}, nil
	}

	w := httptest.NewRecorder()
	f.handler.HandleOperation("chat/completions")(w, authed(chatRequest(`{"model":"gpt-4o"}`), credential()))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, apierr.CodeBudgetExceeded, body.Code())
	assert.Equal(t, "daily", body.Error["period"])
	assert.Equal(t, "project", body.Error["scope"])
	assert.Equal(t, 5.0, body.Error["limit"])
	assert.Equal(t, 6.0, body.Error["used"])
	assert.Zero(t, f.upstream.hits.Load())
	assert.Empty(t, f.recorder.recorded())
}

func TestServe_LedgerErrorFailsClosed(t *testing.T) {
	f := setupTest(t, true)
	f.budget.admitFunc = func(ctx context.Context, cred *tenant.Credential) (ledger.Decision, error) {
		return ledger.Decision{}, errors.New("connection refused")
	}

	w := httptest.NewRecorder()
	f.handler.HandleOperation("chat/completions")(w, authed(chatRequest(`{"model":"gpt-4o"}`), credential()))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, apierr.CodeLedgerUnavailable, decodeError(t, w).Code())
	assert.Zero(t, f.upstream.hits.Load())
}

func TestServe_Prevalidation(t *testing.T) {
	t.Run("unknown model rejected before forwarding", func(t *testing.T) {
		f := setupTest(t, true)
		w := httptest.NewRecorder()
		f.handler.HandleOperation("chat/completions")(w, authed(chatRequest(`{"model":"mystery-1"}`), credential()))

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		body := decodeError(t, w)
		assert.Equal(t, apierr.CodeUnpricedModel, body.Code())
		assert.Equal(t, "mystery-1", body.Error["model"])
		assert.Zero(t, f.upstream.hits.Load())
		assert.Empty(t, f.recorder.recorded())
	})

	t.Run("disabled forwards anyway", func(t *testing.T) {
		f := setupTest(t, false)
		w := httptest.NewRecorder()
		f.handler.HandleOperation("chat/completions")(w, authed(chatRequest(`{"model":"mystery-1"}`), credential()))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Zero(t, f.prices.calls.Load())
		assert.Len(t, f.recorder.recorded(), 1)
	})

	t.Run("no model in body is not checked", func(t *testing.T) {
		f := setupTest(t, true)
		w := httptest.NewRecorder()
		f.handler.HandleOperation("chat/completions")(w, authed(chatRequest(`{"messages":[]}`), credential()))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Zero(t, f.prices.calls.Load())
	})
}

func TestServe_NoUpstream(t *testing.T) {
	f := setupTest(t, true)
	f.handler.defaults = forward.Target{}

	w := httptest.NewRecorder()
	f.handler.HandleOperation("chat/completions")(w, authed(chatRequest(`{"model":"gpt-4o"}`), credential()))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, apierr.CodeNoUpstream, decodeError(t, w).Code())
}

func TestServe_UpstreamUnreachable(t *testing.T) {
	f := setupTest(t, true)
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	f.handler.defaults = forward.Target{BaseURL: dead.URL + "/v1", APIKey: "sk"}

	w := httptest.NewRecorder()
	f.handler.HandleOperation("chat/completions")(w, authed(chatRequest(`{"model":"gpt-4o"}`), credential()))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, apierr.CodeUpstreamUnreachable, decodeError(t, w).Code())
	assert.Empty(t, f.recorder.recorded())
}

func TestServe_TenantUpstreamOverride(t *testing.T) {
	f := setupTest(t, true)
	own := newUpstream(t, 1)
	cred := credential()
	cred.Tenant.UpstreamURL = own.URL + "/v1"
	cred.Tenant.UpstreamKey = "sk-tenant"

	w := httptest.NewRecorder()
	f.handler.HandleOperation("chat/completions")(w, authed(chatRequest(`{"model":"gpt-4o"}`), cred))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), own.hits.Load())
	assert.Zero(t, f.upstream.hits.Load())
	assert.Equal(t, "Bearer sk-tenant", own.lastKey.Load())
}

func TestHandleDeployment(t *testing.T) {
	up := newUpstream(t, 5)
	prices := &mockValidator{known: map[string]bool{"gpt-35-turbo": true}}
	rec := &mockRecorder{}
	engine := forward.NewEngine(azure.New("2024-06-01"), forward.Options{Timeout: 5 * time.Second})
	h := NewHandler(&mockBudget{}, prices, engine, rec, &mockBillingStore{}, Options{
		Defaults:    forward.Target{BaseURL: up.URL, APIKey: "azure-key"},
		Prevalidate: true,
	})
	router := NewRouter(RouterConfig{Handler: h, Auth: func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, authed(r, credential()))
		})
	}})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/openai/deployments/gpt-35-turbo/chat/completions?api-version=2024-06-01",
		strings.NewReader(`{"messages":[]}`))
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	assert.Equal(t, "/openai/deployments/gpt-35-turbo/chat/completions?api-version=2024-06-01", up.lastPath.Load())
	assert.Equal(t, "azure-key", up.lastKey.Load())
	assert.Equal(t, int32(1), prices.calls.Load())

	events := rec.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, "gpt-35-turbo", events[0].Deployment)
	assert.Equal(t, w.Header().Get(RequestIDHeader), events[0].RequestID)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/openai/deployments/gpt-35-turbo/images/generations", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleUsage(t *testing.T) {
	f := setupTest(t, true)
	limit := 5.0
	f.budget.usageFunc = func(ctx context.Context, cred *tenant.Credential) ([]ledger.PeriodUsage, error) {
		return []ledger.PeriodUsage{{Period: ledger.Daily, ProjectUsed: 1.5, ProjectLimit: &limit}}, nil
	}
	var gotLimit int
	f.billing.getUsageByTenantFunc = func(ctx context.Context, tenantID string, from, to time.Time, n int) ([]*billing.UsageLog, error) {
		gotLimit = n
		return []*billing.UsageLog{{RequestID: "r1", TenantID: tenantID, Model: "gpt-4o", CostUSD: 1.5}}, nil
	}

	w := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodGet, "/v1/usage?limit=20", nil), credential())
	f.handler.HandleUsage(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		TenantID string               `json:"tenant_id"`
		Periods  []ledger.PeriodUsage `json:"periods"`
		Returned int                  `json:"returned"`
		Logs     []billing.UsageLog   `json:"logs"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "t1", body.TenantID)
	require.Len(t, body.Periods, 1)
	assert.Equal(t, 1.5, body.Periods[0].ProjectUsed)
	assert.Equal(t, 1, body.Returned)
	assert.Equal(t, 20, gotLimit)
}

func TestHandleUsage_BadParams(t *testing.T) {
	f := setupTest(t, true)
	for _, q := range []string{"from=yesterday", "to=2024-13-01", "limit=-1", "limit=x"} {
		w := httptest.NewRecorder()
		f.handler.HandleUsage(w, authed(httptest.NewRequest(http.MethodGet, "/v1/usage?"+q, nil), credential()))
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestHealthHandler(t *testing.T) {
	var storeErr error
	checker := health.NewChecker(health.PingFunc(func(ctx context.Context) error { return storeErr }), nil, nil, health.NewCounters())
	h := HealthHandler(checker)

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	storeErr = errors.New("down")
	w = httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"unavailable"`)
}

// TestRouter_BudgetIsEnforcedLazily runs the full pipeline against SQLite:
// with a 5 USD daily ceiling and 3 USD per call, the second call is still
// admitted and the third is refused.
func TestRouter_BudgetIsEnforcedLazily(t *testing.T) {
	ctx := context.Background()
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "meter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tenants := tenant.NewSQLiteStore(db)
	usage := billing.NewSQLiteStore(db)
	limit := 5.0
	require.NoError(t, tenants.CreateTenant(ctx, &tenant.Tenant{Name: "acme", Limits: tenant.Limits{Daily: &limit}, Active: true},
		tenant.HashKey("mtr_acme")))

	counters := health.NewCounters()
	prices := pricing.New(pricing.Options{
		Source:   staticSource{"gpt-4o": {InputPerToken: 0.01, OutputPerToken: 0.03}},
		Counters: counters,
	})
	require.NoError(t, prices.Refresh(ctx))

	up := newUpstream(t, 300)
	engine := forward.NewEngine(openai.New(), forward.Options{Timeout: 5 * time.Second, Counters: counters})
	rec := recorder.New(usage, prices, recorder.Options{Counters: counters})
	h := NewHandler(ledger.New(ledger.NewDirectReader(usage), []ledger.Period{ledger.Daily}, false), prices, engine, rec, usage,
		Options{Defaults: forward.Target{BaseURL: up.URL + "/v1", APIKey: "sk"}, Prevalidate: true})
	router := NewRouter(RouterConfig{
		Handler: h,
		Auth:    tenant.NewMiddleware(tenant.NewDirectory(tenants, nil, time.Minute, nil), "X-User-ID", nil),
		Health:  HealthHandler(health.NewChecker(usage, nil, prices, counters)),
	})

	call := func(key, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, rec.Drain(drainCtx))
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, call("", `{"model":"gpt-4o"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, call("mtr_wrong", `{"model":"gpt-4o"}`).Code)

	assert.Equal(t, http.StatusOK, call("mtr_acme", `{"model":"gpt-4o"}`).Code)
	assert.Equal(t, http.StatusOK, call("mtr_acme", `{"model":"gpt-4o","stream":true}`).Code)

	w := call("mtr_acme", `{"model":"gpt-4o"}`)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	body := decodeError(t, w)
	assert.InDelta(t, 6.0, body.Error["used"], 1e-9)
	assert.Equal(t, int32(2), up.hits.Load())

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.Header.Set("Authorization", "Bearer mtr_acme")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	raw, _ := io.ReadAll(w.Body)
	assert.Contains(t, string(raw), `"returned":2`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
