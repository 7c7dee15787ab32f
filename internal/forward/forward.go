// Package forward proxies a request to the upstream provider and streams the
// response back while extracting token usage.
package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/vnmchuo/llm-meter/internal/health"
	"github.com/vnmchuo/llm-meter/internal/provider"
	"github.com/vnmchuo/llm-meter/internal/tenant"
)

var (
	ErrNoUpstream          = errors.New("no upstream configured")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)

// maxBufferedBody bounds how much of a non-streamed response is held for
// usage parsing. Anything past it is still copied to the caller.
const maxBufferedBody = 32 << 20

// Target is where and as whom a request is sent.
type Target struct {
	BaseURL string
	APIKey  string
}

// ResolveTarget prefers the tenant's own upstream over the global default.
// A tenant override never borrows the global secret.
func ResolveTarget(t *tenant.Tenant, defaults Target) (Target, error) {
	if t != nil && t.UpstreamURL != "" {
		return Target{BaseURL: t.UpstreamURL, APIKey: t.UpstreamKey}, nil
	}
	if defaults.BaseURL != "" {
		return defaults, nil
	}
	return Target{}, ErrNoUpstream
}

type Request struct {
	Target     Target
	Operation  provider.Operation
	Deployment string
	Body       []byte
	Header     http.Header
	Timings    *Timings
	// Info, when set, means Body has already been through PrepareBody.
	Info *BodyInfo
}

type Result struct {
	StatusCode    int
	Stream        bool
	RequestModel  string // from the request body
	UpstreamModel string // as reported by the provider
	Usage         *Usage // nil when none was found
	// ExtractionFailed is set when a successful response carried no usage.
	ExtractionFailed bool
	// CopyErr is a failure while relaying the body, typically the caller
	// going away. The response status has already been sent.
	CopyErr error
}

type Options struct {
	Client          *http.Client
	Timeout         time.Duration
	UserHeader      string
	BreakerTrips    uint32
	BreakerCooldown time.Duration
	Counters        *health.Counters
	Logger          *slog.Logger
}

type Engine struct {
	provider   provider.Provider
	client     *http.Client
	userHeader string
	breakers   *breakers
	counters   *health.Counters
	logger     *slog.Logger
}

func NewEngine(p provider.Provider, opts Options) *Engine {
	if opts.Client == nil {
		opts.Client = newClient(opts.Timeout)
	}
	if opts.Counters == nil {
		opts.Counters = health.NewCounters()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		provider:   p,
		client:     opts.Client,
		userHeader: opts.UserHeader,
		breakers:   newBreakers(opts.BreakerTrips, opts.BreakerCooldown),
		counters:   opts.Counters,
		logger:     opts.Logger,
	}
}

func newClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   200,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// Forward sends req upstream and relays the response to w. It returns an
// error only when nothing was written to w: ErrUpstreamUnreachable for
// transport failures and an open breaker. Once headers are relayed every
// outcome is reported through Result.
func (e *Engine) Forward(ctx context.Context, w http.ResponseWriter, req *Request) (*Result, error) {
	if req.Timings == nil {
		req.Timings = &Timings{Start: time.Now()}
	}
	if req.Target.BaseURL == "" {
		return nil, ErrNoUpstream
	}

	target, err := e.provider.URL(req.Target.BaseURL, req.Operation, req.Deployment)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream url: %w", err)
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}

	body, info := req.Body, BodyInfo{}
	if req.Info != nil {
		info = *req.Info
	} else {
		body, info = PrepareBody(req.Body)
	}

	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	copyRequestHeaders(upReq.Header, req.Header, e.userHeader)
	if upReq.Header.Get("Content-Type") == "" {
		upReq.Header.Set("Content-Type", "application/json")
	}
	e.provider.Authorize(upReq.Header, req.Target.APIKey)

	cb := e.breakers.get(u.Host)
	done, err := cb.Allow()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstreamUnreachable, u.Host, err)
	}

	req.Timings.PreForward = time.Now()
	resp, err := e.client.Do(upReq)
	if err != nil {
		// A caller that went away says nothing about the upstream's health.
		done(ctx.Err() != nil)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	done(true)
	defer resp.Body.Close()
	req.Timings.FirstByte = time.Now()

	res := &Result{
		StatusCode:   resp.StatusCode,
		RequestModel: info.Model,
		Stream:       info.Stream || isEventStream(resp.Header),
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if res.Stream {
		res.UpstreamModel, res.Usage, res.CopyErr = streamSSE(w, resp.Body)
	} else {
		res.UpstreamModel, res.Usage, res.CopyErr = relayBuffered(w, resp.Body)
	}
	req.Timings.Done = time.Now()

	if res.Usage == nil && resp.StatusCode/100 == 2 {
		res.ExtractionFailed = true
		e.counters.ExtractionFailure()
		e.logger.Warn("no usage in upstream response",
			slog.Int("status", resp.StatusCode),
			slog.Bool("stream", res.Stream),
			slog.Any("copy_error", res.CopyErr))
	}
	return res, nil
}

// OpenCircuits lists upstream hosts currently short-circuited.
func (e *Engine) OpenCircuits() []string {
	return e.breakers.open()
}

func relayBuffered(w http.ResponseWriter, body io.Reader) (string, *Usage, error) {
	buf, err := io.ReadAll(io.LimitReader(body, maxBufferedBody+1))
	if err != nil {
		if len(buf) > 0 {
			_, _ = w.Write(buf)
		}
		return "", nil, err
	}

	truncated := len(buf) > maxBufferedBody
	if _, err := w.Write(buf); err != nil {
		return "", nil, err
	}
	if truncated {
		_, err := io.Copy(w, body)
		return "", nil, err
	}

	model, usage := parseUsage(buf)
	return model, usage, nil
}

func isEventStream(h http.Header) bool {
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && mt == "text/event-stream"
}
