package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"

	"github.com/vnmchuo/llm-meter/pkg/apierr"
)

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter that caps
// requests per client per minute. A nil *Limiter allows everything.
type Limiter struct {
	store  extratelimit.Limiter
	prefix string
}

func NewLimiter(rdb *redis.Client, perMinute int, prefix string) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(perMinute),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store, prefix: prefix}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store, prefix: "test"}
}

func (l *Limiter) Allow(ctx context.Context, client string) (bool, error) {
	if l == nil {
		return true, nil
	}
	key := fmt.Sprintf("ratelimit:%s:%s", l.prefix, client)
	res, err := l.store.Allow(ctx, key)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Middleware rejects clients over the limit with 429. Limiter errors let the
// request through and are logged.
func (l *Limiter) Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := l.Allow(r.Context(), ClientIP(r))
			if err != nil {
				logger.Warn("rate limiter unavailable", slog.Any("error", err))
				allowed = true
			}
			if !allowed {
				w.Header().Set("Retry-After", "60")
				apierr.Write(w, http.StatusTooManyRequests, apierr.CodeRateLimited, "too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP is the host part of RemoteAddr. chi's RealIP middleware rewrites
// RemoteAddr from forwarding headers when mounted ahead of this.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
