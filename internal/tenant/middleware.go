package tenant

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vnmchuo/llm-meter/pkg/apierr"
)

type Middleware func(next http.Handler) http.Handler

type contextKey string

const credentialKey contextKey = "credential"

// NewMiddleware authenticates the request key (Authorization: Bearer, or the
// api-key header used by Azure-style clients) and stores the credential in
// the request context.
func NewMiddleware(dir *Directory, userHeader string, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ExtractKey(r.Header)
			if key == "" {
				apierr.Write(w, http.StatusUnauthorized, apierr.CodeMissingCredential,
					"missing Authorization bearer token or api-key header", nil)
				return
			}

			cred, err := dir.Resolve(r.Context(), key, r.Header.Get(userHeader))
			switch {
			case errors.Is(err, ErrUnknownCredential):
				apierr.Write(w, http.StatusUnauthorized, apierr.CodeInvalidCredential, "invalid API key", nil)
				return
			case errors.Is(err, ErrTenantInactive):
				apierr.Write(w, http.StatusForbidden, apierr.CodeTenantInactive,
					"tenant is deactivated; contact an administrator", nil)
				return
			case err != nil:
				logger.Error("credential lookup failed", slog.Any("error", err))
				apierr.Write(w, http.StatusInternalServerError, apierr.CodeInternal, "credential lookup failed", nil)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCredential(r.Context(), cred)))
		})
	}
}

// ExtractKey returns the raw key from the request headers.
func ExtractKey(h http.Header) string {
	if auth := strings.TrimSpace(h.Get("Authorization")); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return strings.TrimSpace(h.Get("api-key"))
}

func FromContext(ctx context.Context) *Credential {
	if c, ok := ctx.Value(credentialKey).(*Credential); ok {
		return c
	}
	return nil
}

func WithCredential(ctx context.Context, c *Credential) context.Context {
	return context.WithValue(ctx, credentialKey, c)
}
