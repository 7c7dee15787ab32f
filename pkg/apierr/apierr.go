// Package apierr writes the JSON error body shared by every endpoint:
//
//	{"error":{"code":"budget_exceeded","message":"...","limit":5,"used":6}}
package apierr

import (
	"net/http"

	"github.com/goccy/go-json"
)

// Stable machine-readable reason codes.
const (
	CodeMissingCredential   = "missing_credential"
	CodeInvalidCredential   = "invalid_credential"
	CodeTenantInactive      = "tenant_inactive"
	CodeUnpricedModel       = "unpriced_model"
	CodeBudgetExceeded      = "budget_exceeded"
	CodeLedgerUnavailable   = "ledger_unavailable"
	CodeUpstreamUnreachable = "upstream_unreachable"
	CodeNoUpstream          = "no_upstream"
	CodeInvalidRequest      = "invalid_request"
	CodeNotFound            = "not_found"
	CodeRateLimited         = "rate_limited"
	CodeInternal            = "internal_error"
)

// Write sends status with an error object made of code, message and any
// extra context fields.
func Write(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	body := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		body[k] = v
	}
	body["code"] = code
	body["message"] = message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": body})
}

// Body is the decoded form of an error response, mostly useful in tests.
type Body struct {
	Error map[string]any `json:"error"`
}

func (b Body) Code() string {
	s, _ := b.Error["code"].(string)
	return s
}
