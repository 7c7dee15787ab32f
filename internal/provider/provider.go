// Package provider describes the wire flavors of OpenAI-compatible upstreams:
// how to address an operation, how to authenticate, and how the vendor spells
// model names.
package provider

import (
	"fmt"
	"net/http"
)

// Operation is the completion-style endpoint being proxied.
type Operation string

const (
	OpChatCompletions Operation = "chat/completions"
	OpCompletions     Operation = "completions"
	OpEmbeddings      Operation = "embeddings"
)

func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OpChatCompletions, OpCompletions, OpEmbeddings:
		return op, nil
	}
	return "", fmt.Errorf("unsupported operation %q", s)
}

type Provider interface {
	Name() string
	// URL builds the upstream address. deployment may be empty for flavors
	// that carry the model in the body.
	URL(baseURL string, op Operation, deployment string) (string, error)
	// Authorize sets the upstream credential header.
	Authorize(h http.Header, secret string)
	// NormalizeModel maps vendor spellings onto catalog model names.
	NormalizeModel(model string) string
	// CatalogProvider is the provider family used to filter the price catalog.
	CatalogProvider() string
}
