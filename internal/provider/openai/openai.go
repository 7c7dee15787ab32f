package openai

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/vnmchuo/llm-meter/internal/provider"
)

// DefaultBaseURL includes the API version segment.
const DefaultBaseURL = "https://api.openai.com/v1"

type OpenAIProvider struct{}

func New() provider.Provider {
	return &OpenAIProvider{}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

// URL ignores deployment; OpenAI selects the model from the request body.
func (p *OpenAIProvider) URL(baseURL string, op provider.Operation, _ string) (string, error) {
	if baseURL == "" {
		return "", fmt.Errorf("openai: base url is empty")
	}
	return fmt.Sprintf("%s/%s", strings.TrimRight(baseURL, "/"), op), nil
}

func (p *OpenAIProvider) Authorize(h http.Header, secret string) {
	h.Set("Authorization", fmt.Sprintf("Bearer %s", secret))
}

func (p *OpenAIProvider) NormalizeModel(model string) string {
	return strings.TrimPrefix(model, "openai/")
}

func (p *OpenAIProvider) CatalogProvider() string {
	return "openai"
}
