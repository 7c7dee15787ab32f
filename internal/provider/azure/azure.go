package azure

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/vnmchuo/llm-meter/internal/provider"
)

type AzureProvider struct {
	apiVersion string
}

func New(apiVersion string) provider.Provider {
	return &AzureProvider{apiVersion: apiVersion}
}

func (p *AzureProvider) Name() string {
	return "azure"
}

// URL addresses a deployment: {base}/openai/deployments/{deployment}/{op}?api-version=...
func (p *AzureProvider) URL(baseURL string, op provider.Operation, deployment string) (string, error) {
	if baseURL == "" {
		return "", fmt.Errorf("azure: base url is empty")
	}
	if deployment == "" {
		return "", fmt.Errorf("azure: deployment is required")
	}
	return fmt.Sprintf("%s/openai/deployments/%s/%s?api-version=%s",
		strings.TrimRight(baseURL, "/"), url.PathEscape(deployment), op, url.QueryEscape(p.apiVersion)), nil
}

func (p *AzureProvider) Authorize(h http.Header, secret string) {
	h.Set("api-key", secret)
}

// legacyNames maps Azure's dot-less spellings to catalog names.
var legacyNames = strings.NewReplacer(
	"gpt-35-turbo", "gpt-3.5-turbo",
)

func (p *AzureProvider) NormalizeModel(model string) string {
	model = strings.TrimPrefix(model, "azure/")
	return legacyNames.Replace(model)
}

func (p *AzureProvider) CatalogProvider() string {
	return "azure"
}
