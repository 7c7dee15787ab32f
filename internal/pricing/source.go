package pricing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Source fetches a complete catalog.
type Source interface {
	Fetch(ctx context.Context) (Catalog, error)
}

// entry is one model in the LiteLLM price document.
type entry struct {
	InputCostPerToken  *float64 `json:"input_cost_per_token" yaml:"input_cost_per_token"`
	OutputCostPerToken *float64 `json:"output_cost_per_token" yaml:"output_cost_per_token"`
	Provider           string   `json:"litellm_provider" yaml:"litellm_provider"`
}

const maxCatalogBytes = 64 << 20

// HTTPSource downloads a LiteLLM-format price document.
type HTTPSource struct {
	URL       string
	Providers []string
	Client    *http.Client
}

func NewHTTPSource(url string, providers []string) *HTTPSource {
	return &HTTPSource{
		URL:       url,
		Providers: providers,
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPSource) Fetch(ctx context.Context) (Catalog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	entries := make(map[string]entry, len(raw))
	for model, msg := range raw {
		var e entry
		// Entries with unexpected shapes are skipped rather than failing the
		// whole document.
		if err := json.Unmarshal(msg, &e); err != nil {
			continue
		}
		entries[model] = e
	}
	return buildCatalog(entries, s.Providers)
}

// FileSource reads a local catalog in the same shape as the LiteLLM
// document, as YAML or JSON.
type FileSource struct {
	Path      string
	Providers []string
}

func (s *FileSource) Fetch(ctx context.Context) (Catalog, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	var entries map[string]entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}
	return buildCatalog(entries, s.Providers)
}

func buildCatalog(entries map[string]entry, providers []string) (Catalog, error) {
	out := make(Catalog, len(entries))
	for model, e := range entries {
		if model == "sample_spec" || e.InputCostPerToken == nil {
			continue
		}
		if e.Provider != "" && len(providers) > 0 && !slices.Contains(providers, e.Provider) {
			continue
		}
		if e.Provider != "" {
			model = strings.TrimPrefix(model, e.Provider+"/")
		}
		p := Price{InputPerToken: *e.InputCostPerToken}
		if e.OutputCostPerToken != nil {
			p.OutputPerToken = *e.OutputCostPerToken
		}
		out[model] = p
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("catalog has no entries for providers %v", providers)
	}
	return out, nil
}
