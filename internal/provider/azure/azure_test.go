package azure

import (
	"net/http"
	"testing"

	"github.com/vnmchuo/llm-meter/internal/provider"
)

func TestURL(t *testing.T) {
	p := New("2024-10-21")

	got, err := p.URL("https://acme.openai.azure.com/", provider.OpChatCompletions, "gpt-4o")
	if err != nil {
		t.Fatalf("URL failed: %v", err)
	}
	want := "https://acme.openai.azure.com/openai/deployments/gpt-4o/chat/completions?api-version=2024-10-21"
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}

	if _, err := p.URL("https://acme.openai.azure.com", provider.OpChatCompletions, ""); err == nil {
		t.Error("Expected error without deployment")
	}
}

func TestAuthorize(t *testing.T) {
	h := http.Header{}
	New("v").Authorize(h, "azure-secret")
	if h.Get("api-key") != "azure-secret" {
		t.Errorf("Expected api-key header, got %q", h.Get("api-key"))
	}
	if h.Get("Authorization") != "" {
		t.Error("Expected no Authorization header")
	}
}

func TestNormalizeModel(t *testing.T) {
	p := New("v")
	tests := map[string]string{
		"gpt-35-turbo":      "gpt-3.5-turbo",
		"gpt-35-turbo-16k":  "gpt-3.5-turbo-16k",
		"azure/gpt-4o":      "gpt-4o",
		"gpt-4o-2024-08-06": "gpt-4o-2024-08-06",
	}
	for in, want := range tests {
		if got := p.NormalizeModel(in); got != want {
			t.Errorf("NormalizeModel(%q) = %q, want %q", in, got, want)
		}
	}
}
