package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-meter/config"
	"github.com/vnmchuo/llm-meter/internal/pricing"
	"github.com/vnmchuo/llm-meter/internal/provider/openai"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&config.Config{LogLevel: "warn", LogFormat: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	newLogger(&config.Config{LogLevel: "bogus", LogFormat: "text"}, &buf).Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

func TestNewProvider(t *testing.T) {
	p, base := newProvider(&config.Config{UpstreamFlavor: "openai"})
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, openai.DefaultBaseURL, base)

	p, base = newProvider(&config.Config{UpstreamFlavor: "azure", UpstreamBaseURL: "https://x.openai.azure.com", AzureAPIVersion: "2024-10-21"})
	assert.Equal(t, "azure", p.Name())
	assert.Equal(t, "https://x.openai.azure.com", base)
}

func TestNewCatalogSource(t *testing.T) {
	_, ok := newCatalogSource(&config.Config{PricingCatalogFile: "prices.yaml"}).(*pricing.FileSource)
	assert.True(t, ok)
	_, ok = newCatalogSource(&config.Config{PricingCatalogURL: "https://example.com/prices.json"}).(*pricing.HTTPSource)
	assert.True(t, ok)
}

func TestOpenStores_SQLite(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{StoreDriver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "meter.db")}
	require.NoError(t, migrate(context.Background(), cfg))

	st, err := openStores(context.Background(), cfg, newLogger(cfg, &buf))
	require.NoError(t, err)
	defer st.close()
	assert.NoError(t, st.billing.Ping(context.Background()))

	_, err = openStores(context.Background(), &config.Config{StoreDriver: "mysql"}, newLogger(cfg, &buf))
	assert.Error(t, err)
}
