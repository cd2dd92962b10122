package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grandmaster/internal/config"
	"grandmaster/internal/domain"
)

func testFactory(t *testing.T) *Factory {
	t.Helper()
	cfg := config.Defaults()
	cfg.Providers["gemini"] = config.ProviderConfig{Enabled: false}
	cfg.Providers["openai"] = config.ProviderConfig{Enabled: true, APIKey: "sk"}
	cfg.Providers["ollama"] = config.ProviderConfig{Enabled: true}
	cfg.Providers["custom"] = config.ProviderConfig{Enabled: true, APIBase: "http://localhost:9/v1", RateLimitPerMin: 60}
	cfg.General.DefaultProvider = "openai"
	return NewFactory(cfg, testLogger())
}

func TestFactory_GetCaches(t *testing.T) {
	f := testFactory(t)
	a, err := f.Get("openai")
	require.NoError(t, err)
	b, err := f.Get("")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestFactory_Errors(t *testing.T) {
	f := testFactory(t)
	_, err := f.Get("gemini")
	assert.ErrorContains(t, err, "disabled")

	_, err = f.Get("nope")
	assert.ErrorContains(t, err, "unknown provider")
}

func TestFactory_OllamaAndCustom(t *testing.T) {
	f := testFactory(t)
	p, err := f.Get("ollama")
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())

	c, err := f.Get("custom")
	require.NoError(t, err)
	_, limited := c.(*RateLimited)
	assert.True(t, limited)
	assert.Equal(t, "custom", c.Name())
}

func TestFactory_RegisterConstructor(t *testing.T) {
	f := testFactory(t)
	f.RegisterConstructor("openai", func(pc config.ProviderConfig, o Options) (domain.Provider, error) {
		return &mockProvider{name: "stub"}, nil
	})
	p, err := f.Get("openai")
	require.NoError(t, err)
	assert.Equal(t, "stub", p.Name())
}

func TestFactory_DefaultProviderFailover(t *testing.T) {
	f := testFactory(t)
	f.cfg.General.FailoverChain = []string{"gemini", "openai", "ollama"}

	p, err := f.DefaultProvider()
	require.NoError(t, err)
	assert.Equal(t, "failover(openai→ollama)", p.Name(), "disabled providers are skipped")

	f.cfg.General.FailoverChain = []string{"gemini"}
	_, err = f.DefaultProvider()
	assert.Error(t, err)
}
