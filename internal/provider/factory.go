package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"grandmaster/internal/config"
	"grandmaster/internal/domain"
)

// ProviderConstructor creates a provider from a config entry.
type ProviderConstructor func(pc config.ProviderConfig, opts Options) (domain.Provider, error)

// Options carries settings shared by every constructor.
type Options struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// Factory creates and caches LLM providers from config.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	constructors map[string]ProviderConstructor
	cache        map[string]domain.Provider
	mu           sync.RWMutex
}

// NewFactory creates a provider factory with the built-in constructors registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		constructors: make(map[string]ProviderConstructor),
		cache:        make(map[string]domain.Provider),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a provider constructor by name.
func (f *Factory) RegisterConstructor(name string, ctor ProviderConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors["gemini"] = func(pc config.ProviderConfig, o Options) (domain.Provider, error) {
		return NewGemini(context.Background(), GeminiConfig{
			APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Timeout: o.Timeout, Logger: o.Logger,
		})
	}

	f.constructors["openai"] = func(pc config.ProviderConfig, o Options) (domain.Provider, error) {
		return NewOpenAI(OpenAIConfig{
			APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Timeout: o.Timeout, Logger: o.Logger,
		}), nil
	}

	// Ollama serves an OpenAI-compatible API under /v1.
	f.constructors["ollama"] = func(pc config.ProviderConfig, o Options) (domain.Provider, error) {
		base := pc.APIBase
		if base == "" {
			base = "http://localhost:11434/v1"
		}
		return NewOpenAI(OpenAIConfig{
			Name: "ollama", APIBase: base, Model: pc.DefaultModel, Timeout: o.Timeout, Logger: o.Logger,
		}), nil
	}

	f.constructors["claude"] = func(pc config.ProviderConfig, o Options) (domain.Provider, error) {
		return NewClaude(ClaudeConfig{
			APIKey: pc.APIKey, APIURL: pc.APIBase, Model: pc.DefaultModel, Timeout: o.Timeout, Logger: o.Logger,
		}), nil
	}
}

// Get returns the provider with the given name, or the default if name is empty.
// Created providers are cached and wrapped with the configured rate limit.
func (f *Factory) Get(name string) (domain.Provider, error) {
	if name == "" {
		name = f.cfg.General.DefaultProvider
	}

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	opts := Options{
		Timeout: time.Duration(f.cfg.Team.TimeoutSec) * time.Second,
		Logger:  f.logger.With("provider", name),
	}

	var p domain.Provider
	if ctor, found := f.constructors[name]; found {
		var err error
		if p, err = ctor(pc, opts); err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
	} else if pc.APIBase != "" {
		// Unknown names are treated as OpenAI-compatible endpoints.
		p = NewOpenAI(OpenAIConfig{
			Name: name, APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Timeout: opts.Timeout, Logger: opts.Logger,
		})
	} else {
		return nil, fmt.Errorf("provider %s: no constructor registered and no API base configured", name)
	}

	p = NewRateLimited(p, pc.RateLimitPerMin)
	f.cache[name] = p
	return p, nil
}

// DefaultProvider returns the provider personas should call: a failover
// chain when general.failoverChain is set, otherwise the default provider.
// Chain members that cannot be built are skipped with a warning.
func (f *Factory) DefaultProvider() (domain.Provider, error) {
	chain := f.cfg.General.FailoverChain
	if len(chain) == 0 {
		return f.Get("")
	}

	var providers []domain.Provider
	for _, name := range chain {
		p, err := f.Get(name)
		if err != nil {
			f.logger.Warn("failover: skipping provider", "provider", name, "err", err)
			continue
		}
		providers = append(providers, p)
	}
	switch len(providers) {
	case 0:
		return nil, fmt.Errorf("no usable provider in failover chain %v", chain)
	case 1:
		return providers[0], nil
	}
	return NewFailoverProvider(providers, f.logger), nil
}

// HealthyProvider returns the first enabled provider that passes a health check, or nil.
func (f *Factory) HealthyProvider(ctx context.Context) domain.Provider {
	for name := range f.cfg.Providers {
		p, err := f.Get(name)
		if err != nil || p == nil {
			continue
		}
		if p.Healthy(ctx) == nil {
			return p
		}
	}
	return nil
}
