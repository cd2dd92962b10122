package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"grandmaster/internal/domain"
)

// defaultCooldown is how long a failed provider is tried last.
const defaultCooldown = 30 * time.Second

// FailoverProvider sends each persona call down an ordered chain of
// providers. A provider that just failed moves to the back of the chain
// until its cooldown passes, so a Team Mode run does not wait on the same
// dead upstream three times.
type FailoverProvider struct {
	providers []domain.Provider
	logger    *slog.Logger
	cooldown  time.Duration
	now       func() time.Time

	mu     sync.Mutex
	failed map[string]time.Time // provider name -> last failure
}

func NewFailoverProvider(providers []domain.Provider, logger *slog.Logger) *FailoverProvider {
	return &FailoverProvider{
		providers: providers,
		logger:    logger,
		cooldown:  defaultCooldown,
		now:       time.Now,
		failed:    make(map[string]time.Time),
	}
}

func (fp *FailoverProvider) Name() string {
	names := make([]string, len(fp.providers))
	for i, p := range fp.providers {
		names[i] = p.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

func (fp *FailoverProvider) Models() []string {
	var all []string
	for _, p := range fp.providers {
		for _, m := range p.Models() {
			if !slices.Contains(all, m) {
				all = append(all, m)
			}
		}
	}
	return all
}

func (fp *FailoverProvider) Healthy(ctx context.Context) error {
	var errs []error
	for _, p := range fp.providers {
		err := p.Healthy(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return fmt.Errorf("no healthy provider in failover chain: %w", errors.Join(errs...))
}

// order returns the chain with cooling-down providers moved to the back,
// keeping relative order otherwise.
func (fp *FailoverProvider) order() []domain.Provider {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	now := fp.now()
	ready := make([]domain.Provider, 0, len(fp.providers))
	var cooling []domain.Provider
	for _, p := range fp.providers {
		if t, ok := fp.failed[p.Name()]; ok && now.Sub(t) < fp.cooldown {
			cooling = append(cooling, p)
			continue
		}
		ready = append(ready, p)
	}
	return append(ready, cooling...)
}

func (fp *FailoverProvider) mark(name string, failed bool) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if failed {
		fp.failed[name] = fp.now()
	} else {
		delete(fp.failed, name)
	}
}

// Chat returns the first successful response along the chain. A cancelled
// context stops the chain without marking the provider as failed.
func (fp *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var lastErr error
	for i, p := range fp.order() {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			fp.mark(p.Name(), false)
			if i > 0 {
				fp.logger.Info("failover: used fallback provider", "provider", p.Name(), "attempt", i+1)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		fp.mark(p.Name(), true)
		fp.logger.Warn("failover: provider failed, trying next",
			"provider", p.Name(),
			"attempt", i+1,
			"error", err,
		)
	}
	return nil, fmt.Errorf("all providers in failover chain failed: %w", lastErr)
}
