package provider

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"grandmaster/internal/domain"
)

// RateLimited wraps a provider with a token bucket so a burst of team runs
// cannot exceed the upstream quota. Chat blocks until a token is available
// or ctx is done.
type RateLimited struct {
	domain.Provider
	limiter *rate.Limiter
}

// NewRateLimited allows perMinute requests per minute with a burst of
// perMinute/10 (at least 1). perMinute <= 0 returns p unchanged.
func NewRateLimited(p domain.Provider, perMinute int) domain.Provider {
	if perMinute <= 0 {
		return p
	}
	burst := max(perMinute/10, 1)
	return &RateLimited{
		Provider: p,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst),
	}
}

func (r *RateLimited) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s rate limit: %w", r.Provider.Name(), err)
	}
	return r.Provider.Chat(ctx, req)
}
