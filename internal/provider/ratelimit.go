package provider

import (
	"context"
	"fmt"
	"time"

	"chessbuddy/internal/domain"

	"golang.org/x/time/rate"
)

// RateLimitedProvider wraps a provider with a per-minute request budget.
// Callers block until a token is available or their context ends.
type RateLimitedProvider struct {
	domain.Provider
	limiter *rate.Limiter
}

// NewRateLimited wraps p with a limit of perMinute requests. A non-positive
// limit returns p unchanged.
func NewRateLimited(p domain.Provider, perMinute int) domain.Provider {
	if perMinute <= 0 {
		return p
	}
	return &RateLimitedProvider{
		Provider: p,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
}

func (r *RateLimitedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s rate limit: %w", r.Name(), err)
	}
	return r.Provider.Chat(ctx, req)
}
