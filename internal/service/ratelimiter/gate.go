package ratelimiter

import (
	"context"
	"log/slog"
)

// AIGate narrows the bucket limiter to the yes/no check the AI client runs
// before each model call. One call costs one token.
type AIGate struct {
	limiter *TokenBucket
}

// NewAIGate wraps the limiter. A nil limiter produces a gate that admits
// everything.
func NewAIGate(l *TokenBucket) *AIGate { return &AIGate{limiter: l} }

func (g *AIGate) Allow(ctx context.Context, key string) (bool, error) {
	if g == nil || g.limiter == nil {
		return true, nil
	}
	allowed, retryAfter, err := g.limiter.Allow(ctx, key, 1)
	if err != nil {
		return true, err
	}
	if !allowed {
		slog.Info("ai call throttled",
			slog.String("bucket", key),
			slog.Duration("retry_after", retryAfter))
	}
	return allowed, nil
}
