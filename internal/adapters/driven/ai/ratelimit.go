package ai

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

// Ensure RateLimitedLLM implements LLMService
var _ driven.LLMService = (*RateLimitedLLM)(nil)

// RateLimitedLLM caps the request rate of another LLMService.
// Waiting honours ctx, so a cancelled item stops queueing for tokens.
type RateLimitedLLM struct {
	driven.LLMService
	limiter *rate.Limiter
}

// NewRateLimitedLLM wraps llm so it issues at most requestsPerMinute calls.
// A non-positive rate returns llm unchanged.
func NewRateLimitedLLM(llm driven.LLMService, requestsPerMinute int) driven.LLMService {
	if llm == nil || requestsPerMinute <= 0 {
		return llm
	}
	interval := time.Minute / time.Duration(requestsPerMinute)
	return &RateLimitedLLM{
		LLMService: llm,
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Invoke waits for a token and then delegates
func (r *RateLimitedLLM) Invoke(ctx context.Context, req driven.LLMRequest) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.LLMService.Invoke(ctx, req)
}
