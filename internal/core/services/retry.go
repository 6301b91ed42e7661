package services

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

// Default retry constants for external AI calls.
const (
	DefaultMaxRetries      = 3
	DefaultBaseDelay       = time.Second
	DefaultMaxDelay        = 30 * time.Second
	DefaultRetryMultiplier = 2.0
	DefaultInterCallDelay  = time.Second
)

// RetryPolicy defines exponential backoff with equal jitter.
// Attempts = MaxRetries + 1.
type RetryPolicy struct {
	MaxRetries int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	BaseDelay  time.Duration `yaml:"base_delay" validate:"gte=0"`
	MaxDelay   time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
	Multiplier float64       `yaml:"multiplier" validate:"gte=1"`
}

// DefaultRetryPolicy returns the pipeline's standard policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Multiplier: DefaultRetryMultiplier,
	}
}

// Delay returns the ceiling delay before retry number attempt (0-based),
// before jitter: BaseDelay * Multiplier^attempt capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Backoff applies equal jitter to Delay: half fixed, half uniformly random.
// A server-suggested delay raises the result, still capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int, suggested time.Duration, random func() float64) time.Duration {
	ceiling := p.Delay(attempt)
	half := ceiling / 2
	d := half + time.Duration(random()*float64(ceiling-half))
	if suggested > d {
		d = suggested
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// retryDelayRegex matches "Please retry in Xs", "retryDelay: Xs" and "retry-after: X" hints
var retryDelayRegex = regexp.MustCompile(`(?i)(?:Please retry in |retryDelay[:\s]+|retry-after[:\s]+)(\d+(?:\.\d+)?)\s*s?`)

// ExtractRetryDelay parses a provider-suggested retry delay from an error.
// Returns 0 if no delay is found.
func ExtractRetryDelay(err error) time.Duration {
	if err == nil {
		return 0
	}
	matches := retryDelayRegex.FindStringSubmatch(err.Error())
	if len(matches) < 2 {
		return 0
	}
	seconds, parseErr := strconv.ParseFloat(matches[1], 64)
	if parseErr != nil {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retrier runs operations under a RetryPolicy.
// Only errors for which domain.IsRetryable is true are retried.
type Retrier struct {
	policy   RetryPolicy
	sleep    func(ctx context.Context, d time.Duration) error
	random   func() float64
	observer driven.PipelineObserver
	logger   *slog.Logger
}

// RetrierConfig holds dependencies for Retrier.
type RetrierConfig struct {
	Policy   RetryPolicy
	Observer driven.PipelineObserver
	Logger   *slog.Logger

	// Sleep replaces the context-aware sleep (tests)
	Sleep func(ctx context.Context, d time.Duration) error

	// Random replaces the jitter source (tests)
	Random func() float64
}

// NewRetrier creates a new Retrier.
func NewRetrier(cfg RetrierConfig) *Retrier {
	r := &Retrier{
		policy:   cfg.Policy,
		sleep:    cfg.Sleep,
		random:   cfg.Random,
		observer: cfg.Observer,
		logger:   cfg.Logger,
	}
	if r.sleep == nil {
		r.sleep = sleepContext
	}
	if r.random == nil {
		r.random = rand.Float64
	}
	if r.observer == nil {
		r.observer = driven.NopObserver{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Do runs fn until it succeeds, fails permanently, or retries are exhausted.
// The last error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !domain.IsRetryable(err) || attempt >= r.policy.MaxRetries {
			return err
		}

		backoff := r.policy.Backoff(attempt, ExtractRetryDelay(err), r.random)
		r.logger.Warn("retrying after transient error",
			"operation", operation,
			"attempt", attempt+1,
			"max_retries", r.policy.MaxRetries,
			"backoff", backoff,
			"throttled", domain.IsThrottled(err),
			"error", err)
		r.observer.CallRetried(operation)

		if sleepErr := r.sleep(ctx, backoff); sleepErr != nil {
			return err
		}
	}
}

// llmCaller invokes the model with the fixed inter-call delay before every
// attempt, wrapped in the retry policy.
type llmCaller struct {
	llm     driven.LLMService
	retrier *Retrier
	delay   time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

func newLLMCaller(llm driven.LLMService, retrier *Retrier, delay time.Duration) *llmCaller {
	return &llmCaller{
		llm:     llm,
		retrier: retrier,
		delay:   delay,
		sleep:   retrier.sleep,
	}
}

// invoke returns the model text, or ErrEmptyResponse for a blank reply.
func (c *llmCaller) invoke(ctx context.Context, operation string, req driven.LLMRequest) (string, error) {
	var text string
	err := c.retrier.Do(ctx, operation, func(ctx context.Context) error {
		if err := c.sleep(ctx, c.delay); err != nil {
			return err
		}
		out, err := c.llm.Invoke(ctx, req)
		if err != nil {
			return err
		}
		if strings.TrimSpace(out) == "" {
			return domain.ErrEmptyResponse
		}
		text = out
		return nil
	})
	return text, err
}
