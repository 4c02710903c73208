package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"docsteps-backend/internal/shared/metrics"
	"docsteps-backend/internal/shared/telemetry"
	"docsteps-backend/internal/shared/tracing"
)

// GuardOptions tunes the pacing limiter and circuit breaker around a provider.
type GuardOptions struct {
	Name string
	// RatePerSecond <= 0 disables pacing.
	RatePerSecond float64
	Burst         int
	// ConsecutiveFailures of transient errors before the breaker opens.
	ConsecutiveFailures int
	Cooldown            time.Duration
}

// Guarded paces calls to a Provider and stops calling it while it keeps failing.
type Guarded struct {
	next    Provider
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewGuarded wraps next. The limiter is shared by every run using the returned value.
func NewGuarded(next Provider, opts GuardOptions) *Guarded {
	if opts.Name == "" {
		opts.Name = "llm"
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.ConsecutiveFailures <= 0 {
		opts.ConsecutiveFailures = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	failures := uint32(opts.ConsecutiveFailures)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 1,
		Timeout:     opts.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			telemetry.Warn("llm.breaker.state", map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	return &Guarded{
		next:    next,
		limiter: rate.NewLimiter(limit, opts.Burst),
		breaker: breaker,
	}
}

// Chat waits for a pacing token, then calls the provider through the breaker.
func (g *Guarded) Chat(ctx context.Context, req ChatRequest) (_ string, err error) {
	ctx, span := tracing.Start(ctx, "llm.chat", attribute.Bool("json_object", req.JSONObject))
	defer func() { tracing.End(span, err) }()

	if err := g.limiter.Wait(ctx); err != nil {
		// Wait fails early, before ctx is done, when the token would arrive past the deadline.
		if _, hasDeadline := ctx.Deadline(); hasDeadline && !errors.Is(ctx.Err(), context.Canceled) {
			return "", fmt.Errorf("%w: llm pacing: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("llm pacing: %w", err)
	}

	start := time.Now()
	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.next.Chat(ctx, req)
	})
	metrics.ObserveLLMDurationMs(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.IncLLMCallsFailed()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return "", err
	}
	text, _ := out.(string)
	return text, nil
}

// State exposes the breaker state for health reporting.
func (g *Guarded) State() string {
	return g.breaker.State().String()
}

var _ Provider = (*Guarded)(nil)
