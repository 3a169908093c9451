package foodparse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vittlelabs/vittle/internal/nutrition"
	"github.com/vittlelabs/vittle/internal/observe"
	"github.com/vittlelabs/vittle/internal/resilience"
)

// DefaultTimeout bounds one Parse call end to end when Config.Timeout is
// zero. The deadline is shared across all backends in the cascade, not
// granted per attempt.
const DefaultTimeout = 10 * time.Second

// Config tunes a Cascade.
type Config struct {
	// Timeout bounds one Parse call across every backend attempt. Zero means
	// DefaultTimeout.
	Timeout time.Duration

	// CircuitBreaker configures the breaker created for each backend.
	CircuitBreaker resilience.CircuitBreakerConfig
}

// namedParser pairs a backend with its configured name so failures can be
// attributed.
type namedParser struct {
	name   string
	parser Parser
}

// Cascade implements Parser with ordered failover across multiple parse
// backends. Attempts run in registration order until one succeeds; each
// backend sits behind its own circuit breaker, and an open breaker skips its
// backend. When every backend fails, the errors are joined into one failure.
type Cascade struct {
	group   *resilience.FallbackGroup[namedParser]
	timeout atomic.Int64 // shared per-call deadline, nanoseconds
}

// Compile-time interface assertion.
var _ Parser = (*Cascade)(nil)

// NewCascade creates a Cascade with primary as the preferred backend.
func NewCascade(primary Parser, primaryName string, cfg Config) *Cascade {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Cascade{
		group: resilience.NewFallbackGroup(
			namedParser{name: primaryName, parser: primary},
			primaryName,
			resilience.FallbackConfig{CircuitBreaker: cfg.CircuitBreaker},
		),
	}
	c.timeout.Store(int64(timeout))
	return c
}

// SetTimeout replaces the shared per-call deadline. Values at or below zero
// reset to DefaultTimeout. Parse calls already in flight keep the deadline
// they started with.
func (c *Cascade) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	c.timeout.Store(int64(d))
}

// AddFallback registers an additional backend, tried after all earlier ones.
func (c *Cascade) AddFallback(name string, parser Parser) {
	c.group.AddFallback(name, namedParser{name: name, parser: parser})
}

// BreakerStates reports the circuit breaker state per backend, keyed by
// backend name. Readiness checks use this to surface bypassed backends.
func (c *Cascade) BreakerStates() map[string]resilience.State {
	return c.group.States()
}

// Parse implements Parser.
//
// The first backend to succeed wins. A successful analysis with an empty
// item list is final (ErrNoFoodDetected) and does not fall through: the
// utterance was understood, there is just nothing to log.
func (c *Cascade) Parse(ctx context.Context, text string, meal nutrition.MealType, user UserRef) ([]nutrition.ParsedFoodItem, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.timeout.Load()))
	defer cancel()

	metrics := observe.DefaultMetrics()
	items, err := resilience.ExecuteWithResult(c.group, func(np namedParser) ([]nutrition.ParsedFoodItem, error) {
		items, err := np.parser.Parse(ctx, text, meal, user)
		if err != nil {
			metrics.RecordProviderRequest(ctx, np.name, "llm", "error")
			metrics.RecordProviderError(ctx, np.name, "llm")
			return nil, &ProviderError{Provider: np.name, Err: err}
		}
		metrics.RecordProviderRequest(ctx, np.name, "llm", "ok")
		return items, nil
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrAnalysisTimeout, err)
		}
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNoFoodDetected
	}
	return items, nil
}
