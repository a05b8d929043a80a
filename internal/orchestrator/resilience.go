package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/aristath/dwiflow/internal/backend"
)

// BreakerConfig configures the per-tool circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32        // trip after this many failures in a row (default 5)
	Cooldown            time.Duration // stay open this long before probing (default 1m)
	HalfOpenRequests    uint32        // probes allowed while half-open (default 1)
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		Cooldown:            time.Minute,
		HalfOpenRequests:    1,
	}
}

// ErrToolUnavailable is wrapped around gobreaker's open-state errors so
// callers can tell a fast-failed invocation from a real tool failure.
var ErrToolUnavailable = errors.New("tool circuit open")

// CircuitBreakerRegistry manages per-tool circuit breakers. When a tool keeps
// failing (a missing binary, a broken licence server) further jobs fail fast
// instead of each paying the tool's startup cost.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	config   BreakerConfig
	logger   zerolog.Logger
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(cfg BreakerConfig, logger zerolog.Logger) *CircuitBreakerRegistry {
	def := DefaultBreakerConfig()
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = def.HalfOpenRequests
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   cfg,
		logger:   logger,
	}
}

// Get returns the circuit breaker for the given tool.
// Creates a new one if it doesn't exist.
func (r *CircuitBreakerRegistry) Get(tool string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[tool]; ok {
		return cb
	}

	threshold := r.config.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        tool,
		MaxRequests: r.config.HalfOpenRequests,
		Interval:    0, // counts only reset on state change
		Timeout:     r.config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn().Str("tool", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			// Cancellation and stage timeouts say nothing about the tool's health.
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[tool] = cb
	return cb
}

// Wrap returns an adapter that routes every invocation through the tool's
// breaker. There is no retry: a failed node stays failed, and the next run
// resumes from its outputs.
func (r *CircuitBreakerRegistry) Wrap(tool string, a backend.Adapter) backend.Adapter {
	return &guardedAdapter{tool: tool, inner: a, cb: r.Get(tool)}
}

type guardedAdapter struct {
	tool  string
	inner backend.Adapter
	cb    *gobreaker.CircuitBreaker
}

func (g *guardedAdapter) Invoke(ctx context.Context, inv backend.Invocation) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.inner.Invoke(ctx, inv)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrToolUnavailable, g.tool, err)
	}
	return err
}
