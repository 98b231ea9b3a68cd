package apperr

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	Name string

	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold uint32

	// Cooldown is how long the circuit stays open before a half-open probe
	// is allowed through.
	Cooldown time.Duration
}

// Breaker guards an external dependency. States move closed -> open after
// FailureThreshold consecutive failures; after Cooldown a single half-open
// probe is admitted, and one success closes the circuit again.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker with the given configuration.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Do runs op through the breaker. While the circuit is open the provided
// fallback is invoked instead; with no fallback the call fails fast with an
// ExternalServiceError.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error, fallback func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, op(ctx)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if fallback != nil {
			return fallback(ctx)
		}
		return Wrap(err, ExternalServiceError, b.cb.Name()+" circuit open")
	}
	return err
}

// State returns the breaker state as a string (closed, half-open, open).
func (b *Breaker) State() string {
	return b.cb.State().String()
}
