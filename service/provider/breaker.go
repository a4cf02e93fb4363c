package provider

import (
	"errors"
	"log/slog"
	"time"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/brojonat/escrowd/service/metrics"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker in front of a rail.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig trips after five consecutive upstream failures and
// probes again after thirty seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

type breaker struct {
	cb       *gobreaker.CircuitBreaker
	provider domain.Provider
	metrics  *metrics.Metrics
}

func newBreaker(provider domain.Provider, cfg BreakerConfig, m *metrics.Metrics, logger *slog.Logger) *breaker {
	b := &breaker{provider: provider, metrics: m}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provider-" + string(provider),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		// Client errors say nothing about the rail's health.
		IsSuccessful: func(err error) bool {
			var perr *domain.ProviderError
			if errors.As(err, &perr) {
				return !perr.Retryable
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.RecordBreakerStateChange(string(provider), to.String())
			logger.Warn("provider circuit breaker state changed",
				"provider", provider, "from", from.String(), "to", to.String())
		},
	})
	return b
}

// call runs fn through the breaker and records the outcome.
func (b *breaker) call(op string, fn func() (*Payment, error)) (*Payment, error) {
	start := time.Now()
	out, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &domain.ProviderError{Provider: b.provider, Op: op, Retryable: true, Err: err}
	}
	b.metrics.RecordProviderCall(string(b.provider), op, err, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return out.(*Payment), nil
}

// State exposes the breaker state for health reporting.
func (b *breaker) State() string {
	return b.cb.State().String()
}
