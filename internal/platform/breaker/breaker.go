// Package breaker guards outbound senders with a circuit breaker so a dead
// provider fails fast instead of tying up workers.
package breaker

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
)

// New returns a breaker that opens after 5 consecutive failures inside a
// 60s window and probes again after 30s.
func New(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// Do runs fn through the breaker, mapping an open circuit to
// DependencyUnavailable.
func Do(cb *gobreaker.CircuitBreaker, fn func() error) error {
	_, err := cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errs.E(errs.DependencyUnavailable, "circuit open", "breaker", cb.Name())
	}
	return err
}
