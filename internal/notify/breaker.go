package notify

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/codeday/calendar-gql/internal/log"
	"github.com/codeday/calendar-gql/internal/metrics"
)

const (
	breakerMaxFailures = 5
	breakerCooldown    = 2 * time.Minute
)

// Breaker guards a transport with a circuit breaker. While open, sends fail
// fast with gobreaker.ErrOpenState instead of waiting on a dead provider.
type Breaker struct {
	next Sender
	name string
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// WithBreaker wraps next with a breaker that opens after consecutive failures.
func WithBreaker(name string, next Sender) *Breaker {
	return newBreaker(name, next, breakerMaxFailures, breakerCooldown)
}

func newBreaker(name string, next Sender, maxFailures uint32, cooldown time.Duration) *Breaker {
	metrics.BreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Missing credentials and cancellation say nothing about the provider.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotConfigured) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("transport breaker state change", "transport", name, "from", from.String(), "to", to.String())
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return &Breaker{next: next, name: name, cb: cb}
}

func (b *Breaker) Send(ctx context.Context, msg Message) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Send(ctx, msg)
	})
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
