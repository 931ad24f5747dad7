package history

import (
	"context"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerConfig tunes the circuit breaker put in front of remote sinks.
type BreakerConfig struct {
	FailureThreshold uint32        // consecutive failures before opening
	OpenTimeout      time.Duration // time spent open before probing again
}

// Breaker stops calling a failing remote sink for a while so registry
// commands do not wait on its timeouts one after another.
type Breaker struct {
	next Sink
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// NewBreaker wraps next in a circuit breaker named name.
func NewBreaker(name string, next Sink, cfg BreakerConfig, log *slog.Logger) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("history sink breaker state changed", "sink", name, "from", from.String(), "to", to.String())
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker[struct{}](st)}
}

func (b *Breaker) Send(ctx context.Context, e Event) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Send(ctx, e)
	})
	return err
}

// State reports the breaker state, e.g. "closed" or "open".
func (b *Breaker) State() string { return b.cb.State().String() }

func (b *Breaker) Close() error {
	if c, ok := b.next.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
