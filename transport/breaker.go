package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

const (
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
)

// BreakerDialer stops dialing after repeated I/O failures and fails fast
// until the open timeout has passed. A missing peer or a disabled radio does
// not count as a failure.
type BreakerDialer struct {
	inner   Dialer
	breaker *gobreaker.CircuitBreaker[io.ReadWriteCloser]
}

func NewBreakerDialer(name string, inner Dialer, maxFailures uint32, openTimeout time.Duration, logger *slog.Logger) *BreakerDialer {
	if maxFailures == 0 {
		maxFailures = defaultBreakerFailures
	}
	if openTimeout <= 0 {
		openTimeout = defaultBreakerTimeout
	}
	cb := gobreaker.NewCircuitBreaker[io.ReadWriteCloser](gobreaker.Settings{
		Name:        "dial:" + name,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnavailable) ||
				errors.Is(err, context.Canceled)
		},
	})
	return &BreakerDialer{inner: inner, breaker: cb}
}

func (d *BreakerDialer) Dial(ctx context.Context, target string) (io.ReadWriteCloser, error) {
	conn, err := d.breaker.Execute(func() (io.ReadWriteCloser, error) {
		return d.inner.Dial(ctx, target)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: dialing paused after repeated failures: %w", ErrIO, err)
	}
	return conn, err
}

func (d *BreakerDialer) State() gobreaker.State {
	return d.breaker.State()
}
