package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kilianp07/ocppgw/core/logger"
	"github.com/kilianp07/ocppgw/core/station"
)

// Default circuit breaker settings.
const (
	defaultMaxFailures uint32        = 5
	defaultOpenTimeout time.Duration = 30 * time.Second
	defaultInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit breaker around a notifier.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `json:"max_failures"`
	// Timeout is how long the circuit stays open before a probe is allowed.
	Timeout time.Duration `json:"timeout"`
	// Interval clears failure counts while closed.
	Interval time.Duration `json:"interval"`
}

// BreakerNotifier stops calling a failing notifier for a while so a broker
// outage does not slow down disconnect handling.
type BreakerNotifier struct {
	inner   station.Notifier
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewBreakerNotifier wraps inner with a circuit breaker named name.
func NewBreakerNotifier(name string, inner station.Notifier, cfg BreakerConfig, log logger.Logger) *BreakerNotifier {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultOpenTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultInterval
	}
	maxFailures := cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "notify:" + name,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("circuit breaker %s: %s -> %s", name, from, to)
		},
	})
	return &BreakerNotifier{inner: inner, breaker: cb}
}

func (b *BreakerNotifier) NotifyStatusChanged(ctx context.Context, tenantID, stationID string, status station.Status, message string) error {
	_, err := b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.inner.NotifyStatusChanged(ctx, tenantID, stationID, status, message)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("notifier %s circuit open: %w", b.breaker.Name(), err)
	}
	return err
}

// State returns the current circuit breaker state.
func (b *BreakerNotifier) State() gobreaker.State {
	return b.breaker.State()
}

// Close releases the wrapped notifier's connection when it has one.
func (b *BreakerNotifier) Close() {
	if c, ok := b.inner.(interface{ Close() }); ok {
		c.Close()
	}
}
