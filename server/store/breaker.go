package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerTimeout            = 30 * time.Second
	defaultBreakerInterval           = 60 * time.Second
)

// LastSeenWriter persists last-seen timestamps.
type LastSeenWriter interface {
	UpdateLastSeen(ctx context.Context, tenantID, stationID string, at time.Time) error
}

// BreakerConfig configures the last-seen circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// BreakerUpdater wraps a LastSeenWriter so a failing database fails fast
// instead of piling up background writes.
type BreakerUpdater struct {
	inner   LastSeenWriter
	breaker *gobreaker.CircuitBreaker[struct{}]
}

func NewBreakerUpdater(inner LastSeenWriter, cfg BreakerConfig, logger zerolog.Logger) *BreakerUpdater {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "last-seen",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
		},
	})

	return &BreakerUpdater{inner: inner, breaker: cb}
}

func (b *BreakerUpdater) UpdateLastSeen(ctx context.Context, tenantID, stationID string, at time.Time) error {
	_, err := b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.inner.UpdateLastSeen(ctx, tenantID, stationID, at)
	})
	return err
}

// State returns the breaker state.
func (b *BreakerUpdater) State() gobreaker.State {
	return b.breaker.State()
}
