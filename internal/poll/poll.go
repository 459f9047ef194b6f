// Package poll provides the shared background-loop scaffolding used by the
// health monitor and resource manager. A Loop runs one iteration immediately,
// then on every tick until its context is cancelled; iteration errors are
// logged and never stop the loop.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Ticker is the minimal interface needed for driving a loop, so tests can
// inject tick timing.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// Loop drives a named periodic task.
type Loop struct {
	logger        zerolog.Logger
	name          string
	interval      time.Duration
	tickerFactory func(time.Duration) Ticker
	runOnce       func(context.Context) error
}

// Option customizes loop behavior.
type Option func(*Loop)

// WithTickerFactory overrides how tickers are created.
func WithTickerFactory(factory func(time.Duration) Ticker) Option {
	return func(l *Loop) {
		l.tickerFactory = factory
	}
}

// New constructs a Loop running runOnce every interval.
func New(logger zerolog.Logger, name string, interval time.Duration, runOnce func(context.Context) error, opts ...Option) *Loop {
	l := &Loop{
		logger:   logger,
		name:     name,
		interval: interval,
		runOnce:  runOnce,
		tickerFactory: func(d time.Duration) Ticker {
			return timeTicker{ticker: time.NewTicker(d)}
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run blocks until the context is cancelled. The first iteration runs
// immediately; an iteration in flight when cancellation arrives completes
// before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	if l.interval <= 0 {
		return errors.New("poll interval must be greater than zero")
	}

	l.runGuarded(ctx)

	ticker := l.tickerFactory(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Str("loop", l.name).Msg("loop stopped")
			return nil
		case <-ticker.C():
			l.runGuarded(ctx)
		}
	}
}

// runGuarded executes one iteration, trapping both errors and panics so a
// single bad cycle never kills the loop.
func (l *Loop) runGuarded(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().
				Str("loop", l.name).
				Str("panic", fmt.Sprint(r)).
				Msg("loop iteration panicked")
		}
	}()

	if err := l.runOnce(ctx); err != nil {
		l.logger.Error().Err(err).Str("loop", l.name).Msg("loop iteration failed")
	}
}
