package supervisor

import (
	"log/slog"
	"time"
)

const (
	DefaultGracePeriod  = time.Second
	DefaultForceTimeout = 5 * time.Second
	DefaultHandlerYield = 10 * time.Millisecond
	DefaultWorkers      = 8

	DefaultBreakerTimeout = 30 * time.Second
)

// BreakerSettings throttle a pull handler that keeps failing. The zero value
// disables the breaker and Handle is called on every yield.
type BreakerSettings struct {
	// MaxFailures is the number of consecutive failures before the breaker
	// opens. Zero disables the breaker.
	MaxFailures uint32
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
}

type options struct {
	logger       *slog.Logger
	gracePeriod  time.Duration
	forceTimeout time.Duration
	handlerYield time.Duration
	workers      int
	breaker      BreakerSettings
}

func defaultOptions() options {
	return options{
		logger:       slog.Default(),
		gracePeriod:  DefaultGracePeriod,
		forceTimeout: DefaultForceTimeout,
		handlerYield: DefaultHandlerYield,
		workers:      DefaultWorkers,
	}
}

// Option configures a Supervisor.
type Option func(*options)

// WithLogger sets the supervisor logger. Handler loggers derive from it.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithGracePeriod sets how long shutdown waits for pull loops to notice the
// stop flag before cancelling them.
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.gracePeriod = d
		}
	}
}

// WithForceTimeout sets how long shutdown waits for cancelled tasks to return.
func WithForceTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.forceTimeout = d
		}
	}
}

// WithHandlerYield sets the pause between two Handle calls of a pull handler.
func WithHandlerYield(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.handlerYield = d
		}
	}
}

// WithWorkers bounds RunBlocking concurrency.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithBreaker enables a breaker around every pull handler. A zero
// MaxFailures leaves it disabled; a zero Timeout means DefaultBreakerTimeout.
func WithBreaker(b BreakerSettings) Option {
	return func(o *options) {
		if b.Timeout <= 0 {
			b.Timeout = DefaultBreakerTimeout
		}
		o.breaker = b
	}
}
