package domain

import (
	"context"
	"log/slog"
	"time"
)

// Handler is any unit of behavior registered with the supervisor. A handler
// may implement Initializer, Puller, both, or neither (purely reactive
// handlers subscribe to the bus in their factory).
type Handler any

// Initializer is implemented by handlers with a one-time init phase. All
// Init hooks run concurrently before the dispatch loop starts.
type Initializer interface {
	Init(ctx context.Context) error
}

// Puller is implemented by handlers that are driven by a loop. Handle is
// called repeatedly until shutdown is requested.
type Puller interface {
	Handle(ctx context.Context) error
}

// Runtime is the supervisor façade handed to handlers.
type Runtime interface {
	// FireEvent enqueues e without blocking; safe from any goroutine.
	FireEvent(e *Event)
	// Stop requests shutdown. Repeated calls are no-ops.
	Stop()
	// ShouldStop reports whether shutdown has been requested.
	ShouldStop() bool
	// ListenForResult waits for the next dispatched event of kind.
	ListenForResult(ctx context.Context, kind *EventKind, timeout time.Duration) (*Event, bool)
	// Request fires req and waits for the next event of respKind.
	Request(ctx context.Context, req *Event, respKind *EventKind, timeout time.Duration) (*Event, bool)
	// GetHandler returns a registered handler by name.
	GetHandler(name string) (Handler, bool)
	// RunBlocking runs fn on the bounded worker pool.
	RunBlocking(ctx context.Context, fn func(ctx context.Context) error) error
	// AddShutdownCallback registers fn to run once during shutdown.
	AddShutdownCallback(name string, fn func())
}

// TimerService is the timer engine façade handed to handlers.
type TimerService interface {
	Delay(period time.Duration, kind *EventKind, data map[string]any) (int, error)
	AddTimer(period time.Duration, kind *EventKind, data map[string]any) (int, error)
	AddSystemTimer(period time.Duration, kind *EventKind, data map[string]any) (int, error)
	RemoveTimer(id int, protected bool) error
	GetTimers() []int
}

// HandlerDeps are the dependencies injected into a handler factory.
type HandlerDeps struct {
	Runtime Runtime
	Bus     EventBus
	Timers  TimerService // nil when no timer engine is attached
	Logger  *slog.Logger
	Config  map[string]any
}

// HandlerFactory builds a handler from its dependencies.
type HandlerFactory func(deps HandlerDeps) (Handler, error)

// HandlerRegistration names a handler factory.
type HandlerRegistration struct {
	Name    string
	Factory HandlerFactory
}

// Module is the fixed registration table a collaborator exposes: the event
// kinds it defines and the handlers it contributes.
type Module struct {
	Name     string
	Kinds    []*EventKind
	Handlers []HandlerRegistration
}
