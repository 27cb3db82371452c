package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/domain"
)

type registeredHandler struct {
	name    string
	handler domain.Handler
	logger  *slog.Logger
}

// RegisterModule registers every kind of m and builds each of its handlers
// with the config found under the handler's name.
func (s *Supervisor) RegisterModule(m domain.Module, cfg map[string]map[string]any) error {
	for _, k := range m.Kinds {
		if err := s.kinds.Register(k); err != nil {
			return fmt.Errorf("module %s: %w", m.Name, err)
		}
	}
	for _, reg := range m.Handlers {
		if _, err := s.RegisterHandler(reg, cfg[reg.Name]); err != nil {
			return fmt.Errorf("module %s: %w", m.Name, err)
		}
	}
	s.logger.Info("module registered", "module", m.Name, "kinds", len(m.Kinds), "handlers", len(m.Handlers))
	return nil
}

// RegisterHandler builds a handler from reg with injected dependencies and
// records it. Handlers must be registered before Start.
func (s *Supervisor) RegisterHandler(reg domain.HandlerRegistration, cfg map[string]any) (domain.Handler, error) {
	if reg.Name == "" || reg.Factory == nil {
		return nil, domain.NewDomainError("supervisor.RegisterHandler", domain.ErrInvalidInput, "handler needs a name and a factory")
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, domain.NewDomainError("supervisor.RegisterHandler", domain.ErrAlreadyStarted, reg.Name)
	}
	if _, exists := s.handlers[reg.Name]; exists {
		s.mu.Unlock()
		return nil, domain.NewDomainError("supervisor.RegisterHandler", domain.ErrDuplicate, reg.Name)
	}
	timers := s.timers
	s.mu.Unlock()

	if cfg == nil {
		cfg = map[string]any{}
	}
	logger := s.logger.With("handler", reg.Name)
	h, err := reg.Factory(domain.HandlerDeps{
		Runtime: s,
		Bus:     s.bus,
		Timers:  timers,
		Logger:  logger,
		Config:  cfg,
	})
	if err != nil {
		return nil, domain.WrapOp("supervisor.RegisterHandler "+reg.Name, err)
	}
	if h == nil {
		return nil, domain.NewDomainError("supervisor.RegisterHandler", domain.ErrInvalidInput, reg.Name+": factory returned nil")
	}

	// Double-check after the factory ran outside the lock.
	s.mu.Lock()
	if _, exists := s.handlers[reg.Name]; exists {
		s.mu.Unlock()
		return nil, domain.NewDomainError("supervisor.RegisterHandler", domain.ErrDuplicate, reg.Name)
	}
	s.handlers[reg.Name] = &registeredHandler{name: reg.Name, handler: h, logger: logger}
	s.order = append(s.order, reg.Name)
	s.mu.Unlock()

	_, isInit := h.(domain.Initializer)
	_, isPull := h.(domain.Puller)
	logger.Info("handler registered", "init", isInit, "pull", isPull)
	return h, nil
}

// GetHandler returns the handler registered under name.
func (s *Supervisor) GetHandler(name string) (domain.Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rh, ok := s.handlers[name]
	if !ok {
		return nil, false
	}
	return rh.handler, true
}

// Handlers returns the registered handler names in registration order.
func (s *Supervisor) Handlers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Logger returns the logger of the handler registered under name.
func (s *Supervisor) Logger(name string) (*slog.Logger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rh, ok := s.handlers[name]
	if !ok {
		return nil, false
	}
	return rh.logger, true
}

func (s *Supervisor) snapshotHandlers() []*registeredHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*registeredHandler, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.handlers[name])
	}
	return out
}

// runInits runs every Init hook concurrently and waits for all of them.
// Failures are logged and never abort startup.
func (s *Supervisor) runInits(ctx context.Context, handlers []*registeredHandler) {
	var g errgroup.Group
	for _, rh := range handlers {
		initializer, ok := rh.handler.(domain.Initializer)
		if !ok {
			continue
		}
		g.Go(func() error {
			start := time.Now()
			if err := safeCall(func() error { return initializer.Init(ctx) }); err != nil {
				rh.logger.Error("handler init failed", "error", err)
				return nil
			}
			rh.logger.Debug("handler initialized", "duration", time.Since(start))
			return nil
		})
	}
	_ = g.Wait()
}

// pullLoop calls Handle until shutdown is requested. Failures are logged and
// swallowed. With a breaker configured, a handler that keeps failing is
// throttled while the breaker is open.
func (s *Supervisor) pullLoop(rh *registeredHandler, p domain.Puller) func(ctx context.Context) error {
	call := func(ctx context.Context) error {
		return safeCall(func() error { return p.Handle(ctx) })
	}
	if s.opts.breaker.MaxFailures > 0 {
		breaker := newHandlerBreaker(rh.name, s.opts.breaker, rh.logger)
		call = func(ctx context.Context) error {
			_, err := breaker.Execute(func() (struct{}, error) {
				return struct{}{}, safeCall(func() error { return p.Handle(ctx) })
			})
			return err
		}
	}
	yield := s.opts.handlerYield

	return func(ctx context.Context) error {
		for !s.stopRequested.Load() {
			err := call(ctx)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil && !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
				rh.logger.Error("handler failed", "error", err)
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(yield):
			}
		}
		return nil
	}
}

func newHandlerBreaker(name string, cfg BreakerSettings, logger *slog.Logger) *gobreaker.CircuitBreaker[struct{}] {
	maxFailures := cfg.MaxFailures
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "handler:" + name,
		MaxRequests: 1, // allow 1 probe in half-open state
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("handler breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// safeCall runs fn and converts a panic into an error carrying the stack.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}
