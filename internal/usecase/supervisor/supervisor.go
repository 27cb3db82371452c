package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/domain"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/usecase/eventbus"
)

var _ domain.Runtime = (*Supervisor)(nil)

type shutdownCallback struct {
	name string
	fn   func()
}

// Supervisor owns the lifecycle of the handlers and of the process: it runs
// init hooks, drives the dispatch loop and pull handlers, and tears
// everything down on Stop.
type Supervisor struct {
	bus    *eventbus.Bus
	kinds  *domain.KindRegistry
	logger *slog.Logger
	opts   options

	mu        sync.Mutex
	timers    domain.TimerService
	handlers  map[string]*registeredHandler
	order     []string
	callbacks []shutdownCallback
	tasks     []*task
	started   bool
	closing   bool
	runCancel context.CancelFunc

	pullWG sync.WaitGroup
	taskWG sync.WaitGroup

	workers    *semaphore.Weighted
	execClosed atomic.Bool

	stopRequested atomic.Bool
	stopOnce      sync.Once
	stopped       chan struct{}
}

// New creates a supervisor around bus. Kinds of registered modules are added
// to kinds.
func New(bus *eventbus.Bus, kinds *domain.KindRegistry, opts ...Option) *Supervisor {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &Supervisor{
		bus:      bus,
		kinds:    kinds,
		logger:   o.logger,
		opts:     o,
		handlers: make(map[string]*registeredHandler),
		workers:  semaphore.NewWeighted(int64(o.workers)),
		stopped:  make(chan struct{}),
	}
}

// SetTimers attaches the timer engine handed to handlers. Call it before
// registering handlers that schedule timers.
func (s *Supervisor) SetTimers(t domain.TimerService) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers = t
}

// Kinds returns the kind registry.
func (s *Supervisor) Kinds() *domain.KindRegistry { return s.kinds }

// Start runs every Init hook to completion, then runs the dispatch loop,
// one wrapper loop per pull handler, and the extra tasks. It blocks until
// shutdown completes and returns the errors of failed tasks. Cancelling ctx
// requests a graceful Stop.
func (s *Supervisor) Start(ctx context.Context, extra ...Task) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return domain.NewDomainError("supervisor.Start", domain.ErrAlreadyStarted, "")
	}
	if s.stopRequested.Load() {
		s.mu.Unlock()
		return domain.NewDomainError("supervisor.Start", domain.ErrStopped, "")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.runCancel = cancel
	s.mu.Unlock()
	defer cancel()

	unwatch := context.AfterFunc(ctx, s.Stop)
	defer unwatch()

	handlers := s.snapshotHandlers()
	s.logger.Info("supervisor starting", "handlers", len(handlers), "tasks", len(extra))
	s.runInits(runCtx, handlers)

	s.launch(runCtx, "eventbus", false, s.busLoop)
	for _, rh := range handlers {
		if p, ok := rh.handler.(domain.Puller); ok {
			s.launch(runCtx, rh.name, true, s.pullLoop(rh, p))
		}
	}
	for _, t := range extra {
		s.launch(runCtx, t.Name, false, t.Run)
	}

	<-s.stopped
	return s.taskErrors()
}

func (s *Supervisor) busLoop(ctx context.Context) error {
	err := s.bus.Listen(ctx)
	if ctx.Err() != nil {
		return err
	}
	if err != nil {
		s.logger.Error("dispatch loop failed, shutting down", "error", err)
	} else {
		s.logger.Warn("dispatch loop ended, shutting down")
	}
	s.Stop()
	return err
}

// launch starts fn as a supervised task unless shutdown already began.
func (s *Supervisor) launch(ctx context.Context, name string, pull bool, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		s.logger.Debug("shutdown in progress, not starting task", "task", name)
		return
	}

	t := &task{name: name, pull: pull, state: TaskRunning}
	s.tasks = append(s.tasks, t)
	s.taskWG.Add(1)
	if pull {
		s.pullWG.Add(1)
	}

	go func() {
		defer s.taskWG.Done()
		if pull {
			defer s.pullWG.Done()
		}
		err := safeCall(func() error { return fn(ctx) })
		t.finish(ctx, err)
		if r := t.report(); r.State == TaskFailed {
			s.logger.Error("task failed", "task", name, "error", err)
		}
	}()
}

// FireEvent enqueues e on the bus. It never blocks and is safe from any goroutine.
func (s *Supervisor) FireEvent(e *domain.Event) { s.bus.FireEvent(e) }

// ListenForResult waits for the next dispatched event of kind.
func (s *Supervisor) ListenForResult(ctx context.Context, kind *domain.EventKind, timeout time.Duration) (*domain.Event, bool) {
	return s.bus.ListenForResult(ctx, kind, timeout)
}

// Request fires req and waits for the next dispatched event of respKind.
func (s *Supervisor) Request(ctx context.Context, req *domain.Event, respKind *domain.EventKind, timeout time.Duration) (*domain.Event, bool) {
	return s.bus.Request(ctx, req, respKind, timeout)
}

// ShouldStop reports whether shutdown has been requested.
func (s *Supervisor) ShouldStop() bool { return s.stopRequested.Load() }

// Done is closed once shutdown has completed.
func (s *Supervisor) Done() <-chan struct{} { return s.stopped }

// RunBlocking runs fn with bounded concurrency. It fails with ErrStopped
// once shutdown has begun.
func (s *Supervisor) RunBlocking(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.execClosed.Load() {
		return domain.NewDomainError("supervisor.RunBlocking", domain.ErrStopped, "")
	}
	if err := s.workers.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.workers.Release(1)
	if s.execClosed.Load() {
		return domain.NewDomainError("supervisor.RunBlocking", domain.ErrStopped, "")
	}
	return safeCall(func() error { return fn(ctx) })
}

// AddShutdownCallback registers fn to run once during shutdown. A callback
// added after shutdown began runs immediately.
func (s *Supervisor) AddShutdownCallback(name string, fn func()) {
	s.mu.Lock()
	if !s.closing {
		s.callbacks = append(s.callbacks, shutdownCallback{name: name, fn: fn})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.runCallback(shutdownCallback{name: name, fn: fn})
}

// Stop requests shutdown. Only the first call has an effect; it returns
// immediately while shutdown proceeds in the background.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.stopRequested.Store(true)
		go s.exit()
	})
}

// Wait blocks until shutdown has completed or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) exit() {
	defer close(s.stopped)
	s.logger.Info("shutdown requested")

	s.mu.Lock()
	s.closing = true
	cancel := s.runCancel
	callbacks := slices.Clone(s.callbacks)
	s.mu.Unlock()

	s.execClosed.Store(true)
	for _, cb := range callbacks {
		s.runCallback(cb)
	}

	if !waitTimeout(&s.pullWG, s.opts.gracePeriod) {
		s.logger.Warn("grace period elapsed, cancelling handlers", "grace", s.opts.gracePeriod)
	}
	if cancel != nil {
		cancel()
	}
	if !waitTimeout(&s.taskWG, s.opts.forceTimeout) {
		for _, t := range s.snapshotTasks() {
			if t.abandon() {
				s.logger.Error("task ignored cancellation, abandoning", "task", t.name)
			}
		}
	}
	s.logger.Info("shutdown complete")
}

func (s *Supervisor) runCallback(cb shutdownCallback) {
	if err := safeCall(func() error { cb.fn(); return nil }); err != nil {
		s.logger.Error("shutdown callback failed", "callback", cb.name, "error", err)
		return
	}
	s.logger.Debug("shutdown callback done", "callback", cb.name)
}

func (s *Supervisor) snapshotTasks() []*task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tasks)
}

// Tasks reports the state of every supervised task in start order.
func (s *Supervisor) Tasks() []TaskReport {
	tasks := s.snapshotTasks()
	out := make([]TaskReport, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.report())
	}
	return out
}

// Task reports the state of the task called name.
func (s *Supervisor) Task(name string) (TaskReport, bool) {
	for _, t := range s.snapshotTasks() {
		if t.name == name {
			return t.report(), true
		}
	}
	return TaskReport{}, false
}

func (s *Supervisor) taskErrors() error {
	var errs []error
	for _, r := range s.Tasks() {
		if r.State == TaskFailed && r.Err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", r.Name, r.Err))
		}
	}
	return errors.Join(errs...)
}

// waitTimeout waits for wg up to d and reports whether it finished.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
