package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/domain"
)

// ClockSchedule fires at the top of every minute.
const ClockSchedule = "* * * * *"

// Firer receives the events produced by schedules.
type Firer interface {
	FireEvent(e *domain.Event)
}

// Scheduler is the wall-clock driver of the runtime: it feeds the timer
// engine's tick and fires events on cron expressions or fixed intervals.
type Scheduler struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID
	firer   Firer
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler that fires events into firer.
func NewScheduler(firer Firer, logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		entries: make(map[string]cron.EntryID),
		firer:   firer,
		logger:  logger,
	}
}

// AddTicker calls fn every resolution. Ticks are skipped while the previous
// call is still running, so a slow fn never stacks up.
func (s *Scheduler) AddTicker(name string, resolution time.Duration, fn func()) error {
	if resolution <= 0 {
		return fmt.Errorf("scheduler: tick resolution must be positive for %q", name)
	}
	return s.add(name, &constantDelay{delay: resolution}, func(context.Context) {
		fn()
	})
}

// AddEventSchedule fires a fresh event of kind with data on schedule, a cron
// expression or a duration string. data is validated up front.
func (s *Scheduler) AddEventSchedule(name, schedule string, kind *domain.EventKind, data map[string]any) error {
	if kind.IsRoot() {
		return fmt.Errorf("scheduler: schedule %q needs a concrete event kind", name)
	}
	if err := kind.Validate(data); err != nil {
		return fmt.Errorf("scheduler: schedule %q: %w", name, err)
	}
	sched, err := parseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for %q: %w", schedule, name, err)
	}
	return s.add(name, sched, func(context.Context) {
		e, err := domain.NewEvent(kind, maps.Clone(data))
		if err != nil {
			s.logger.Error("scheduled event construction failed", "schedule", name, "error", err)
			return
		}
		s.firer.FireEvent(e)
	})
}

// AddClock fires kind on schedule with the current unix time in
// "current_time". An empty schedule means ClockSchedule.
func (s *Scheduler) AddClock(name, schedule string, kind *domain.EventKind) error {
	if schedule == "" {
		schedule = ClockSchedule
	}
	sched, err := parseSchedule(schedule)
	if err != nil {
		return err
	}
	return s.add(name, sched, func(context.Context) {
		now := time.Now()
		e, err := domain.NewEvent(kind, map[string]any{
			"current_time": float64(now.UnixNano()) / float64(time.Second),
		})
		if err != nil {
			s.logger.Error("clock event construction failed", "schedule", name, "error", err)
			return
		}
		s.firer.FireEvent(e)
	})
}

func (s *Scheduler) add(name string, schedule cron.Schedule, job func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("scheduler: %q: %w", name, domain.ErrDuplicate)
	}

	logger := s.logger
	s.entries[name] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		// Read context under lock
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		if ctx == nil || ctx.Err() != nil {
			logger.Debug("scheduler stopped, skipping job", "job", name)
			return
		}
		job(ctx)
	}))
	logger.Debug("job added to scheduler", "job", name)
	return nil
}

// Remove unschedules the job called name.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("scheduler: %q: %w", name, domain.ErrNotFound)
	}
	s.cron.Remove(entryID)
	delete(s.entries, name)
	s.logger.Debug("job removed from scheduler", "job", name)
	return nil
}

// Next returns the next run time of the job called name. ok is false when
// the job is unknown or the scheduler has not started.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	entryID, ok := s.entries[name]
	s.mu.Unlock()

	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 || entry.Next.IsZero() {
		return time.Time{}, false
	}
	return entry.Next, true
}

// Names returns the scheduled job names in order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.entries))
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop signals the scheduler to stop and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.started = false
	s.mu.Unlock()

	// Jobs take s.mu, so wait for them without holding it.
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return nil
}

// parseSchedule tries to parse a schedule string as a cron expression first,
// then falls back to time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// ValidateSchedule reports whether schedule parses as a cron expression or duration.
func ValidateSchedule(schedule string) error {
	_, err := parseSchedule(schedule)
	return err
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
