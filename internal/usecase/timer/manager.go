package timer

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/domain"
)

var _ domain.TimerService = (*Manager)(nil)

// Firer receives the events produced by due timers.
type Firer interface {
	FireEvent(e *domain.Event)
}

// Option configures a Manager.
type Option func(*Manager)

// WithPoolSize bounds the number of live timers.
func WithPoolSize(n int) Option {
	return func(m *Manager) { m.pool = NewIDPool(n) }
}

// WithClock replaces the wall clock; used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager keeps the scheduled timers. It does not run on its own: an external
// tick source calls CheckTimers at a fixed resolution.
type Manager struct {
	mu     sync.Mutex
	timers map[int]*timer
	pool   *IDPool
	firer  Firer
	now    func() time.Time
	logger *slog.Logger
}

// NewManager creates a timer manager that fires due events into firer.
func NewManager(firer Firer, opts ...Option) *Manager {
	m := &Manager{
		timers: make(map[int]*timer),
		pool:   NewIDPool(DefaultPoolSize),
		firer:  firer,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Delay schedules a one-shot firing of kind after period.
func (m *Manager) Delay(period time.Duration, kind *domain.EventKind, data map[string]any) (int, error) {
	return m.add(period, kind, data, false, false)
}

// AddTimer schedules a recurring, removable firing of kind every period.
func (m *Manager) AddTimer(period time.Duration, kind *domain.EventKind, data map[string]any) (int, error) {
	return m.add(period, kind, data, true, false)
}

// AddSystemTimer schedules a recurring, protected firing of kind every period.
func (m *Manager) AddSystemTimer(period time.Duration, kind *domain.EventKind, data map[string]any) (int, error) {
	return m.add(period, kind, data, true, true)
}

func (m *Manager) add(period time.Duration, kind *domain.EventKind, data map[string]any, recurring, system bool) (int, error) {
	id, err := m.pool.Acquire()
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := newTimer(id, period, kind, data, recurring, system, m.now())
	if err != nil {
		m.pool.Release(id)
		return 0, err
	}
	m.timers[id] = t
	m.logger.Debug("timer scheduled",
		"id", id,
		"event", kind.Name,
		"period", period,
		"recurring", recurring,
		"system", system,
	)
	return id, nil
}

// RemoveTimer unschedules the timer with id. Unknown ids fail with
// ErrTimerNotFound. A system timer can only be removed with protected set
// to false; otherwise the call fails with ErrTimerProtected.
func (m *Manager) RemoveTimer(id int, protected bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok {
		return domain.NewDomainError("timer.RemoveTimer", domain.ErrTimerNotFound, fmt.Sprintf("id %d", id))
	}
	if protected && t.system {
		return domain.NewDomainError("timer.RemoveTimer", domain.ErrTimerProtected, fmt.Sprintf("id %d", id))
	}
	delete(m.timers, id)
	m.pool.Release(id)
	m.logger.Debug("timer removed", "id", id, "event", t.kind.Name)
	return nil
}

// CheckTimers fires every due timer and returns how many fired. A fired
// timer's next window starts at the time of this check, so a late tick
// never causes catch-up bursts.
func (m *Manager) CheckTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	snapshot := m.timers
	m.timers = make(map[int]*timer, len(snapshot))

	fired := 0
	for id, t := range snapshot {
		if !t.isReady(now) {
			m.timers[id] = t
			continue
		}

		e, err := t.event()
		if err != nil {
			m.logger.Error("timer event construction failed", "id", id, "event", t.kind.Name, "error", err)
		} else {
			m.firer.FireEvent(e)
			fired++
		}
		t.lastFired = now

		if t.recurring {
			m.timers[id] = t
			continue
		}
		m.pool.Release(id)
	}
	return fired
}

// GetTimers returns the ids of every scheduled timer in ascending order.
func (m *Manager) GetTimers() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.timers))
}

// Info describes the timer with id.
func (m *Manager) Info(id int) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok {
		return Info{}, false
	}
	return t.info(), true
}

// List describes every scheduled timer ordered by id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.timers))
	for _, id := range slices.Sorted(maps.Keys(m.timers)) {
		out = append(out, m.timers[id].info())
	}
	return out
}

// Clear unschedules every timer, system timers included, and releases their ids.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.timers {
		m.pool.Release(id)
	}
	clear(m.timers)
}
