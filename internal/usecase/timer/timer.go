package timer

import (
	"fmt"
	"maps"
	"time"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/domain"
)

// timer is one scheduled firing. Recurring timers return to the schedule
// after each firing; one-shot timers are released.
type timer struct {
	id        int
	period    time.Duration
	kind      *domain.EventKind
	data      map[string]any
	recurring bool
	system    bool
	lastFired time.Time
}

func newTimer(id int, period time.Duration, kind *domain.EventKind, data map[string]any, recurring, system bool, now time.Time) (*timer, error) {
	if kind.IsRoot() {
		return nil, domain.NewDomainError("timer.New", domain.ErrInvalidTimer, "timers need a concrete event kind")
	}
	if period <= 0 {
		return nil, domain.NewDomainError("timer.New", domain.ErrInvalidTimer,
			fmt.Sprintf("period must be positive, got %s", period))
	}
	if err := kind.Validate(data); err != nil {
		return nil, err
	}
	return &timer{
		id:        id,
		period:    period,
		kind:      kind,
		data:      maps.Clone(data),
		recurring: recurring,
		system:    system,
		lastFired: now,
	}, nil
}

func (t *timer) isReady(now time.Time) bool {
	return now.Sub(t.lastFired) >= t.period
}

// event builds a fresh event for one firing.
func (t *timer) event() (*domain.Event, error) {
	return domain.NewEvent(t.kind, maps.Clone(t.data))
}

// Info describes a scheduled timer.
type Info struct {
	ID        int
	Period    time.Duration
	Kind      string
	Recurring bool
	System    bool
	LastFired time.Time
	NextFire  time.Time
}

func (t *timer) info() Info {
	return Info{
		ID:        t.id,
		Period:    t.period,
		Kind:      t.kind.Name,
		Recurring: t.recurring,
		System:    t.system,
		LastFired: t.lastFired,
		NextFire:  t.lastFired.Add(t.period),
	}
}
