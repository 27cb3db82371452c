// Package lifecycle provides the built-in system events and the handler that
// reacts to them: the wall-clock TimeEvent, a protected heartbeat, the
// one-shot StartupEvent, and the QuitEvent that shuts the runtime down.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/domain"
)

// HandlerName is the registration name of the lifecycle handler.
const HandlerName = "lifecycle"

// DefaultHeartbeatInterval is used when the handler config sets none.
const DefaultHeartbeatInterval = 30 * time.Second

// DefaultStartupDelay is how long after Init the StartupEvent fires.
const DefaultStartupDelay = time.Second

var (
	KindTime = domain.NewKind("TimeEvent", 100, `{
		"type": "object",
		"properties": {"current_time": {"type": "number"}},
		"required": ["current_time"]
	}`, domain.CategorySystem)

	KindHeartbeat = domain.NewKind("HeartbeatEvent", 10, `{
		"type": "object",
		"properties": {"interval_ms": {"type": "integer", "minimum": 1}},
		"required": ["interval_ms"]
	}`, domain.CategorySystem)

	KindQuit = domain.NewKind("QuitEvent", 1000, `{
		"type": "object",
		"properties": {"reason": {"type": "string"}}
	}`, domain.CategorySystem)

	// KindStartup fires once after the dispatch loop is up. Handlers
	// subscribe to it to run work on process start.
	KindStartup = domain.NewKind("StartupEvent", 0, `{
		"type": "object",
		"properties": {"timestamp": {"type": "string", "minLength": 1}},
		"required": ["timestamp"]
	}`, domain.CategorySystem)
)

// Module is the registration table of the lifecycle module.
func Module() domain.Module {
	return domain.Module{
		Name:  "lifecycle",
		Kinds: []*domain.EventKind{KindTime, KindHeartbeat, KindQuit, KindStartup},
		Handlers: []domain.HandlerRegistration{
			{Name: HandlerName, Factory: New},
		},
	}
}

// Handler stops the runtime on QuitEvent, keeps a protected heartbeat
// timer alive, and announces startup.
type Handler struct {
	runtime      domain.Runtime
	timers       domain.TimerService
	logger       *slog.Logger
	interval     time.Duration
	startupDelay time.Duration

	timerID  atomic.Int64
	beats    atomic.Uint64
	lastBeat atomic.Int64
}

// New builds the lifecycle handler. Config keys "heartbeat_interval" and
// "startup_delay" take a duration string or milliseconds. A zero or negative
// heartbeat interval disables the heartbeat; a negative startup delay
// disables the StartupEvent.
func New(deps domain.HandlerDeps) (domain.Handler, error) {
	interval, err := durationFrom(deps.Config, "heartbeat_interval", DefaultHeartbeatInterval)
	if err != nil {
		return nil, err
	}
	startupDelay, err := durationFrom(deps.Config, "startup_delay", DefaultStartupDelay)
	if err != nil {
		return nil, err
	}
	h := &Handler{
		runtime:      deps.Runtime,
		timers:       deps.Timers,
		logger:       deps.Logger,
		interval:     interval,
		startupDelay: startupDelay,
	}

	if _, err := deps.Bus.SubscribeFunc(domain.ForKind(KindQuit), HandlerName+".quit", h.onQuit); err != nil {
		return nil, err
	}
	if _, err := deps.Bus.SubscribeFunc(domain.ForKind(KindHeartbeat), HandlerName+".heartbeat", h.onHeartbeat); err != nil {
		return nil, err
	}
	return h, nil
}

// Init schedules the StartupEvent and installs the heartbeat as a system
// timer.
func (h *Handler) Init(context.Context) error {
	if err := h.scheduleStartup(); err != nil {
		return err
	}
	if h.timers == nil || h.interval <= 0 {
		h.logger.Debug("heartbeat disabled")
		return nil
	}
	id, err := h.timers.AddSystemTimer(h.interval, KindHeartbeat, map[string]any{
		"interval_ms": h.interval.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("install heartbeat: %w", err)
	}
	h.timerID.Store(int64(id))
	h.runtime.AddShutdownCallback("heartbeat-timer", func() {
		if err := h.timers.RemoveTimer(id, false); err != nil {
			h.logger.Debug("heartbeat timer already gone", "error", err)
		}
	})
	h.logger.Info("heartbeat installed", "timer", id, "interval", h.interval)
	return nil
}

// scheduleStartup fires the StartupEvent once through a one-shot timer.
// Without a timer service, or with a zero delay, it is fired right away.
// The timestamp is the moment the event is due.
func (h *Handler) scheduleStartup() error {
	if h.startupDelay < 0 {
		return nil
	}
	due := time.Now().Add(h.startupDelay)
	data := map[string]any{"timestamp": due.Format(time.RFC3339Nano)}

	if h.timers == nil || h.startupDelay == 0 {
		e, err := domain.NewEvent(KindStartup, data)
		if err != nil {
			return fmt.Errorf("startup event: %w", err)
		}
		h.runtime.FireEvent(e)
		return nil
	}
	if _, err := h.timers.Delay(h.startupDelay, KindStartup, data); err != nil {
		return fmt.Errorf("schedule startup event: %w", err)
	}
	h.logger.Debug("startup event scheduled", "delay", h.startupDelay)
	return nil
}

func (h *Handler) onQuit(_ context.Context, e *domain.Event) error {
	if !e.Propagate {
		return nil
	}
	reason, _ := e.Data["reason"].(string)
	h.logger.Info("quit requested", "reason", reason, "source", e.PropagateSource)
	h.runtime.Stop()
	return nil
}

func (h *Handler) onHeartbeat(_ context.Context, e *domain.Event) error {
	if !e.Propagate {
		return nil
	}
	n := h.beats.Add(1)
	h.lastBeat.Store(e.GenerationTime.UnixNano())
	h.logger.Debug("heartbeat", "count", n)
	return nil
}

// Beats returns how many heartbeats were observed.
func (h *Handler) Beats() uint64 { return h.beats.Load() }

// LastBeat returns the generation time of the last observed heartbeat.
func (h *Handler) LastBeat() (time.Time, bool) {
	ns := h.lastBeat.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// HeartbeatTimer returns the id of the heartbeat timer, if installed.
func (h *Handler) HeartbeatTimer() (int, bool) {
	id := h.timerID.Load()
	return int(id), id != 0
}

// NewQuit builds a QuitEvent.
func NewQuit(reason string) (*domain.Event, error) {
	data := map[string]any{}
	if reason != "" {
		data["reason"] = reason
	}
	return domain.NewEvent(KindQuit, data)
}

func durationFrom(cfg map[string]any, key string, def time.Duration) (time.Duration, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case time.Duration:
		return x, nil
	case string:
		d, err := time.ParseDuration(x)
		if err != nil {
			return 0, fmt.Errorf("lifecycle: %s: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(x) * time.Millisecond, nil
	case int64:
		return time.Duration(x) * time.Millisecond, nil
	case float64:
		return time.Duration(x * float64(time.Millisecond)), nil
	}
	return 0, fmt.Errorf("lifecycle: %s: unsupported value %v (%T)", key, v, v)
}
