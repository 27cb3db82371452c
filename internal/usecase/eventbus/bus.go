package eventbus

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/domain"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/infra/tracer"
)

var _ domain.EventBus = (*Bus)(nil)

// Bus is an in-process priority event bus. Producers enqueue with FireEvent
// from any goroutine; a single Listen loop drains the queue highest priority
// first and fans each event out to its subscribers.
type Bus struct {
	logger *slog.Logger

	qmu    sync.Mutex
	queue  eventQueue
	seq    uint64
	notify chan struct{}

	mu       sync.RWMutex
	subs     map[domain.Selector][]*domain.Listener
	patterns map[string]*regexp.Regexp

	rmu     sync.Mutex
	results map[string]*resultSlot

	listening atomic.Bool
	// lmu orders loop.Add against Close so Add never races loop.Wait.
	lmu    sync.Mutex
	loop   sync.WaitGroup
	closed atomic.Bool
	done   chan struct{}

	fired      atomic.Uint64
	dispatched atomic.Uint64
	dropped    atomic.Uint64
	failures   atomic.Uint64
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:   logger,
		notify:   make(chan struct{}, 1),
		subs:     make(map[domain.Selector][]*domain.Listener),
		patterns: make(map[string]*regexp.Regexp),
		results:  make(map[string]*resultSlot),
		done:     make(chan struct{}),
	}
}

// FireEvent enqueues e for dispatch. It never blocks. Events nobody listens
// to are accepted and logged as dropped when they reach the front.
func (b *Bus) FireEvent(e *domain.Event) {
	if e == nil || e.Kind() == nil {
		b.logger.Warn("ignoring nil event")
		return
	}
	if b.closed.Load() {
		b.logger.Debug("event fired after bus close", "event", e.KindName())
		return
	}

	b.qmu.Lock()
	b.seq++
	heap.Push(&b.queue, queued{event: e, seq: b.seq})
	b.qmu.Unlock()
	b.fired.Add(1)

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Bus) pop() (*domain.Event, bool) {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	if b.queue.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&b.queue).(queued).event, true
}

// Pending returns the number of queued events.
func (b *Bus) Pending() int {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	return b.queue.Len()
}

// ListenOption configures a Listen call.
type ListenOption func(*listenConfig)

type listenConfig struct {
	idle time.Duration
}

// WithIdleTimeout makes Listen return nil once no event has arrived for d.
func WithIdleTimeout(d time.Duration) ListenOption {
	return func(c *listenConfig) { c.idle = d }
}

// Listen runs the dispatch loop. Events are serviced one at a time; the
// listeners of a single event run concurrently and are all awaited before
// the next event is dequeued. Listen returns ctx.Err() when ctx is done, and
// nil on idle timeout or when the bus is closed. Only one Listen may run.
func (b *Bus) Listen(ctx context.Context, opts ...ListenOption) error {
	var cfg listenConfig
	for _, o := range opts {
		o(&cfg)
	}
	if !b.listening.CompareAndSwap(false, true) {
		return domain.NewDomainError("eventbus.Listen", domain.ErrAlreadyStarted, "dispatch loop is already running")
	}
	defer b.listening.Store(false)

	b.lmu.Lock()
	if b.closed.Load() {
		b.lmu.Unlock()
		return nil
	}
	b.loop.Add(1)
	b.lmu.Unlock()
	defer b.loop.Done()

	var idle *time.Timer
	if cfg.idle > 0 {
		idle = time.NewTimer(cfg.idle)
		defer idle.Stop()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-b.done:
			return nil
		default:
		}
		if e, ok := b.pop(); ok {
			b.dispatch(ctx, e)
			if idle != nil {
				idle.Reset(cfg.idle)
			}
			continue
		}

		var expired <-chan time.Time
		if idle != nil {
			expired = idle.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case <-expired:
			return nil
		case <-b.notify:
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, e *domain.Event) {
	ctx, span := tracer.StartSpan(ctx, "eventbus.dispatch",
		trace.WithAttributes(
			tracer.StringAttr("event.kind", e.KindName()),
			tracer.IntAttr("event.priority", e.Priority),
		),
	)
	defer span.End()

	b.dispatched.Add(1)
	awaited := b.resolve(e)

	listeners := b.match(e.Kind())
	if len(listeners) == 0 {
		if !awaited {
			b.dropped.Add(1)
			b.logger.Debug("event dropped, no subscribers", "event", e.KindName())
		}
		tracer.SetOK(span)
		return
	}

	var wg sync.WaitGroup
	var failed atomic.Int32
	for _, l := range listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !b.invoke(ctx, l, e) {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := failed.Load(); n > 0 {
		tracer.RecordError(span, fmt.Errorf("%d of %d listeners failed", n, len(listeners)))
		return
	}
	tracer.SetOK(span)
}

// invoke runs one listener, containing its errors and panics.
func (b *Bus) invoke(ctx context.Context, l *domain.Listener, e *domain.Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.failures.Add(1)
			b.logger.Error("event listener panicked",
				"listener", l.Name(),
				"event", e.KindName(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			ok = false
		}
	}()
	if err := l.Call(ctx, e); err != nil {
		b.failures.Add(1)
		b.logger.Error("event listener failed",
			"listener", l.Name(),
			"event", e.KindName(),
			"error", err,
		)
		return false
	}
	return true
}

// Subscribe registers l for the kinds sel selects. Subscribing the same
// listener twice under one selector is a no-op.
func (b *Bus) Subscribe(sel domain.Selector, l *domain.Listener) error {
	if sel.IsZero() {
		return domain.NewDomainError("eventbus.Subscribe", domain.ErrInvalidInput, "empty selector")
	}
	if l == nil {
		return domain.NewDomainError("eventbus.Subscribe", domain.ErrInvalidInput, "nil listener")
	}

	var re *regexp.Regexp
	if pattern, ok := sel.Pattern(); ok {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return domain.NewDomainError("eventbus.Subscribe", domain.ErrInvalidInput,
				fmt.Sprintf("pattern %q: %v", pattern, err))
		}
		re = compiled
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if slices.Contains(b.subs[sel], l) {
		return nil
	}
	b.subs[sel] = append(b.subs[sel], l)
	if re != nil {
		if _, ok := b.patterns[re.String()]; !ok {
			b.patterns[re.String()] = re
		}
	}
	return nil
}

// Unsubscribe removes the (sel, l) association. Other selectors l is
// registered under are unaffected.
func (b *Bus) Unsubscribe(sel domain.Selector, l *domain.Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sel]
	i := slices.Index(subs, l)
	if i < 0 {
		return
	}
	subs = slices.Delete(slices.Clone(subs), i, i+1)
	if len(subs) > 0 {
		b.subs[sel] = subs
		return
	}
	delete(b.subs, sel)
	if pattern, ok := sel.Pattern(); ok {
		delete(b.patterns, pattern)
	}
}

// SubscribeFunc registers fn under a fresh listener and returns its
// unsubscribe function.
func (b *Bus) SubscribeFunc(sel domain.Selector, name string, fn domain.EventCallback) (func(), error) {
	l := domain.NewListener(name, fn)
	if err := b.Subscribe(sel, l); err != nil {
		return nil, err
	}
	return func() { b.Unsubscribe(sel, l) }, nil
}

// match returns the deduplicated union of listeners whose selector covers kind.
func (b *Bus) match(kind *domain.EventKind) []*domain.Listener {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*domain.Listener
	for sel, listeners := range b.subs {
		if !b.selects(sel, kind) {
			continue
		}
		for _, l := range listeners {
			if !slices.Contains(out, l) {
				out = append(out, l)
			}
		}
	}
	return out
}

func (b *Bus) selects(sel domain.Selector, kind *domain.EventKind) bool {
	if sel.IsAll() {
		return true
	}
	if name, ok := sel.KindName(); ok {
		return name == kind.Name
	}
	if cat, ok := sel.Category(); ok {
		return kind.HasCategory(cat)
	}
	if pattern, ok := sel.Pattern(); ok {
		re := b.patterns[pattern]
		return re != nil && re.MatchString(kind.Name)
	}
	return false
}

// Subscribers returns the number of distinct listeners an event of kind would reach.
func (b *Bus) Subscribers(kind *domain.EventKind) int {
	return len(b.match(kind))
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Fired            uint64
	Dispatched       uint64
	Dropped          uint64
	ListenerFailures uint64
	Pending          int
	AwaitedKinds     int
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Fired:            b.fired.Load(),
		Dispatched:       b.dispatched.Load(),
		Dropped:          b.dropped.Load(),
		ListenerFailures: b.failures.Load(),
		Pending:          b.Pending(),
		AwaitedKinds:     b.pendingResults(),
	}
}

// Close stops accepting events, ends Listen, and waits for the event being
// dispatched to finish. Events still queued are discarded. Close is
// idempotent and must not be called from a listener.
func (b *Bus) Close() {
	b.lmu.Lock()
	if b.closed.Swap(true) {
		b.lmu.Unlock()
		return
	}
	close(b.done)
	b.lmu.Unlock()
	b.loop.Wait()
}
