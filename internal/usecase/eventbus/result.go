package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/domain"
)

// resultSlot is the one-shot rendezvous shared by every caller waiting on
// the next event of a kind.
type resultSlot struct {
	done    chan struct{}
	event   *domain.Event
	waiters int
}

// ResultWaiter is a registered interest in the next dispatched event of one
// kind. Register before firing the request so the response can not slip past.
type ResultWaiter struct {
	bus     *Bus
	kind    string
	slot    *resultSlot
	release sync.Once
}

// Expect registers interest in the next dispatched event of kind.
func (b *Bus) Expect(kind *domain.EventKind) *ResultWaiter {
	b.rmu.Lock()
	defer b.rmu.Unlock()
	slot, ok := b.results[kind.Name]
	if !ok {
		slot = &resultSlot{done: make(chan struct{})}
		b.results[kind.Name] = slot
	}
	slot.waiters++
	return &ResultWaiter{bus: b, kind: kind.Name, slot: slot}
}

// Wait blocks until the event arrives, timeout elapses, or ctx is done.
// A zero timeout waits on ctx alone. ok is false when no event arrived.
func (w *ResultWaiter) Wait(ctx context.Context, timeout time.Duration) (*domain.Event, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-w.slot.done:
		return w.slot.event, true
	case <-expired:
	case <-ctx.Done():
	case <-w.bus.done:
	}
	w.Cancel()

	// The slot may have resolved while we were giving up.
	select {
	case <-w.slot.done:
		return w.slot.event, true
	default:
		return nil, false
	}
}

// Cancel withdraws the registration. The slot is dropped once nobody waits on it.
func (w *ResultWaiter) Cancel() {
	w.release.Do(func() {
		b := w.bus
		b.rmu.Lock()
		defer b.rmu.Unlock()
		w.slot.waiters--
		if w.slot.waiters <= 0 && b.results[w.kind] == w.slot {
			delete(b.results, w.kind)
		}
	})
}

// ListenForResult waits for the next dispatched event of kind. ok is false
// when the timeout elapsed first.
func (b *Bus) ListenForResult(ctx context.Context, kind *domain.EventKind, timeout time.Duration) (*domain.Event, bool) {
	return b.Expect(kind).Wait(ctx, timeout)
}

// Request registers interest in respKind, fires req, and waits for the response.
func (b *Bus) Request(ctx context.Context, req *domain.Event, respKind *domain.EventKind, timeout time.Duration) (*domain.Event, bool) {
	w := b.Expect(respKind)
	b.FireEvent(req)
	return w.Wait(ctx, timeout)
}

// resolve hands e to every caller waiting on its kind and reports whether
// anyone was waiting.
func (b *Bus) resolve(e *domain.Event) bool {
	b.rmu.Lock()
	slot, ok := b.results[e.KindName()]
	if ok {
		delete(b.results, e.KindName())
	}
	b.rmu.Unlock()
	if !ok {
		return false
	}
	slot.event = e
	close(slot.done)
	return true
}

func (b *Bus) pendingResults() int {
	b.rmu.Lock()
	defer b.rmu.Unlock()
	return len(b.results)
}
