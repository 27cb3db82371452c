package eventbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/domain"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(bus.Close)
	return bus
}

func mustEvent(t *testing.T, kind *domain.EventKind, data map[string]any) *domain.Event {
	t.Helper()
	ev, err := domain.NewEvent(kind, data)
	require.NoError(t, err)
	return ev
}

// drain runs one bounded Listen pass over everything queued so far.
func drain(t *testing.T, bus *Bus) {
	t.Helper()
	require.NoError(t, bus.Listen(context.Background(), WithIdleTimeout(50*time.Millisecond)))
}

// runListen starts the dispatch loop in the background until the test ends.
func runListen(t *testing.T, bus *Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Listen(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestPriorityOrdering(t *testing.T) {
	bus := newTestBus(t)
	kind := domain.NewKind("Ordered", 0, "")

	var mu sync.Mutex
	var order []int
	_, err := bus.SubscribeFunc(domain.AllKinds(), "recorder", func(_ context.Context, e *domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, e.Data["n"].(int))
		return nil
	})
	require.NoError(t, err)

	priorities := []int{10, 50, 30, 50, 1, 30}
	for i, p := range priorities {
		e := mustEvent(t, kind, map[string]any{"n": i})
		e.Priority = p
		bus.FireEvent(e)
	}
	drain(t, bus)

	// Highest priority first; equal priorities keep fire order.
	assert.Equal(t, []int{1, 3, 2, 5, 0, 4}, order)
	assert.Equal(t, uint64(len(priorities)), bus.Stats().Dispatched)
}

func TestHigherPriorityDispatchedFirst(t *testing.T) {
	bus := newTestBus(t)
	x := domain.NewKind("EventX", 10, "")
	y := domain.NewKind("EventY", 50, "")

	var mu sync.Mutex
	var seen []string
	record := func(_ context.Context, e *domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.KindName())
		return nil
	}
	_, err := bus.SubscribeFunc(domain.ForKind(x), "x", record)
	require.NoError(t, err)
	_, err = bus.SubscribeFunc(domain.ForKind(y), "y", record)
	require.NoError(t, err)

	bus.FireEvent(mustEvent(t, x, nil))
	bus.FireEvent(mustEvent(t, y, nil))
	drain(t, bus)

	assert.Equal(t, []string{"EventY", "EventX"}, seen)
}

func TestPatternAndExactDeduplicated(t *testing.T) {
	bus := newTestBus(t)
	kind := domain.NewKind("FooError", 1, "", domain.CategoryError)

	var shared, exact, pattern atomic.Int32
	l := domain.NewListener("shared", func(context.Context, *domain.Event) error {
		shared.Add(1)
		return nil
	})
	require.NoError(t, bus.Subscribe(domain.ForKind(kind), l))
	require.NoError(t, bus.Subscribe(domain.MatchingName("Error$"), l))
	require.NoError(t, bus.Subscribe(domain.InCategory(domain.CategoryError), l))
	require.NoError(t, bus.Subscribe(domain.ForKind(kind), l)) // no-op

	_, err := bus.SubscribeFunc(domain.ForKind(kind), "exact", func(context.Context, *domain.Event) error {
		exact.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = bus.SubscribeFunc(domain.MatchingName(".*Error$"), "pattern", func(context.Context, *domain.Event) error {
		pattern.Add(1)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 3, bus.Subscribers(kind))

	bus.FireEvent(mustEvent(t, kind, nil))
	drain(t, bus)

	assert.Equal(t, int32(1), shared.Load())
	assert.Equal(t, int32(1), exact.Load())
	assert.Equal(t, int32(1), pattern.Load())
}

func TestPatternSubscription(t *testing.T) {
	bus := newTestBus(t)
	fooError := domain.NewKind("FooError", 1, "")
	fooValue := domain.NewKind("FooValue", 1, "")

	var got atomic.Int32
	_, err := bus.SubscribeFunc(domain.MatchingName(".*Error$"), "H", func(context.Context, *domain.Event) error {
		got.Add(1)
		return nil
	})
	require.NoError(t, err)

	bus.FireEvent(mustEvent(t, fooError, nil))
	drain(t, bus)
	assert.Equal(t, int32(1), got.Load())

	bus.FireEvent(mustEvent(t, fooValue, nil))
	drain(t, bus)
	assert.Equal(t, int32(1), got.Load())
}

func TestCategorySubscription(t *testing.T) {
	bus := newTestBus(t)
	net := domain.NewKind("NetPing", 1, "", domain.CategoryNetwork)
	local := domain.NewKind("LocalPing", 1, "")

	var got []string
	var mu sync.Mutex
	_, err := bus.SubscribeFunc(domain.InCategory(domain.CategoryNetwork), "net", func(_ context.Context, e *domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.KindName())
		return nil
	})
	require.NoError(t, err)

	bus.FireEvent(mustEvent(t, net, nil))
	bus.FireEvent(mustEvent(t, local, nil))
	drain(t, bus)

	assert.Equal(t, []string{"NetPing"}, got)
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus(t)
	kind := domain.NewKind("K", 1, "")

	var got atomic.Int32
	l := domain.NewListener("cb", func(context.Context, *domain.Event) error {
		got.Add(1)
		return nil
	})
	require.NoError(t, bus.Subscribe(domain.ForKind(kind), l))

	bus.FireEvent(mustEvent(t, kind, nil))
	drain(t, bus)
	require.Equal(t, int32(1), got.Load())

	bus.Unsubscribe(domain.ForKind(kind), l)
	bus.Unsubscribe(domain.ForKind(kind), l) // second call is harmless

	bus.FireEvent(mustEvent(t, kind, nil))
	drain(t, bus)
	assert.Equal(t, int32(1), got.Load())
	assert.Equal(t, uint64(1), bus.Stats().Dropped)
}

func TestUnsubscribeKeepsOtherSelectors(t *testing.T) {
	bus := newTestBus(t)
	kind := domain.NewKind("FooError", 1, "")

	var got atomic.Int32
	l := domain.NewListener("cb", func(context.Context, *domain.Event) error {
		got.Add(1)
		return nil
	})
	require.NoError(t, bus.Subscribe(domain.ForKind(kind), l))
	require.NoError(t, bus.Subscribe(domain.MatchingName("Error$"), l))

	bus.Unsubscribe(domain.ForKind(kind), l)
	bus.FireEvent(mustEvent(t, kind, nil))
	drain(t, bus)
	assert.Equal(t, int32(1), got.Load())
}

func TestSubscribeFuncUnsubscribe(t *testing.T) {
	bus := newTestBus(t)
	kind := domain.NewKind("K", 1, "")

	var got atomic.Int32
	unsub, err := bus.SubscribeFunc(domain.ForKind(kind), "cb", func(context.Context, *domain.Event) error {
		got.Add(1)
		return nil
	})
	require.NoError(t, err)
	unsub()

	bus.FireEvent(mustEvent(t, kind, nil))
	drain(t, bus)
	assert.Zero(t, got.Load())
}

func TestSubscribeInvalid(t *testing.T) {
	bus := newTestBus(t)
	noop := func(context.Context, *domain.Event) error { return nil }

	_, err := bus.SubscribeFunc(domain.MatchingName("(unclosed"), "bad", noop)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = bus.SubscribeFunc(domain.Selector{}, "empty", noop)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.ErrorIs(t, bus.Subscribe(domain.AllKinds(), nil), domain.ErrInvalidInput)
}

func TestListenerFailuresAreContained(t *testing.T) {
	bus := newTestBus(t)
	kind := domain.NewKind("K", 1, "")

	var got atomic.Int32
	_, err := bus.SubscribeFunc(domain.ForKind(kind), "panics", func(context.Context, *domain.Event) error {
		panic("boom")
	})
	require.NoError(t, err)
	_, err = bus.SubscribeFunc(domain.ForKind(kind), "fails", func(context.Context, *domain.Event) error {
		return errors.New("nope")
	})
	require.NoError(t, err)
	_, err = bus.SubscribeFunc(domain.ForKind(kind), "works", func(context.Context, *domain.Event) error {
		got.Add(1)
		return nil
	})
	require.NoError(t, err)

	bus.FireEvent(mustEvent(t, kind, nil))
	bus.FireEvent(mustEvent(t, kind, nil))
	drain(t, bus)

	assert.Equal(t, int32(2), got.Load())
	assert.Equal(t, uint64(4), bus.Stats().ListenerFailures)
}

func TestSiblingListenersRunConcurrently(t *testing.T) {
	bus := newTestBus(t)
	kind := domain.NewKind("K", 1, "")

	// Each listener waits for the other; sequential dispatch would time out.
	var barrier sync.WaitGroup
	barrier.Add(2)
	var met atomic.Int32
	meet := func(context.Context, *domain.Event) error {
		barrier.Done()
		done := make(chan struct{})
		go func() {
			barrier.Wait()
			close(done)
		}()
		select {
		case <-done:
			met.Add(1)
		case <-time.After(time.Second):
		}
		return nil
	}
	_, err := bus.SubscribeFunc(domain.ForKind(kind), "a", meet)
	require.NoError(t, err)
	_, err = bus.SubscribeFunc(domain.ForKind(kind), "b", meet)
	require.NoError(t, err)

	bus.FireEvent(mustEvent(t, kind, nil))
	drain(t, bus)
	assert.Equal(t, int32(2), met.Load())
}

func TestDroppedEventIsAccepted(t *testing.T) {
	bus := newTestBus(t)
	kind := domain.NewKind("Nobody", 1, "")

	bus.FireEvent(mustEvent(t, kind, nil))
	assert.Equal(t, 1, bus.Pending())
	drain(t, bus)

	stats := bus.Stats()
	assert.Equal(t, uint64(1), stats.Fired)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Zero(t, stats.Pending)
}

func TestListenForResult_OneShot(t *testing.T) {
	bus := newTestBus(t)
	kind := domain.NewKind("Result", 1, `{"type":"object","properties":{"n":{"type":"integer"}}}`)

	// Dispatched before anyone waits: not a result.
	bus.FireEvent(mustEvent(t, kind, map[string]any{"n": 1}))
	drain(t, bus)

	w1 := bus.Expect(kind)
	w2 := bus.Expect(kind)
	bus.FireEvent(mustEvent(t, kind, map[string]any{"n": 2}))
	bus.FireEvent(mustEvent(t, kind, map[string]any{"n": 3}))
	drain(t, bus)

	got1, ok := w1.Wait(context.Background(), time.Second)
	require.True(t, ok)
	got2, ok := w2.Wait(context.Background(), time.Second)
	require.True(t, ok)

	assert.Same(t, got1, got2)
	assert.Equal(t, 2, got1.Data["n"])
	assert.Zero(t, bus.Stats().AwaitedKinds)
}

func TestListenForResult_ConcurrentWaiters(t *testing.T) {
	bus := newTestBus(t)
	kind := domain.NewKind("Result", 1, "")
	runListen(t, bus)

	const waiters = 5
	results := make(chan *domain.Event, waiters)
	var ready sync.WaitGroup
	for range waiters {
		ready.Add(1)
		go func() {
			w := bus.Expect(kind)
			ready.Done()
			e, _ := w.Wait(context.Background(), 2*time.Second)
			results <- e
		}()
	}
	ready.Wait()

	want := mustEvent(t, kind, nil)
	bus.FireEvent(want)

	for range waiters {
		assert.Same(t, want, <-results)
	}
}

func TestListenForResult_Timeout(t *testing.T) {
	bus := newTestBus(t)
	kind := domain.NewKind("Never", 1, "")

	start := time.Now()
	e, ok := bus.ListenForResult(context.Background(), kind, 30*time.Millisecond)
	assert.False(t, ok)
	assert.Nil(t, e)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// The abandoned registration is cleaned up.
	assert.Zero(t, bus.Stats().AwaitedKinds)
}

func TestListenForResult_ContextCancel(t *testing.T) {
	bus := newTestBus(t)
	kind := domain.NewKind("Never", 1, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := bus.ListenForResult(ctx, kind, 0)
	assert.False(t, ok)
}

func TestRequestResponse(t *testing.T) {
	bus := newTestBus(t)
	schema := `{"type":"object","properties":{"field":{"type":"string"}},"required":["field"]}`
	reqKind := domain.NewKind("RequestEvent", 10, schema)
	respKind := domain.NewKind("ResponseEvent", 10, schema)

	_, err := bus.SubscribeFunc(domain.ForKind(reqKind), "responder", func(_ context.Context, e *domain.Event) error {
		if e.Data["field"] != "ping" {
			return nil
		}
		resp, err := domain.NewEvent(respKind, map[string]any{"field": "pong"})
		if err != nil {
			return err
		}
		bus.FireEvent(resp)
		return nil
	})
	require.NoError(t, err)
	runListen(t, bus)

	resp, ok := bus.Request(context.Background(),
		mustEvent(t, reqKind, map[string]any{"field": "ping"}), respKind, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "pong", resp.Data["field"])
}

func TestListenReturnsOnCancel(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- bus.Listen(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestListenSingleFlight(t *testing.T) {
	bus := newTestBus(t)
	runListen(t, bus)

	require.Eventually(t, bus.listening.Load, time.Second, 5*time.Millisecond)
	err := bus.Listen(context.Background(), WithIdleTimeout(10*time.Millisecond))
	assert.ErrorIs(t, err, domain.ErrAlreadyStarted)
}

func TestCloseEndsListenAndRejectsNew(t *testing.T) {
	bus := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	kind := domain.NewKind("K", 1, "")

	var got atomic.Int32
	_, err := bus.SubscribeFunc(domain.ForKind(kind), "slow", func(context.Context, *domain.Event) error {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
		return nil
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- bus.Listen(context.Background()) }()

	bus.FireEvent(mustEvent(t, kind, nil))
	require.Eventually(t, func() bool { return bus.Stats().Dispatched == 1 }, time.Second, time.Millisecond)
	bus.Close()
	bus.Close()

	assert.Equal(t, int32(1), got.Load())
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after Close")
	}

	bus.FireEvent(mustEvent(t, kind, nil))
	assert.Zero(t, bus.Pending())
}

func TestCloseDuringDispatch(t *testing.T) {
	bus := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	kind := domain.NewKind("K", 1, "")

	var inFlight, ranAfterClose atomic.Int32
	var closed atomic.Bool
	for i := range 4 {
		_, err := bus.SubscribeFunc(domain.ForKind(kind), fmt.Sprintf("l%d", i), func(context.Context, *domain.Event) error {
			inFlight.Add(1)
			defer inFlight.Add(-1)
			time.Sleep(time.Millisecond)
			if closed.Load() {
				ranAfterClose.Add(1)
			}
			return nil
		})
		require.NoError(t, err)
	}
	for range 50 {
		bus.FireEvent(mustEvent(t, kind, nil))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- bus.Listen(context.Background()) }()
	require.Eventually(t, func() bool { return bus.Stats().Dispatched > 0 }, time.Second, 10*time.Microsecond)

	bus.Close()
	closed.Store(true)
	assert.Zero(t, inFlight.Load(), "Close returned with listeners still running")
	assert.Zero(t, ranAfterClose.Load())

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after Close")
	}
	assert.Less(t, bus.Stats().Dispatched, uint64(50))
}

func TestListenAfterCloseReturns(t *testing.T) {
	bus := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	bus.Close()
	assert.NoError(t, bus.Listen(context.Background()))
}

func TestConcurrentFire(t *testing.T) {
	bus := newTestBus(t)
	kind := domain.NewKind("K", 1, "")

	var got atomic.Int32
	_, err := bus.SubscribeFunc(domain.ForKind(kind), "count", func(context.Context, *domain.Event) error {
		got.Add(1)
		return nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, _ := domain.NewEvent(kind, nil)
			bus.FireEvent(e)
		}()
	}
	wg.Wait()
	drain(t, bus)

	assert.Equal(t, int32(100), got.Load())
}

func TestFireNilEventIgnored(t *testing.T) {
	bus := newTestBus(t)
	bus.FireEvent(nil)
	assert.Zero(t, bus.Pending())
}
