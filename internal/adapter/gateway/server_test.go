package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/adapter/journal"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/domain"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/usecase/eventbus"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/usecase/timer"
)

var (
	kindPing = domain.NewKind("PingEvent", 50, `{
		"type": "object",
		"properties": {"n": {"type": "integer"}},
		"required": ["n"]
	}`, domain.CategoryNetwork)
	kindPong = domain.NewKind("PongEvent", 50, "", domain.CategoryNetwork)
)

// --- test doubles ---

type fakeTimers struct{ infos []timer.Info }

func (f *fakeTimers) List() []timer.Info { return f.infos }

type fakeJournal struct {
	mu       sync.Mutex
	entries  []journal.Entry
	lastN    int
	lastKind string
}

func (f *fakeJournal) Recent(_ context.Context, n int) ([]journal.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastN = n
	return f.entries, nil
}

func (f *fakeJournal) RecentOfKind(_ context.Context, kind string, n int) ([]journal.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastN, f.lastKind = n, kind
	return nil, nil
}

type testEnv struct {
	bus     *eventbus.Bus
	kinds   *domain.KindRegistry
	srv     *Server
	journal *fakeJournal
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTestServer(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	bus := eventbus.New(newTestLogger())
	kinds, err := domain.NewKindRegistry(kindPing, kindPong)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go bus.Listen(ctx)

	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	env := &testEnv{bus: bus, kinds: kinds, journal: &fakeJournal{}}
	env.srv = NewServer(cfg, Deps{
		Bus:   bus,
		Kinds: kinds,
		Auth: NewStaticTokenAuth([]TokenEntry{
			{Token: "test-token", Name: "tester"},
			{Token: "other-token", Name: "other"},
		}),
		Timers: &fakeTimers{infos: []timer.Info{
			{ID: 7, Period: 2 * time.Second, Kind: "PingEvent", Recurring: true},
		}},
		Journal: env.journal,
		Logger:  newTestLogger(),
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = env.srv.Run(ctx)
	}()

	select {
	case <-env.srv.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("server did not start in time")
	}

	t.Cleanup(func() {
		cancel()
		<-done
		bus.Close()
	})
	return env
}

// dialWS connects and consumes the hello frame, returning the client id.
func dialWS(t *testing.T, addr, token string) (*websocket.Conn, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })

	var frame Frame
	require.NoError(t, wsjson.Read(ctx, ws, &frame))
	require.Equal(t, FrameTypeHello, frame.Type)
	var hello Hello
	require.NoError(t, json.Unmarshal(frame.Payload, &hello))
	require.NotEmpty(t, hello.ClientID)
	return ws, hello.ClientID
}

func call(t *testing.T, ws *websocket.Conn, id uint64, method string, payload any) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req := Frame{Type: FrameTypeRequest, ID: id, Method: method}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		req.Payload = raw
	}
	require.NoError(t, wsjson.Write(ctx, ws, req))

	for {
		var resp Frame
		require.NoError(t, wsjson.Read(ctx, ws, &resp))
		if resp.Type == FrameTypeResponse && resp.ID == id {
			return resp
		}
	}
}

func capture(t *testing.T, bus *eventbus.Bus, kind *domain.EventKind) <-chan *domain.Event {
	t.Helper()
	ch := make(chan *domain.Event, 8)
	unsub, err := bus.SubscribeFunc(domain.ForKind(kind), "capture", func(_ context.Context, e *domain.Event) error {
		ch <- e
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(unsub)
	return ch
}

func recv(t *testing.T, ch <-chan *domain.Event) *domain.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("event not dispatched")
		return nil
	}
}

func pingRecord(n int) domain.Metadata {
	return domain.Metadata{EventType: "PingEvent", EventData: map[string]any{"n": n}}
}

// --- tests ---

func TestServerLifecycle(t *testing.T) {
	env := startTestServer(t, Config{})
	assert.NotEmpty(t, env.srv.BoundAddr())
	assert.Contains(t, env.srv.Methods(), "event.fire")
	assert.Contains(t, env.srv.Methods(), "journal.recent")
}

func TestServerAuthReject(t *testing.T) {
	env := startTestServer(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := websocket.Dial(ctx, "ws://"+env.srv.BoundAddr()+"/ws?token=bad-token", nil)
	assert.Error(t, err)
}

func TestServerBearerHeaderAuth(t *testing.T) {
	env := startTestServer(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws://"+env.srv.BoundAddr()+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer test-token"}},
	})
	require.NoError(t, err)
	ws.Close(websocket.StatusNormalClosure, "")
}

func TestServerUnknownMethod(t *testing.T) {
	env := startTestServer(t, Config{})
	ws, _ := dialWS(t, env.srv.BoundAddr(), "test-token")

	resp := call(t, ws, 2, "nonexistent", nil)
	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, string(domain.CodeRPCMethodNotFound), resp.Code)
}

func TestServerCustomHandler(t *testing.T) {
	env := startTestServer(t, Config{})
	env.srv.RegisterHandler("echo", func(_ context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		assert.Equal(t, "tester", client.Name)
		return payload, nil
	})
	ws, _ := dialWS(t, env.srv.BoundAddr(), "test-token")

	resp := call(t, ws, 1, "echo", map[string]string{"msg": "hello"})
	assert.Empty(t, resp.Error)
	assert.JSONEq(t, `{"msg":"hello"}`, string(resp.Payload))
}

func TestEventFireStampsSource(t *testing.T) {
	env := startTestServer(t, Config{})
	got := capture(t, env.bus, kindPing)
	ws, clientID := dialWS(t, env.srv.BoundAddr(), "test-token")

	record := pingRecord(3)
	record.NetworkPropagate = true
	resp := call(t, ws, 1, "event.fire", record)
	require.Empty(t, resp.Error)

	e := recv(t, got)
	assert.Equal(t, clientID, e.PropagateSource)
	assert.False(t, e.NetworkPropagate)
	assert.Equal(t, float64(3), e.Data["n"])
	assert.Equal(t, domain.DefaultPriority, e.Priority)
}

func TestEventFireRejectsBadRecords(t *testing.T) {
	env := startTestServer(t, Config{})
	ws, _ := dialWS(t, env.srv.BoundAddr(), "test-token")

	resp := call(t, ws, 1, "event.fire", domain.Metadata{EventType: "PingEvent", EventData: map[string]any{"n": "x"}})
	assert.Equal(t, string(domain.CodeSchemaValidation), resp.Code)

	resp = call(t, ws, 2, "event.fire", domain.Metadata{EventType: "NoSuchEvent"})
	assert.Equal(t, string(domain.CodeUnknownEventKind), resp.Code)

	resp = call(t, ws, 3, "event.fire", nil)
	assert.Equal(t, string(domain.CodeRPCInvalidPayload), resp.Code)
}

func TestInboundEventFrame(t *testing.T) {
	env := startTestServer(t, Config{})
	got := capture(t, env.bus, kindPing)
	ws, clientID := dialWS(t, env.srv.BoundAddr(), "test-token")

	payload, err := json.Marshal(pingRecord(9))
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(context.Background(), ws, Frame{Type: FrameTypeEvent, Payload: payload}))

	e := recv(t, got)
	assert.Equal(t, clientID, e.PropagateSource)
	assert.Equal(t, float64(9), e.Data["n"])
	assert.Equal(t, uint64(1), env.srv.Status().Gateway.Inbound)
}

func TestForwardingHonorsTargetAndSource(t *testing.T) {
	env := startTestServer(t, Config{})
	wsA, idA := dialWS(t, env.srv.BoundAddr(), "test-token")
	wsB, idB := dialWS(t, env.srv.BoundAddr(), "other-token")
	require.Eventually(t, func() bool { return len(env.srv.Clients()) == 2 }, time.Second, 5*time.Millisecond)

	// Broadcast from A: only B sees it.
	e, err := domain.NewEvent(kindPing, map[string]any{"n": 1})
	require.NoError(t, err)
	env.bus.FireEvent(e.WithNetworkPropagate().WithSource(idA))

	// Targeted at B by id.
	e2, err := domain.NewEvent(kindPing, map[string]any{"n": 2})
	require.NoError(t, err)
	env.bus.FireEvent(e2.WithNetworkPropagate().WithTarget(idB))

	// Targeted at A by token name.
	e3, err := domain.NewEvent(kindPing, map[string]any{"n": 3})
	require.NoError(t, err)
	env.bus.FireEvent(e3.WithNetworkPropagate().WithTarget("tester"))

	// Local only: nobody sees it.
	local, err := domain.NewEvent(kindPing, map[string]any{"n": 4})
	require.NoError(t, err)
	env.bus.FireEvent(local)

	readEvents := func(ws *websocket.Conn, want int) []float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		var ns []float64
		for len(ns) < want {
			var f Frame
			require.NoError(t, wsjson.Read(ctx, ws, &f))
			require.Equal(t, FrameTypeEvent, f.Type)
			var md domain.Metadata
			require.NoError(t, json.Unmarshal(f.Payload, &md))
			assert.Equal(t, "PingEvent", md.EventType)
			assert.True(t, md.NetworkPropagate)
			ns = append(ns, md.EventData["n"].(float64))
		}
		return ns
	}

	assert.ElementsMatch(t, []float64{1, 2}, readEvents(wsB, 2))
	assert.ElementsMatch(t, []float64{3}, readEvents(wsA, 1))

	// Nothing else is queued for A.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var extra Frame
	assert.Error(t, wsjson.Read(ctx, wsA, &extra))
}

func TestEventAwaitRequest(t *testing.T) {
	env := startTestServer(t, Config{})
	unsub, err := env.bus.SubscribeFunc(domain.ForKind(kindPing), "responder", func(_ context.Context, e *domain.Event) error {
		pong, err := domain.NewEvent(kindPong, map[string]any{"echo": e.Data["n"]})
		if err != nil {
			return err
		}
		env.bus.FireEvent(pong)
		return nil
	})
	require.NoError(t, err)
	defer unsub()

	ws, _ := dialWS(t, env.srv.BoundAddr(), "test-token")
	record, err := json.Marshal(pingRecord(5))
	require.NoError(t, err)

	resp := call(t, ws, 1, "event.await", awaitRequest{Event: record, ResponseKind: "PongEvent", TimeoutMS: 2000})
	require.Empty(t, resp.Error)

	var md domain.Metadata
	require.NoError(t, json.Unmarshal(resp.Payload, &md))
	assert.Equal(t, "PongEvent", md.EventType)
	assert.Equal(t, float64(5), md.EventData["echo"])
}

func TestEventAwaitTimeout(t *testing.T) {
	env := startTestServer(t, Config{})
	ws, _ := dialWS(t, env.srv.BoundAddr(), "test-token")

	resp := call(t, ws, 1, "event.await", awaitRequest{ResponseKind: "PongEvent", TimeoutMS: 20})
	assert.Equal(t, string(domain.CodeNoResult), resp.Code)

	resp = call(t, ws, 2, "event.await", awaitRequest{ResponseKind: "Nope", TimeoutMS: 20})
	assert.Equal(t, string(domain.CodeUnknownEventKind), resp.Code)

	resp = call(t, ws, 3, "event.await", awaitRequest{TimeoutMS: 20})
	assert.Equal(t, string(domain.CodeRPCInvalidPayload), resp.Code)
}

func TestKindsAndTimersList(t *testing.T) {
	env := startTestServer(t, Config{})
	ws, _ := dialWS(t, env.srv.BoundAddr(), "test-token")

	resp := call(t, ws, 1, "kinds.list", nil)
	require.Empty(t, resp.Error)
	var kinds []kindView
	require.NoError(t, json.Unmarshal(resp.Payload, &kinds))
	require.Len(t, kinds, 2)
	assert.Equal(t, "PingEvent", kinds[0].Name)
	assert.NotEmpty(t, kinds[0].Schema)
	assert.Equal(t, []domain.Category{domain.CategoryNetwork}, kinds[1].Categories)

	resp = call(t, ws, 2, "timers.list", nil)
	require.Empty(t, resp.Error)
	var timers []timerView
	require.NoError(t, json.Unmarshal(resp.Payload, &timers))
	require.Len(t, timers, 1)
	assert.Equal(t, 7, timers[0].ID)
	assert.Equal(t, int64(2000), timers[0].PeriodMS)
	assert.True(t, timers[0].Recurring)
}

func TestJournalRecent(t *testing.T) {
	env := startTestServer(t, Config{})
	env.journal.entries = []journal.Entry{{ID: "01J", Kind: "PingEvent"}}
	ws, _ := dialWS(t, env.srv.BoundAddr(), "test-token")

	resp := call(t, ws, 1, "journal.recent", nil)
	require.Empty(t, resp.Error)
	var entries []journal.Entry
	require.NoError(t, json.Unmarshal(resp.Payload, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, defaultJournalLimit, env.journal.lastN)

	resp = call(t, ws, 2, "journal.recent", journalRequest{Limit: 10000, Kind: "PongEvent"})
	require.Empty(t, resp.Error)
	assert.JSONEq(t, `[]`, string(resp.Payload))
	assert.Equal(t, maxJournalLimit, env.journal.lastN)
	assert.Equal(t, "PongEvent", env.journal.lastKind)
}

func TestPerClientRateLimit(t *testing.T) {
	env := startTestServer(t, Config{RequestsPerMin: 1, Burst: 1})
	ws, _ := dialWS(t, env.srv.BoundAddr(), "test-token")

	resp := call(t, ws, 1, "kinds.list", nil)
	assert.Empty(t, resp.Error)

	resp = call(t, ws, 2, "kinds.list", nil)
	assert.Equal(t, string(domain.CodeRateLimit), resp.Code)
	assert.Positive(t, env.srv.Status().Gateway.Dropped)
}

func TestStatusEndpoint(t *testing.T) {
	env := startTestServer(t, Config{AgentName: "msa", Version: "test"})
	base := "http://" + env.srv.BoundAddr()

	resp, err := http.Get(base + "/api/v1/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(base + "/api/v1/status?token=test-token")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var st StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "msa", st.Agent.Name)
	assert.Equal(t, 2, st.Kinds)
	assert.Equal(t, 1, st.Timers)
}

func TestMetricsEndpoint(t *testing.T) {
	env := startTestServer(t, Config{})

	req, err := http.NewRequest(http.MethodGet, "http://"+env.srv.BoundAddr()+"/metrics", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer test-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "msa_events_fired_total"))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}

func TestStopClosesClients(t *testing.T) {
	env := startTestServer(t, Config{})
	ws, _ := dialWS(t, env.srv.BoundAddr(), "test-token")
	require.Eventually(t, func() bool { return len(env.srv.Clients()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, env.srv.Stop(context.Background()))
	assert.Empty(t, env.srv.Clients())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var f Frame
	assert.Error(t, wsjson.Read(ctx, ws, &f))
	assert.NoError(t, env.srv.Stop(context.Background()))
}

func TestSlowClientDoesNotBlockDispatch(t *testing.T) {
	env := startTestServer(t, Config{SendBuffer: 2})
	_, _ = dialWS(t, env.srv.BoundAddr(), "test-token")
	require.Eventually(t, func() bool { return len(env.srv.Clients()) == 1 }, time.Second, 5*time.Millisecond)

	for i := range 200 {
		e, err := domain.NewEvent(kindPing, map[string]any{"n": i})
		require.NoError(t, err)
		env.bus.FireEvent(e.WithNetworkPropagate())
	}
	require.Eventually(t, func() bool { return env.bus.Stats().Dispatched >= 200 }, 3*time.Second, 5*time.Millisecond)
}
