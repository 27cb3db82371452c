// Package gateway exposes the runtime to remote peers over WebSocket. It
// forwards network-propagated events to connected clients, accepts events
// from them, and serves a small RPC surface plus status endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/adapter/journal"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/domain"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/infra/tracer"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/usecase/eventbus"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/usecase/supervisor"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/usecase/timer"
)

// ForwardListenerName is the bus listener that relays events to clients.
const ForwardListenerName = "gateway.forward"

// RPCHandler handles a single RPC method call.
type RPCHandler func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error)

// Bus is the part of the event bus the gateway talks to.
type Bus interface {
	domain.EventBus
	Stats() eventbus.Stats
}

// TimerLister lists active timers.
type TimerLister interface {
	List() []timer.Info
}

// JournalReader reads recent journal entries.
type JournalReader interface {
	Recent(ctx context.Context, n int) ([]journal.Entry, error)
	RecentOfKind(ctx context.Context, kind string, n int) ([]journal.Entry, error)
}

// TaskReporter reports supervised task states.
type TaskReporter interface {
	Tasks() []supervisor.TaskReport
}

// Deps are the collaborators of the gateway. Timers, Journal and Tasks may
// be nil; the RPC methods and status fields backed by them are then absent.
type Deps struct {
	Bus     Bus
	Kinds   *domain.KindRegistry
	Auth    Authenticator
	Timers  TimerLister
	Journal JournalReader
	Tasks   TaskReporter
	Logger  *slog.Logger
}

// Config tunes the gateway.
type Config struct {
	Addr string
	// RequestsPerMin and Burst bound inbound frames per connection.
	RequestsPerMin int
	Burst          int
	// ConnectsPerMin bounds upgrade and REST calls per client IP.
	ConnectsPerMin int
	SendBuffer     int
	// MaxAwait caps the timeout of event.await.
	MaxAwait       time.Duration
	AllowedOrigins []string
	TrustedProxies []string
	AgentName      string
	Version        string
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.MaxAwait <= 0 {
		c.MaxAwait = 30 * time.Second
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		}
	}
	if c.AgentName == "" {
		c.AgentName = "moe-serifu-agent"
	}
	return c
}

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	info      *ClientInfo
	ws        *websocket.Conn
	limiter   *rate.Limiter
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// Server is the WebSocket gateway.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	clients    sync.Map // client id -> *clientConn
	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler
	ipLimit    *ipLimiter

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	unsub     func()
	ready     chan struct{}
	readyOnce sync.Once
	started   time.Time

	forwarded atomic.Uint64
	inbound   atomic.Uint64
	dropped   atomic.Uint64
}

// NewServer creates a gateway with the built-in RPC methods registered.
func NewServer(cfg Config, deps Deps) *Server {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		handlers: make(map[string]RPCHandler),
		ipLimit:  newIPLimiter(cfg.ConnectsPerMin, max(cfg.Burst, 1), cfg.TrustedProxies),
		ready:    make(chan struct{}),
	}
	s.registerDefaultHandlers()
	return s
}

// RegisterHandler adds an RPC handler for method. Safe to call concurrently
// with active connections.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// Methods returns the registered RPC method names, sorted.
func (s *Server) Methods() []string {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Run listens, relays events and serves connections until ctx is done or
// Stop is called. It fits as a supervised task.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.ipLimit.middleware(http.HandlerFunc(s.handleUpgrade)))
	mux.Handle("/api/v1/status", s.ipLimit.middleware(s.requireToken(s.statusHandler)))
	mux.Handle("/metrics", s.ipLimit.middleware(s.requireToken(s.metricsHandler)))

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	unsub, err := s.deps.Bus.SubscribeFunc(domain.AllKinds(), ForwardListenerName, s.forward)
	if err != nil {
		listener.Close()
		return fmt.Errorf("gateway subscribe: %w", err)
	}

	srv := &http.Server{Handler: securityHeaders(mux), ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.unsub = unsub
	s.started = time.Now()
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go s.ipLimit.sweep(sweepCtx, time.Minute)

	stop := context.AfterFunc(ctx, func() {
		if err := s.Stop(context.Background()); err != nil {
			s.logger.Warn("gateway stop failed", "error", err)
		}
	})
	defer stop()

	s.logger.Info("gateway started", "addr", listener.Addr().String())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes every client, drops the bus subscription and shuts the HTTP
// server down. Calling it more than once is harmless.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// BoundAddr returns the address the server listens on, or "" before Run.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Clients returns the ids of connected clients, sorted.
func (s *Server) Clients() []string {
	var out []string
	s.clients.Range(func(key, _ any) bool {
		out = append(out, key.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// forward relays network-propagated events to the clients they target,
// never back to the client they came from.
func (s *Server) forward(_ context.Context, e *domain.Event) error {
	if !e.Propagate || !e.NetworkPropagate {
		return nil
	}
	payload, err := json.Marshal(e.Metadata())
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.KindName(), err)
	}
	frame := Frame{Type: FrameTypeEvent, Payload: payload}

	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		if !targets(e, cc.info) {
			return true
		}
		if s.send(cc, frame) {
			s.forwarded.Add(1)
		} else {
			s.logger.Warn("gateway: dropped event for slow client", "client", cc.info.ID, "event", e.KindName())
		}
		return true
	})
	return nil
}

func targets(e *domain.Event, info *ClientInfo) bool {
	if e.PropagateSource != "" && e.PropagateSource == info.ID {
		return false
	}
	switch e.PropagateTarget {
	case "", domain.PropagateAll:
		return true
	case info.ID, info.Name:
		return true
	}
	return false
}

func (s *Server) send(cc *clientConn, f Frame) bool {
	select {
	case <-cc.done:
		return false
	default:
	}
	select {
	case cc.sendCh <- f:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Auth.Authenticate(tokenFromRequest(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	info.ID = newClientID()
	cc := &clientConn{
		info:    info,
		ws:      ws,
		limiter: newLimiter(s.cfg.RequestsPerMin, s.cfg.Burst),
		sendCh:  make(chan Frame, s.cfg.SendBuffer),
		done:    make(chan struct{}),
	}
	s.clients.Store(info.ID, cc)
	s.logger.Info("gateway client connected", "client", info.ID, "name", info.Name)

	hello, _ := json.Marshal(Hello{ClientID: info.ID, Name: info.Name})
	s.send(cc, Frame{Type: FrameTypeHello, Payload: hello})

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.close()
	s.clients.Delete(info.ID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "client", info.ID)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}

		if !cc.limiter.Allow() {
			s.dropped.Add(1)
			if frame.Type == FrameTypeRequest {
				s.sendResponse(cc, frame.ID, nil, domain.NewDomainError("gateway", domain.ErrRateLimit, frame.Method))
			} else {
				s.logger.Warn("gateway: rate limited frame dropped", "client", cc.info.ID, "type", frame.Type)
			}
			continue
		}

		switch frame.Type {
		case FrameTypeRequest:
			go s.dispatchRPC(ctx, cc, frame)
		case FrameTypeEvent:
			e, err := s.acceptEvent(cc.info, frame.Payload)
			if err != nil {
				s.logger.Warn("gateway: rejected inbound event", "client", cc.info.ID, "error", err)
				continue
			}
			s.deps.Bus.FireEvent(e)
		default:
			s.logger.Debug("gateway: ignoring frame", "client", cc.info.ID, "type", frame.Type)
		}
	}
}

// acceptEvent rebuilds a client's event record. The event is stamped with
// the client as its source and loses its network flag so it is not echoed
// back out.
func (s *Server) acceptEvent(client *ClientInfo, payload json.RawMessage) (*domain.Event, error) {
	if len(payload) == 0 {
		return nil, domain.NewDomainError("gateway.event", domain.ErrRPCInvalidPayload, "empty event record")
	}
	var md domain.Metadata
	if err := json.Unmarshal(payload, &md); err != nil {
		return nil, domain.NewDomainError("gateway.event", domain.ErrRPCInvalidPayload, err.Error())
	}
	e, err := s.deps.Kinds.FromMetadata(md)
	if err != nil {
		return nil, err
	}
	e.PropagateSource = client.ID
	e.NetworkPropagate = false
	s.inbound.Add(1)
	return e, nil
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				cc.close()
				return
			}
		}
	}
}

func (s *Server) dispatchRPC(ctx context.Context, cc *clientConn, req Frame) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()
	if !ok {
		s.sendResponse(cc, req.ID, nil, domain.NewDomainError("gateway.rpc", domain.ErrRPCMethodNotFound, req.Method))
		return
	}

	ctx, span := tracer.StartSpan(ctx, "gateway.rpc")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("rpc.method", req.Method),
		tracer.StringAttr("gateway.client", cc.info.ID),
	)

	result, err := handler(ctx, cc.info, req.Payload)
	if err != nil {
		tracer.RecordError(span, err)
	} else {
		tracer.SetOK(span)
	}
	s.sendResponse(cc, req.ID, result, err)
}

func (s *Server) sendResponse(cc *clientConn, id uint64, result json.RawMessage, err error) {
	resp := Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		Payload: result,
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = string(domain.ErrorCodeOf(err))
	}
	if !s.send(cc, resp) {
		s.logger.Warn("gateway: dropped RPC response for slow client", "client", cc.info.ID, "frame_id", id)
	}
}

func newClientID() string {
	return ulid.MustNew(ulid.Now(), ulid.DefaultEntropy()).String()
}
