package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Agent   AgentStatus   `json:"agent"`
	Bus     BusStatus     `json:"bus"`
	Gateway GatewayStatus `json:"gateway"`
	Tasks   []TaskStatus  `json:"tasks,omitempty"`
	Timers  int           `json:"timers"`
	Kinds   int           `json:"kinds"`
}

// AgentStatus holds agent overview info.
type AgentStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// BusStatus mirrors the event bus counters.
type BusStatus struct {
	Fired            uint64 `json:"fired"`
	Dispatched       uint64 `json:"dispatched"`
	Dropped          uint64 `json:"dropped"`
	ListenerFailures uint64 `json:"listener_failures"`
	Pending          int    `json:"pending"`
	AwaitedKinds     int    `json:"awaited_kinds"`
}

// GatewayStatus holds connection and relay counters.
type GatewayStatus struct {
	Clients   int    `json:"clients"`
	Forwarded uint64 `json:"forwarded"`
	Inbound   uint64 `json:"inbound"`
	Dropped   uint64 `json:"dropped"`
}

// TaskStatus is one supervised task.
type TaskStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

func (s *Server) uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

// Status collects the current status snapshot.
func (s *Server) Status() StatusResponse {
	st := s.deps.Bus.Stats()
	resp := StatusResponse{
		Agent: AgentStatus{
			Name:          s.cfg.AgentName,
			Version:       s.cfg.Version,
			UptimeSeconds: int64(s.uptime().Seconds()),
		},
		Bus: BusStatus{
			Fired:            st.Fired,
			Dispatched:       st.Dispatched,
			Dropped:          st.Dropped,
			ListenerFailures: st.ListenerFailures,
			Pending:          st.Pending,
			AwaitedKinds:     st.AwaitedKinds,
		},
		Gateway: GatewayStatus{
			Clients:   len(s.Clients()),
			Forwarded: s.forwarded.Load(),
			Inbound:   s.inbound.Load(),
			Dropped:   s.dropped.Load(),
		},
		Kinds: len(s.deps.Kinds.Kinds()),
	}
	if s.deps.Timers != nil {
		resp.Timers = len(s.deps.Timers.List())
	}
	if s.deps.Tasks != nil {
		for _, r := range s.deps.Tasks.Tasks() {
			ts := TaskStatus{Name: r.Name, State: string(r.State)}
			if r.Err != nil {
				ts.Error = r.Err.Error()
			}
			resp.Tasks = append(resp.Tasks, ts)
		}
	}
	return resp
}

func (s *Server) requireToken(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.deps.Auth.Authenticate(tokenFromRequest(r)); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	})
}

// statusHandler serves GET /api/v1/status.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		s.logger.Warn("encode status failed", "error", err)
	}
}

// metricsHandler serves GET /metrics in the Prometheus text format.
func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	st := s.Status()
	metric := func(name, typ, help string, value any) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
		fmt.Fprintf(w, "%s %v\n", name, value)
	}

	metric("msa_events_fired_total", "counter", "Events accepted by the bus.", st.Bus.Fired)
	metric("msa_events_dispatched_total", "counter", "Events handed to listeners.", st.Bus.Dispatched)
	metric("msa_events_dropped_total", "counter", "Events dispatched with no listener or waiter.", st.Bus.Dropped)
	metric("msa_listener_failures_total", "counter", "Listener calls that failed or panicked.", st.Bus.ListenerFailures)
	metric("msa_events_pending", "gauge", "Events waiting in the queue.", st.Bus.Pending)
	metric("msa_timers_active", "gauge", "Active timers.", st.Timers)
	metric("msa_gateway_clients", "gauge", "Connected gateway clients.", st.Gateway.Clients)
	metric("msa_gateway_forwarded_total", "counter", "Event frames sent to clients.", st.Gateway.Forwarded)
	metric("msa_gateway_inbound_total", "counter", "Events accepted from clients.", st.Gateway.Inbound)
	metric("msa_gateway_dropped_total", "counter", "Frames dropped by rate limits or slow clients.", st.Gateway.Dropped)
	metric("msa_uptime_seconds", "gauge", "Seconds since the gateway started.", st.Agent.UptimeSeconds)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	metric("go_goroutines", "gauge", "Number of goroutines.", runtime.NumGoroutine())
	metric("go_memstats_alloc_bytes", "gauge", "Bytes of allocated heap objects.", mem.Alloc)
	metric("go_memstats_sys_bytes", "gauge", "Total bytes of memory obtained from the OS.", mem.Sys)
}
