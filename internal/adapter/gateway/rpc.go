package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/adapter/journal"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/domain"
)

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

func (s *Server) registerDefaultHandlers() {
	s.RegisterHandler("event.fire", s.eventFireHandler)
	s.RegisterHandler("event.await", s.eventAwaitHandler)
	s.RegisterHandler("kinds.list", s.kindsListHandler)
	s.RegisterHandler("status.get", s.statusGetHandler)
	if s.deps.Timers != nil {
		s.RegisterHandler("timers.list", s.timersListHandler)
	}
	if s.deps.Journal != nil {
		s.RegisterHandler("journal.recent", s.journalRecentHandler)
	}
}

type fireResponse struct {
	EventType string `json:"event_type"`
	Priority  int    `json:"priority"`
	Source    string `json:"propagate_source"`
}

func (s *Server) eventFireHandler(_ context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
	e, err := s.acceptEvent(client, payload)
	if err != nil {
		return nil, err
	}
	s.deps.Bus.FireEvent(e)
	return json.Marshal(fireResponse{EventType: e.KindName(), Priority: e.Priority, Source: e.PropagateSource})
}

type awaitRequest struct {
	// Event is fired after interest in ResponseKind is registered. Without
	// it the call only waits.
	Event        json.RawMessage `json:"event,omitempty"`
	ResponseKind string          `json:"response_kind"`
	TimeoutMS    int             `json:"timeout_ms"`
}

func (s *Server) eventAwaitHandler(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
	var req awaitRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, domain.ErrRPCInvalidPayload
	}
	if req.ResponseKind == "" {
		return nil, domain.NewDomainError("gateway.await", domain.ErrRPCInvalidPayload, "response_kind is required")
	}
	respKind, ok := s.deps.Kinds.Lookup(req.ResponseKind)
	if !ok {
		return nil, domain.NewDomainError("gateway.await", domain.ErrUnknownEventKind, req.ResponseKind)
	}

	timeout := s.cfg.MaxAwait
	if req.TimeoutMS > 0 {
		timeout = min(time.Duration(req.TimeoutMS)*time.Millisecond, s.cfg.MaxAwait)
	}

	var got *domain.Event
	if len(req.Event) > 0 {
		e, err := s.acceptEvent(client, req.Event)
		if err != nil {
			return nil, err
		}
		got, ok = s.deps.Bus.Request(ctx, e, respKind, timeout)
	} else {
		got, ok = s.deps.Bus.ListenForResult(ctx, respKind, timeout)
	}
	if !ok {
		return nil, domain.NewDomainError("gateway.await", domain.ErrNoResult, req.ResponseKind)
	}
	return json.Marshal(got.Metadata())
}

type kindView struct {
	Name       string            `json:"name"`
	Priority   int               `json:"priority"`
	Categories []domain.Category `json:"categories,omitempty"`
	Schema     json.RawMessage   `json:"schema,omitempty"`
}

func (s *Server) kindsListHandler(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
	kinds := s.deps.Kinds.Kinds()
	out := make([]kindView, 0, len(kinds))
	for _, k := range kinds {
		v := kindView{Name: k.Name, Priority: k.Priority, Categories: k.Categories}
		if k.Schema != "" && json.Valid([]byte(k.Schema)) {
			v.Schema = json.RawMessage(k.Schema)
		}
		out = append(out, v)
	}
	return json.Marshal(out)
}

func (s *Server) statusGetHandler(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(s.Status())
}

type timerView struct {
	ID        int    `json:"id"`
	PeriodMS  int64  `json:"period_ms"`
	Kind      string `json:"kind"`
	Recurring bool   `json:"recurring"`
	System    bool   `json:"system"`
	LastFired string `json:"last_fired"`
	NextFire  string `json:"next_fire"`
}

func (s *Server) timersListHandler(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
	infos := s.deps.Timers.List()
	out := make([]timerView, 0, len(infos))
	for _, ti := range infos {
		out = append(out, timerView{
			ID:        ti.ID,
			PeriodMS:  ti.Period.Milliseconds(),
			Kind:      ti.Kind,
			Recurring: ti.Recurring,
			System:    ti.System,
			LastFired: ti.LastFired.Format(time.RFC3339Nano),
			NextFire:  ti.NextFire.Format(time.RFC3339Nano),
		})
	}
	return json.Marshal(out)
}

type journalRequest struct {
	Limit int    `json:"limit"`
	Kind  string `json:"kind"`
}

func (s *Server) journalRecentHandler(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
	var req journalRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultJournalLimit
	}
	limit = min(limit, maxJournalLimit)

	var (
		entries []journal.Entry
		err     error
	)
	if req.Kind != "" {
		entries, err = s.deps.Journal.RecentOfKind(ctx, req.Kind, limit)
	} else {
		entries, err = s.deps.Journal.Recent(ctx, limit)
	}
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return json.Marshal(entries)
}
