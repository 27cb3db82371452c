package domain

import (
	"context"
	"time"
)

// Selector picks the kinds a listener is subscribed to. Selectors are
// comparable so they can key the bus registries.
type Selector struct {
	kind     string
	category Category
	pattern  string
	all      bool
}

// ForKind selects exactly one kind.
func ForKind(k *EventKind) Selector { return Selector{kind: k.Name} }

// InCategory selects every kind tagged with c.
func InCategory(c Category) Selector { return Selector{category: c} }

// MatchingName selects every kind whose name matches the regular expression
// pattern (unanchored, Go RE2 syntax).
func MatchingName(pattern string) Selector { return Selector{pattern: pattern} }

// AllKinds selects every kind.
func AllKinds() Selector { return Selector{all: true} }

// KindName returns the exact kind name, if this is a kind selector.
func (s Selector) KindName() (string, bool) { return s.kind, s.kind != "" }

// Category returns the category, if this is a category selector.
func (s Selector) Category() (Category, bool) { return s.category, s.category != "" }

// Pattern returns the name pattern, if this is a pattern selector.
func (s Selector) Pattern() (string, bool) { return s.pattern, s.pattern != "" }

// IsAll reports whether s selects every kind.
func (s Selector) IsAll() bool { return s.all }

// IsZero reports whether s selects nothing.
func (s Selector) IsZero() bool { return s == Selector{} }

func (s Selector) String() string {
	switch {
	case s.all:
		return "*"
	case s.kind != "":
		return "kind:" + s.kind
	case s.category != "":
		return "category:" + string(s.category)
	case s.pattern != "":
		return "pattern:" + s.pattern
	}
	return "<none>"
}

// EventCallback is invoked by the bus for each matching event. A returned
// error is logged by the bus and never stops dispatch.
type EventCallback func(ctx context.Context, e *Event) error

// Listener is a registered callback. Its pointer is its identity: the same
// listener subscribed under several selectors receives each event once.
type Listener struct {
	name string
	fn   EventCallback
}

// NewListener wraps fn as a listener; name appears in logs.
func NewListener(name string, fn EventCallback) *Listener {
	return &Listener{name: name, fn: fn}
}

// Name returns the listener's log name.
func (l *Listener) Name() string { return l.name }

// Call invokes the callback.
func (l *Listener) Call(ctx context.Context, e *Event) error { return l.fn(ctx, e) }

// EventBus is the publish/subscribe surface handlers and transports use.
type EventBus interface {
	// FireEvent enqueues e without blocking.
	FireEvent(e *Event)
	// Subscribe registers l for the kinds sel selects.
	Subscribe(sel Selector, l *Listener) error
	// Unsubscribe removes exactly the (sel, l) association.
	Unsubscribe(sel Selector, l *Listener)
	// SubscribeFunc subscribes fn under a fresh listener and returns its unsubscribe function.
	SubscribeFunc(sel Selector, name string, fn EventCallback) (func(), error)
	// ListenForResult waits for the next dispatched event of kind. ok is false on timeout.
	ListenForResult(ctx context.Context, kind *EventKind, timeout time.Duration) (*Event, bool)
	// Request registers interest in respKind, fires req, and waits for the response.
	Request(ctx context.Context, req *Event, respKind *EventKind, timeout time.Duration) (*Event, bool)
}
