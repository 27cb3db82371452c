package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"
)

// Category tags an event kind as a member of a family of kinds. Subscribing
// to a category receives every kind that lists it.
type Category string

const (
	CategorySystem  Category = "system"
	CategoryError   Category = "error"
	CategoryNetwork Category = "network"
)

const (
	// PropagateAll is the PropagateTarget value addressing every remote client.
	PropagateAll = "all"

	// DefaultPriority is assumed for wire records that omit a priority.
	DefaultPriority = 100

	// MetadataTimeLayout formats GenerationTime in wire records.
	MetadataTimeLayout = "2006-01-02 15:04:05.000000"
)

// anyObjectSchema is used for kinds that declare no contract.
const anyObjectSchema = `{"type":"object"}`

// EventKind describes one concrete event type: its name, default priority,
// the JSON Schema its data must satisfy, and the categories it belongs to.
type EventKind struct {
	Name       string
	Priority   int
	Schema     string
	Categories []Category

	abstract bool

	once       sync.Once
	compiled   *jsonschema.Schema
	compileErr error
}

// RootKind is the abstract base of every kind. Events of the root kind may be
// constructed but can not be scheduled on timers or registered for decoding.
var RootKind = &EventKind{Name: "Event", Priority: DefaultPriority, abstract: true}

// NewKind declares a concrete event kind. An empty schema accepts any object.
func NewKind(name string, priority int, schema string, categories ...Category) *EventKind {
	return &EventKind{
		Name:       name,
		Priority:   priority,
		Schema:     schema,
		Categories: categories,
	}
}

// IsRoot reports whether k is the abstract root kind.
func (k *EventKind) IsRoot() bool { return k == nil || k.abstract }

// HasCategory reports whether k is tagged with c.
func (k *EventKind) HasCategory(c Category) bool {
	return slices.Contains(k.Categories, c)
}

// Compile compiles the kind's schema once and reports a broken contract.
func (k *EventKind) Compile() error {
	k.once.Do(func() {
		src := k.Schema
		if src == "" {
			src = anyObjectSchema
		}
		compiled, err := jsonschema.NewCompiler().Compile([]byte(src))
		if err != nil {
			k.compileErr = NewDomainError("event.Compile", ErrSchemaValidation,
				fmt.Sprintf("kind %s: invalid schema: %v", k.Name, err))
			return
		}
		k.compiled = compiled
	})
	return k.compileErr
}

// Validate checks data against the kind's schema. A nil map validates as an
// empty object.
func (k *EventKind) Validate(data map[string]any) error {
	if k == nil {
		return NewDomainError("event.Validate", ErrInvalidInput, "nil event kind")
	}
	if err := k.Compile(); err != nil {
		return err
	}
	doc, err := toJSONDocument(data)
	if err != nil {
		return NewDomainError("event.Validate", ErrSchemaValidation,
			fmt.Sprintf("kind %s: data is not JSON-encodable: %v", k.Name, err))
	}
	result := k.compiled.Validate(doc)
	if !result.IsValid() {
		return NewDomainError("event.Validate", ErrSchemaValidation,
			fmt.Sprintf("kind %s: %s", k.Name, result.Error()))
	}
	return nil
}

// toJSONDocument normalizes data to the shape encoding/json produces so that
// Go numeric types validate the same way as decoded wire records.
func toJSONDocument(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (k *EventKind) String() string {
	if k == nil {
		return "<nil>"
	}
	return k.Name
}

// Event is a typed, schema-validated, prioritized message. Events are built
// by NewEvent and treated as immutable once they are fired.
type Event struct {
	kind *EventKind

	Priority       int
	GenerationTime time.Time
	Data           map[string]any

	// Propagate false marks the event void; listeners must skip it.
	Propagate bool
	// NetworkPropagate marks the event as eligible for forwarding to remote peers.
	NetworkPropagate bool
	PropagateTarget  string
	PropagateSource  string
}

// NewEvent constructs an event of kind and validates data against the kind's
// contract. Validation failures wrap ErrSchemaValidation.
func NewEvent(kind *EventKind, data map[string]any) (*Event, error) {
	if kind == nil {
		return nil, NewDomainError("event.New", ErrInvalidInput, "nil event kind")
	}
	if data == nil {
		data = map[string]any{}
	} else {
		data = maps.Clone(data)
	}
	if err := kind.Validate(data); err != nil {
		return nil, err
	}
	return &Event{
		kind:            kind,
		Priority:        kind.Priority,
		GenerationTime:  time.Now(),
		Data:            data,
		Propagate:       true,
		PropagateTarget: PropagateAll,
	}, nil
}

// Kind returns the event's kind.
func (e *Event) Kind() *EventKind { return e.kind }

// KindName returns the name of the event's kind.
func (e *Event) KindName() string { return e.kind.Name }

// WithNetworkPropagate marks the event for forwarding across the network.
func (e *Event) WithNetworkPropagate() *Event {
	e.NetworkPropagate = true
	return e
}

// WithSource records the client id the event originated from.
func (e *Event) WithSource(source string) *Event {
	e.PropagateSource = source
	return e
}

// WithTarget addresses the event to a single client id, or PropagateAll.
func (e *Event) WithTarget(target string) *Event {
	e.PropagateTarget = target
	return e
}

// Equal reports whether e and other are of the same kind and carry equal data.
func (e *Event) Equal(other *Event) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.kind == other.kind && reflect.DeepEqual(e.Data, other.Data)
}

// Less orders events for dispatch: e is serviced before other when its
// priority is larger.
func (e *Event) Less(other *Event) bool {
	return other != nil && e.Priority > other.Priority
}

func (e *Event) String() string {
	return fmt.Sprintf("<%s priority=%d created at %s>",
		e.kind.Name, e.Priority, e.GenerationTime.Format(MetadataTimeLayout))
}

// Metadata is the serializable record of an event used by transports and logs.
type Metadata struct {
	EventType        string         `json:"event_type"`
	GenerationTime   string         `json:"generation_time,omitempty"`
	Priority         *int           `json:"priority,omitempty"`
	Propagate        *bool          `json:"propagate,omitempty"`
	NetworkPropagate bool           `json:"_network_propagate"`
	PropagateSource  string         `json:"propagate_source,omitempty"`
	PropagateTarget  string         `json:"propagate_target,omitempty"`
	EventData        map[string]any `json:"event_data"`
}

// Metadata returns the wire record for e.
func (e *Event) Metadata() Metadata {
	priority := e.Priority
	propagate := e.Propagate
	return Metadata{
		EventType:        e.kind.Name,
		GenerationTime:   e.GenerationTime.Format(MetadataTimeLayout),
		Priority:         &priority,
		Propagate:        &propagate,
		NetworkPropagate: e.NetworkPropagate,
		PropagateSource:  e.PropagateSource,
		PropagateTarget:  e.PropagateTarget,
		EventData:        maps.Clone(e.Data),
	}
}
