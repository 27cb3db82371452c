package domain

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// KindRegistry maps kind names to concrete kinds. It is the explicit table
// used to decode wire records back into events.
type KindRegistry struct {
	mu    sync.RWMutex
	kinds map[string]*EventKind
}

// NewKindRegistry creates a registry pre-populated with kinds.
func NewKindRegistry(kinds ...*EventKind) (*KindRegistry, error) {
	r := &KindRegistry{kinds: make(map[string]*EventKind)}
	for _, k := range kinds {
		if err := r.Register(k); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds k to the registry. Registering the same kind twice is a
// no-op; a different kind under an existing name fails with ErrDuplicate.
func (r *KindRegistry) Register(k *EventKind) error {
	if k.IsRoot() {
		return NewDomainError("registry.Register", ErrInvalidInput, "the root kind can not be registered")
	}
	if strings.TrimSpace(k.Name) == "" {
		return NewDomainError("registry.Register", ErrInvalidInput, "kind name is empty")
	}
	if err := k.Compile(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.kinds[k.Name]; ok {
		if existing == k {
			return nil
		}
		return NewDomainError("registry.Register", ErrDuplicate, k.Name)
	}
	r.kinds[k.Name] = k
	return nil
}

// Lookup returns the kind registered under name.
func (r *KindRegistry) Lookup(name string) (*EventKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	return k, ok
}

// Kinds returns every registered kind sorted by name.
func (r *KindRegistry) Kinds() []*EventKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := slices.Sorted(maps.Keys(r.kinds))
	out := make([]*EventKind, 0, len(names))
	for _, n := range names {
		out = append(out, r.kinds[n])
	}
	return out
}

// FromMetadata reconstructs a concrete event from its wire record. Unknown
// kinds fail with ErrUnknownEventKind; invalid data with ErrSchemaValidation.
// A record without a priority gets DefaultPriority, not the kind's.
func (r *KindRegistry) FromMetadata(md Metadata) (*Event, error) {
	if md.EventType == "" {
		return nil, NewDomainError("registry.FromMetadata", ErrUnknownEventKind, "record has no event_type")
	}
	kind, ok := r.Lookup(md.EventType)
	if !ok {
		return nil, NewDomainError("registry.FromMetadata", ErrUnknownEventKind, md.EventType)
	}

	e, err := NewEvent(kind, md.EventData)
	if err != nil {
		return nil, err
	}
	e.Priority = DefaultPriority
	if md.Priority != nil {
		e.Priority = *md.Priority
	}
	if md.Propagate != nil {
		e.Propagate = *md.Propagate
	}
	e.NetworkPropagate = md.NetworkPropagate
	e.PropagateSource = md.PropagateSource
	if md.PropagateTarget != "" {
		e.PropagateTarget = md.PropagateTarget
	}
	if md.GenerationTime != "" {
		t, err := parseGenerationTime(md.GenerationTime)
		if err != nil {
			return nil, NewDomainError("registry.FromMetadata", ErrInvalidInput,
				fmt.Sprintf("generation_time %q: %v", md.GenerationTime, err))
		}
		e.GenerationTime = t
	}
	return e, nil
}

func parseGenerationTime(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(MetadataTimeLayout, s, time.Local); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
