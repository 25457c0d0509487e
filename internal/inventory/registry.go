package inventory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DetailKind tells which namespace a registry entry lives in.
type DetailKind string

const (
	KindSpecies DetailKind = "species"
	KindSpecial DetailKind = "special"
	KindItem    DetailKind = "item"
)

// Details captures display metadata about a species, special or custom item.
// The crafting engine only needs to know whether an id exists and is enabled;
// names and descriptions are carried for the command layer.
type Details struct {
	Kind        DetailKind `json:"kind" yaml:"kind"`
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name,omitempty" yaml:"name,omitempty"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Disabled    bool       `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

type registryKey struct {
	kind DetailKind
	id   string
}

// Registry stores known species, specials and custom items.
type Registry struct {
	mu      sync.RWMutex
	entries map[registryKey]Details
}

// NewRegistry constructs a registry and optionally seeds it.
func NewRegistry(details ...Details) *Registry {
	r := &Registry{entries: make(map[registryKey]Details, len(details))}
	for _, d := range details {
		_ = r.Register(d) // ignore malformed seeds
	}
	return r
}

// Register inserts or replaces an entry.
func (r *Registry) Register(d Details) error {
	if d.ID == "" {
		return errors.New("inventory: details missing id")
	}
	switch d.Kind {
	case KindSpecies, KindSpecial, KindItem:
	default:
		return fmt.Errorf("inventory: unknown details kind %q", d.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[registryKey]Details)
	}
	r.entries[registryKey{d.Kind, d.ID}] = d
	return nil
}

// Lookup returns the entry for kind/id, if present.
func (r *Registry) Lookup(kind DetailKind, id string) (Details, bool) {
	if r == nil {
		return Details{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.entries[registryKey{kind, id}]
	return d, ok
}

// CheckRef verifies every id named by ref is registered and enabled.
func (r *Registry) CheckRef(ref ItemRef) error {
	if r == nil {
		return nil
	}
	check := func(kind DetailKind, id string) error {
		d, ok := r.Lookup(kind, id)
		if !ok {
			return fmt.Errorf("unknown %s %q", kind, id)
		}
		if d.Disabled {
			return fmt.Errorf("%s %q is disabled", kind, id)
		}
		return nil
	}
	switch ref.Kind {
	case RefBall:
		if err := check(KindSpecies, string(ref.Species)); err != nil {
			return err
		}
		if ref.Special != "" {
			return check(KindSpecial, string(ref.Special))
		}
		return nil
	case RefItem:
		return check(KindItem, string(ref.Item))
	default:
		return fmt.Errorf("unknown reference kind %d", ref.Kind)
	}
}

// DisplayName returns the registered name for ref, falling back to its id.
func (r *Registry) DisplayName(ref ItemRef) string {
	var d Details
	var ok bool
	switch ref.Kind {
	case RefBall:
		d, ok = r.Lookup(KindSpecies, string(ref.Species))
	case RefItem:
		d, ok = r.Lookup(KindItem, string(ref.Item))
	}
	name := ref.String()
	if ok && d.Name != "" {
		name = d.Name
	}
	if ref.Kind == RefBall && ref.Special != "" {
		if sp, ok := r.Lookup(KindSpecial, string(ref.Special)); ok && sp.Name != "" {
			return sp.Name + " " + name
		}
	}
	return name
}

// Export copies registry contents sorted by kind then id.
func (r *Registry) Export() []Details {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return nil
	}
	out := make([]Details, 0, len(r.entries))
	for _, d := range r.entries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}
