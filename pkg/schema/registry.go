// Package schema declares, per object template, which properties the owner
// replicates authoritatively and which every participant predicts locally.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultTemplate is the template the slideshow objects are created under.
const DefaultTemplate = "scriptable-media"

var (
	// ErrInvalidSchema wraps every registration-time validation failure.
	ErrInvalidSchema = errors.New("invalid replication schema")
	// ErrUnknownTemplate is returned when no schema is registered for a name.
	ErrUnknownTemplate = errors.New("unknown template")
	// ErrClosed is returned after the registry was torn down.
	ErrClosed = errors.New("registry closed")
)

// Schema is the replication schema of one template.
// Authoritative and Predicted never share a property.
type Schema struct {
	Template      string     `json:"template"`
	Authoritative []Property `json:"authoritative"`
	Predicted     []Property `json:"predicted"`
}

// Lookup finds a property by key and reports whether it is authoritative.
func (s Schema) Lookup(key string) (prop Property, authoritative bool, ok bool) {
	for _, p := range s.Authoritative {
		if p.Key() == key {
			return p, true, true
		}
	}
	for _, p := range s.Predicted {
		if p.Key() == key {
			return p, false, true
		}
	}
	return Property{}, false, false
}

// Registry holds the schemas registered for the session. It is created at
// session start and closed at session end.
type Registry struct {
	schemas map[string]Schema
	closed  bool
	mutex   sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[string]Schema),
	}
}

// Register validates and stores a schema. Registering an existing name
// replaces the previous schema entirely.
func (r *Registry) Register(name string, authoritative, predicted []Property) error {
	if name == "" {
		return fmt.Errorf("%w: empty template name", ErrInvalidSchema)
	}
	if err := validateSets(authoritative, predicted); err != nil {
		return fmt.Errorf("%w: template %s: %v", ErrInvalidSchema, name, err)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return ErrClosed
	}

	r.schemas[name] = Schema{
		Template:      name,
		Authoritative: canonical(authoritative),
		Predicted:     canonical(predicted),
	}
	return nil
}

func canonical(props []Property) []Property {
	out := make([]Property, len(props))
	for i, p := range props {
		out[i] = p.Canonical()
	}
	return out
}

// Schema returns the schema registered for name.
func (r *Registry) Schema(name string) (Schema, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	s, ok := r.schemas[name]
	return s, ok
}

// MustSchema returns the schema for name or ErrUnknownTemplate.
func (r *Registry) MustSchema(name string) (Schema, error) {
	s, ok := r.Schema(name)
	if !ok {
		return Schema{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	return s, nil
}

// Names returns the registered template names, sorted.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close drops every schema; later registrations fail.
func (r *Registry) Close() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.schemas = make(map[string]Schema)
	r.closed = true
}

func validateSets(authoritative, predicted []Property) error {
	seen := make(map[string]string, len(authoritative)+len(predicted))

	check := func(set string, props []Property) error {
		for _, p := range props {
			if err := p.Validate(); err != nil {
				return err
			}
			key := p.Canonical().Key()
			if prev, dup := seen[key]; dup {
				if prev == set {
					return fmt.Errorf("%s declared twice in %s", key, set)
				}
				return fmt.Errorf("%s declared both %s and %s", key, prev, set)
			}
			seen[key] = set
		}
		return nil
	}

	if err := check("authoritative", authoritative); err != nil {
		return err
	}
	return check("predicted", predicted)
}

// DefaultSchema returns the property sets of the slideshow template.
func DefaultSchema() (authoritative, predicted []Property) {
	authoritative = []Property{
		{Kind: KindPosition, Epsilon: 0.001},
		{Kind: KindRotation, Epsilon: 0.5},
		{Kind: KindScale, Epsilon: 0.001},
		{Kind: KindMediaLoader},
		{Kind: KindMediaPDF, Sub: "index"},
		{Kind: KindPinnable},
	}
	predicted = []Property{
		{Kind: KindMediaVideo, Sub: "time", Epsilon: 0.5},
		{Kind: KindMediaVideo, Sub: "videoPaused"},
		{Kind: KindMediaPager, Sub: "index"},
		{Kind: KindSlideCounter, Sub: "index"},
	}
	return authoritative, predicted
}

// RegisterDefault registers the slideshow template.
func (r *Registry) RegisterDefault() error {
	authoritative, predicted := DefaultSchema()
	return r.Register(DefaultTemplate, authoritative, predicted)
}
