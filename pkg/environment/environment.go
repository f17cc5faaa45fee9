package environment

import (
	"reflect"
	"sort"
	"sync"

	"github.com/cuemby/corral/pkg/errors"
)

// Registry maps versioned type names ("type@version") to plugin
// constructors. Registration is idempotent for the same constructor and
// rejects re-registration with a different one.
type Registry struct {
	kind string // "profile", "policy", "trigger"; used in errors

	mu      sync.RWMutex
	entries map[string]interface{}
}

// NewRegistry creates an empty registry for the given plugin kind.
func NewRegistry(kind string) *Registry {
	return &Registry{
		kind:    kind,
		entries: make(map[string]interface{}),
	}
}

// Register binds a constructor to a versioned type name.
func (r *Registry) Register(name string, constructor interface{}) error {
	if constructor == nil {
		return errors.BadRequest("constructor for %s type %q is nil", r.kind, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[name]; ok {
		if reflect.ValueOf(existing).Pointer() == reflect.ValueOf(constructor).Pointer() {
			return nil
		}
		return errors.BadRequest(
			"%s type %q is already registered with a different constructor", r.kind, name)
	}
	r.entries[name] = constructor
	return nil
}

// Get returns the constructor registered under name.
func (r *Registry) Get(name string) (interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.entries[name]
	if !ok {
		return nil, errors.NotFound(r.kind+"_type", name)
	}
	return c, nil
}

// IsRegistered reports whether name has a constructor.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names returns the registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Environment bundles the plugin registries one engine instance works
// with. It is passed explicitly to the components that need it; there
// is no process-global environment.
type Environment struct {
	Profiles *Registry
	Policies *Registry
	Triggers *Registry
}

// New creates an Environment with empty registries.
func New() *Environment {
	return &Environment{
		Profiles: NewRegistry("profile"),
		Policies: NewRegistry("policy"),
		Triggers: NewRegistry("trigger"),
	}
}
