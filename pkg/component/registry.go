package component

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/realtime-ai/omxil/pkg/omx"
	"github.com/realtime-ai/omxil/pkg/port"
	"github.com/realtime-ai/omxil/pkg/rm"
)

// Role describes one role a factory can instantiate: its ports in index
// order, the resources it must hold while at or above Idle, and the
// processor constructor.
type Role struct {
	Name         string
	Ports        []port.Options
	Resources    []rm.Request
	NewProcessor func() Processor
}

// Factory groups the roles of one component implementation.
type Factory struct {
	Name  string
	Roles []Role
}

// Registry maps role names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	roles     map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		roles:     make(map[string]string),
	}
}

// Register adds a factory. Component and role names must be unique.
func (r *Registry) Register(f Factory) error {
	if f.Name == "" || len(f.Roles) == 0 {
		return errors.Wrapf(omx.ErrBadParameter, "factory %q: name and at least one role required", f.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[f.Name]; ok {
		return errors.Wrapf(omx.ErrBadParameter, "component %q already registered", f.Name)
	}
	for _, role := range f.Roles {
		if owner, ok := r.roles[role.Name]; ok {
			return errors.Wrapf(omx.ErrBadParameter, "role %q already provided by %q", role.Name, owner)
		}
		if role.NewProcessor == nil {
			return errors.Wrapf(omx.ErrBadParameter, "role %q has no processor", role.Name)
		}
	}
	r.factories[f.Name] = f
	for _, role := range f.Roles {
		r.roles[role.Name] = f.Name
	}
	return nil
}

// Lookup finds the factory and role description for a role name.
func (r *Registry) Lookup(role string) (Factory, Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.roles[role]
	if !ok {
		return Factory{}, Role{}, errors.Wrapf(omx.ErrBadParameter, "no component provides role %q", role)
	}
	f := r.factories[name]
	for _, ro := range f.Roles {
		if ro.Name == role {
			return f, ro, nil
		}
	}
	return Factory{}, Role{}, errors.Wrapf(omx.ErrBadParameter, "component %q lost role %q", name, role)
}

// Roles lists every registered role, sorted.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.roles))
	for role := range r.roles {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// ComponentOf returns the component name providing role.
func (r *Registry) ComponentOf(role string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.roles[role]
	return name, ok
}

// New instantiates the component providing role.
func (r *Registry) New(role string, cfg Config) (*Component, error) {
	f, ro, err := r.Lookup(role)
	if err != nil {
		return nil, err
	}
	return New(cfg, f, ro)
}
