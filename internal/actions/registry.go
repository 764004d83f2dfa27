package actions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rendis/actuator/pkg/schema"
)

// Registry is the concrete ActionRegistry implementation.
//
// It is written during bootstrap and sealed before serving. Until Seal, every
// access takes the lock; after Seal, writes are refused and reads go straight
// to the map.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
	sealed  atomic.Bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

// Register adds an action to the registry. Returns error on duplicate name.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}
	if err := checkSchema(name, action.Schema()); err != nil {
		return err
	}
	if d, ok := action.(*Descriptor); ok && d.run == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "action %q has no run function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return schema.NewErrorf(schema.ErrCodeRegistrySealed, "cannot register %q: registry is sealed", name)
	}
	if _, exists := r.actions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeDuplicateName, "action %q already registered", name)
	}

	r.actions[name] = action
	return nil
}

// RegisterNamespace bulk-registers actions under a prefixed namespace.
// Each action name becomes "prefix.originalName" (e.g. "endpoint.set_light").
// Nothing is registered when any prefixed name collides.
func (r *Registry) RegisterNamespace(prefix string, acts []Action) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "namespace prefix is empty")
	}

	wrapped := make([]Action, 0, len(acts))
	seen := make(map[string]bool, len(acts))
	for _, a := range acts {
		if a == nil || a.Name() == "" {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "namespace %q: action is nil or unnamed", prefix)
		}
		p := &prefixedAction{inner: a, name: fmt.Sprintf("%s.%s", prefix, a.Name())}
		if err := checkSchema(p.name, a.Schema()); err != nil {
			return 0, err
		}
		if seen[p.name] {
			return 0, schema.NewErrorf(schema.ErrCodeDuplicateName, "action %q declared twice", p.name)
		}
		seen[p.name] = true
		wrapped = append(wrapped, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return 0, schema.NewErrorf(schema.ErrCodeRegistrySealed, "cannot register namespace %q: registry is sealed", prefix)
	}
	for _, a := range wrapped {
		if _, exists := r.actions[a.Name()]; exists {
			return 0, schema.NewErrorf(schema.ErrCodeDuplicateName, "action %q already registered", a.Name())
		}
	}
	for _, a := range wrapped {
		r.actions[a.Name()] = a
	}
	return len(wrapped), nil
}

// Seal makes the registry read-only. Safe to call more than once.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed.Store(true)
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Lookup returns the action registered under name. It never fails; unknown
// names report false.
func (r *Registry) Lookup(name string) (Action, bool) {
	if r.sealed.Load() {
		a, ok := r.actions[name]
		return a, ok
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Get retrieves an action by name.
func (r *Registry) Get(name string) (Action, error) {
	a, ok := r.Lookup(name)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownAction, "action %q not registered", name)
	}
	return a, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.rlock()
	defer r.runlock()

	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns info for all registered actions, sorted by name.
func (r *Registry) List() []ActionInfo {
	r.rlock()
	defer r.runlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		s := a.Schema()
		infos = append(infos, ActionInfo{
			Name:        a.Name(),
			Description: s.Description,
			Params:      s.Params,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Has checks if an action is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.rlock()
	defer r.runlock()
	return len(r.actions)
}

func (r *Registry) rlock() {
	if !r.sealed.Load() {
		r.mu.RLock()
	}
}

func (r *Registry) runlock() {
	// Seal takes the write lock, so a reader holding the read lock cannot see
	// sealed flip between rlock and runlock.
	if !r.sealed.Load() {
		r.mu.RUnlock()
	}
}

func checkSchema(name string, s ActionSchema) error {
	seen := make(map[string]bool, len(s.Params))
	for _, p := range s.Params {
		if p.Name == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "action %q: parameter with empty name", name)
		}
		if seen[p.Name] {
			return schema.NewErrorf(schema.ErrCodeValidation, "action %q: parameter %q declared twice", name, p.Name)
		}
		seen[p.Name] = true
		if !p.Type.Valid() {
			return schema.NewErrorf(schema.ErrCodeValidation, "action %q: parameter %q has unknown type %q", name, p.Name, p.Type)
		}
	}
	return nil
}

// prefixedAction wraps a namespaced action with a prefixed name.
type prefixedAction struct {
	inner Action
	name  string
}

func (p *prefixedAction) Name() string                         { return p.name }
func (p *prefixedAction) Schema() ActionSchema                 { return p.inner.Schema() }
func (p *prefixedAction) Validate(params map[string]any) error { return p.inner.Validate(params) }

func (p *prefixedAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	return p.inner.Execute(ctx, input)
}

var _ ActionRegistry = (*Registry)(nil)
