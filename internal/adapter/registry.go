package adapter

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Options are handed to a Factory when an adapter is built
type Options struct {
	// DataDir is where adapters keep local state
	DataDir  string
	Settings Settings
}

// Factory builds a configured, not yet connected adapter
type Factory func(opts Options) (Adapter, error)

type registration struct {
	factory Factory
	fields  []ConfigField
}

// Registry maps adapter names to factories
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]registration)}
}

// Register adds a backend. Registering the same name twice replaces it.
func (r *Registry) Register(name string, factory Factory, fields []ConfigField) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = registration{factory: factory, fields: fields}
}

// New builds the named adapter with opts
func (r *Registry) New(name string, opts Options) (Adapter, error) {
	r.mu.RLock()
	reg, ok := r.adapters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (available: %s)", ErrUnknownAdapter, name, strings.Join(r.List(), ", "))
	}

	for _, f := range reg.fields {
		if f.Required && !opts.Settings.Has(f.Name) {
			return nil, fmt.Errorf("adapter %s: missing required setting %q", name, f.Name)
		}
	}
	return reg.factory(opts)
}

// List returns registered names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fields returns the configuration fields of the named adapter
func (r *Registry) Fields(name string) ([]ConfigField, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.adapters[name]
	if !ok {
		return nil, false
	}
	return reg.fields, true
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[name]
	return ok
}
