package provider

import "strings"

// Registry maps provider names to adapters. Lookup falls back to a default
// adapter so requests naming an unconfigured model alias still resolve.
type Registry struct {
	adapters    map[string]Adapter
	defaultName string
}

// NewRegistry builds a registry; defaultName is used when a requested
// provider is not registered.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		adapters:    make(map[string]Adapter),
		defaultName: defaultName,
	}
}

// Register binds an adapter under one or more names.
func (r *Registry) Register(adapter Adapter, names ...string) {
	if len(names) == 0 {
		names = []string{adapter.Name()}
	}
	for _, name := range names {
		r.adapters[strings.TrimSpace(name)] = adapter
	}
}

// Select returns the adapter for the requested provider, or the default one
// when the requested name is unknown. The second return value is the name the
// adapter was actually resolved under.
func (r *Registry) Select(requested string) (Adapter, string) {
	if adapter, ok := r.adapters[requested]; ok {
		return adapter, requested
	}
	if adapter, ok := r.adapters[r.defaultName]; ok {
		return adapter, r.defaultName
	}
	return nil, requested
}

// Has reports whether the requested provider resolves to a configured adapter.
func (r *Registry) Has(requested string) bool {
	adapter, _ := r.Select(requested)
	return adapter != nil
}
