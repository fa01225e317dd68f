package llm

import "fmt"

// Registry resolves the active provider by name. Providers register under
// their vendor identifier; the default is selected by configuration.
type Registry struct {
	providers       map[string]Provider
	defaultProvider string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider implementation under name.
func (r *Registry) Register(name string, p Provider, isDefault bool) {
	r.providers[name] = p
	if isDefault || r.defaultProvider == "" {
		r.defaultProvider = name
	}
}

// Resolve returns the provider for name, or the default when name is empty.
func (r *Registry) Resolve(name string) (Provider, error) {
	if name == "" {
		name = r.defaultProvider
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return p, nil
}

// Names lists registered provider names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	return out
}
