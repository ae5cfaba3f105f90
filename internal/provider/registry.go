package provider

import (
	"fmt"
	"sort"
)

// Registry holds configured providers by id. It is filled during setup and
// read concurrently afterwards.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// FromConfig builds one provider per configured id.
func FromConfig(cfgs map[string]Config) (*Registry, error) {
	r := NewRegistry()
	for _, id := range sortedKeys(cfgs) {
		p, err := New(cfgs[id])
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", id, err)
		}
		r.Register(id, p)
	}
	return r, nil
}

// Register adds a provider under id, replacing any previous one.
func (r *Registry) Register(id string, p Provider) {
	r.providers[id] = p
}

// Get retrieves a provider by id.
func (r *Registry) Get(id string) (Provider, error) {
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return p, nil
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	return sortedKeys(r.providers)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
