package capability

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	contractx "github.com/tanpawarit/skyplanner/agent/contract"
)

// Registry maps capability names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("%w: adapter is nil", contractx.ErrValidation)
	}
	name := normalizeName(a.Descriptor().Name)
	if name == "" {
		return fmt.Errorf("%w: adapter name is empty", contractx.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("%w: capability %q registered twice", contractx.ErrValidation, name)
	}
	r.adapters[name] = a
	return nil
}

func (r *Registry) Resolve(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[normalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", contractx.ErrUnknownCapability, name)
	}
	return a, nil
}

// List returns the catalog given to the planner, sorted by name.
func (r *Registry) List() []contractx.CapabilityDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]contractx.CapabilityDescriptor, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
