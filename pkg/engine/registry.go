package engine

import (
	"fmt"
	"sync"
)

// ParamRegistry holds the registered output parameters in registration
// order. Parameters may be added during a performance but never removed.
type ParamRegistry struct {
	mu    sync.RWMutex
	order []string
	specs map[string]ParameterSpec
}

func NewParamRegistry() *ParamRegistry {
	return &ParamRegistry{specs: make(map[string]ParameterSpec)}
}

// Register adds a parameter. Registering an existing name is an error;
// the defaults of a live parameter are not silently rewritten mid-show.
func (r *ParamRegistry) Register(spec ParameterSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("parameter name must not be empty")
	}
	if spec.Max <= spec.Min {
		return fmt.Errorf("parameter %s: bounds [%v,%v] are inverted", spec.Name, spec.Min, spec.Max)
	}
	if spec.Smoothing < 0 || spec.Smoothing > 1 {
		return fmt.Errorf("parameter %s: smoothing %v outside [0,1]", spec.Name, spec.Smoothing)
	}
	if spec.Default < spec.Min || spec.Default > spec.Max {
		return fmt.Errorf("parameter %s: default %v outside bounds", spec.Name, spec.Default)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("parameter %s already registered", spec.Name)
	}
	r.specs[spec.Name] = spec
	r.order = append(r.order, spec.Name)
	return nil
}

// Get looks up one parameter.
func (r *ParamRegistry) Get(name string) (ParameterSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	return s, ok
}

// List returns all specs in registration order.
func (r *ParamRegistry) List() []ParameterSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ParameterSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.specs[name])
	}
	return out
}

// Names returns the registered names in registration order.
func (r *ParamRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *ParamRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
