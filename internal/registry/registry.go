// Package registry is the static task catalog populated at startup.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"workq/internal/domain"
	"workq/internal/task"
)

// Registry maps task names to definitions. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]task.Definition
}

func New() *Registry {
	return &Registry{defs: make(map[string]task.Definition)}
}

// Register adds def. Registering a name twice fails with ErrDuplicateTask.
func (r *Registry) Register(def task.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; ok {
		return fmt.Errorf("register %q: %w", def.Name, domain.ErrDuplicateTask)
	}
	r.defs[def.Name] = def
	return nil
}

// MustRegister is Register for startup code; it panics on error.
func (r *Registry) MustRegister(def task.Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the definition for name or ErrUnknownTask.
func (r *Registry) Lookup(name string) (task.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return task.Definition{}, fmt.Errorf("%q: %w", name, domain.ErrUnknownTask)
	}
	return def, nil
}

// Names returns the registered task names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Queues returns the distinct default queues of all definitions.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, def := range r.defs {
		if _, ok := seen[def.Queue]; ok {
			continue
		}
		seen[def.Queue] = struct{}{}
		out = append(out, def.Queue)
	}
	sort.Strings(out)
	return out
}
