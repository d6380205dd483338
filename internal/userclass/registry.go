// Package userclass resolves the operator-class symbols carried in a
// compiled JobGraph (graph.ChainedOperator.InvokableClass) to concrete
// operator.Operator factories at deploy time.
package userclass

import (
	"fmt"
	"sync"

	"github.com/streamcore/engine/internal/runtime/operator"
)

// Factory constructs a fresh Operator instance from its serialized
// configuration (opaque to the registry; each registered class parses
// its own format).
type Factory func(config []byte) (operator.Operator, error)

// Registry maps a job's serialized class symbols to Factory functions.
// One Registry is shared by a TaskExecutor process across every task
// it runs; registration happens at process startup from the set of
// operator implementations compiled into the binary.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds class under name, panicking on a duplicate name since
// that indicates two operator implementations were compiled in under
// the same symbol, a build-time mistake rather than a runtime one.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("userclass: duplicate registration for %q", name))
	}
	r.factories[name] = factory
}

// New instantiates the operator registered under name.
func (r *Registry) New(name string, config []byte) (operator.Operator, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("userclass: no operator registered under %q", name)
	}
	return factory(config)
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}
