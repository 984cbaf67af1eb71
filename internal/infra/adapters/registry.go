package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corvidsec/raven/internal/domain/scanning"
)

// healthCheckTimeout bounds each adapter's health probe during a sweep.
const healthCheckTimeout = 5 * time.Second

var _ scanning.AdapterLookup = (*Registry)(nil)

// Registry holds the engine adapters available to the orchestrator, keyed by
// engine name. Registration order is preserved for listing.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]scanning.EngineAdapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]scanning.EngineAdapter)}
}

// Register adds an adapter under its reported name. Registering the same name
// twice is a configuration error.
func (r *Registry) Register(adapter scanning.EngineAdapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := adapter.Name()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("engine adapter %q already registered", name)
	}
	r.byName[name] = adapter
	r.order = append(r.order, name)
	return nil
}

// Get returns the adapter registered under the given name.
func (r *Registry) Get(name string) (scanning.EngineAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.byName[name]
	return adapter, ok
}

// Names returns all registered engine names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// HealthSweep probes every registered adapter concurrently and reports the
// per-engine outcome. A nil map value means the engine is healthy.
func (r *Registry) HealthSweep(ctx context.Context) map[string]error {
	r.mu.RLock()
	adapters := make([]scanning.EngineAdapter, 0, len(r.order))
	for _, name := range r.order {
		adapters = append(adapters, r.byName[name])
	}
	r.mu.RUnlock()

	var resultsMu sync.Mutex
	results := make(map[string]error, len(adapters))

	g, ctx := errgroup.WithContext(ctx)
	for _, adapter := range adapters {
		adapter := adapter
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			defer cancel()

			err := adapter.HealthCheck(probeCtx)

			resultsMu.Lock()
			results[adapter.Name()] = err
			resultsMu.Unlock()

			// Unhealthy engines are reported per name, not as a sweep failure.
			return nil
		})
	}
	_ = g.Wait()

	return results
}
