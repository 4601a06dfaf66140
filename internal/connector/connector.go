// package connector holds the pluggable adapters to the external systems an
// approved action may touch. The capability runtime never talks to an external
// system directly; every effectful call goes through a registered Connector
// via the pilot write executor.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnavailable indicates the target connector is unknown or unhealthy.
// Callers must not interpret it as "approved with no effect".
var ErrUnavailable = errors.New("connector unavailable")

// Health is the probe result for one connector. Degraded is distinguishable
// from success: OK=false with a Detail is a real answer, not a timeout.
type Health struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Connector is the uniform contract to one external system.
type Connector interface {
	Name() string
	Health(ctx context.Context) Health
	Invoke(ctx context.Context, path string, payload json.RawMessage) (json.RawMessage, error)
}

// Registry is the name-keyed table of connectors, built at boot.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: map[string]Connector{}}
}

// Register adds a connector. Duplicate names are a boot-time configuration
// error.
func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connectors[c.Name()]; exists {
		return fmt.Errorf("connector %q already registered", c.Name())
	}
	r.connectors[c.Name()] = c
	return nil
}

// Get returns the named connector or ErrUnavailable.
func (r *Registry) Get(name string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s not registered", ErrUnavailable, name)
	}
	return c, nil
}

// HealthAll probes every registered connector.
func (r *Registry) HealthAll(ctx context.Context) map[string]Health {
	r.mu.RLock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make(map[string]Health, len(names))
	for _, name := range names {
		c, err := r.Get(name)
		if err != nil {
			continue
		}
		out[name] = c.Health(ctx)
	}
	return out
}
