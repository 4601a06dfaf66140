// package capability implements the policy gate: proposals are evaluated
// against the capability catalog, quota, and tenant scope before any external
// effect is permitted.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/kilnworks/autopilot/internal/models"
)

// Handler is one governed class of privileged action. Implementations
// validate and shape the proposal input into the connector payload.
type Handler interface {
	// Definition returns the immutable catalog entry.
	Definition() models.Capability

	// Evaluate validates the proposal input and returns the payload the pilot
	// write executor will dispatch. It must not perform I/O with effect.
	Evaluate(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// Catalog is the registration table of handlers, built at boot and read-only
// afterwards. No reflection-based discovery: every capability is registered
// explicitly.
type Catalog struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewCatalog() *Catalog {
	return &Catalog{handlers: map[string]Handler{}}
}

// Register adds a handler. Duplicate ids are a boot-time error.
func (c *Catalog) Register(h Handler) error {
	def := h.Definition()
	if def.ID == "" {
		return fmt.Errorf("capability id required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[def.ID]; exists {
		return fmt.Errorf("capability %q already registered", def.ID)
	}
	c.handlers[def.ID] = h
	return nil
}

// Get returns the handler for id, or nil if unknown.
func (c *Catalog) Get(id string) Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handlers[id]
}

// IDs lists registered capability ids, sorted.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.handlers))
	for id := range c.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
