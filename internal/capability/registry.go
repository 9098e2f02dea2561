package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/marqops/conductor/pkg/schema"
)

// Registry is a thread-safe lookup table of capabilities keyed by ID.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		capabilities: make(map[string]Capability),
	}
}

// Register adds a capability. Returns an error on duplicate ID.
func (r *Registry) Register(c Capability) error {
	if c == nil {
		return schema.NewError(schema.ErrCodeValidation, "capability is nil")
	}
	id := c.ID()
	if id == "" {
		return schema.NewError(schema.ErrCodeValidation, "capability ID is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.capabilities[id]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "capability %q already registered", id)
	}

	r.capabilities[id] = c
	return nil
}

// Get retrieves a capability by ID.
func (r *Registry) Get(id string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.capabilities[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityUnavailable, "capability %q not registered", id)
	}
	return c, nil
}

// Has checks if a capability is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.capabilities[id]
	return ok
}

// List returns the registered capability IDs, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.capabilities))
	for id := range r.capabilities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RegisterProvider bulk-registers capabilities under a prefixed namespace,
// e.g. "hubspot" + "sync_contacts" → "hubspot.sync_contacts".
func (r *Registry) RegisterProvider(prefix string, caps []Capability) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "provider prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, c := range caps {
		prefixed := fmt.Sprintf("%s.%s", prefix, c.ID())
		if _, exists := r.capabilities[prefixed]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "provider capability %q already registered", prefixed)
		}
		r.capabilities[prefixed] = &prefixedCapability{inner: c, id: prefixed}
		registered++
	}
	return registered, nil
}

// prefixedCapability wraps a provider capability with a namespaced ID.
type prefixedCapability struct {
	inner Capability
	id    string
}

func (p *prefixedCapability) ID() string { return p.id }

func (p *prefixedCapability) Execute(ctx context.Context, req Request) (*Response, error) {
	return p.inner.Execute(ctx, req)
}
