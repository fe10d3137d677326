package flow

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownNodeType is returned when instantiating an unregistered type.
var ErrUnknownNodeType = errors.New("unknown node type")

// PortSpec declares one port of a node descriptor. Child ports of object and
// array ports are materialized from the schema, not listed separately.
type PortSpec struct {
	// Key is the node-local port key.
	Key string
	// Dir is the port direction.
	Dir Direction
	// Schema describes the port's value shape.
	Schema *Schema
	// Default, when non-nil, seeds the port value at materialization.
	Default any
	// StreamCapacity and StreamMaxLag size the channel for stream ports;
	// zero values use the package defaults.
	StreamCapacity int
	StreamMaxLag   int
}

// NodeDescriptor registers an executable node type. Ports and child ports are
// materialized from the descriptor; there is no runtime reflection.
type NodeDescriptor struct {
	// Type is the registry key.
	Type string
	// Version is bumped when the descriptor shape changes.
	Version int
	// Ports lists the node's ports.
	Ports []PortSpec
	// Factory builds a fresh runner per node instance.
	Factory func() Runner
	// Recoverable nodes are skipped on failure instead of aborting the flow.
	Recoverable bool
	// RunsOnAnyInput nodes execute when any input is live even if the rest
	// were skipped.
	RunsOnAnyInput bool
}

// Registry holds node descriptors. It is a constructor-injected collaborator;
// tests register their own descriptors on a fresh registry.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*NodeDescriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*NodeDescriptor)}
}

// Register adds a descriptor. Registering the same type twice replaces the
// earlier descriptor.
func (r *Registry) Register(d *NodeDescriptor) error {
	if d.Type == "" {
		return errors.New("descriptor type must not be empty")
	}
	if d.Factory == nil {
		return fmt.Errorf("descriptor %s has no factory", d.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[d.Type] = d
	return nil
}

// Lookup resolves a descriptor by type.
func (r *Registry) Lookup(typ string) (*NodeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.types[typ]
	return d, ok
}

// Types lists the registered type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	return out
}
