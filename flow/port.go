package flow

import (
	"sync"
)

// Port is a typed I/O point on a node. Ports are owned by the flow arena and
// referenced by integer ids; child ports of object and array ports reference
// their parent through ParentID.
//
// Concurrent writes to the same port are serialized by a per-port mutex;
// writes to different ports are independent. Every successful write bumps
// Version so readers can detect staleness.
type Port struct {
	mu sync.Mutex

	id     PortID
	key    string
	node   NodeID
	parent PortID
	dir    Direction
	schema *Schema

	value   any
	version uint64

	conns    []EdgeID
	children map[string]PortID

	// stream backs ports of KindStream.
	stream *MultiChannel
}

// ID returns the arena id of the port.
func (p *Port) ID() PortID { return p.id }

// Key returns the node-local port key.
func (p *Port) Key() string { return p.key }

// Node returns the owning node id.
func (p *Port) Node() NodeID { return p.node }

// Parent returns the parent port id, or None for top-level ports.
func (p *Port) Parent() PortID { return p.parent }

// Direction returns the port direction.
func (p *Port) Direction() Direction { return p.dir }

// Schema returns the port schema. The returned value must not be mutated;
// use Flow.BindAny / Flow.SetConfig to change it.
func (p *Port) Schema() *Schema {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.schema
}

// Kind returns the declared kind of the port.
func (p *Port) Kind() Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.schema.Kind
}

// Value returns the current port value.
func (p *Port) Value() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

// Version returns the write counter. It strictly increases over the port's
// lifetime.
func (p *Port) Version() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// Connections returns the ids of edges attached to this port.
func (p *Port) Connections() []EdgeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]EdgeID(nil), p.conns...)
}

// Stream returns the channel backing a stream port, or nil for value ports.
func (p *Port) Stream() *MultiChannel { return p.stream }

// setLocked assigns a value and bumps the version. Callers must hold mu.
func (p *Port) setLocked(v any) {
	p.value = v
	p.version++
}

// kindOf infers the runtime kind of a Go value.
func kindOf(v any) Kind {
	switch v.(type) {
	case string:
		return KindString
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return KindNumber
	case bool:
		return KindBoolean
	case map[string]any:
		return KindObject
	case []any:
		return KindArray
	case *MultiChannel:
		return KindStream
	default:
		return KindAny
	}
}

// deepClone copies maps and slices recursively; scalars are returned as is.
// Stream channels are shared, never copied.
func deepClone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepClone(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepClone(e)
		}
		return out
	default:
		return v
	}
}

// deepMerge merges src into dst by child key (objects) or index (arrays).
// Non-container values replace the destination.
func deepMerge(dst, src any) any {
	dm, dok := dst.(map[string]any)
	sm, sok := src.(map[string]any)
	if dok && sok {
		for k, v := range sm {
			dm[k] = deepMerge(dm[k], v)
		}
		return dm
	}
	da, dok := dst.([]any)
	sa, sok := src.([]any)
	if dok && sok {
		for i, v := range sa {
			if i < len(da) {
				da[i] = deepMerge(da[i], v)
			} else {
				da = append(da, deepClone(v))
			}
		}
		return da
	}
	return deepClone(src)
}
