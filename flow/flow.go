package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Edge is a directed connection between a source output port and a target
// input port. Endpoints are arena ids.
type Edge struct {
	id         EdgeID
	source     NodeID
	sourcePort PortID
	target     NodeID
	targetPort PortID
	meta       map[string]any
	removed    bool
}

// ID returns the arena id of the edge.
func (e *Edge) ID() EdgeID { return e.id }

// Source returns the source node id.
func (e *Edge) Source() NodeID { return e.source }

// SourcePort returns the source port id.
func (e *Edge) SourcePort() PortID { return e.sourcePort }

// Target returns the target node id.
func (e *Edge) Target() NodeID { return e.target }

// TargetPort returns the target port id.
func (e *Edge) TargetPort() PortID { return e.targetPort }

// Metadata returns the edge metadata map.
func (e *Edge) Metadata() map[string]any { return e.meta }

// Flow owns the arenas of nodes, ports and edges that make up one executable
// graph. A flow snapshot is immutable per execution: the engine exclusively
// borrows the arena for the execution lifetime, and authoring-side mutations
// produce a new snapshot.
//
// Structural mutations (AddNode, Connect, Disconnect) are serialized by an
// arena mutex; value writes are serialized per port.
type Flow struct {
	mu sync.Mutex

	id   string
	meta map[string]any

	nodes []*Node
	ports []*Port
	edges []*Edge

	nodesByKey map[string]NodeID
	registry   *Registry

	onPortUpdate func(*Port)
}

// New creates an empty flow backed by the given descriptor registry.
func New(id string, registry *Registry) *Flow {
	return &Flow{
		id:         id,
		meta:       make(map[string]any),
		nodesByKey: make(map[string]NodeID),
		registry:   registry,
	}
}

// ID returns the flow id.
func (f *Flow) ID() string { return f.id }

// Metadata returns the flow metadata map.
func (f *Flow) Metadata() map[string]any { return f.meta }

// OnPortUpdate installs a callback invoked after a port's schema changes
// (any-port bind/unbind, child materialization). At most one watcher. The
// callback runs with arena locks held and must not call back into the flow.
func (f *Flow) OnPortUpdate(fn func(*Port)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onPortUpdate = fn
}

func (f *Flow) notifyPortUpdate(p *Port) {
	if f.onPortUpdate != nil {
		f.onPortUpdate(p)
	}
}

// AddNode materializes a node of a registered type under the given key.
func (f *Flow) AddNode(key, typ string, meta map[string]any) (*Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, dup := f.nodesByKey[key]; dup {
		return nil, fmt.Errorf("node key %q already in use", key)
	}
	desc, ok := f.registry.Lookup(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNodeType, typ)
	}
	if meta == nil {
		meta = make(map[string]any)
	}

	n := &Node{
		id:             NodeID(len(f.nodes)),
		key:            key,
		typ:            typ,
		meta:           meta,
		ports:          make(map[string]PortID, len(desc.Ports)),
		runner:         desc.Factory(),
		version:        desc.Version,
		recoverable:    desc.Recoverable,
		runsOnAnyInput: desc.RunsOnAnyInput,
		flow:           f,
	}
	f.nodes = append(f.nodes, n)
	f.nodesByKey[key] = n.id

	for i := range desc.Ports {
		spec := &desc.Ports[i]
		p := f.newPortLocked(n.id, None, spec.Key, spec.Dir, spec.Schema.Clone())
		if spec.Schema.Kind == KindStream {
			p.stream = NewMultiChannelWith(spec.StreamCapacity, spec.StreamMaxLag)
		}
		n.ports[spec.Key] = p.id
		f.materializeChildrenLocked(p)
		if spec.Default != nil {
			p.mu.Lock()
			p.setLocked(deepClone(spec.Default))
			p.mu.Unlock()
		}
	}

	if err := n.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize node %s: %w", key, err)
	}
	return n, nil
}

// newPortLocked allocates a port in the arena. Callers must hold f.mu.
func (f *Flow) newPortLocked(node NodeID, parent PortID, key string, dir Direction, schema *Schema) *Port {
	p := &Port{
		id:     PortID(len(f.ports)),
		key:    key,
		node:   node,
		parent: parent,
		dir:    dir,
		schema: schema,
	}
	f.ports = append(f.ports, p)
	return p
}

// materializeChildrenLocked creates child ports for an object port's declared
// properties. Array children are materialized lazily on write, keyed by
// index. Callers must hold f.mu.
func (f *Flow) materializeChildrenLocked(p *Port) {
	schema := p.schema.Resolved()
	if schema.Kind != KindObject || len(schema.Properties) == 0 {
		return
	}
	if p.children == nil {
		p.children = make(map[string]PortID, len(schema.Properties))
	}
	for key, child := range schema.Properties {
		if _, ok := p.children[key]; ok {
			continue
		}
		cp := f.newPortLocked(p.node, p.id, key, p.dir, child.Clone())
		p.children[key] = cp.id
	}
}

// Node resolves a node by key.
func (f *Flow) Node(key string) (*Node, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.nodesByKey[key]
	if !ok {
		return nil, false
	}
	return f.nodes[id], true
}

// NodeByID resolves a node by arena id.
func (f *Flow) NodeByID(id NodeID) (*Node, bool) {
	if id < 0 || int(id) >= len(f.nodes) {
		return nil, false
	}
	return f.nodes[id], true
}

// Nodes returns all nodes sorted by key.
func (f *Flow) Nodes() []*Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]*Node(nil), f.nodes...)
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// Edges returns the live edges of the flow.
func (f *Flow) Edges() []*Edge {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Edge, 0, len(f.edges))
	for _, e := range f.edges {
		if !e.removed {
			out = append(out, e)
		}
	}
	return out
}

// Edge resolves an edge by id.
func (f *Flow) Edge(id EdgeID) (*Edge, bool) {
	if id < 0 || int(id) >= len(f.edges) || f.edges[id].removed {
		return nil, false
	}
	return f.edges[id], true
}

// port resolves an arena port id. Ports are never removed, so no liveness check.
func (f *Flow) port(id PortID) *Port {
	return f.ports[id]
}

// Port resolves an arena port id for callers outside the package.
func (f *Flow) Port(id PortID) (*Port, bool) {
	if id < 0 || int(id) >= len(f.ports) {
		return nil, false
	}
	return f.ports[id], true
}

// Connect validates and adds an edge from a source port to a target port.
// It rejects type mismatches, cardinality violations on single-producer
// inputs, and connections that would close a cycle over non-stream edges.
// Unbound any ports adopt the peer's resolved schema on success.
func (f *Flow) Connect(sourceNode, sourcePort, targetNode, targetPort string) (*Edge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sn, ok := f.nodesByKey[sourceNode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, sourceNode)
	}
	tn, ok := f.nodesByKey[targetNode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, targetNode)
	}
	spID, ok := f.nodes[sn].ports[sourcePort]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrPortNotFound, sourceNode, sourcePort)
	}
	tpID, ok := f.nodes[tn].ports[targetPort]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrPortNotFound, targetNode, targetPort)
	}
	sp, tp := f.ports[spID], f.ports[tpID]

	if sp.dir == Input {
		return nil, fmt.Errorf("port %s.%s is not an output", sourceNode, sourcePort)
	}
	if tp.dir == Output {
		return nil, fmt.Errorf("port %s.%s is not an input", targetNode, targetPort)
	}

	if !compatible(sp.schema, tp.schema) {
		return nil, &TypeMismatchError{
			Port: targetNode + "." + targetPort,
			Want: tp.schema.Resolved().Kind,
			Got:  sp.schema.Resolved().Kind,
		}
	}

	// Single producer per scalar input; stream, object and array targets
	// accept multiple producers.
	switch tp.schema.Resolved().Kind {
	case KindStream, KindObject, KindArray:
	default:
		for _, e := range f.edges {
			if !e.removed && e.targetPort == tpID {
				return nil, &CardinalityError{Port: targetNode + "." + targetPort}
			}
		}
	}

	if f.wouldCycleLocked(sn, tn, tp) {
		return nil, &CycleError{Source: sourceNode, Target: targetNode}
	}

	e := &Edge{
		id:         EdgeID(len(f.edges)),
		source:     sn,
		sourcePort: spID,
		target:     tn,
		targetPort: tpID,
		meta:       make(map[string]any),
	}
	f.edges = append(f.edges, e)
	sp.mu.Lock()
	sp.conns = append(sp.conns, e.id)
	sp.mu.Unlock()
	tp.mu.Lock()
	tp.conns = append(tp.conns, e.id)
	tp.mu.Unlock()

	// Unbound any ports adopt the peer's resolved schema.
	if tp.schema.Kind == KindAny && tp.schema.Underlying == nil && sp.schema.Bound() {
		f.bindAnyLocked(tp, sp.schema.Resolved().Clone())
	}
	if sp.schema.Kind == KindAny && sp.schema.Underlying == nil && tp.schema.Bound() {
		f.bindAnyLocked(sp, tp.schema.Resolved().Clone())
	}

	return e, nil
}

// Disconnect removes an edge. Any ports bound through their last connection
// revert to unbound and drop synthesized child ports.
func (f *Flow) Disconnect(id EdgeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if id < 0 || int(id) >= len(f.edges) || f.edges[id].removed {
		return ErrEdgeNotFound
	}
	e := f.edges[id]
	e.removed = true

	sp, tp := f.ports[e.sourcePort], f.ports[e.targetPort]
	removeConn(sp, id)
	removeConn(tp, id)

	for _, p := range []*Port{sp, tp} {
		if p.schema.Kind == KindAny && p.schema.Underlying != nil && len(p.conns) == 0 {
			f.unbindAnyLocked(p)
		}
	}
	return nil
}

func removeConn(p *Port, id EdgeID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.conns {
		if c == id {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return
		}
	}
}

// wouldCycleLocked runs Kahn's algorithm over non-stream edges assuming an
// extra src -> dst edge. Edges whose target port is a stream are the
// sanctioned back-edge carrier and are ignored. Callers must hold f.mu.
func (f *Flow) wouldCycleLocked(src, dst NodeID, dstPort *Port) bool {
	type link struct{ from, to NodeID }
	links := make([]link, 0, len(f.edges)+1)
	for _, e := range f.edges {
		if e.removed {
			continue
		}
		if f.ports[e.targetPort].schema.Resolved().Kind == KindStream {
			continue
		}
		links = append(links, link{e.source, e.target})
	}
	if dstPort.schema.Resolved().Kind != KindStream {
		links = append(links, link{src, dst})
	}

	indeg := make([]int, len(f.nodes))
	out := make([][]NodeID, len(f.nodes))
	for _, l := range links {
		indeg[l.to]++
		out[l.from] = append(out[l.from], l.to)
	}

	queue := make([]NodeID, 0, len(f.nodes))
	for i := range f.nodes {
		if indeg[i] == 0 {
			queue = append(queue, NodeID(i))
		}
	}
	drained := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		drained++
		for _, m := range out[n] {
			indeg[m]--
			if indeg[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	return drained != len(f.nodes)
}

// SetValue validates and writes a value to a port, bumping its version.
// Object and array values are deep-merged with the existing value by child
// key or index; child ports are updated in place when the schema shape is
// unchanged and materialized when new.
func (f *Flow) SetValue(id PortID, v any) error {
	p, ok := f.Port(id)
	if !ok {
		return ErrPortNotFound
	}

	schema := p.Schema().Resolved()
	if err := validateValue(p, schema, v); err != nil {
		return err
	}

	p.mu.Lock()
	switch schema.Kind {
	case KindObject, KindArray:
		p.setLocked(deepMerge(p.value, v))
	default:
		p.setLocked(deepClone(v))
	}
	merged := p.value
	p.mu.Unlock()

	if schema.Kind == KindObject || schema.Kind == KindArray {
		f.mu.Lock()
		f.syncChildrenLocked(p, merged)
		f.mu.Unlock()
	}
	return nil
}

// validateValue checks a candidate value against the port's resolved schema.
func validateValue(p *Port, schema *Schema, v any) error {
	if v == nil {
		return nil
	}
	got := kindOf(v)
	want := schema.Kind
	switch want {
	case KindAny:
		return nil
	case KindEnum:
		s, ok := v.(string)
		if !ok {
			return &TypeMismatchError{Port: p.key, Want: want, Got: got}
		}
		for _, opt := range schema.Options {
			if opt == s {
				return nil
			}
		}
		return &TypeMismatchError{Port: p.key, Want: want, Got: got}
	case KindSecret:
		if got != KindString {
			return &TypeMismatchError{Port: p.key, Want: want, Got: got}
		}
		return nil
	case KindStream:
		if got != KindStream {
			return &TypeMismatchError{Port: p.key, Want: want, Got: got}
		}
		return nil
	default:
		if got != want {
			return &TypeMismatchError{Port: p.key, Want: want, Got: got}
		}
		return nil
	}
}

// syncChildrenLocked pushes a merged container value down into child ports,
// reusing existing children when the shape is unchanged. Callers must hold f.mu.
func (f *Flow) syncChildrenLocked(p *Port, merged any) {
	schema := p.schema.Resolved()
	switch schema.Kind {
	case KindObject:
		m, ok := merged.(map[string]any)
		if !ok {
			return
		}
		f.materializeChildrenLocked(p)
		for key, val := range m {
			cid, ok := p.children[key]
			if !ok {
				var cs *Schema
				if schema.Properties != nil {
					cs = schema.Properties[key].Clone()
				}
				if cs == nil {
					cs = &Schema{Kind: kindOf(val)}
				}
				cp := f.newPortLocked(p.node, p.id, key, p.dir, cs)
				if p.children == nil {
					p.children = make(map[string]PortID)
				}
				p.children[key] = cp.id
				cid = cp.id
				f.notifyPortUpdate(cp)
			}
			cp := f.ports[cid]
			cp.mu.Lock()
			cp.setLocked(val)
			cp.mu.Unlock()
			f.syncChildrenLocked(cp, val)
		}
	case KindArray:
		a, ok := merged.([]any)
		if !ok {
			return
		}
		for i, val := range a {
			key := strconv.Itoa(i)
			cid, ok := p.children[key]
			if !ok {
				cs := schema.Item.Clone()
				if cs == nil {
					cs = &Schema{Kind: kindOf(val)}
				}
				cp := f.newPortLocked(p.node, p.id, key, p.dir, cs)
				if p.children == nil {
					p.children = make(map[string]PortID)
				}
				p.children[key] = cp.id
				cid = cp.id
				f.notifyPortUpdate(cp)
			}
			cp := f.ports[cid]
			cp.mu.Lock()
			cp.setLocked(val)
			cp.mu.Unlock()
			f.syncChildrenLocked(cp, val)
		}
	}
}

// Propagate copies the source port's value across a non-stream edge into the
// target port (deep clone, then the usual merge rules). For stream edges it
// is a no-op returning true: item forwarding is performed by StreamPump.
func (f *Flow) Propagate(id EdgeID) (streamEdge bool, err error) {
	e, ok := f.Edge(id)
	if !ok {
		return false, ErrEdgeNotFound
	}
	tp := f.ports[e.targetPort]
	if tp.Schema().Resolved().Kind == KindStream {
		return true, nil
	}
	sp := f.ports[e.sourcePort]
	return false, f.SetValue(tp.id, deepClone(sp.Value()))
}

// StreamPump returns a background action forwarding items across a stream
// edge until the source closes or the context is cancelled. When the source
// port is a value port the pump sends its value once.
func (f *Flow) StreamPump(id EdgeID) (BackgroundAction, error) {
	e, ok := f.Edge(id)
	if !ok {
		return nil, ErrEdgeNotFound
	}
	sp := f.ports[e.sourcePort]
	tp := f.ports[e.targetPort]
	if tp.stream == nil {
		return nil, fmt.Errorf("edge %d target is not a stream port", id)
	}

	if sp.stream == nil {
		return func(ctx context.Context) error {
			return tp.stream.Send(ctx, deepClone(sp.Value()))
		}, nil
	}

	cursor := sp.stream.Subscribe()
	return func(ctx context.Context) error {
		defer cursor.Cancel()
		for {
			item, err := cursor.Next(ctx)
			if errors.Is(err, ErrStreamDone) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := tp.stream.Send(ctx, item); err != nil {
				return err
			}
		}
	}, nil
}

// BindAny binds an unbound any port to a concrete schema, materializes child
// ports for object schemas, pushes the binding to downstream unbound any
// ports, and notifies the port watcher.
func (f *Flow) BindAny(id PortID, schema *Schema) error {
	p, ok := f.Port(id)
	if !ok {
		return ErrPortNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.schema.Kind != KindAny {
		return ErrNotAnyPort
	}
	f.bindAnyLocked(p, schema.Clone())
	return nil
}

func (f *Flow) bindAnyLocked(p *Port, schema *Schema) {
	p.mu.Lock()
	p.schema.Underlying = schema
	p.version++
	p.mu.Unlock()
	f.materializeChildrenLocked(p)
	f.notifyPortUpdate(p)

	// Propagate the resolved schema downstream: across outgoing edges, and
	// through the node from a bound input to unbound any outputs.
	for _, eid := range p.conns {
		e := f.edges[eid]
		if e.removed || e.sourcePort != p.id {
			continue
		}
		tp := f.ports[e.targetPort]
		if tp.schema.Kind == KindAny && tp.schema.Underlying == nil {
			f.bindAnyLocked(tp, schema.Clone())
		}
	}
	if p.dir != Output {
		n := f.nodes[p.node]
		for _, pid := range n.ports {
			sibling := f.ports[pid]
			if sibling.dir == Input || sibling.id == p.id {
				continue
			}
			if sibling.schema.Kind == KindAny && sibling.schema.Underlying == nil {
				f.bindAnyLocked(sibling, schema.Clone())
			}
		}
	}
}

// UnbindAny clears an any port's underlying schema and deletes synthesized
// child ports.
func (f *Flow) UnbindAny(id PortID) error {
	p, ok := f.Port(id)
	if !ok {
		return ErrPortNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.schema.Kind != KindAny {
		return ErrNotAnyPort
	}
	f.unbindAnyLocked(p)
	return nil
}

func (f *Flow) unbindAnyLocked(p *Port) {
	p.mu.Lock()
	p.schema.Underlying = nil
	p.children = nil
	p.value = nil
	p.version++
	p.mu.Unlock()
	f.notifyPortUpdate(p)
}

// InDegrees returns the per-node count of incoming non-stream edges, the
// basis for the engine's ready queue.
func (f *Flow) InDegrees() map[NodeID]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	indeg := make(map[NodeID]int, len(f.nodes))
	for _, n := range f.nodes {
		indeg[n.id] = 0
	}
	for _, e := range f.edges {
		if e.removed {
			continue
		}
		if f.ports[e.targetPort].schema.Resolved().Kind == KindStream {
			continue
		}
		indeg[e.target]++
	}
	return indeg
}

// OutEdges returns the live edges leaving any output port of the node.
func (f *Flow) OutEdges(id NodeID) []*Edge {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Edge
	for _, e := range f.edges {
		if !e.removed && e.source == id {
			out = append(out, e)
		}
	}
	return out
}

// StreamEdge reports whether the edge targets a stream port.
func (f *Flow) StreamEdge(e *Edge) bool {
	return f.ports[e.targetPort].Schema().Resolved().Kind == KindStream
}
