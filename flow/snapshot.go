package flow

import (
	"encoding/json"
	"fmt"
)

// NodeSnapshot is the persisted form of one node.
type NodeSnapshot struct {
	Key      string         `json:"key"`
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// Values seeds top-level port values at materialization.
	Values map[string]any `json:"values,omitempty"`
}

// EdgeSnapshot is the persisted form of one edge.
type EdgeSnapshot struct {
	SourceNode string         `json:"sourceNode"`
	SourcePort string         `json:"sourcePort"`
	TargetNode string         `json:"targetNode"`
	TargetPort string         `json:"targetPort"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Snapshot is the immutable-per-execution persisted form of a flow. Loading a
// snapshot materializes a fresh arena; authoring-side mutations produce a new
// snapshot.
type Snapshot struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Nodes    []NodeSnapshot `json:"nodes"`
	Edges    []EdgeSnapshot `json:"edges"`
}

// Encode serializes the snapshot to JSON.
func (s *Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses a JSON snapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode flow snapshot: %w", err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("flow snapshot missing id")
	}
	return &s, nil
}

// Materialize builds a live flow arena from the snapshot, validating node
// types, port references, edge compatibility and acyclicity as it goes.
func (s *Snapshot) Materialize(registry *Registry) (*Flow, error) {
	f := New(s.ID, registry)
	if s.Metadata != nil {
		for k, v := range s.Metadata {
			f.meta[k] = v
		}
	}
	for _, ns := range s.Nodes {
		n, err := f.AddNode(ns.Key, ns.Type, ns.Metadata)
		if err != nil {
			return nil, fmt.Errorf("materialize node %s: %w", ns.Key, err)
		}
		for key, val := range ns.Values {
			p, ok := n.Port(key)
			if !ok {
				return nil, fmt.Errorf("node %s has no port %s", ns.Key, key)
			}
			if err := f.SetValue(p.ID(), val); err != nil {
				return nil, fmt.Errorf("seed %s.%s: %w", ns.Key, key, err)
			}
		}
	}
	for _, es := range s.Edges {
		e, err := f.Connect(es.SourceNode, es.SourcePort, es.TargetNode, es.TargetPort)
		if err != nil {
			return nil, fmt.Errorf("materialize edge %s.%s -> %s.%s: %w",
				es.SourceNode, es.SourcePort, es.TargetNode, es.TargetPort, err)
		}
		for k, v := range es.Metadata {
			e.meta[k] = v
		}
	}
	return f, nil
}

// SnapshotOf captures the structural state of a flow: nodes with their
// current top-level port values, and edges. Stream values are not captured.
func SnapshotOf(f *Flow) *Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := &Snapshot{ID: f.id, Metadata: f.meta}
	for _, n := range f.nodes {
		ns := NodeSnapshot{Key: n.key, Type: n.typ, Metadata: n.meta, Values: make(map[string]any)}
		for key, pid := range n.ports {
			p := f.ports[pid]
			if p.schema.Resolved().Kind == KindStream {
				continue
			}
			if v := p.Value(); v != nil {
				ns.Values[key] = v
			}
		}
		s.Nodes = append(s.Nodes, ns)
	}
	for _, e := range f.edges {
		if e.removed {
			continue
		}
		s.Edges = append(s.Edges, EdgeSnapshot{
			SourceNode: f.nodes[e.source].key,
			SourcePort: f.ports[e.sourcePort].key,
			TargetNode: f.nodes[e.target].key,
			TargetPort: f.ports[e.targetPort].key,
			Metadata:   e.meta,
		})
	}
	return s
}
