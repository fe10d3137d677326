package flow

import (
	"context"
)

// Env exposes the per-execution facilities node code may use while running.
// The engine hands every node an Env scoped to that node, so debug output and
// custom events carry the right attribution.
type Env interface {
	// Log streams a debug line to execution subscribers.
	Log(format string, v ...any)
	// SetStatus publishes a human-readable progress status for the node.
	SetStatus(status string)
	// Integration returns a named external collaborator (wallet, archai, ...).
	Integration(name string) (any, bool)
	// StartChild enqueues a child execution of the given flow and returns its id.
	StartChild(ctx context.Context, flowID string) (string, error)
	// SecretKey returns the ephemeral private key for secret port decryption,
	// encoded in PKCS #8 DER form.
	SecretKey() []byte
}

// Result is what a node execution produces. Output values are written to the
// node's output ports before returning; Background carries long-running
// actions that outlive the node (stream producers and the like).
type Result struct {
	// Background actions run cooperatively after the node returns. The
	// execution does not complete until all of them finish or are cancelled.
	Background []BackgroundAction
}

// BackgroundAction is a supervised long-running task spawned by a node.
// It must observe ctx and return promptly once cancelled.
type BackgroundAction func(ctx context.Context) error

// Runner executes a node's behaviour. Implementations are produced by a
// descriptor factory and must be safe to call from the engine's worker
// goroutines (one call per node instance at a time).
type Runner interface {
	// Initialize prepares the runner after the node's ports are materialized.
	Initialize(n *Node) error
	// Execute runs the node. Input port values are stable for the duration of
	// the call; output values written via n are propagated by the engine
	// afterwards.
	Execute(ctx context.Context, n *Node, env Env) (*Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, n *Node, env Env) (*Result, error)

// Initialize is a no-op.
func (f RunnerFunc) Initialize(*Node) error { return nil }

// Execute invokes the function.
func (f RunnerFunc) Execute(ctx context.Context, n *Node, env Env) (*Result, error) {
	return f(ctx, n, env)
}

// Node is an executable unit in the flow arena. Nodes are created from
// registered descriptors; their ports are materialized from the descriptor's
// port specs.
type Node struct {
	id   NodeID
	key  string
	typ  string
	meta map[string]any

	ports   map[string]PortID
	runner  Runner
	version int

	recoverable    bool
	runsOnAnyInput bool

	flow *Flow
}

// ID returns the arena id of the node.
func (n *Node) ID() NodeID { return n.id }

// Key returns the flow-unique node key. Scheduling ties are broken by
// lexicographic key order.
func (n *Node) Key() string { return n.key }

// Type returns the descriptor type the node was created from.
func (n *Node) Type() string { return n.typ }

// Metadata returns the node metadata map.
func (n *Node) Metadata() map[string]any { return n.meta }

// Version returns the descriptor version the node was materialized from.
func (n *Node) Version() int { return n.version }

// Recoverable reports whether a failure of this node skips it instead of
// aborting the execution.
func (n *Node) Recoverable() bool { return n.recoverable }

// RunsOnAnyInput reports whether the node still runs when its upstream
// inputs were skipped, instead of being skipped transitively.
func (n *Node) RunsOnAnyInput() bool { return n.runsOnAnyInput }

// Port resolves a node-local port key.
func (n *Node) Port(key string) (*Port, bool) {
	id, ok := n.ports[key]
	if !ok {
		return nil, false
	}
	return n.flow.port(id), true
}

// PortKeys lists the node's top-level port keys.
func (n *Node) PortKeys() []string {
	keys := make([]string, 0, len(n.ports))
	for k := range n.ports {
		keys = append(keys, k)
	}
	return keys
}

// In returns the value of an input port.
func (n *Node) In(key string) (any, bool) {
	p, ok := n.Port(key)
	if !ok {
		return nil, false
	}
	return p.Value(), true
}

// SetOut writes a value to an output port, applying the port runtime's
// validation and merge rules.
func (n *Node) SetOut(key string, v any) error {
	p, ok := n.Port(key)
	if !ok {
		return ErrPortNotFound
	}
	return n.flow.SetValue(p.ID(), v)
}

// OutStream returns the channel behind a stream output port.
func (n *Node) OutStream(key string) (*MultiChannel, bool) {
	p, ok := n.Port(key)
	if !ok || p.Kind() != KindStream {
		return nil, false
	}
	return p.Stream(), true
}

// InStream subscribes to a stream input port.
func (n *Node) InStream(key string) (*StreamCursor, bool) {
	p, ok := n.Port(key)
	if !ok || p.Kind() != KindStream {
		return nil, false
	}
	return p.Stream().Subscribe(), true
}

// Initialize runs the descriptor runner's initialization hook.
func (n *Node) Initialize() error {
	return n.runner.Initialize(n)
}

// Execute invokes the node's runner.
func (n *Node) Execute(ctx context.Context, env Env) (*Result, error) {
	return n.runner.Execute(ctx, n, env)
}
