package engine

import "errors"

var (
	// ErrAborted is returned when the execution was stopped by the debugger
	// or cancelled from outside before it could complete.
	ErrAborted = errors.New("engine: execution aborted")

	// ErrNodeTimeout marks a node that exceeded its per-node timeout.
	ErrNodeTimeout = errors.New("engine: node timeout")

	// ErrFlowTimeout marks an execution that exceeded its flow timeout.
	ErrFlowTimeout = errors.New("engine: flow timeout")

	// ErrNotReentrant is returned by Execute when the engine is already
	// running or has already finished.
	ErrNotReentrant = errors.New("engine: execute is not re-entrant")
)

// NodeError wraps a failure of one node's execution.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string {
	return "engine: node " + e.Node + ": " + e.Err.Error()
}

func (e *NodeError) Unwrap() error { return e.Err }
