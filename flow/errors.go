package flow

import (
	"errors"
	"fmt"
)

var (
	// ErrNodeNotFound is returned when a node is not found in the flow.
	ErrNodeNotFound = errors.New("node not found")

	// ErrPortNotFound is returned when a port is not found on a node.
	ErrPortNotFound = errors.New("port not found")

	// ErrEdgeNotFound is returned when an edge id does not resolve.
	ErrEdgeNotFound = errors.New("edge not found")

	// ErrStreamClosed is returned by Send after the channel has been closed.
	ErrStreamClosed = errors.New("stream closed")

	// ErrStreamDone is returned by a cursor once the channel is closed and drained.
	ErrStreamDone = errors.New("stream done")

	// ErrStreamLagged is returned to a consumer evicted for falling too far behind.
	ErrStreamLagged = errors.New("stream consumer lagged")

	// ErrNotAnyPort is returned when binding a port whose kind is not KindAny.
	ErrNotAnyPort = errors.New("port is not an any port")
)

// TypeMismatchError reports an incompatible value or connection for a port.
type TypeMismatchError struct {
	Port string
	Want Kind
	Got  Kind
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch on port %s: want %s, got %s", e.Port, e.Want, e.Got)
}

// CycleError reports a connection that would close a cycle over data edges.
type CycleError struct {
	Source string
	Target string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("connecting %s -> %s would create a cycle", e.Source, e.Target)
}

// CardinalityError reports a second producer for a single-producer input.
type CardinalityError struct {
	Port string
}

func (e *CardinalityError) Error() string {
	return fmt.Sprintf("input port %s already has a producer", e.Port)
}
