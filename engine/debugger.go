package engine

import (
	"context"
	"sync"

	"github.com/smallnest/chaingraph/execution"
)

// DebugState is the debugger controller's state.
type DebugState int

const (
	// DebugRunning lets every node through the gate, pausing only on
	// breakpoint hits.
	DebugRunning DebugState = iota
	// DebugPaused blocks every node at the gate until continue, step or stop.
	DebugPaused
	// DebugStepping releases exactly one node, then re-engages the gate.
	DebugStepping
	// DebugStopped aborts the execution at the next gate.
	DebugStopped
)

func (s DebugState) String() string {
	switch s {
	case DebugRunning:
		return "running"
	case DebugPaused:
		return "paused"
	case DebugStepping:
		return "stepping"
	case DebugStopped:
		return "stopped"
	}
	return "unknown"
}

// Debugger is the gate controller shared by the scheduler's node goroutines.
// The scheduler calls Gate immediately before invoking a node; control
// commands arrive from the debugger handle (locally or bridged off the bus).
type Debugger struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state DebugState
	bps   map[string]struct{}
	exec  *execution.Context
}

// NewDebugger builds a controller emitting pause/resume/breakpoint events
// through the given execution context. startPaused engages the gate before
// the first node.
func NewDebugger(exec *execution.Context, startPaused bool, breakpoints []string) *Debugger {
	d := &Debugger{
		state: DebugRunning,
		bps:   make(map[string]struct{}, len(breakpoints)),
		exec:  exec,
	}
	d.cond = sync.NewCond(&d.mu)
	if startPaused {
		d.state = DebugPaused
	}
	for _, key := range breakpoints {
		d.bps[key] = struct{}{}
	}
	return d
}

// State returns the current controller state.
func (d *Debugger) State() DebugState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// AddBreakpoint arms a breakpoint on the node key.
func (d *Debugger) AddBreakpoint(nodeKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == DebugStopped {
		return
	}
	d.bps[nodeKey] = struct{}{}
}

// RemoveBreakpoint disarms a breakpoint.
func (d *Debugger) RemoveBreakpoint(nodeKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == DebugStopped {
		return
	}
	delete(d.bps, nodeKey)
}

// Breakpoints lists the armed breakpoints.
func (d *Debugger) Breakpoints() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.bps))
	for k := range d.bps {
		keys = append(keys, k)
	}
	return keys
}

// Pause engages the gate for every node not yet executing.
func (d *Debugger) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != DebugRunning {
		return
	}
	d.state = DebugPaused
	d.exec.SendEvent(execution.FlowPaused, nil)
	d.cond.Broadcast()
}

// Continue releases the gate and resumes free running.
func (d *Debugger) Continue() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != DebugPaused && d.state != DebugStepping {
		return
	}
	d.state = DebugRunning
	d.exec.SendEvent(execution.FlowResumed, nil)
	d.cond.Broadcast()
}

// Step releases exactly one node through the gate, then the gate re-engages.
func (d *Debugger) Step() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != DebugPaused {
		return
	}
	d.state = DebugStepping
	d.cond.Broadcast()
}

// Stop aborts the execution: every node at the gate unwinds with ErrAborted
// and the engine finalizes as stopped.
func (d *Debugger) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == DebugStopped {
		return
	}
	d.state = DebugStopped
	d.cond.Broadcast()
}

// Stopped reports whether Stop was called.
func (d *Debugger) Stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == DebugStopped
}

// Gate blocks until the controller allows the node to run. It returns
// ErrAborted once the debugger stopped, and the context error if the
// execution is cancelled while waiting.
func (d *Debugger) Gate(ctx context.Context, nodeKey string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == DebugRunning {
		if _, hit := d.bps[nodeKey]; hit {
			d.state = DebugPaused
			d.exec.SendEvent(execution.DebugBreakpointHit, map[string]any{"node": nodeKey})
		}
	}

	// Wake waiters when the context dies; cond.Wait cannot watch a channel.
	// The broadcast must hold the mutex, or it can fire between a waiter's
	// ctx check and its Wait and be lost.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
		case <-stop:
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch d.state {
		case DebugRunning:
			return nil
		case DebugStepping:
			// Consume the single release and re-engage the gate.
			d.state = DebugPaused
			return nil
		case DebugStopped:
			return ErrAborted
		}
		d.cond.Wait()
	}
}
