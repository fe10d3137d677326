package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smallnest/chaingraph/execution"
	"github.com/smallnest/chaingraph/flow"
	"github.com/smallnest/chaingraph/log"
)

// Config assembles an Engine.
type Config struct {
	Flow   *flow.Flow
	Exec   *execution.Context
	Logger log.Logger
	// StartPaused engages the debugger gate before the first node runs.
	StartPaused bool
	// Breakpoints arms node-key breakpoints before the run starts.
	Breakpoints []string
	// Integrations are handed to node environments by name.
	Integrations map[string]any
}

// Engine runs one execution of one flow to a terminal status. It exclusively
// borrows the flow arena for the lifetime of Execute; Execute is not
// re-entrant.
type Engine struct {
	flow   *flow.Flow
	exec   *execution.Context
	dbg    *Debugger
	logger log.Logger
	pumps  *pumpTracker

	ran atomic.Bool
}

// pumpTracker counts live pumps per target stream port and closes the stream
// once the last feeding pump is accounted for, so consumer background actions
// observe end-of-stream instead of blocking forever.
type pumpTracker struct {
	mu        sync.Mutex
	remaining map[flow.PortID]int
	flow      *flow.Flow
}

func newPumpTracker(f *flow.Flow) *pumpTracker {
	t := &pumpTracker{remaining: make(map[flow.PortID]int), flow: f}
	for _, e := range f.Edges() {
		if f.StreamEdge(e) {
			t.remaining[e.TargetPort()]++
		}
	}
	return t
}

// done retires one feed of the target port, closing the stream at zero.
func (t *pumpTracker) done(port flow.PortID) {
	t.mu.Lock()
	t.remaining[port]--
	last := t.remaining[port] == 0
	t.mu.Unlock()
	if !last {
		return
	}
	if p, ok := t.flow.Port(port); ok {
		if s := p.Stream(); s != nil {
			s.Close()
		}
	}
}

// retire accounts for the stream edges of a node that will never pump
// (skipped or failed before launch).
func (t *pumpTracker) retire(n *flow.Node) {
	for _, e := range t.flow.OutEdges(n.ID()) {
		if t.flow.StreamEdge(e) {
			t.done(e.TargetPort())
		}
	}
}

// New builds an engine over a materialized flow and its execution context.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &Engine{
		flow:   cfg.Flow,
		exec:   cfg.Exec,
		dbg:    NewDebugger(cfg.Exec, cfg.StartPaused, cfg.Breakpoints),
		logger: logger,
	}
}

// Debugger returns the control handle shared with command bridges.
func (e *Engine) Debugger() *Debugger { return e.dbg }

type nodeResult struct {
	node    *flow.Node
	result  *flow.Result
	err     error
	elapsed time.Duration
	aborted bool
}

// Execute runs the flow to completion. It blocks until a terminal status is
// reached and exactly one terminal event has been emitted. The returned
// status is COMPLETED, FAILED or STOPPED.
func (e *Engine) Execute(ctx context.Context) (execution.Status, error) {
	if !e.ran.CompareAndSwap(false, true) {
		return execution.StatusFailed, ErrNotReentrant
	}

	e.exec.SendEvent(execution.FlowStarted, map[string]any{"flowId": e.flow.ID()})

	// Stop before start: finalize without touching any node.
	if e.dbg.Stopped() {
		return e.finish(execution.StatusStopped, ErrAborted)
	}

	opts := e.exec.Options()
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var flowTimedOut atomic.Bool
	if opts.FlowTimeout > 0 {
		timer := time.AfterFunc(opts.FlowTimeout, func() {
			flowTimedOut.Store(true)
			cancelRun()
		})
		defer timer.Stop()
	}

	// External cooperative cancellation unwinds running nodes.
	go func() {
		select {
		case <-e.exec.Cancelled():
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	e.pumps = newPumpTracker(e.flow)

	var pumps errgroup.Group
	var actions errgroup.Group

	runErr := e.schedule(runCtx, cancelRun, opts, &pumps, &actions)

	// Background actions may still be feeding streams; wait for them before
	// closing, then drain the pumps. All of them observe runCtx.
	actionErr := actions.Wait()
	e.closeStreams()
	pumpErr := pumps.Wait()

	switch {
	case flowTimedOut.Load():
		return e.finish(execution.StatusFailed, ErrFlowTimeout)
	case runErr != nil && errors.Is(runErr, ErrAborted):
		return e.finish(execution.StatusStopped, runErr)
	case runErr != nil:
		return e.finish(execution.StatusFailed, runErr)
	case e.exec.IsCancelled():
		return e.finish(execution.StatusStopped, ErrAborted)
	case actionErr != nil && !errors.Is(actionErr, context.Canceled):
		return e.finish(execution.StatusFailed, actionErr)
	case pumpErr != nil && !errors.Is(pumpErr, context.Canceled):
		return e.finish(execution.StatusFailed, pumpErr)
	}
	return e.finish(execution.StatusCompleted, nil)
}

// schedule is the ready-queue loop over the graph restricted to non-stream
// edges. Results are consumed one at a time in this goroutine, so port
// propagation and in-degree bookkeeping never race.
func (e *Engine) schedule(ctx context.Context, cancel context.CancelFunc, opts execution.Options, pumps, actions *errgroup.Group) error {
	indeg := e.flow.InDegrees()

	maxConc := opts.MaxConcurrency
	if maxConc <= 0 {
		maxConc = len(indeg)
	}

	// skippedIn counts inputs marked skipped by an upstream skip; a node is
	// skipped once every one of its inputs is.
	skippedIn := make(map[flow.NodeID]int, len(indeg))
	totalIn := make(map[flow.NodeID]int, len(indeg))
	for id, n := range indeg {
		totalIn[id] = n
	}

	var ready []*flow.Node
	for _, n := range e.flow.Nodes() {
		if indeg[n.ID()] == 0 {
			ready = append(ready, n)
		}
	}
	sortReady(ready)

	results := make(chan nodeResult)
	running := 0
	var firstErr error

	enqueue := func(n *flow.Node) {
		ready = append(ready, n)
		sortReady(ready)
	}

	// Marks the target of each outgoing non-stream edge and enqueues nodes
	// whose in-degree drops to zero.
	release := func(n *flow.Node, skip bool) {
		for _, edge := range e.flow.OutEdges(n.ID()) {
			if e.flow.StreamEdge(edge) {
				continue
			}
			target, _ := e.flow.NodeByID(edge.Target())
			if skip {
				skippedIn[target.ID()]++
			}
			indeg[target.ID()]--
			if indeg[target.ID()] == 0 {
				enqueue(target)
			}
		}
	}

	for {
		for firstErr == nil && running < maxConc && len(ready) > 0 {
			n := ready[0]
			ready = ready[1:]

			if e.shouldSkip(n, skippedIn, totalIn) {
				e.exec.SendEvent(execution.NodeSkipped, map[string]any{"node": n.Key()})
				e.pumps.retire(n)
				release(n, true)
				continue
			}

			e.startStreamPumps(ctx, n, pumps)
			running++
			go func(n *flow.Node) {
				results <- e.runNode(ctx, n, opts, actions)
			}(n)
		}

		if running == 0 {
			break
		}

		res := <-results
		running--

		switch {
		case res.aborted:
			e.closeNodeStreams(res.node)
			if firstErr == nil {
				firstErr = ErrAborted
				cancel()
			}
		case res.err != nil:
			e.exec.SendEvent(execution.NodeFailed, map[string]any{
				"node":  res.node.Key(),
				"error": res.err.Error(),
			})
			// A failed node produces no more stream items; let its pumps drain.
			e.closeNodeStreams(res.node)
			if res.node.Recoverable() {
				e.logger.Warn("node %s failed, skipping (recoverable): %v", res.node.Key(), res.err)
				e.exec.SendEvent(execution.NodeSkipped, map[string]any{"node": res.node.Key()})
				release(res.node, true)
				continue
			}
			if firstErr == nil {
				firstErr = &NodeError{Node: res.node.Key(), Err: res.err}
				cancel()
			}
		default:
			e.exec.SendEvent(execution.NodeCompleted, map[string]any{
				"node":          res.node.Key(),
				"executionTime": res.elapsed.Milliseconds(),
			})
			if err := e.transfer(res.node); err != nil {
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				continue
			}
			release(res.node, false)
			if res.result != nil {
				for _, act := range res.result.Background {
					act := act
					actions.Go(func() error { return act(ctx) })
				}
			}
		}
	}

	return firstErr
}

// runNode emits NODE_STARTED, passes the debugger gate and invokes the node
// under its per-node timeout.
func (e *Engine) runNode(ctx context.Context, n *flow.Node, opts execution.Options, actions *errgroup.Group) nodeResult {
	e.exec.SendEvent(execution.NodeStarted, map[string]any{"node": n.Key()})

	if err := e.dbg.Gate(ctx, n.Key()); err != nil {
		return nodeResult{node: n, aborted: true}
	}

	nodeCtx := ctx
	if opts.NodeTimeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, opts.NodeTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := n.Execute(nodeCtx, &nodeEnv{exec: e.exec, node: n.Key()})
	elapsed := time.Since(start)

	if err == nil && errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = ErrNodeTimeout
	}
	if err == nil && ctx.Err() != nil {
		return nodeResult{node: n, aborted: true}
	}
	return nodeResult{node: n, result: res, err: err, elapsed: elapsed}
}

// transfer moves values across the node's outgoing non-stream edges. Runs in
// the scheduler goroutine, so successors never observe a half-written port.
func (e *Engine) transfer(n *flow.Node) error {
	for _, edge := range e.flow.OutEdges(n.ID()) {
		if e.flow.StreamEdge(edge) {
			continue
		}
		target, _ := e.flow.NodeByID(edge.Target())
		sp, _ := e.flow.Port(edge.SourcePort())
		tp, _ := e.flow.Port(edge.TargetPort())
		data := map[string]any{
			"sourceNode": n.Key(),
			"sourcePort": sp.Key(),
			"targetNode": target.Key(),
			"targetPort": tp.Key(),
		}
		e.exec.SendEvent(execution.EdgeTransferStarted, data)
		if _, err := e.flow.Propagate(edge.ID()); err != nil {
			failed := map[string]any{"error": err.Error()}
			for k, v := range data {
				failed[k] = v
			}
			e.exec.SendEvent(execution.EdgeTransferFailed, failed)
			return fmt.Errorf("transfer %s.%s -> %s.%s: %w", n.Key(), sp.Key(), target.Key(), tp.Key(), err)
		}
		e.exec.SendEvent(execution.EdgeTransferCompleted, data)
	}
	return nil
}

// startStreamPumps spawns the forwarding actions for the node's outgoing
// stream edges before the node runs, so downstream consumers see items as
// they are produced.
func (e *Engine) startStreamPumps(ctx context.Context, n *flow.Node, pumps *errgroup.Group) {
	for _, edge := range e.flow.OutEdges(n.ID()) {
		if !e.flow.StreamEdge(edge) {
			continue
		}
		pump, err := e.flow.StreamPump(edge.ID())
		if err != nil {
			e.logger.Warn("stream pump for edge %d: %v", edge.ID(), err)
			continue
		}
		targetPort := edge.TargetPort()
		pumps.Go(func() error {
			err := pump(ctx)
			e.pumps.done(targetPort)
			if errors.Is(err, flow.ErrStreamClosed) || errors.Is(err, flow.ErrStreamDone) {
				return nil
			}
			return err
		})
	}
}

// shouldSkip implements transitive skip propagation: a node whose inputs were
// all marked skipped is itself skipped, unless it opted into running on any
// input.
func (e *Engine) shouldSkip(n *flow.Node, skippedIn, totalIn map[flow.NodeID]int) bool {
	total := totalIn[n.ID()]
	if total == 0 || skippedIn[n.ID()] < total {
		return false
	}
	return !n.RunsOnAnyInput()
}

// closeNodeStreams closes the output streams of one node that will produce
// nothing further.
func (e *Engine) closeNodeStreams(n *flow.Node) {
	for _, key := range n.PortKeys() {
		p, ok := n.Port(key)
		if !ok || p.Kind() != flow.KindStream || p.Direction() != flow.Output {
			continue
		}
		if s := p.Stream(); s != nil {
			s.Close()
		}
	}
}

// closeStreams closes every still-open stream channel so pump goroutines can
// drain and exit.
func (e *Engine) closeStreams() {
	for _, n := range e.flow.Nodes() {
		for _, key := range n.PortKeys() {
			p, ok := n.Port(key)
			if !ok || p.Kind() != flow.KindStream {
				continue
			}
			if s := p.Stream(); s != nil {
				s.Close()
			}
		}
	}
}

// finish emits the single terminal event and returns the terminal status.
func (e *Engine) finish(status execution.Status, cause error) (execution.Status, error) {
	data := map[string]any{}
	switch status {
	case execution.StatusCompleted:
		e.exec.SendEvent(execution.FlowCompleted, nil)
		return status, nil
	case execution.StatusStopped:
		reason := "stopped by debugger"
		if c := e.exec.CancelCause(); c != nil {
			reason = c.Error()
		}
		data["reason"] = reason
		e.exec.SendEvent(execution.FlowCancelled, data)
		return status, ErrAborted
	default:
		data["reason"] = cause.Error()
		var ne *NodeError
		if errors.As(cause, &ne) {
			data["node"] = ne.Node
		}
		switch {
		case errors.Is(cause, ErrFlowTimeout):
			data["code"] = "FLOW_TIMEOUT"
		case errors.Is(cause, ErrNodeTimeout):
			data["code"] = "NODE_TIMEOUT"
		default:
			data["code"] = "NODE_ERROR"
		}
		e.exec.SendEvent(execution.FlowFailed, data)
		return execution.StatusFailed, cause
	}
}

func sortReady(nodes []*flow.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Key() < nodes[j].Key() })
}

// nodeEnv scopes the execution facilities to one node, so debug lines carry
// the right attribution.
type nodeEnv struct {
	exec *execution.Context
	node string
}

func (env *nodeEnv) Log(format string, v ...any) {
	env.exec.SendEvent(execution.NodeDebugLogString, map[string]any{
		"node":    env.node,
		"message": fmt.Sprintf(format, v...),
	})
}

func (env *nodeEnv) SetStatus(status string) {
	env.exec.SendEvent(execution.NodeStatusChanged, map[string]any{
		"node":   env.node,
		"status": status,
	})
}

func (env *nodeEnv) Integration(name string) (any, bool) {
	return env.exec.Integration(name)
}

func (env *nodeEnv) StartChild(ctx context.Context, flowID string) (string, error) {
	return env.exec.StartChild(ctx, flowID)
}

func (env *nodeEnv) SecretKey() []byte {
	return env.exec.SecretKey()
}
