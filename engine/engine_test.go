package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/chaingraph/execution"
	"github.com/smallnest/chaingraph/flow"
)

// collectRunner subscribes to its stream input during initialization so no
// item can slip past before the engine starts.
type collectRunner struct {
	mu     sync.Mutex
	cursor *flow.StreamCursor
	items  []float64
}

func (c *collectRunner) Initialize(n *flow.Node) error {
	cursor, ok := n.InStream("in")
	if !ok {
		return errors.New("missing stream input")
	}
	c.cursor = cursor
	return nil
}

func (c *collectRunner) Execute(ctx context.Context, n *flow.Node, env flow.Env) (*flow.Result, error) {
	return &flow.Result{Background: []flow.BackgroundAction{
		func(ctx context.Context) error {
			for {
				item, err := c.cursor.Next(ctx)
				if errors.Is(err, flow.ErrStreamDone) {
					return nil
				}
				if err != nil {
					return err
				}
				c.mu.Lock()
				c.items = append(c.items, item.(float64))
				c.mu.Unlock()
			}
		},
	}}, nil
}

func (c *collectRunner) collected() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.items...)
}

func engineRegistry(t *testing.T) (*flow.Registry, *collectRunner) {
	t.Helper()
	r := flow.NewRegistry()
	collector := &collectRunner{}

	require.NoError(t, r.Register(&flow.NodeDescriptor{
		Type:    "add",
		Version: 1,
		Ports: []flow.PortSpec{
			{Key: "a", Dir: flow.Input, Schema: &flow.Schema{Kind: flow.KindNumber}},
			{Key: "b", Dir: flow.Input, Schema: &flow.Schema{Kind: flow.KindNumber}},
			{Key: "sum", Dir: flow.Output, Schema: &flow.Schema{Kind: flow.KindNumber}},
		},
		Factory: func() flow.Runner {
			return flow.RunnerFunc(func(ctx context.Context, n *flow.Node, env flow.Env) (*flow.Result, error) {
				a, _ := n.In("a")
				b, _ := n.In("b")
				return nil, n.SetOut("sum", a.(float64)+b.(float64))
			})
		},
	}))

	require.NoError(t, r.Register(&flow.NodeDescriptor{
		Type:    "fail",
		Version: 1,
		Ports: []flow.PortSpec{
			{Key: "sum", Dir: flow.Output, Schema: &flow.Schema{Kind: flow.KindNumber}},
		},
		Factory: func() flow.Runner {
			return flow.RunnerFunc(func(ctx context.Context, n *flow.Node, env flow.Env) (*flow.Result, error) {
				return nil, errors.New("boom")
			})
		},
	}))

	require.NoError(t, r.Register(&flow.NodeDescriptor{
		Type:        "failsoft",
		Version:     1,
		Recoverable: true,
		Ports: []flow.PortSpec{
			{Key: "sum", Dir: flow.Output, Schema: &flow.Schema{Kind: flow.KindNumber}},
		},
		Factory: func() flow.Runner {
			return flow.RunnerFunc(func(ctx context.Context, n *flow.Node, env flow.Env) (*flow.Result, error) {
				return nil, errors.New("soft boom")
			})
		},
	}))

	require.NoError(t, r.Register(&flow.NodeDescriptor{
		Type:    "stubborn",
		Version: 1,
		Ports: []flow.PortSpec{
			{Key: "sum", Dir: flow.Output, Schema: &flow.Schema{Kind: flow.KindNumber}},
		},
		Factory: func() flow.Runner {
			return flow.RunnerFunc(func(ctx context.Context, n *flow.Node, env flow.Env) (*flow.Result, error) {
				// Deliberately ignores ctx until done.
				time.Sleep(200 * time.Millisecond)
				return nil, n.SetOut("sum", 1.0)
			})
		},
	}))

	require.NoError(t, r.Register(&flow.NodeDescriptor{
		Type:    "emit3",
		Version: 1,
		Ports: []flow.PortSpec{
			{Key: "out", Dir: flow.Output, Schema: &flow.Schema{Kind: flow.KindStream, Item: &flow.Schema{Kind: flow.KindNumber}}},
		},
		Factory: func() flow.Runner {
			return flow.RunnerFunc(func(ctx context.Context, n *flow.Node, env flow.Env) (*flow.Result, error) {
				out, _ := n.OutStream("out")
				return &flow.Result{Background: []flow.BackgroundAction{
					func(ctx context.Context) error {
						defer out.Close()
						for _, v := range []float64{1, 2, 3} {
							if err := out.Send(ctx, v); err != nil {
								return err
							}
						}
						return nil
					},
				}}, nil
			})
		},
	}))

	require.NoError(t, r.Register(&flow.NodeDescriptor{
		Type:    "collect",
		Version: 1,
		Ports: []flow.PortSpec{
			{Key: "in", Dir: flow.Input, Schema: &flow.Schema{Kind: flow.KindStream, Item: &flow.Schema{Kind: flow.KindNumber}}},
		},
		Factory: func() flow.Runner { return collector },
	}))

	return r, collector
}

type recorder struct {
	mu     sync.Mutex
	events []*execution.Event
}

func (r *recorder) handler(_ string, ev *execution.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []*execution.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*execution.Event(nil), r.events...)
}

func (r *recorder) ofType(types ...execution.EventType) []*execution.Event {
	want := make(map[execution.EventType]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	var out []*execution.Event
	for _, ev := range r.all() {
		if _, ok := want[ev.Type]; ok {
			out = append(out, ev)
		}
	}
	return out
}

func newRun(t *testing.T, f *flow.Flow, opts execution.Options, cfg Config) (*Engine, *execution.Context, *Emitter, *recorder) {
	t.Helper()
	em := NewEmitter()
	rec := &recorder{}
	em.OnAll(rec.handler)
	exec, err := execution.NewContext(execution.Config{
		FlowID:  f.ID(),
		Options: opts,
		Sink:    em.Sink(),
	})
	require.NoError(t, err)
	cfg.Flow = f
	cfg.Exec = exec
	return New(cfg), exec, em, rec
}

func nodeEventKeys(rec *recorder, typ execution.EventType) []string {
	var keys []string
	for _, ev := range rec.ofType(typ) {
		keys = append(keys, ev.Data["node"].(string))
	}
	return keys
}

func assertDenseIndexes(t *testing.T, rec *recorder) {
	t.Helper()
	events := rec.all()
	for i, ev := range events {
		assert.Equal(t, int64(i), ev.Index, "event log must be gapless")
	}
	terminal := 0
	for _, ev := range events {
		if ev.Type.Terminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal, "exactly one terminal event")
}

func TestExecute_LinearAdd(t *testing.T) {
	reg, _ := engineRegistry(t)
	f := flow.New("linear", reg)

	a, err := f.AddNode("a", "add", nil)
	require.NoError(t, err)
	b, err := f.AddNode("b", "add", nil)
	require.NoError(t, err)
	_, err = f.Connect("a", "sum", "b", "a")
	require.NoError(t, err)

	setNumber(t, f, a, "a", 5)
	setNumber(t, f, a, "b", 10)
	setNumber(t, f, b, "b", 20)

	eng, _, em, rec := newRun(t, f, execution.Options{}, Config{})
	status, err := eng.Execute(context.Background())
	em.Close()

	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, status)

	sumA, _ := a.In("sum")
	sumB, _ := b.In("sum")
	assert.Equal(t, 15.0, sumA)
	assert.Equal(t, 35.0, sumB)

	var types []execution.EventType
	for _, ev := range rec.all() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []execution.EventType{
		execution.FlowStarted,
		execution.NodeStarted,
		execution.NodeCompleted,
		execution.EdgeTransferStarted,
		execution.EdgeTransferCompleted,
		execution.NodeStarted,
		execution.NodeCompleted,
		execution.FlowCompleted,
	}, types)

	assertDenseIndexes(t, rec)
}

func TestExecute_DiamondLexicographicOrder(t *testing.T) {
	reg, _ := engineRegistry(t)
	f := flow.New("diamond", reg)

	sources := map[string][2]float64{
		"source1": {5, 10},
		"source2": {3, 7},
		"source3": {8, 2},
		"source4": {15, 5},
	}
	for key, in := range sources {
		n, err := f.AddNode(key, "add", nil)
		require.NoError(t, err)
		setNumber(t, f, n, "a", in[0])
		setNumber(t, f, n, "b", in[1])
	}
	for _, key := range []string{"merger1", "merger2", "final"} {
		_, err := f.AddNode(key, "add", nil)
		require.NoError(t, err)
	}
	for _, c := range [][4]string{
		{"source1", "sum", "merger1", "a"},
		{"source2", "sum", "merger1", "b"},
		{"source3", "sum", "merger2", "a"},
		{"source4", "sum", "merger2", "b"},
		{"merger1", "sum", "final", "a"},
		{"merger2", "sum", "final", "b"},
	} {
		_, err := f.Connect(c[0], c[1], c[2], c[3])
		require.NoError(t, err)
	}

	eng, _, em, rec := newRun(t, f, execution.Options{MaxConcurrency: 1}, Config{})
	status, err := eng.Execute(context.Background())
	em.Close()

	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, status)

	want := map[string]float64{
		"source1": 15, "source2": 10, "source3": 10, "source4": 20,
		"merger1": 25, "merger2": 30, "final": 55,
	}
	for key, sum := range want {
		n, ok := f.Node(key)
		require.True(t, ok)
		got, _ := n.In("sum")
		assert.Equal(t, sum, got, key)
	}

	// Ready peers are scheduled in lexicographic key order.
	assert.Equal(t, []string{
		"source1", "source2", "merger1", "source3", "source4", "merger2", "final",
	}, nodeEventKeys(rec, execution.NodeStarted))

	assertDenseIndexes(t, rec)
}

func TestExecute_Breakpoint(t *testing.T) {
	reg, _ := engineRegistry(t)
	f := flow.New("bp", reg)

	s1, err := f.AddNode("source1", "add", nil)
	require.NoError(t, err)
	s2, err := f.AddNode("source2", "add", nil)
	require.NoError(t, err)
	fin, err := f.AddNode("final", "add", nil)
	require.NoError(t, err)
	_, err = f.Connect("source1", "sum", "final", "a")
	require.NoError(t, err)
	_, err = f.Connect("source2", "sum", "final", "b")
	require.NoError(t, err)

	setNumber(t, f, s1, "a", 5)
	setNumber(t, f, s1, "b", 10)
	setNumber(t, f, s2, "a", 10)
	setNumber(t, f, s2, "b", 10)

	eng, _, em, rec := newRun(t, f, execution.Options{}, Config{Breakpoints: []string{"source1"}})

	hit := make(chan struct{})
	em.On(execution.DebugBreakpointHit, func(string, *execution.Event) { close(hit) })

	done := make(chan execution.Status, 1)
	go func() {
		status, _ := eng.Execute(context.Background())
		done <- status
	}()

	select {
	case <-hit:
	case <-time.After(2 * time.Second):
		t.Fatal("breakpoint never hit")
	}
	eng.Debugger().Continue()

	status := <-done
	em.Close()
	assert.Equal(t, execution.StatusCompleted, status)

	hits := rec.ofType(execution.DebugBreakpointHit)
	require.Len(t, hits, 1)
	assert.Equal(t, "source1", hits[0].Data["node"])

	sum, _ := fin.In("sum")
	assert.Equal(t, 35.0, sum)
	assertDenseIndexes(t, rec)
}

func TestExecute_StepThrough(t *testing.T) {
	reg, _ := engineRegistry(t)
	f := flow.New("step", reg)

	src, err := f.AddNode("source", "add", nil)
	require.NoError(t, err)
	_, err = f.AddNode("final", "add", nil)
	require.NoError(t, err)
	_, err = f.Connect("source", "sum", "final", "a")
	require.NoError(t, err)
	setNumber(t, f, src, "a", 1)
	setNumber(t, f, src, "b", 2)
	fin, _ := f.Node("final")
	setNumber(t, f, fin, "b", 3)

	eng, _, em, rec := newRun(t, f, execution.Options{MaxConcurrency: 1}, Config{StartPaused: true})

	done := make(chan execution.Status, 1)
	go func() {
		status, _ := eng.Execute(context.Background())
		done <- status
	}()

	// Each step releases exactly one node through the gate.
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(2 * time.Second)
	var status execution.Status
wait:
	for {
		select {
		case status = <-done:
			break wait
		case <-ticker.C:
			eng.Debugger().Step()
		case <-deadline:
			t.Fatal("step-through never finished")
		}
	}
	em.Close()

	assert.Equal(t, execution.StatusCompleted, status)
	assert.Equal(t, []string{"source", "final"}, nodeEventKeys(rec, execution.NodeStarted))
	assert.Equal(t, []string{"source", "final"}, nodeEventKeys(rec, execution.NodeCompleted))
	assertDenseIndexes(t, rec)
}

func TestExecute_StopBeforeStart(t *testing.T) {
	reg, _ := engineRegistry(t)
	f := flow.New("stop", reg)
	n, err := f.AddNode("a", "add", nil)
	require.NoError(t, err)
	setNumber(t, f, n, "a", 1)
	setNumber(t, f, n, "b", 2)

	eng, _, em, rec := newRun(t, f, execution.Options{}, Config{})
	eng.Debugger().Stop()

	status, err := eng.Execute(context.Background())
	em.Close()

	assert.Equal(t, execution.StatusStopped, status)
	assert.ErrorIs(t, err, ErrAborted)

	assert.Empty(t, rec.ofType(execution.NodeStarted))
	require.Len(t, rec.ofType(execution.FlowStarted), 1)
	require.Len(t, rec.ofType(execution.FlowCancelled), 1)
	assertDenseIndexes(t, rec)
}

func TestExecute_ExternalCancellation(t *testing.T) {
	reg, _ := engineRegistry(t)
	f := flow.New("cancel", reg)
	_, err := f.AddNode("slow", "stubborn", nil)
	require.NoError(t, err)

	eng, exec, em, rec := newRun(t, f, execution.Options{}, Config{})

	start := time.Now()
	time.AfterFunc(50*time.Millisecond, func() {
		exec.Cancel(errors.New("cancelled by user"))
	})
	status, err := eng.Execute(context.Background())
	elapsed := time.Since(start)
	em.Close()

	assert.Equal(t, execution.StatusStopped, status)
	assert.ErrorIs(t, err, ErrAborted)

	// Cancellation is cooperative: the terminal event waits for the node.
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond)
	require.Len(t, rec.ofType(execution.FlowCancelled), 1)
	assertDenseIndexes(t, rec)
}

func TestExecute_NodeFailureAborts(t *testing.T) {
	reg, _ := engineRegistry(t)
	f := flow.New("fail", reg)
	_, err := f.AddNode("bad", "fail", nil)
	require.NoError(t, err)
	_, err = f.AddNode("after", "add", nil)
	require.NoError(t, err)
	_, err = f.Connect("bad", "sum", "after", "a")
	require.NoError(t, err)

	eng, _, em, rec := newRun(t, f, execution.Options{}, Config{})
	status, err := eng.Execute(context.Background())
	em.Close()

	assert.Equal(t, execution.StatusFailed, status)
	var ne *NodeError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "bad", ne.Node)

	failed := rec.ofType(execution.FlowFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "bad", failed[0].Data["node"])
	assert.Empty(t, nodeEventKeys(rec, execution.NodeCompleted))
	assertDenseIndexes(t, rec)
}

func TestExecute_RecoverableSkipPropagates(t *testing.T) {
	reg, _ := engineRegistry(t)
	f := flow.New("skip", reg)

	_, err := f.AddNode("soft", "failsoft", nil)
	require.NoError(t, err)
	_, err = f.AddNode("mid", "add", nil)
	require.NoError(t, err)
	other, err := f.AddNode("other", "add", nil)
	require.NoError(t, err)
	_, err = f.Connect("soft", "sum", "mid", "a")
	require.NoError(t, err)
	setNumber(t, f, other, "a", 1)
	setNumber(t, f, other, "b", 2)

	eng, _, em, rec := newRun(t, f, execution.Options{}, Config{})
	status, err := eng.Execute(context.Background())
	em.Close()

	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, status)

	// The recoverable failure skips "soft" and transitively "mid"; the
	// unrelated node still runs.
	assert.Equal(t, []string{"soft"}, nodeEventKeys(rec, execution.NodeFailed))
	assert.ElementsMatch(t, []string{"soft", "mid"}, nodeEventKeys(rec, execution.NodeSkipped))
	assert.Contains(t, nodeEventKeys(rec, execution.NodeCompleted), "other")
	assertDenseIndexes(t, rec)
}

func TestExecute_StreamEdge(t *testing.T) {
	reg, collector := engineRegistry(t)
	f := flow.New("stream", reg)

	_, err := f.AddNode("producer", "emit3", nil)
	require.NoError(t, err)
	_, err = f.AddNode("sink", "collect", nil)
	require.NoError(t, err)
	_, err = f.Connect("producer", "out", "sink", "in")
	require.NoError(t, err)

	eng, _, em, rec := newRun(t, f, execution.Options{}, Config{})
	status, err := eng.Execute(context.Background())
	em.Close()

	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, status)
	assert.Equal(t, []float64{1, 2, 3}, collector.collected())
	assertDenseIndexes(t, rec)
}

func TestExecute_FlowTimeout(t *testing.T) {
	reg, _ := engineRegistry(t)
	f := flow.New("timeout", reg)
	_, err := f.AddNode("slow", "stubborn", nil)
	require.NoError(t, err)

	eng, _, em, rec := newRun(t, f, execution.Options{FlowTimeout: 30 * time.Millisecond}, Config{})
	status, err := eng.Execute(context.Background())
	em.Close()

	assert.Equal(t, execution.StatusFailed, status)
	assert.ErrorIs(t, err, ErrFlowTimeout)

	failed := rec.ofType(execution.FlowFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "FLOW_TIMEOUT", failed[0].Data["code"])
	assertDenseIndexes(t, rec)
}

func TestExecute_NotReentrant(t *testing.T) {
	reg, _ := engineRegistry(t)
	f := flow.New("re", reg)
	n, err := f.AddNode("a", "add", nil)
	require.NoError(t, err)
	setNumber(t, f, n, "a", 1)
	setNumber(t, f, n, "b", 2)

	eng, _, em, _ := newRun(t, f, execution.Options{}, Config{})
	_, err = eng.Execute(context.Background())
	require.NoError(t, err)

	_, err = eng.Execute(context.Background())
	assert.ErrorIs(t, err, ErrNotReentrant)
	em.Close()
}

func setNumber(t *testing.T, f *flow.Flow, n *flow.Node, key string, v float64) {
	t.Helper()
	p, ok := n.Port(key)
	require.True(t, ok)
	require.NoError(t, f.SetValue(p.ID(), v))
}
