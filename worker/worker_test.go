package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/chaingraph/bus"
	"github.com/smallnest/chaingraph/engine"
	"github.com/smallnest/chaingraph/execution"
	"github.com/smallnest/chaingraph/flow"
	"github.com/smallnest/chaingraph/store/memory"
)

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := bus.NewWithClient(client, bus.Options{Partitions: 2})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testRegistry(t *testing.T) *flow.Registry {
	t.Helper()
	r := flow.NewRegistry()
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
	return r
}

func addSnapshot(id string) *flow.Snapshot {
	return &flow.Snapshot{
		ID: id,
		Nodes: []flow.NodeSnapshot{
			{Key: "adder", Type: "add", Values: map[string]any{"a": 1.0, "b": 2.0}},
		},
	}
}

// seedExecution creates a record and walks it to the wanted status.
func seedExecution(t *testing.T, s *memory.Store, id, flowID string, status execution.Status) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateExecution(ctx, &execution.Record{
		ID:     id,
		FlowID: flowID,
		Status: execution.StatusIdle,
	}))
	path := map[execution.Status][]execution.Status{
		execution.StatusIdle:      {},
		execution.StatusCreating:  {execution.StatusCreating},
		execution.StatusCreated:   {execution.StatusCreating, execution.StatusCreated},
		execution.StatusRunning:   {execution.StatusCreating, execution.StatusCreated, execution.StatusRunning},
		execution.StatusCompleted: {execution.StatusCreating, execution.StatusCreated, execution.StatusRunning, execution.StatusCompleted},
	}[status]
	for _, st := range path {
		require.NoError(t, s.SetStatus(ctx, id, st, ""))
	}
}

func TestWorker_RunsTaskToCompletion(t *testing.T) {
	b := newTestBus(t)
	s := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.SaveFlow(ctx, addSnapshot("f1")))
	seedExecution(t, s, "e1", "f1", execution.StatusIdle)

	var mu sync.Mutex
	var types []execution.EventType
	go func() {
		_ = b.ConsumeEvents(ctx, "stream", "s1", func(_ context.Context, msg *bus.EventMessage) error {
			mu.Lock()
			types = append(types, msg.Event.Type)
			mu.Unlock()
			return nil
		})
	}()

	w := New(Config{
		ID:            "w1",
		Bus:           b,
		Store:         s,
		Registry:      testRegistry(t),
		LeaseTTL:      time.Second,
		SweepInterval: time.Hour,
	})
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, b.PublishTask(ctx, &bus.Task{
		ExecutionID: "e1",
		FlowID:      "f1",
		Timestamp:   time.Now().UnixMilli(),
	}))

	assert.Eventually(t, func() bool {
		rec, err := s.GetExecution(ctx, "e1")
		return err == nil && rec.Status == execution.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, typ := range types {
			if typ == execution.FlowCompleted {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	rec, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "w1", rec.OwnerID)
}

func TestHandleTask_TerminalShortCircuits(t *testing.T) {
	b := newTestBus(t)
	s := memory.New()
	ctx := context.Background()

	seedExecution(t, s, "e1", "f1", execution.StatusCompleted)

	w := New(Config{ID: "w1", Bus: b, Store: s, Registry: testRegistry(t)})
	err := w.handleTask(ctx, &bus.Task{ExecutionID: "e1", FlowID: "f1"})
	require.NoError(t, err)

	rec, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, rec.Status)
}

func TestHandleTask_MissingFlowFailsExecution(t *testing.T) {
	b := newTestBus(t)
	s := memory.New()
	ctx := context.Background()

	seedExecution(t, s, "e1", "nope", execution.StatusIdle)

	w := New(Config{ID: "w1", Bus: b, Store: s, Registry: testRegistry(t)})
	require.NoError(t, w.handleTask(ctx, &bus.Task{ExecutionID: "e1", FlowID: "nope"}))

	rec, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "flow not found")
}

func TestHandleCommand_BridgesToDebugger(t *testing.T) {
	b := newTestBus(t)
	s := memory.New()
	ctx := context.Background()

	seedExecution(t, s, "e1", "f1", execution.StatusRunning)

	w := New(Config{ID: "w1", Bus: b, Store: s, Registry: testRegistry(t)})

	exec, err := execution.NewContext(execution.Config{ID: "e1", FlowID: "f1"})
	require.NoError(t, err)
	eng := engine.New(engine.Config{Exec: exec})
	w.track("e1", &runHandle{exec: exec, dbg: eng.Debugger()})

	status := func() execution.Status {
		rec, err := s.GetExecution(ctx, "e1")
		require.NoError(t, err)
		return rec.Status
	}

	require.NoError(t, w.handleCommand(ctx, &bus.Command{Command: bus.CommandPause, ExecutionID: "e1"}))
	assert.Equal(t, engine.DebugPaused, eng.Debugger().State())
	assert.Equal(t, execution.StatusPaused, status())

	require.NoError(t, w.handleCommand(ctx, &bus.Command{Command: bus.CommandResume, ExecutionID: "e1"}))
	assert.Equal(t, engine.DebugRunning, eng.Debugger().State())
	assert.Equal(t, execution.StatusRunning, status())

	require.NoError(t, w.handleCommand(ctx, &bus.Command{Command: bus.CommandStop, ExecutionID: "e1"}))
	assert.Equal(t, engine.DebugStopped, eng.Debugger().State())
	assert.True(t, exec.IsCancelled())
	assert.Equal(t, execution.StatusStopping, status())

	// Commands for executions this worker does not own are ignored.
	require.NoError(t, w.handleCommand(ctx, &bus.Command{Command: bus.CommandStop, ExecutionID: "other"}))
}

func TestRun_RemovesCommandGroupOnShutdown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := bus.NewWithClient(client, bus.Options{Partitions: 2})
	t.Cleanup(func() { _ = b.Close() })

	s := memory.New()
	w := New(Config{ID: "w1", Bus: b, Store: s, Registry: testRegistry(t), SweepInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	stream := bus.TopicCommands + ":0"
	assert.Eventually(t, func() bool {
		groups, err := client.XInfoGroups(context.Background(), stream).Result()
		return err == nil && len(groups) > 0
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker never shut down")
	}

	groups, err := client.XInfoGroups(context.Background(), stream).Result()
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestSweep_StopsOrphans(t *testing.T) {
	b := newTestBus(t)
	s := memory.New()
	ctx := context.Background()

	seedExecution(t, s, "parent", "f1", execution.StatusCompleted)
	require.NoError(t, s.CreateExecution(ctx, &execution.Record{
		ID: "child", FlowID: "f1", ParentID: "parent", Status: execution.StatusIdle,
	}))
	for _, st := range []execution.Status{execution.StatusCreating, execution.StatusCreated} {
		require.NoError(t, s.SetStatus(ctx, "child", st, ""))
	}

	w := New(Config{ID: "w1", Bus: b, Store: s, Registry: testRegistry(t)})
	w.Sweep(ctx)

	rec, err := s.GetExecution(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusStopped, rec.Status)
}

func TestSweep_ReclaimsExpiredLease(t *testing.T) {
	b := newTestBus(t)
	s := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.SaveFlow(ctx, addSnapshot("f1")))
	seedExecution(t, s, "e1", "f1", execution.StatusRunning)
	require.NoError(t, s.AcquireLease(ctx, "e1", "dead-worker", 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	tasks := make(chan *bus.Task, 1)
	go func() {
		_ = b.ConsumeTasks(ctx, "workers", "observer", func(_ context.Context, tk *bus.Task) error {
			tasks <- tk
			return nil
		})
	}()

	w := New(Config{ID: "w2", Bus: b, Store: s, Registry: testRegistry(t)})
	w.Sweep(ctx)

	old, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusRestarted, old.Status)

	select {
	case tk := <-tasks:
		assert.Equal(t, "f1", tk.FlowID)
		assert.NotEqual(t, "e1", tk.ExecutionID)
		fresh, err := s.GetExecution(ctx, tk.ExecutionID)
		require.NoError(t, err)
		assert.Equal(t, execution.StatusIdle, fresh.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("restart task never published")
	}
}

func TestControlPlane_CreateSchedulesTask(t *testing.T) {
	b := newTestBus(t)
	s := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cp := NewControlPlane(ControlPlaneConfig{Bus: b, Store: s})

	tasks := make(chan *bus.Task, 1)
	go func() {
		_ = b.ConsumeTasks(ctx, "workers", "observer", func(_ context.Context, tk *bus.Task) error {
			tasks <- tk
			return nil
		})
	}()

	cmd := &bus.Command{
		ID:      "cmd-1",
		Command: bus.CommandCreate,
		Payload: bus.CommandPayload{
			FlowID:  "f1",
			Options: &bus.OptionsSpec{MaxConcurrency: 3, FlowTimeoutMs: 60000},
		},
		Timestamp: time.Now().UnixMilli(),
		RequestID: "req-1",
	}
	require.NoError(t, cp.handle(ctx, cmd))

	select {
	case tk := <-tasks:
		assert.Equal(t, "f1", tk.FlowID)
		assert.NotEmpty(t, tk.ExecutionID)
		assert.Equal(t, 3, tk.Options.MaxConcurrency)

		rec, err := s.GetExecution(ctx, tk.ExecutionID)
		require.NoError(t, err)
		assert.Equal(t, execution.StatusIdle, rec.Status)
		assert.Equal(t, 3, rec.Options.MaxConcurrency)
		assert.Equal(t, time.Minute, rec.Options.FlowTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("task never published")
	}
}

func TestControlPlane_CreateReplayIsIdempotent(t *testing.T) {
	b := newTestBus(t)
	s := memory.New()
	ctx := context.Background()

	cp := NewControlPlane(ControlPlaneConfig{Bus: b, Store: s})

	cmd := &bus.Command{
		ID:          "cmd-1",
		ExecutionID: "pre-assigned",
		Command:     bus.CommandCreate,
		Payload:     bus.CommandPayload{FlowID: "f1"},
	}
	require.NoError(t, cp.handle(ctx, cmd))
	require.NoError(t, cp.handle(ctx, cmd)) // replay after a crash mid-create

	rec, err := s.GetExecution(ctx, "pre-assigned")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusIdle, rec.Status)
}

func TestControlPlane_CreateLinksChild(t *testing.T) {
	b := newTestBus(t)
	s := memory.New()
	ctx := context.Background()

	seedExecution(t, s, "parent", "f0", execution.StatusRunning)

	cp := NewControlPlane(ControlPlaneConfig{Bus: b, Store: s})
	require.NoError(t, cp.handle(ctx, &bus.Command{
		ID:          "cmd-1",
		ExecutionID: "child",
		Command:     bus.CommandCreate,
		Payload: bus.CommandPayload{
			FlowID:            "f1",
			ParentExecutionID: "parent",
			ExecutionDepth:    1,
		},
	}))

	parent, err := s.GetExecution(ctx, "parent")
	require.NoError(t, err)
	assert.Contains(t, parent.ChildIDs, "child")

	child, err := s.GetExecution(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, "parent", child.ParentID)
	assert.Equal(t, 1, child.Depth)
}

func TestSpawner_PublishesCreateAndLinks(t *testing.T) {
	b := newTestBus(t)
	s := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seedExecution(t, s, "parent", "f0", execution.StatusRunning)

	cmds := make(chan *bus.Command, 1)
	go func() {
		_ = b.ConsumeCommands(ctx, "cp", "observer", func(_ context.Context, c *bus.Command) error {
			cmds <- c
			return nil
		})
	}()

	w := New(Config{ID: "w1", Bus: b, Store: s, Registry: testRegistry(t)})
	childID, err := w.spawner()(ctx, "parent", "f1")
	require.NoError(t, err)
	assert.NotEmpty(t, childID)

	parent, err := s.GetExecution(ctx, "parent")
	require.NoError(t, err)
	assert.Contains(t, parent.ChildIDs, childID)

	select {
	case c := <-cmds:
		assert.Equal(t, bus.CommandCreate, c.Command)
		assert.Equal(t, childID, c.ExecutionID)
		assert.Equal(t, "f1", c.Payload.FlowID)
		assert.Equal(t, "parent", c.Payload.ParentExecutionID)
		assert.Equal(t, 1, c.Payload.ExecutionDepth)
	case <-time.After(3 * time.Second):
		t.Fatal("CREATE never published")
	}
}
