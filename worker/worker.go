package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/smallnest/chaingraph/bus"
	"github.com/smallnest/chaingraph/engine"
	"github.com/smallnest/chaingraph/execution"
	"github.com/smallnest/chaingraph/flow"
	"github.com/smallnest/chaingraph/log"
	"github.com/smallnest/chaingraph/store"
)

// Defaults for worker tuning.
const (
	DefaultWorkerGroup   = "chaingraph-workers"
	DefaultConcurrency   = 4
	DefaultLeaseTTL      = 30 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

// Config assembles a Worker.
type Config struct {
	// ID identifies this worker as lease owner and event source; generated
	// when empty.
	ID       string
	Bus      *bus.Bus
	Store    store.ExecutionStore
	Registry *flow.Registry
	// Group is the task consumer group shared by the worker pool.
	Group string
	// Concurrency caps simultaneously running executions.
	Concurrency int
	// LeaseTTL is the execution lease duration; leases are renewed at a third
	// of it while the execution runs.
	LeaseTTL time.Duration
	// SweepInterval paces the orphan and stale-lease sweeper.
	SweepInterval time.Duration
	Logger        log.Logger
}

// Worker claims tasks, runs their flows through the engine and publishes the
// event stream. One worker runs up to Concurrency executions at a time; each
// execution is protected by a store lease renewed for as long as it runs.
type Worker struct {
	id            string
	bus           *bus.Bus
	store         store.ExecutionStore
	registry      *flow.Registry
	group         string
	leaseTTL      time.Duration
	sweepInterval time.Duration
	logger        log.Logger

	slots chan struct{}

	mu      sync.Mutex
	running map[string]*runHandle
}

// runHandle is the command bridge target for one live execution.
type runHandle struct {
	exec *execution.Context
	dbg  *engine.Debugger
}

// New builds a worker.
func New(cfg Config) *Worker {
	id := cfg.ID
	if id == "" {
		id = "worker-" + uuid.NewString()
	}
	group := cfg.Group
	if group == "" {
		group = DefaultWorkerGroup
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &Worker{
		id:            id,
		bus:           cfg.Bus,
		store:         cfg.Store,
		registry:      cfg.Registry,
		group:         group,
		leaseTTL:      leaseTTL,
		sweepInterval: sweep,
		logger:        logger,
		slots:         make(chan struct{}, concurrency),
		running:       make(map[string]*runHandle),
	}
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// Run consumes tasks and commands and sweeps for orphans until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker %s joining group %s", w.id, w.group)
	cmdGroup := "cmds-" + w.id
	defer func() {
		// The per-worker command group would otherwise survive the process
		// and pile up pending entries forever.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.bus.RemoveGroup(cleanupCtx, bus.TopicCommands, cmdGroup); err != nil {
			w.logger.Warn("remove command group %s: %v", cmdGroup, err)
		}
	}()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.bus.ConsumeTasks(ctx, w.group, w.id, w.handleTask)
	})
	g.Go(func() error {
		// Every worker joins its own command group so each sees all commands
		// and acts only on executions it owns.
		return w.bus.ConsumeCommands(ctx, cmdGroup, w.id, w.handleCommand)
	})
	g.Go(func() error {
		return w.sweepLoop(ctx)
	})
	return g.Wait()
}

// handleTask runs one execution end to end. Returning nil acknowledges the
// task; duplicates and lost races are acknowledged too, since the record's
// status already tells the truth.
func (w *Worker) handleTask(ctx context.Context, task *bus.Task) error {
	if w.handle(task.ExecutionID) != nil {
		return nil // already running here
	}

	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-w.slots }()

	id := task.ExecutionID
	if err := w.store.AcquireLease(ctx, id, w.id, w.leaseTTL); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			return nil // another worker owns it
		}
		return err
	}

	rec, err := w.store.GetExecution(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("task for unknown execution %s", id)
			return nil
		}
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}

	if err := w.store.SetStatus(ctx, id, execution.StatusCreating, ""); err != nil {
		if errors.Is(err, execution.ErrStaleTransition) {
			return nil // redelivery of a task already in progress
		}
		return err
	}

	return w.runExecution(ctx, task, rec)
}

func (w *Worker) runExecution(ctx context.Context, task *bus.Task, rec *execution.Record) error {
	id := task.ExecutionID

	snap, err := w.store.LoadFlow(ctx, task.FlowID)
	if err != nil {
		return w.failSetup(ctx, id, err)
	}
	f, err := snap.Materialize(w.registry)
	if err != nil {
		return w.failSetup(ctx, id, err)
	}

	em := engine.NewEmitter()
	em.OnAll(func(executionID string, ev *execution.Event) {
		msg := &bus.EventMessage{
			ExecutionID: executionID,
			WorkerID:    w.id,
			Timestamp:   time.Now().UnixMilli(),
			Event:       ev,
		}
		if err := w.bus.PublishEvent(ctx, msg); err != nil {
			w.logger.Warn("publish event %d of %s: %v", ev.Index, executionID, err)
		}
	})

	exec, err := execution.NewContext(execution.Config{
		ID:           id,
		FlowID:       task.FlowID,
		ParentID:     task.Context.ParentExecutionID,
		Depth:        task.Context.ExecutionDepth,
		Options:      optionsFromSpec(&task.Options),
		Sink:         em.Sink(),
		Spawner:      w.spawner(),
		Integrations: task.Context.Integrations,
	})
	if err != nil {
		em.Close()
		return w.failSetup(ctx, id, err)
	}

	eng := engine.New(engine.Config{
		Flow:        f,
		Exec:        exec,
		Logger:      w.logger,
		Breakpoints: rec.Breakpoints,
	})

	if err := w.store.SetStatus(ctx, id, execution.StatusCreated, ""); err != nil {
		em.Close()
		return err
	}

	w.track(id, &runHandle{exec: exec, dbg: eng.Debugger()})
	defer w.untrack(id)

	if err := w.store.SetStatus(ctx, id, execution.StatusRunning, ""); err != nil {
		em.Close()
		return err
	}

	renewDone := make(chan struct{})
	go w.renewLoop(ctx, id, renewDone)

	status, execErr := eng.Execute(ctx)

	close(renewDone)
	em.Close() // flush remaining events

	reason := ""
	if execErr != nil && status == execution.StatusFailed {
		reason = execErr.Error()
	}
	if err := w.store.SetStatus(ctx, id, status, reason); err != nil {
		if errors.Is(err, execution.ErrStaleTransition) && status.Terminal() {
			// A STOP command moved the record to STOPPING just as the engine
			// finished on its own; only STOPPED can close it from there.
			err = w.store.SetStatus(ctx, id, execution.StatusStopped, reason)
		}
		if err != nil {
			// The sweeper may have finalized the record first.
			w.logger.Warn("finalize %s as %s: %v", id, status, err)
		}
	}
	w.logger.Info("execution %s finished: %s", id, status)
	return nil
}

// failSetup marks an execution failed before its engine ever ran.
func (w *Worker) failSetup(ctx context.Context, id string, cause error) error {
	w.logger.Error("set up execution %s: %v", id, cause)
	if err := w.store.SetStatus(ctx, id, execution.StatusFailed, cause.Error()); err != nil {
		w.logger.Warn("mark %s failed: %v", id, err)
	}
	msg := &bus.EventMessage{
		ExecutionID: id,
		WorkerID:    w.id,
		Timestamp:   time.Now().UnixMilli(),
		Event: &execution.Event{
			Type:      execution.FlowFailed,
			Timestamp: time.Now(),
			Data:      map[string]any{"reason": cause.Error(), "code": "SETUP_ERROR"},
		},
	}
	if err := w.bus.PublishEvent(ctx, msg); err != nil {
		w.logger.Warn("emit setup failure for %s: %v", id, err)
	}
	return nil
}

// renewLoop extends the lease while the execution runs.
func (w *Worker) renewLoop(ctx context.Context, id string, done <-chan struct{}) {
	ticker := time.NewTicker(w.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.RenewLease(ctx, id, w.id, w.leaseTTL); err != nil {
				w.logger.Warn("renew lease for %s: %v", id, err)
			}
		}
	}
}

// spawner publishes a CREATE for a child flow with a pre-assigned id, so the
// caller can track it before the control plane processes the command.
func (w *Worker) spawner() execution.ChildSpawner {
	return func(ctx context.Context, parentID, flowID string) (string, error) {
		parent, err := w.store.GetExecution(ctx, parentID)
		if err != nil {
			return "", err
		}
		childID := uuid.NewString()
		cmd := &bus.Command{
			ID:          uuid.NewString(),
			ExecutionID: childID,
			Command:     bus.CommandCreate,
			Payload: bus.CommandPayload{
				FlowID:            flowID,
				ParentExecutionID: parentID,
				ExecutionDepth:    parent.Depth + 1,
			},
			Timestamp: time.Now().UnixMilli(),
			RequestID: uuid.NewString(),
		}
		if err := w.bus.PublishCommand(ctx, cmd); err != nil {
			return "", err
		}
		if err := w.store.LinkChild(ctx, parentID, childID); err != nil {
			w.logger.Warn("link child %s to %s: %v", childID, parentID, err)
		}
		return childID, nil
	}
}

// handleCommand bridges lifecycle commands into the debugger handle of the
// owning execution and mirrors the requested state into the record, so reads
// against the store see PAUSED and STOPPING, not a stale RUNNING. Commands
// for executions this worker does not own are acknowledged untouched.
func (w *Worker) handleCommand(ctx context.Context, cmd *bus.Command) error {
	if cmd.Command == bus.CommandCreate {
		return nil
	}
	h := w.handle(cmd.ExecutionID)
	if h == nil {
		return nil
	}
	switch cmd.Command {
	case bus.CommandPause:
		h.dbg.Pause()
		w.setStatus(ctx, cmd.ExecutionID, execution.StatusPaused)
	case bus.CommandResume, bus.CommandStart:
		h.dbg.Continue()
		w.setStatus(ctx, cmd.ExecutionID, execution.StatusRunning)
	case bus.CommandStop:
		w.setStatus(ctx, cmd.ExecutionID, execution.StatusStopping)
		h.dbg.Stop()
		h.exec.Cancel(errors.New("stopped by command"))
	}
	return nil
}

// setStatus records a bridged command's effect; a stale transition means the
// run goroutine finalized the record first and wins.
func (w *Worker) setStatus(ctx context.Context, id string, st execution.Status) {
	if err := w.store.SetStatus(ctx, id, st, ""); err != nil {
		w.logger.Warn("mark %s %s: %v", id, st, err)
	}
}

func (w *Worker) track(id string, h *runHandle) {
	w.mu.Lock()
	w.running[id] = h
	w.mu.Unlock()
}

func (w *Worker) untrack(id string) {
	w.mu.Lock()
	delete(w.running, id)
	w.mu.Unlock()
}

func (w *Worker) handle(id string) *runHandle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running[id]
}

// Running returns the ids of executions currently owned by this worker.
func (w *Worker) Running() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.running))
	for id := range w.running {
		ids = append(ids, id)
	}
	return ids
}

// sweepLoop periodically stops orphaned executions and reclaims executions
// whose worker stopped renewing its lease.
func (w *Worker) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one garbage-collection pass.
func (w *Worker) Sweep(ctx context.Context) {
	orphans, err := w.store.ListOrphans(ctx)
	if err != nil {
		w.logger.Warn("list orphans: %v", err)
	}
	for _, id := range orphans {
		if h := w.handle(id); h != nil {
			h.dbg.Stop()
			h.exec.Cancel(errors.New("parent execution terminated"))
			continue // finalized by its own run goroutine
		}
		if err := w.store.SetStatus(ctx, id, execution.StatusStopped, ""); err != nil {
			w.logger.Warn("stop orphan %s: %v", id, err)
		} else {
			w.logger.Info("stopped orphan execution %s", id)
		}
	}

	expired, err := w.store.ListExpiredLeases(ctx)
	if err != nil {
		w.logger.Warn("list expired leases: %v", err)
	}
	for _, id := range expired {
		if w.handle(id) != nil {
			continue // ours; the renew loop just fell behind
		}
		w.reclaim(ctx, id)
	}
}

// reclaim supersedes a crashed attempt: the stale record is marked RESTARTED
// and a fresh execution of the same flow is scheduled from scratch.
func (w *Worker) reclaim(ctx context.Context, id string) {
	if err := w.store.AcquireLease(ctx, id, w.id, w.leaseTTL); err != nil {
		return // another worker won the reclaim
	}
	old, err := w.store.GetExecution(ctx, id)
	if err != nil {
		w.logger.Warn("reclaim %s: %v", id, err)
		return
	}
	if old.Status.Terminal() {
		return
	}
	if err := w.store.SetStatus(ctx, id, execution.StatusRestarted, ""); err != nil {
		w.logger.Warn("mark %s restarted: %v", id, err)
		return
	}

	now := time.Now()
	fresh := &execution.Record{
		ID:          uuid.NewString(),
		FlowID:      old.FlowID,
		ParentID:    old.ParentID,
		Depth:       old.Depth,
		Status:      execution.StatusIdle,
		Options:     old.Options,
		Breakpoints: append([]string(nil), old.Breakpoints...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := w.store.CreateExecution(ctx, fresh); err != nil {
		w.logger.Warn("create restart of %s: %v", id, err)
		return
	}
	if fresh.ParentID != "" {
		if err := w.store.LinkChild(ctx, fresh.ParentID, fresh.ID); err != nil {
			w.logger.Warn("link restart %s: %v", fresh.ID, err)
		}
	}
	task := &bus.Task{
		ExecutionID: fresh.ID,
		FlowID:      fresh.FlowID,
		Context: bus.TaskContext{
			ParentExecutionID: fresh.ParentID,
			ExecutionDepth:    fresh.Depth,
		},
		Options:   specFromOptions(fresh.Options),
		Timestamp: now.UnixMilli(),
	}
	if err := w.bus.PublishTask(ctx, task); err != nil {
		w.logger.Warn("schedule restart %s: %v", fresh.ID, err)
		return
	}
	w.logger.Info("restarted crashed execution %s as %s", id, fresh.ID)
}
