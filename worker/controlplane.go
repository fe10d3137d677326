package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/smallnest/chaingraph/bus"
	"github.com/smallnest/chaingraph/execution"
	"github.com/smallnest/chaingraph/log"
	"github.com/smallnest/chaingraph/store"
)

// ControlPlaneConfig assembles a ControlPlane.
type ControlPlaneConfig struct {
	Bus   *bus.Bus
	Store store.ExecutionStore
	// Group is the command consumer group; default "chaingraph-controlplane".
	Group string
	// ConsumerID names this instance inside the group; generated when empty.
	ConsumerID string
	Logger     log.Logger
}

// ControlPlane turns CREATE commands into execution records and tasks.
// Commands for live executions (START/STOP/PAUSE/RESUME) are consumed by the
// owning worker's command bridge instead; the control plane ignores them.
type ControlPlane struct {
	bus      *bus.Bus
	store    store.ExecutionStore
	group    string
	consumer string
	logger   log.Logger
}

// DefaultControlPlaneGroup is the command consumer group name.
const DefaultControlPlaneGroup = "chaingraph-controlplane"

// NewControlPlane builds a control plane over the bus and store.
func NewControlPlane(cfg ControlPlaneConfig) *ControlPlane {
	group := cfg.Group
	if group == "" {
		group = DefaultControlPlaneGroup
	}
	consumer := cfg.ConsumerID
	if consumer == "" {
		consumer = "cp-" + uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &ControlPlane{
		bus:      cfg.Bus,
		store:    cfg.Store,
		group:    group,
		consumer: consumer,
		logger:   logger,
	}
}

// Run consumes the command topic until ctx is cancelled.
func (cp *ControlPlane) Run(ctx context.Context) error {
	cp.logger.Info("control plane %s consuming commands", cp.consumer)
	return cp.bus.ConsumeCommands(ctx, cp.group, cp.consumer, cp.handle)
}

func (cp *ControlPlane) handle(ctx context.Context, cmd *bus.Command) error {
	switch cmd.Command {
	case bus.CommandCreate:
		return cp.handleCreate(ctx, cmd)
	default:
		// Routed to the owning worker over the same topic.
		return nil
	}
}

// handleCreate persists the execution record and schedules the task. Replays
// of an already-created command fall through to publishing, so a crash between
// the store write and the publish heals on redelivery.
func (cp *ControlPlane) handleCreate(ctx context.Context, cmd *bus.Command) error {
	if cmd.Payload.FlowID == "" {
		cp.logger.Warn("drop CREATE %s without flow id", cmd.ID)
		return nil
	}

	// Spawned children arrive with a pre-assigned execution id.
	id := cmd.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now()
	rec := &execution.Record{
		ID:        id,
		FlowID:    cmd.Payload.FlowID,
		ParentID:  cmd.Payload.ParentExecutionID,
		Depth:     cmd.Payload.ExecutionDepth,
		Status:    execution.StatusIdle,
		Options:   optionsFromSpec(cmd.Payload.Options),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := cp.store.CreateExecution(ctx, rec); err != nil {
		if !errors.Is(err, store.ErrAlreadyExists) {
			return err
		}
	}
	if rec.ParentID != "" {
		if err := cp.store.LinkChild(ctx, rec.ParentID, id); err != nil {
			cp.logger.Warn("link child %s to %s: %v", id, rec.ParentID, err)
		}
	}

	task := &bus.Task{
		ExecutionID: id,
		FlowID:      rec.FlowID,
		Context: bus.TaskContext{
			Integrations:      cmd.Payload.Integrations,
			ParentExecutionID: rec.ParentID,
			EventData:         cmd.Payload.EventData,
			ExecutionDepth:    rec.Depth,
		},
		Options:   specFromOptions(rec.Options),
		Timestamp: now.UnixMilli(),
	}
	if err := cp.bus.PublishTask(ctx, task); err != nil {
		// Publishing already retried with backoff; surface the failure on the
		// record and the event topic rather than spinning on redelivery.
		cp.failCreate(ctx, id, err)
		return nil
	}
	return nil
}

func (cp *ControlPlane) failCreate(ctx context.Context, id string, cause error) {
	cp.logger.Error("schedule execution %s: %v", id, cause)
	if err := cp.store.SetStatus(ctx, id, execution.StatusCreating, ""); err != nil {
		cp.logger.Warn("mark %s creating: %v", id, err)
	}
	if err := cp.store.SetStatus(ctx, id, execution.StatusFailed, cause.Error()); err != nil {
		cp.logger.Warn("mark %s failed: %v", id, err)
	}
	msg := &bus.EventMessage{
		ExecutionID: id,
		Timestamp:   time.Now().UnixMilli(),
		Event: &execution.Event{
			Type:      execution.FlowFailed,
			Timestamp: time.Now(),
			Data:      map[string]any{"reason": cause.Error(), "code": "SCHEDULING_ERROR"},
		},
	}
	if err := cp.bus.PublishEvent(ctx, msg); err != nil {
		cp.logger.Warn("emit failure for %s: %v", id, err)
	}
}

// optionsFromSpec converts wire options to runtime bounds.
func optionsFromSpec(spec *bus.OptionsSpec) execution.Options {
	if spec == nil {
		return execution.Options{}
	}
	return execution.Options{
		MaxConcurrency: spec.MaxConcurrency,
		NodeTimeout:    time.Duration(spec.NodeTimeoutMs) * time.Millisecond,
		FlowTimeout:    time.Duration(spec.FlowTimeoutMs) * time.Millisecond,
	}
}

// specFromOptions converts runtime bounds to wire options.
func specFromOptions(opts execution.Options) bus.OptionsSpec {
	return bus.OptionsSpec{
		MaxConcurrency: opts.MaxConcurrency,
		NodeTimeoutMs:  opts.NodeTimeout.Milliseconds(),
		FlowTimeoutMs:  opts.FlowTimeout.Milliseconds(),
	}
}
