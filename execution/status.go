package execution

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of an execution record.
type Status string

// Execution lifecycle states. RESTARTED marks an attempt that was superseded
// by a recovery attempt; it is terminal for the superseded record only.
const (
	StatusIdle      Status = "IDLE"
	StatusCreating  Status = "CREATING"
	StatusCreated   Status = "CREATED"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusStopping  Status = "STOPPING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusStopped   Status = "STOPPED"
	StatusRestarted Status = "RESTARTED"
)

// ErrStaleTransition is returned when a status change does not follow the
// lifecycle graph, typically because a concurrent writer got there first.
var ErrStaleTransition = errors.New("execution: stale status transition")

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusRestarted:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusIdle:     {StatusCreating},
	StatusCreating: {StatusCreated, StatusFailed},
	StatusCreated:  {StatusRunning, StatusStopping, StatusStopped, StatusRestarted},
	StatusRunning:  {StatusPaused, StatusStopping, StatusCompleted, StatusFailed, StatusStopped, StatusRestarted},
	StatusPaused:   {StatusRunning, StatusStopping, StatusCompleted, StatusFailed, StatusStopped, StatusRestarted},
	StatusStopping: {StatusStopped, StatusFailed},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a lifecycle step, returning ErrStaleTransition with
// both endpoints attached when the step is illegal.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrStaleTransition, from, to)
	}
	return nil
}
