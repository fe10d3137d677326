package execution

import (
	"encoding/json"
	"time"
)

// EventType identifies one kind of execution event.
type EventType string

// Event types emitted over the lifetime of an execution.
const (
	FlowSubscribed EventType = "FLOW_SUBSCRIBED"
	FlowStarted    EventType = "FLOW_STARTED"
	FlowPaused     EventType = "FLOW_PAUSED"
	FlowResumed    EventType = "FLOW_RESUMED"
	FlowCompleted  EventType = "FLOW_COMPLETED"
	FlowFailed     EventType = "FLOW_FAILED"
	FlowCancelled  EventType = "FLOW_CANCELLED"

	NodeStarted        EventType = "NODE_STARTED"
	NodeCompleted      EventType = "NODE_COMPLETED"
	NodeFailed         EventType = "NODE_FAILED"
	NodeSkipped        EventType = "NODE_SKIPPED"
	NodeStatusChanged  EventType = "NODE_STATUS_CHANGED"
	NodeDebugLogString EventType = "NODE_DEBUG_LOG_STRING"

	EdgeTransferStarted   EventType = "EDGE_TRANSFER_STARTED"
	EdgeTransferCompleted EventType = "EDGE_TRANSFER_COMPLETED"
	EdgeTransferFailed    EventType = "EDGE_TRANSFER_FAILED"

	DebugBreakpointHit EventType = "DEBUG_BREAKPOINT_HIT"
)

// Terminal reports whether the event type closes the execution's event log.
// Exactly one terminal event is emitted per execution.
func (t EventType) Terminal() bool {
	switch t {
	case FlowCompleted, FlowFailed, FlowCancelled:
		return true
	}
	return false
}

// Event is one entry of an execution's totally ordered event log. Index is a
// per-execution dense monotone counter starting at 0; consumers rely on
// strict per-execution order and dedupe by (executionID, Index).
type Event struct {
	Index     int64          `json:"index"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Encode serializes the event to JSON.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a JSON event.
func DecodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
