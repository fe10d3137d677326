package bus

import (
	"hash/fnv"

	"github.com/smallnest/chaingraph/execution"
)

// SchemaVersion is stamped on every envelope so consumers can reject frames
// from incompatible producers.
const SchemaVersion = 1

// Logical topics. Each is materialized as a set of partitioned stream keys
// ("<topic>:<p>"); all messages of one execution hash to the same partition,
// giving single-writer semantics per execution.
const (
	TopicCommands = "commands"
	TopicTasks    = "tasks"
	TopicEvents   = "events"
)

// DefaultPartitions is the partition count per topic.
const DefaultPartitions = 4

// CommandType is a lifecycle command verb.
type CommandType string

const (
	CommandCreate CommandType = "CREATE"
	CommandStart  CommandType = "START"
	CommandStop   CommandType = "STOP"
	CommandPause  CommandType = "PAUSE"
	CommandResume CommandType = "RESUME"
)

// OptionsSpec carries execution bounds over the wire.
type OptionsSpec struct {
	MaxConcurrency int   `json:"maxConcurrency,omitempty"`
	NodeTimeoutMs  int64 `json:"nodeTimeoutMs,omitempty"`
	FlowTimeoutMs  int64 `json:"flowTimeoutMs,omitempty"`
}

// ExternalEvent is an event injected into a new execution at creation.
type ExternalEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// CommandPayload is the command-specific body.
type CommandPayload struct {
	FlowID            string          `json:"flowId,omitempty"`
	Options           *OptionsSpec    `json:"options,omitempty"`
	Integrations      map[string]any  `json:"integrations,omitempty"`
	ParentExecutionID string          `json:"parentExecutionId,omitempty"`
	EventData         map[string]any  `json:"eventData,omitempty"`
	ExternalEvents    []ExternalEvent `json:"externalEvents,omitempty"`
	ExecutionDepth    int             `json:"executionDepth,omitempty"`
}

// Command is a client → control plane message. ID keys idempotent
// processing; ExecutionID is empty for CREATE.
type Command struct {
	SchemaVersion int            `json:"schemaVersion"`
	ID            string         `json:"id"`
	ExecutionID   string         `json:"executionId,omitempty"`
	Command       CommandType    `json:"command"`
	Payload       CommandPayload `json:"payload"`
	Timestamp     int64          `json:"timestamp"`
	RequestID     string         `json:"requestId"`
}

// PartitionKey returns the value hashed to pick the command's partition:
// the execution id, or the flow id for CREATE commands that have none yet.
func (c *Command) PartitionKey() string {
	if c.ExecutionID != "" {
		return c.ExecutionID
	}
	return c.Payload.FlowID
}

// TaskContext carries the execution context seeded by the control plane.
type TaskContext struct {
	Integrations      map[string]any `json:"integrations,omitempty"`
	ParentExecutionID string         `json:"parentExecutionId,omitempty"`
	EventData         map[string]any `json:"eventData,omitempty"`
	ExecutionDepth    int            `json:"executionDepth"`
}

// Task is a control plane → worker message.
type Task struct {
	SchemaVersion int         `json:"schemaVersion"`
	ExecutionID   string      `json:"executionId"`
	FlowID        string      `json:"flowId"`
	Context       TaskContext `json:"context"`
	Options       OptionsSpec `json:"options"`
	Priority      int         `json:"priority"`
	Timestamp     int64       `json:"timestamp"`
}

// EventMessage is a worker → event stream message.
type EventMessage struct {
	SchemaVersion int              `json:"schemaVersion"`
	ExecutionID   string           `json:"executionId"`
	WorkerID      string           `json:"workerId"`
	Timestamp     int64            `json:"timestamp"`
	Event         *execution.Event `json:"event"`
}

// Partition hashes a key onto one of n partitions.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
