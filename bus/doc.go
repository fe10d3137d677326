// Package bus binds the commands, tasks and events topics onto partitioned
// Redis Streams. The partition key (execution id, or flow id for CREATE) is
// hashed so all messages of one execution land on one partition and one
// consumer. Consumer groups give at-least-once delivery; commands are
// deduped by id through a bounded LRU per partition, events by
// (executionId, index).
package bus
