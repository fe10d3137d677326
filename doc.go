// Package chaingraph is a distributed flow-execution core.
//
// ChainGraph runs dataflow graphs ("flows") of typed, port-connected nodes
// across a pool of workers. A client issues a command on the message bus, the
// control plane persists an execution record and schedules a task, a worker
// claims the task, materializes the flow from its stored snapshot and drives
// it through the engine. Every state change surfaces as an ordered event
// stream that WebSocket clients can follow live.
//
// Packages:
//
//   - flow: the flow model and port runtime (typed ports, schema-checked
//     edges, deep-merge values, stream channels, snapshot codec)
//   - execution: the per-execution context (event indexing, cooperative
//     cancellation, integrations, the ephemeral secret key)
//   - engine: the scheduler and debugger (ready-queue execution over the
//     graph, breakpoints, pause/step/stop, the event emitter)
//   - bus: commands, tasks and events bound onto partitioned Redis Streams
//   - worker: the control plane and worker runtime, with lease-based crash
//     recovery and orphan sweeping
//   - streamsvc: the WebSocket event stream service
//   - store: the execution store contract with in-memory, Redis, PostgreSQL
//     and SQLite adapters
//   - config, log: environment configuration and leveled logging shared by
//     the binaries under cmd/
package chaingraph
