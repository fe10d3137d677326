// Package worker runs the distributed side of flow execution. The control
// plane turns CREATE commands into execution records and tasks; workers claim
// tasks, run the engine, publish the event stream, and bridge lifecycle
// commands into the debugger of the owning execution. A store lease per
// execution makes crashes recoverable: stale leases are reclaimed, the dead
// attempt is marked RESTARTED and the flow is rescheduled from scratch.
package worker
