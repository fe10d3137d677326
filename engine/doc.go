// Package engine schedules one execution of a flow: ready-queue traversal
// over the non-stream edge graph with bounded concurrency, edge transfers
// through the port runtime, supervised background actions and stream pumps,
// a debugger gate before every node, and a fan-out event emitter feeding
// local observers and bus bridges in index order.
package engine
