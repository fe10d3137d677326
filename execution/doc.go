// Package execution holds the per-execution runtime shared by the engine,
// the workers and the stores: the typed event log, the status lifecycle and
// the execution context with its cooperative cancellation, integrations and
// ephemeral secret key.
package execution
