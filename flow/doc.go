// Package flow defines the in-memory representation of executable node
// graphs and performs all port-level reads, writes and type validation.
//
// A Flow owns arenas of nodes, ports and edges; cross references are integer
// ids resolved through the arena, so there are no cyclic pointers between
// graph elements. Node behaviour comes from descriptors registered in a
// Registry: each descriptor declares its ports and a runner factory, and
// nodes are materialized from the descriptor rather than discovered by
// reflection.
//
// Ports are typed (string, number, boolean, object, array, enum, stream, any,
// secret). Object and array ports expose child ports merged by property key
// or index. Any ports are a tagged variant: unbound until connected to a
// resolved peer, then bound to the peer's schema with child ports
// materialized. Stream ports own a MultiChannel, a bounded ordered FIFO with
// multi-consumer cursors, close semantics and slowest-consumer eviction;
// stream edges are the only sanctioned cycle carrier, so cycle detection
// (Kahn's algorithm) ignores edges into stream ports.
//
// Every port write bumps a monotone version. Concurrent writes to one port
// serialize on a per-port mutex; different ports are independent.
package flow
