// Package redis provides the Redis-backed execution store.
//
// Records and flow snapshots are stored as JSON values under a configurable
// key prefix. Record mutations run under WATCH, giving per-record atomicity;
// leases are plain keys with a Redis TTL, so expiry needs no sweeper on the
// store side.
package redis
