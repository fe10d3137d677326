// Package store defines the execution persistence contract and hosts its
// adapters: memory (tests, development), redis, postgres and sqlite. All
// adapters enforce the execution status lifecycle on writes and guarantee
// single-record atomicity only.
package store
