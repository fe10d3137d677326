// Package sqlite provides the SQLite-backed execution store, suited to
// single-node deployments and local development.
package sqlite
