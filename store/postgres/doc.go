// Package postgres provides the PostgreSQL-backed execution store on pgx/v5.
//
// The pool sits behind the DBPool interface so pgxmock can stand in for
// tests. Status transitions are validated in Go and applied with a guarded
// UPDATE, so a concurrent writer loses with ErrStaleTransition.
package postgres
