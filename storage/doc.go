// Package storage defines the deployment record store.
//
// A Deployment row exists per (application, environment, version). Rows are
// created the first time a status message names a version and updated in
// place afterwards; a new version never overwrites another version's row.
// At most one row per (application, environment) has deployed=true, which
// the writer maintains inside a single Tx.
//
// Implementations:
//   - memory.Store: in-process store for tests and the single-process mode
//   - postgres.Store: PostgreSQL through gorm, schema managed by goose
//
// All implementations are safe for concurrent use.
package storage
