// Package history persists pipeline invocation results in SQLite.
//
// Every Result the Invoker produces, including rejected requests, is stored
// as one row keyed by invocation ID. Listing returns newest first. When
// history.max_records is positive, older rows are pruned on insert. Schema
// changes bump schemaVersion; an older database is rejected with
// ErrSchemaMismatch rather than migrated.
package history
