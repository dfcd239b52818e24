// Package queue persists pipeline jobs and their stage artifacts in SQLite
// and exposes helpers for driving their lifecycle.
//
// The Store manages database connections, schema initialization, claim
// semantics (a conditional update guarantees a single writer per job),
// atomic artifact-plus-advance completion, heartbeat tracking, stale-job
// recovery, and the forced re-run path that invalidates downstream
// artifacts.
//
// The database is treated as transient storage for in-flight jobs rather
// than a long-term archive. Schema changes bump the version in schema.go;
// users clear the database to adopt the new schema.
//
// Treat this package as the single source of truth for queue semantics;
// when you add new statuses or columns, update schema.sql and bump
// schemaVersion.
package queue
