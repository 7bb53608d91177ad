// Package storage opens the shared SQLite database used by the job registry
// and the embedded queue backend.
//
// It applies the connection pragmas (WAL, busy timeout, immediate write
// transactions), tracks per-component schema versions, and exposes the
// busy-retry and timestamp helpers both stores rely on.
package storage
