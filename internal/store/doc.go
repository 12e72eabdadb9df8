// Package store provides durable storage for the engine's records over
// database/sql, with SQLite and PostgreSQL backends.
//
// The store exposes the primitives the unit of work builds on:
//   - INSERT of a new record at revision 1
//   - UPDATE and DELETE conditioned on the expected revision, reporting the
//     number of affected rows
//   - bulk UPDATE and DELETE by predicate
//   - the job lock compare-and-swap
//   - the deployment lock row
//
// All writes run inside a Tx. Backend errors are classified per dialect
// into the model.ErrorKind taxonomy so callers never inspect driver codes.
//
// # Database Configuration
//
// SQLite:
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
//
// PostgreSQL (pgx stdlib driver):
//   - READ COMMITTED transactions
//   - acquisition reads use FOR UPDATE SKIP LOCKED
//
// Times are stored as unix milliseconds; booleans are always bound as
// parameters so each backend applies its own representation.
package store
