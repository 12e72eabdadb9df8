// Package persistence holds the in-memory half of the unit of work: the
// entity cache that tracks every record a command touched, the operation
// manager that collects pending writes, and the pure ordering function that
// turns pending writes into a flush plan.
//
// Nothing in this package talks to a database. The uow package drives a
// flush by asking the cache for dirty state, feeding the operation manager,
// and executing the ordered plan against the store.
//
// Flush order:
//  1. INSERT, parents before children (by dependency table), then by id
//  2. UPDATE, same ordering as inserts
//  3. Bulk operations, in arrival order
//  4. DELETE, children before parents, then by id
//
// Families that reference themselves get an extra pass that moves an
// operation behind the operation it depends on.
//
// None of the types here are safe for concurrent use; a unit of work is
// owned by a single goroutine.
package persistence
