// Package model defines the persistent records of the engine core and the
// primitives shared by every layer above it.
//
// Records:
//   - Deployment: a named bundle deployed at a point in time
//   - Resource: one named blob inside a deployment, optionally bound to a definition
//   - Definition: a versioned process definition, unique per (key, version)
//   - Job: a durable unit of asynchronous work (timer, async continuation, batch step)
//   - Incident: a terminal job failure awaiting operator action
//
// Every record embeds Record, which carries the id and the optimistic-lock
// revision. Fields returns the persisted columns other than id and revision,
// which is also the value the unit of work snapshots for dirty checking.
//
// The package also provides canonical JSON encoding (MarshalCanonical),
// domain-separated content fingerprints, id generators, and the error
// taxonomy (Error, ErrorKind) used across the engine.
package model
