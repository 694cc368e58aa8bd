// Package storage persists agents, teams, events and budget records behind
// a single Store interface, with three implementations: BoltStore (embedded,
// go.etcd.io/bbolt), PostgresStore (client-server, jackc/pgx/v5 +
// golang-migrate) and MemStore (in-memory, for tests).
//
// Transition is the one operation every implementation must make atomic: an
// agent's new state and the event describing why are written together, so a
// crash can never leave one without the other. BoltStore and MemStore bound
// their events bucket/log to a fixed replay capacity, evicting the oldest
// entries first, matching the event bus's ring buffer; PostgresStore keeps
// every event.
package storage
