// Package lease tracks the in-memory leases that tie a claimed work
// unit to a live worker session.
//
// A lease is created when a unit is handed out and carries an opaque
// token the worker presents on every call. Liveness is tracked through
// the heartbeat connection: while connected the lease has no reclaim
// deadline, and on disconnect a deadline of now plus the grace window
// is armed. A periodic reaper removes leases whose deadline has passed
// and invokes the reclaim callback so the unit returns to the pool.
//
// Registering a lease for a unit evicts any lease still held for that
// unit, so a claim that reclaimed a stale lock also tears down the
// stale holder's session in the same step.
package lease
