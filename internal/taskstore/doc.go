// Package taskstore implements the durable store of page-annotation work
// units and their submissions.
//
// One record exists per (project, machine, page) triple. A unit moves
// Pending -> Locked -> Completed; Locked units whose lock has gone stale
// (never confirmed by a live lease) are eligible for re-claim. Completed is
// terminal.
//
// # Keyspace
//
//	task/{project}/{machine}/{page}              - unit record (JSON)
//	pend/{project}/{machine}/{page}              - pending index
//	lockt/{locked_at_ms}/{project}/{machine}/{page} - lock-time index for stale scans
//	owner/{owner}/{project}/{machine}/{page}     - owner index for restart recovery
//	sub/{id}                                     - submission record (JSON)
//	subu/{username}/{id}                         - per-user submission index
//
// # Claim atomicity
//
// Claim is a storage-layer compare-and-set. Candidate selection runs
// lock-free over the pending and lock-time indexes with reservoir sampling
// for a uniform pick; the transition itself re-reads the record under a
// per-unit lock stripe, re-verifies eligibility, and commits one atomic
// batch. Contenders for the same unit resolve to exactly one winner;
// claims of unrelated units never contend.
package taskstore
