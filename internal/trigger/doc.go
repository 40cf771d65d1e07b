// Package trigger reacts to approval, purchase and sync events by keeping
// each pair's derived record consistent with its eligibility.
//
// Per pair the handler runs a small state machine:
//
//	NoRecord --eligible--> Active(variant)       create, calculate, sync
//	Active   --eligible--> Active(variant')      recompute in place, sync by direction
//	Active   --ineligible--> deleted | emptied   see below
//
// An ineligible pair loses its record by hard delete, except when it is the
// material's only supplier and its approvals have all ended (CAN, REJ or
// EXP). That record is emptied in place so the audit trail keeps it.
//
// # Concurrency
//
// Runs are serialized per pair by a keyed lock. Different pairs proceed in
// parallel. A trigger that arrives while a run for the same pair is syncing
// cancels that sync; the cancelled sync commits as Failed and the newer run
// recomputes from fresh inputs.
//
// Record writes use a context detached from cancellation so a cancelled
// sync still commits its failure state.
package trigger
