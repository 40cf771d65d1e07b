// Package harness runs YAML scenarios against the full recalculation stack:
// a fresh in-memory store, field logic loaded from CUE, the in-process
// composition system and a trigger handler on a fake clock.
//
// A scenario seeds source data, then runs flow steps (data changes, trigger
// events, sweeps, syncs, manual edits, clock moves, scripted external
// failures) and checks assertions on the final records, the audit log and
// the traffic seen by the composition system.
//
// Runs are deterministic: the clock only moves on "advance" steps, audit ids
// are sequential and external revisions are numbered. The step trace and
// the final state can therefore be compared against golden files (see
// RunWithGolden).
package harness
