// Package engine computes the field set of a derived record.
//
// The engine evaluates every definition applying to the record's variant in
// priority order against an explicit bundle of Sources. It performs no I/O:
// cross-supplier data, approvals, the prior record and the external snapshot
// are loaded by the caller and passed in, so a calculation can be run and
// inspected before anything is committed.
//
// EVALUATION:
//
// Fields are evaluated one at a time, lowest priority first. A "field.<id>"
// source reads the value computed earlier in the same run; referencing a
// field that has not been computed yet resolves as a missing source.
//
// Per-operator behaviour:
//   - copy: the source value verbatim; a missing source yields Null and a
//     SOURCE_MISSING warning
//   - concatenate: the values of every contributing supplier, de-duplicated
//     case-insensitively and sorted
//   - worst_case: the worst-ranked supplier value according to the
//     definition's hierarchy; unknown values rank worst and warn
//   - manual: the prior record's value, never recomputed
//   - blocked: a fixed system value
//
// Non-fatal problems are collected as warnings on the Result. A definition
// that cannot be evaluated at all (empty hierarchy, unknown operator) is a
// *registry.ConfigurationError and aborts the whole calculation: a partial
// field set is never returned.
package engine
