// Package store provides SQLite-backed durable storage for Blue Line data.
//
// Tables:
//   - materials, supplier_data: source attributes per material and per pair
//   - approvals, purchases, compositions: append-only pair history
//   - derived_records: one row per pair that carries a record
//   - external_snapshots: last pulled view of the external system
//   - field_logic, field_logic_meta: the versioned definition set
//   - audit_log: append-only record lifecycle log
//
// # Critical Patterns
//
// Atomic record writes:
//   - SaveRecord and DeleteRecord write the record change and its audit
//     entry in one transaction; a failure leaves both untouched
//
// Idempotent history:
//   - history rows are keyed by their source id and inserted with
//     ON CONFLICT(id) DO NOTHING, so replayed feeds are harmless
//
// Deterministic query results:
//   - every list query has a total ORDER BY
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Field sets and attributes are stored as sorted-key JSON; times as fixed-width
// UTC text so lexical order matches chronological order.
package store
