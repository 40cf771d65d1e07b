// Package registry holds the field logic definitions of the Blue Line.
//
// Each field has one definition per record variant (or a single definition
// applying to both). Definitions are configuration data: they are authored in
// CUE, persisted by the store and edited live by administrative operations.
// The engine never mutates them.
//
// # Snapshots
//
// Every successful mutation publishes a new immutable Snapshot with an
// incremented version. Readers take a Snapshot at the start of a calculation
// and use it for the whole run, so concurrent edits never affect an
// in-flight calculation.
//
// # Ordering
//
// Fields are evaluated in priority order (ascending, ties broken by field id).
// A field may read an earlier field through a "field.<id>" source path.
// Authors are responsible for ordering; the registry reports forward
// references as warnings and rejects reference cycles outright.
package registry
