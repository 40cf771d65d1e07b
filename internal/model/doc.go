// Package model defines the domain types shared by every bluelines package.
//
// This package contains type definitions and small pure helpers only. All other
// internal packages import model; model imports nothing internal.
//
// Key design constraints:
//   - NO float types in field values - numbers are int64
//   - Null is the explicit empty marker; a field that failed to resolve is set
//     to Null, never omitted from the FieldSet
//   - All JSON tags use snake_case
//   - Field sets serialize through canonical JSON so fingerprints are stable
package model
