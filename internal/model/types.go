package model

import (
	"fmt"
	"strings"
	"time"
)

// PairKey identifies one material-supplier pair. Immutable natural key.
type PairKey struct {
	MaterialID   string `json:"material_id" yaml:"material"`
	SupplierCode string `json:"supplier_code" yaml:"supplier"`
}

// String renders the key as "material/supplier".
func (k PairKey) String() string {
	return k.MaterialID + "/" + k.SupplierCode
}

// Validate rejects keys with an empty component.
func (k PairKey) Validate() error {
	if strings.TrimSpace(k.MaterialID) == "" || strings.TrimSpace(k.SupplierCode) == "" {
		return fmt.Errorf("invalid pair %q: material id and supplier code are required", k.String())
	}
	return nil
}

// ParsePairKey parses "material/supplier".
func ParsePairKey(s string) (PairKey, error) {
	material, supplier, ok := strings.Cut(s, "/")
	k := PairKey{MaterialID: material, SupplierCode: supplier}
	if !ok {
		return k, fmt.Errorf("invalid pair %q: expected material/supplier", s)
	}
	return k, k.Validate()
}

// Section tags an approval record.
type Section string

const (
	SectionRegulatory Section = "regulatory"
	SectionTechnical  Section = "technical"
)

// ApprovalStatus is the closed set of homologation statuses.
type ApprovalStatus string

const (
	StatusAPC ApprovalStatus = "APC" // approved
	StatusAPR ApprovalStatus = "APR" // approved with reservations
	StatusREJ ApprovalStatus = "REJ" // rejected
	StatusINC ApprovalStatus = "INC" // incomplete
	StatusREA ApprovalStatus = "REA" // re-analysis requested
	StatusRUN ApprovalStatus = "RUN" // running
	StatusVAL ApprovalStatus = "VAL" // awaiting validation
	StatusCAN ApprovalStatus = "CAN" // cancelled
	StatusEXP ApprovalStatus = "EXP" // expired
)

// Valid reports whether s is in the closed status set.
func (s ApprovalStatus) Valid() bool {
	switch s {
	case StatusAPC, StatusAPR, StatusREJ, StatusINC, StatusREA, StatusRUN, StatusVAL, StatusCAN, StatusEXP:
		return true
	}
	return false
}

// Terminal reports whether the status ends a homologation (CAN, REJ, EXP).
func (s ApprovalStatus) Terminal() bool {
	return s == StatusCAN || s == StatusREJ || s == StatusEXP
}

// ApprovalRecord is one homologation decision for a pair.
// Records are append-only; Seq breaks ties between equal timestamps.
type ApprovalRecord struct {
	ID         string         `json:"id"`
	Pair       PairKey        `json:"pair"`
	Section    Section        `json:"section"`
	Status     ApprovalStatus `json:"status"`
	RecordedAt time.Time      `json:"recorded_at"`
	Seq        int64          `json:"seq"`
}

// PurchaseKind distinguishes purchases from sample requests.
type PurchaseKind string

const (
	PurchaseOrder PurchaseKind = "purchase"
	SampleRequest PurchaseKind = "sample_request"
)

// PurchaseEvent marks a purchase or sample request. Append-only.
type PurchaseEvent struct {
	ID   string       `json:"id"`
	Pair PairKey      `json:"pair"`
	At   time.Time    `json:"at"`
	Kind PurchaseKind `json:"kind"`
}

// Origin of a composition record.
type Origin string

const (
	OriginLaboratory Origin = "laboratory"
	OriginSupplier   Origin = "supplier"
)

// CompositionRecord is one composition analysis for a pair. Approved
// laboratory-origin records make a pair homologated.
type CompositionRecord struct {
	ID         string    `json:"id"`
	Pair       PairKey   `json:"pair"`
	Origin     Origin    `json:"origin"`
	Approved   bool      `json:"approved"`
	RecordedAt time.Time `json:"recorded_at"`
}

// PairHistory bundles the read-only inputs of the eligibility evaluator.
type PairHistory struct {
	Pair         PairKey
	Approvals    []ApprovalRecord
	Purchases    []PurchaseEvent
	Compositions []CompositionRecord
}

// Variant classifies a derived record.
type Variant string

const (
	VariantProvisional Variant = "provisional"
	VariantHomologated Variant = "homologated"
)

// ParseVariant parses a variant name.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case VariantProvisional, VariantHomologated:
		return v, nil
	}
	return "", fmt.Errorf("invalid variant %q: must be provisional or homologated", s)
}

// SyncState tracks reconciliation with the external system.
type SyncState string

const (
	SyncPending     SyncState = "pending"
	SyncSynced      SyncState = "synced"
	SyncFailed      SyncState = "failed"
	SyncNotRequired SyncState = "not_required"
)

// WarningKind categorizes non-fatal field-level diagnostics.
type WarningKind string

const (
	WarnSourceMissing         WarningKind = "SOURCE_MISSING"
	WarnInvalidHierarchyValue WarningKind = "INVALID_HIERARCHY_VALUE"
	WarnBlockedField          WarningKind = "BLOCKED_FIELD"
)

// Warning is a non-fatal diagnostic attached to a derived record.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	FieldID string      `json:"field_id"`
	Message string      `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s %s: %s", w.Kind, w.FieldID, w.Message)
}

// DerivedRecord is the Blue Line of one eligible pair.
type DerivedRecord struct {
	Pair             PairKey    `json:"pair"`
	Variant          Variant    `json:"variant"`
	Fields           FieldSet   `json:"fields"`
	SyncState        SyncState  `json:"sync_state"`
	LastError        string     `json:"last_error,omitempty"`
	ExternalRevision string     `json:"external_revision,omitempty"`
	Warnings         []Warning  `json:"warnings,omitempty"`
	CalculatedAt     time.Time  `json:"calculated_at"`
	EmptiedAt        *time.Time `json:"emptied_at,omitempty"`
	RegistryVersion  int64      `json:"registry_version"`
	Fingerprint      string     `json:"fingerprint"`
	// LastPushedFingerprint is the fingerprint of the last payload the external
	// system acknowledged.
	LastPushedFingerprint string `json:"last_pushed_fingerprint,omitempty"`
}

// Emptied reports whether the record was emptied in place by the
// single-supplier rule.
func (r *DerivedRecord) Emptied() bool {
	return r != nil && r.EmptiedAt != nil
}

// Clone returns a deep copy of the record.
func (r *DerivedRecord) Clone() *DerivedRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Fields = r.Fields.Clone()
	if r.Warnings != nil {
		out.Warnings = append([]Warning(nil), r.Warnings...)
	}
	if r.EmptiedAt != nil {
		t := *r.EmptiedAt
		out.EmptiedAt = &t
	}
	return &out
}

// ExternalSnapshot is the external composition system's view of a pair.
type ExternalSnapshot struct {
	Pair      PairKey   `json:"pair"`
	Revision  string    `json:"revision"`
	Fields    FieldSet  `json:"fields"`
	FetchedAt time.Time `json:"fetched_at"`
}

// SupplierSource is the contribution of one supplier to its material.
type SupplierSource struct {
	Pair       PairKey
	Attributes Attributes
}

// AuditAction distinguishes record lifecycle transitions in the audit log.
type AuditAction string

const (
	AuditCreated     AuditAction = "created"
	AuditRecomputed  AuditAction = "recomputed"
	AuditDeleted     AuditAction = "deleted"
	AuditEmptied     AuditAction = "emptied"
	AuditManualEdit  AuditAction = "manual_edit"
	AuditSyncOutcome AuditAction = "sync"
)

// AuditEntry is one immutable record in the audit log.
type AuditEntry struct {
	ID      string      `json:"id"`
	Pair    PairKey     `json:"pair"`
	Action  AuditAction `json:"action"`
	At      time.Time   `json:"at"`
	Variant Variant     `json:"variant,omitempty"`
	Detail  string      `json:"detail,omitempty"`
}
