package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/bluelines/internal/model"
)

// UpsertMaterial stores the attributes of a material, replacing any previous
// attributes.
func (s *Store) UpsertMaterial(ctx context.Context, materialID string, attrs model.Attributes) error {
	if materialID == "" {
		return fmt.Errorf("upsert material: material id is required")
	}
	attrsJSON, err := marshalAttributes(attrs)
	if err != nil {
		return fmt.Errorf("upsert material %s: %w", materialID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO materials (material_id, attributes)
		VALUES (?, ?)
		ON CONFLICT(material_id) DO UPDATE SET attributes = excluded.attributes
	`, materialID, attrsJSON)
	if err != nil {
		return fmt.Errorf("upsert material %s: %w", materialID, err)
	}
	return nil
}

// UpsertSupplier stores the supplier-provided attributes of a pair.
func (s *Store) UpsertSupplier(ctx context.Context, pair model.PairKey, attrs model.Attributes) error {
	if err := pair.Validate(); err != nil {
		return fmt.Errorf("upsert supplier: %w", err)
	}
	attrsJSON, err := marshalAttributes(attrs)
	if err != nil {
		return fmt.Errorf("upsert supplier %s: %w", pair, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO supplier_data (material_id, supplier_code, attributes)
		VALUES (?, ?, ?)
		ON CONFLICT(material_id, supplier_code) DO UPDATE SET attributes = excluded.attributes
	`, pair.MaterialID, pair.SupplierCode, attrsJSON)
	if err != nil {
		return fmt.Errorf("upsert supplier %s: %w", pair, err)
	}
	return nil
}

// RecordApproval appends an approval record.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - replaying a feed is harmless.
func (s *Store) RecordApproval(ctx context.Context, rec model.ApprovalRecord) error {
	if err := checkKeys(rec.ID, rec.Pair); err != nil {
		return fmt.Errorf("record approval: %w", err)
	}
	if rec.Section != model.SectionRegulatory && rec.Section != model.SectionTechnical {
		return fmt.Errorf("record approval %s: invalid section %q", rec.ID, rec.Section)
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("record approval %s: invalid status %q", rec.ID, rec.Status)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, material_id, supplier_code, section, status, recorded_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.Pair.MaterialID,
		rec.Pair.SupplierCode,
		string(rec.Section),
		string(rec.Status),
		formatTime(rec.RecordedAt),
		rec.Seq,
	)
	if err != nil {
		return fmt.Errorf("record approval %s: %w", rec.ID, err)
	}
	return nil
}

// RecordPurchase appends a purchase or sample request. Idempotent by ID.
func (s *Store) RecordPurchase(ctx context.Context, ev model.PurchaseEvent) error {
	if err := checkKeys(ev.ID, ev.Pair); err != nil {
		return fmt.Errorf("record purchase: %w", err)
	}
	kind := ev.Kind
	if kind == "" {
		kind = model.PurchaseOrder
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purchases (id, material_id, supplier_code, at, kind)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, ev.ID, ev.Pair.MaterialID, ev.Pair.SupplierCode, formatTime(ev.At), string(kind))
	if err != nil {
		return fmt.Errorf("record purchase %s: %w", ev.ID, err)
	}
	return nil
}

// RecordComposition appends a composition record. Idempotent by ID.
func (s *Store) RecordComposition(ctx context.Context, rec model.CompositionRecord) error {
	if err := checkKeys(rec.ID, rec.Pair); err != nil {
		return fmt.Errorf("record composition: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compositions (id, material_id, supplier_code, origin, approved, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.Pair.MaterialID,
		rec.Pair.SupplierCode,
		string(rec.Origin),
		rec.Approved,
		formatTime(rec.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("record composition %s: %w", rec.ID, err)
	}
	return nil
}

func checkKeys(id string, k model.PairKey) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	return k.Validate()
}

// SaveRecord creates or replaces the derived record of a pair and appends
// the audit entry in one transaction. A failure leaves neither written.
func (s *Store) SaveRecord(ctx context.Context, rec *model.DerivedRecord, audit model.AuditEntry) error {
	if err := rec.Pair.Validate(); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	fieldsJSON, err := marshalFields(rec.Fields)
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.Pair, err)
	}
	warningsJSON, err := marshalWarnings(rec.Warnings)
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.Pair, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save record %s: begin tx: %w", rec.Pair, err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO derived_records
		(material_id, supplier_code, variant, fields, sync_state, last_error, external_revision,
		 warnings, calculated_at, emptied_at, registry_version, fingerprint, last_pushed_fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(material_id, supplier_code) DO UPDATE SET
			variant = excluded.variant,
			fields = excluded.fields,
			sync_state = excluded.sync_state,
			last_error = excluded.last_error,
			external_revision = excluded.external_revision,
			warnings = excluded.warnings,
			calculated_at = excluded.calculated_at,
			emptied_at = excluded.emptied_at,
			registry_version = excluded.registry_version,
			fingerprint = excluded.fingerprint,
			last_pushed_fingerprint = excluded.last_pushed_fingerprint
	`,
		rec.Pair.MaterialID,
		rec.Pair.SupplierCode,
		string(rec.Variant),
		fieldsJSON,
		string(rec.SyncState),
		rec.LastError,
		rec.ExternalRevision,
		warningsJSON,
		formatTime(rec.CalculatedAt),
		formatNullTime(rec.EmptiedAt),
		rec.RegistryVersion,
		rec.Fingerprint,
		rec.LastPushedFingerprint,
	)
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.Pair, err)
	}

	audit.Pair = rec.Pair
	if audit.Variant == "" {
		audit.Variant = rec.Variant
	}
	if err := insertAudit(ctx, tx, audit); err != nil {
		return fmt.Errorf("save record %s: %w", rec.Pair, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save record %s: commit: %w", rec.Pair, err)
	}
	return nil
}

// DeleteRecord removes the derived record of a pair and appends the audit
// entry in one transaction. Deleting a missing record is not an error and
// writes no audit entry.
func (s *Store) DeleteRecord(ctx context.Context, pair model.PairKey, audit model.AuditEntry) (deleted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("delete record %s: begin tx: %w", pair, err)
	}
	defer tx.Rollback() // No-op if committed

	var variant string
	err = tx.QueryRowContext(ctx, `
		SELECT variant FROM derived_records WHERE material_id = ? AND supplier_code = ?
	`, pair.MaterialID, pair.SupplierCode).Scan(&variant)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete record %s: %w", pair, err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM derived_records WHERE material_id = ? AND supplier_code = ?
	`, pair.MaterialID, pair.SupplierCode); err != nil {
		return false, fmt.Errorf("delete record %s: %w", pair, err)
	}

	audit.Pair = pair
	if audit.Action == "" {
		audit.Action = model.AuditDeleted
	}
	if audit.Variant == "" {
		audit.Variant = model.Variant(variant)
	}
	if err := insertAudit(ctx, tx, audit); err != nil {
		return false, fmt.Errorf("delete record %s: %w", pair, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("delete record %s: commit: %w", pair, err)
	}
	return true, nil
}

// AppendAudit writes a standalone audit entry, e.g. for a sync outcome that
// did not change the record.
func (s *Store) AppendAudit(ctx context.Context, entry model.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append audit: begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := insertAudit(ctx, tx, entry); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return tx.Commit()
}

func insertAudit(ctx context.Context, tx *sql.Tx, entry model.AuditEntry) error {
	if entry.Action == "" {
		return fmt.Errorf("audit entry for %s has no action", entry.Pair)
	}
	if entry.ID == "" {
		entry.ID = uuid.Must(uuid.NewV7()).String()
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, material_id, supplier_code, action, variant, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		entry.ID,
		entry.Pair.MaterialID,
		entry.Pair.SupplierCode,
		string(entry.Action),
		string(entry.Variant),
		entry.Detail,
		formatTime(entry.At),
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// SaveExternalSnapshot stores the latest pulled view of a pair.
func (s *Store) SaveExternalSnapshot(ctx context.Context, snap *model.ExternalSnapshot) error {
	fieldsJSON, err := marshalFields(snap.Fields)
	if err != nil {
		return fmt.Errorf("save external snapshot %s: %w", snap.Pair, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO external_snapshots (material_id, supplier_code, revision, fields, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(material_id, supplier_code) DO UPDATE SET
			revision = excluded.revision,
			fields = excluded.fields,
			fetched_at = excluded.fetched_at
	`, snap.Pair.MaterialID, snap.Pair.SupplierCode, snap.Revision, fieldsJSON, formatTime(snap.FetchedAt))
	if err != nil {
		return fmt.Errorf("save external snapshot %s: %w", snap.Pair, err)
	}
	return nil
}

// SaveFieldLogic replaces the stored definition set and its version
// atomically.
func (s *Store) SaveFieldLogic(ctx context.Context, version int64, defs []model.FieldLogicDefinition, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save field logic: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM field_logic`); err != nil {
		return fmt.Errorf("save field logic: clear: %w", err)
	}
	for _, def := range defs {
		b, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("save field logic %s: %w", def.FieldID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO field_logic (field_id, applicability, priority, definition)
			VALUES (?, ?, ?, ?)
		`, def.FieldID, string(def.Applicability), def.Priority, string(b)); err != nil {
			return fmt.Errorf("save field logic %s: %w", def.FieldID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO field_logic_meta (id, version, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at
	`, version, formatTime(at)); err != nil {
		return fmt.Errorf("save field logic: version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save field logic: commit: %w", err)
	}
	return nil
}
