package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/bluelines/internal/model"
)

// IsNotFound reports whether err is the not-found error returned by the
// single-row readers.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// LoadHistory returns the approval, purchase and composition history of a
// pair. Approvals are ordered by recorded_at, seq, id; purchases by at, id;
// compositions by recorded_at, id.
//
// Returns empty slices (not nil) if the pair has no history.
func (s *Store) LoadHistory(ctx context.Context, pair model.PairKey) (model.PairHistory, error) {
	h := model.PairHistory{Pair: pair}
	var err error

	h.Approvals, err = s.queryApprovals(ctx, `
		WHERE material_id = ? AND supplier_code = ?
	`, pair.MaterialID, pair.SupplierCode)
	if err != nil {
		return h, fmt.Errorf("load history %s: %w", pair, err)
	}

	h.Purchases, err = s.loadPurchases(ctx, pair)
	if err != nil {
		return h, fmt.Errorf("load history %s: %w", pair, err)
	}

	h.Compositions, err = s.loadCompositions(ctx, pair)
	if err != nil {
		return h, fmt.Errorf("load history %s: %w", pair, err)
	}
	return h, nil
}

// LoadApprovalsForMaterial returns the approvals of every supplier of a
// material, ordered by recorded_at, seq, id.
func (s *Store) LoadApprovalsForMaterial(ctx context.Context, materialID string) ([]model.ApprovalRecord, error) {
	out, err := s.queryApprovals(ctx, `WHERE material_id = ?`, materialID)
	if err != nil {
		return nil, fmt.Errorf("load approvals %s: %w", materialID, err)
	}
	return out, nil
}

func (s *Store) queryApprovals(ctx context.Context, where string, args ...any) ([]model.ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, material_id, supplier_code, section, status, recorded_at, seq
		FROM approvals
		`+where+`
		ORDER BY recorded_at ASC, seq ASC, id COLLATE BINARY ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	out := []model.ApprovalRecord{}
	for rows.Next() {
		var (
			rec                     model.ApprovalRecord
			section, status, atText string
		)
		if err := rows.Scan(&rec.ID, &rec.Pair.MaterialID, &rec.Pair.SupplierCode, &section, &status, &atText, &rec.Seq); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		rec.Section = model.Section(section)
		rec.Status = model.ApprovalStatus(status)
		if rec.RecordedAt, err = parseTime(atText); err != nil {
			return nil, fmt.Errorf("approval %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return out, nil
}

func (s *Store) loadPurchases(ctx context.Context, pair model.PairKey) ([]model.PurchaseEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, kind
		FROM purchases
		WHERE material_id = ? AND supplier_code = ?
		ORDER BY at ASC, id COLLATE BINARY ASC
	`, pair.MaterialID, pair.SupplierCode)
	if err != nil {
		return nil, fmt.Errorf("query purchases: %w", err)
	}
	defer rows.Close()

	out := []model.PurchaseEvent{}
	for rows.Next() {
		var (
			ev           model.PurchaseEvent
			atText, kind string
		)
		if err := rows.Scan(&ev.ID, &atText, &kind); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		ev.Pair = pair
		ev.Kind = model.PurchaseKind(kind)
		if ev.At, err = parseTime(atText); err != nil {
			return nil, fmt.Errorf("purchase %s: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purchases: %w", err)
	}
	return out, nil
}

func (s *Store) loadCompositions(ctx context.Context, pair model.PairKey) ([]model.CompositionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, origin, approved, recorded_at
		FROM compositions
		WHERE material_id = ? AND supplier_code = ?
		ORDER BY recorded_at ASC, id COLLATE BINARY ASC
	`, pair.MaterialID, pair.SupplierCode)
	if err != nil {
		return nil, fmt.Errorf("query compositions: %w", err)
	}
	defer rows.Close()

	out := []model.CompositionRecord{}
	for rows.Next() {
		var (
			rec            model.CompositionRecord
			origin, atText string
		)
		if err := rows.Scan(&rec.ID, &origin, &rec.Approved, &atText); err != nil {
			return nil, fmt.Errorf("scan composition: %w", err)
		}
		rec.Pair = pair
		rec.Origin = model.Origin(origin)
		if rec.RecordedAt, err = parseTime(atText); err != nil {
			return nil, fmt.Errorf("composition %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate compositions: %w", err)
	}
	return out, nil
}

// LoadMaterial returns the attributes of a material.
// Returns empty attributes (not nil) if the material is unknown.
func (s *Store) LoadMaterial(ctx context.Context, materialID string) (model.Attributes, error) {
	var attrsJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT attributes FROM materials WHERE material_id = ?
	`, materialID).Scan(&attrsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Attributes{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load material %s: %w", materialID, err)
	}
	attrs, err := unmarshalAttributes(attrsJSON)
	if err != nil {
		return nil, fmt.Errorf("load material %s: %w", materialID, err)
	}
	return attrs, nil
}

// LoadSupplierSources returns the supplier attributes of every pair of a
// material, ordered by supplier code.
func (s *Store) LoadSupplierSources(ctx context.Context, materialID string) ([]model.SupplierSource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT supplier_code, attributes
		FROM supplier_data
		WHERE material_id = ?
		ORDER BY supplier_code COLLATE BINARY ASC
	`, materialID)
	if err != nil {
		return nil, fmt.Errorf("load supplier sources %s: %w", materialID, err)
	}
	defer rows.Close()

	out := []model.SupplierSource{}
	for rows.Next() {
		var code, attrsJSON string
		if err := rows.Scan(&code, &attrsJSON); err != nil {
			return nil, fmt.Errorf("scan supplier source: %w", err)
		}
		attrs, err := unmarshalAttributes(attrsJSON)
		if err != nil {
			return nil, fmt.Errorf("supplier %s/%s: %w", materialID, code, err)
		}
		out = append(out, model.SupplierSource{
			Pair:       model.PairKey{MaterialID: materialID, SupplierCode: code},
			Attributes: attrs,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate supplier sources: %w", err)
	}
	return out, nil
}

// pairsQuery unions every table that can mention a pair.
const pairsQuery = `
	SELECT material_id, supplier_code FROM supplier_data
	UNION SELECT material_id, supplier_code FROM approvals
	UNION SELECT material_id, supplier_code FROM purchases
	UNION SELECT material_id, supplier_code FROM compositions
	UNION SELECT material_id, supplier_code FROM derived_records
`

// ListSiblings returns every known pair of a material, including pairs with
// only history and no supplier data. Ordered by supplier code.
func (s *Store) ListSiblings(ctx context.Context, materialID string) ([]model.PairKey, error) {
	return s.queryPairs(ctx, `
		SELECT material_id, supplier_code FROM (`+pairsQuery+`)
		WHERE material_id = ?
		ORDER BY supplier_code COLLATE BINARY ASC
	`, materialID)
}

// ListPairs returns every known pair ordered by material, then supplier.
func (s *Store) ListPairs(ctx context.Context) ([]model.PairKey, error) {
	return s.queryPairs(ctx, `
		SELECT material_id, supplier_code FROM (`+pairsQuery+`)
		ORDER BY material_id COLLATE BINARY ASC, supplier_code COLLATE BINARY ASC
	`)
}

// ListRecordPairs returns the pairs that carry a derived record. An empty
// variant lists all records.
func (s *Store) ListRecordPairs(ctx context.Context, variant model.Variant) ([]model.PairKey, error) {
	return s.queryPairs(ctx, `
		SELECT material_id, supplier_code FROM derived_records
		WHERE ? = '' OR variant = ?
		ORDER BY material_id COLLATE BINARY ASC, supplier_code COLLATE BINARY ASC
	`, string(variant), string(variant))
}

func (s *Store) queryPairs(ctx context.Context, query string, args ...any) ([]model.PairKey, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pairs: %w", err)
	}
	defer rows.Close()

	out := []model.PairKey{}
	for rows.Next() {
		var k model.PairKey
		if err := rows.Scan(&k.MaterialID, &k.SupplierCode); err != nil {
			return nil, fmt.Errorf("scan pair: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pairs: %w", err)
	}
	return out, nil
}

// LoadRecord returns the derived record of a pair.
// Returns sql.ErrNoRows (see IsNotFound) if the pair has no record.
func (s *Store) LoadRecord(ctx context.Context, pair model.PairKey) (*model.DerivedRecord, error) {
	var (
		rec                                          model.DerivedRecord
		variant, fieldsJSON, syncState, warningsJSON string
		calculatedAt                                 string
		emptiedAt                                    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT variant, fields, sync_state, last_error, external_revision, warnings,
		       calculated_at, emptied_at, registry_version, fingerprint, last_pushed_fingerprint
		FROM derived_records
		WHERE material_id = ? AND supplier_code = ?
	`, pair.MaterialID, pair.SupplierCode).Scan(
		&variant, &fieldsJSON, &syncState, &rec.LastError, &rec.ExternalRevision, &warningsJSON,
		&calculatedAt, &emptiedAt, &rec.RegistryVersion, &rec.Fingerprint, &rec.LastPushedFingerprint,
	)
	if err != nil {
		return nil, err
	}

	rec.Pair = pair
	rec.Variant = model.Variant(variant)
	rec.SyncState = model.SyncState(syncState)
	if rec.Fields, err = unmarshalFields(fieldsJSON); err != nil {
		return nil, fmt.Errorf("load record %s: %w", pair, err)
	}
	if rec.Warnings, err = unmarshalWarnings(warningsJSON); err != nil {
		return nil, fmt.Errorf("load record %s: %w", pair, err)
	}
	if rec.CalculatedAt, err = parseTime(calculatedAt); err != nil {
		return nil, fmt.Errorf("load record %s: %w", pair, err)
	}
	if rec.EmptiedAt, err = parseNullTime(emptiedAt); err != nil {
		return nil, fmt.Errorf("load record %s: %w", pair, err)
	}
	return &rec, nil
}

// LoadExternalSnapshot returns the last pulled snapshot of a pair.
// Returns sql.ErrNoRows (see IsNotFound) if none was stored.
func (s *Store) LoadExternalSnapshot(ctx context.Context, pair model.PairKey) (*model.ExternalSnapshot, error) {
	var fieldsJSON, fetchedAt string
	snap := model.ExternalSnapshot{Pair: pair}
	err := s.db.QueryRowContext(ctx, `
		SELECT revision, fields, fetched_at
		FROM external_snapshots
		WHERE material_id = ? AND supplier_code = ?
	`, pair.MaterialID, pair.SupplierCode).Scan(&snap.Revision, &fieldsJSON, &fetchedAt)
	if err != nil {
		return nil, err
	}
	if snap.Fields, err = unmarshalFields(fieldsJSON); err != nil {
		return nil, fmt.Errorf("load external snapshot %s: %w", pair, err)
	}
	if snap.FetchedAt, err = parseTime(fetchedAt); err != nil {
		return nil, fmt.Errorf("load external snapshot %s: %w", pair, err)
	}
	return &snap, nil
}

// LoadFieldLogic returns the stored definition set and its version, ordered
// by priority then field id. An empty store yields version 0 and no
// definitions.
func (s *Store) LoadFieldLogic(ctx context.Context) (int64, []model.FieldLogicDefinition, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM field_logic_meta WHERE id = 1`).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, nil, fmt.Errorf("load field logic version: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT definition FROM field_logic
		ORDER BY priority ASC, field_id COLLATE BINARY ASC, applicability ASC
	`)
	if err != nil {
		return 0, nil, fmt.Errorf("load field logic: %w", err)
	}
	defer rows.Close()

	defs := []model.FieldLogicDefinition{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return 0, nil, fmt.Errorf("scan field logic: %w", err)
		}
		var def model.FieldLogicDefinition
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			return 0, nil, fmt.Errorf("unmarshal field logic: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("iterate field logic: %w", err)
	}
	return version, defs, nil
}

// AuditLog returns the audit entries of a pair in write order. A zero pair
// returns the whole log.
func (s *Store) AuditLog(ctx context.Context, pair model.PairKey) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, material_id, supplier_code, action, variant, detail, at
		FROM audit_log
		WHERE (? = '' AND ? = '') OR (material_id = ? AND supplier_code = ?)
		ORDER BY seq ASC
	`, pair.MaterialID, pair.SupplierCode, pair.MaterialID, pair.SupplierCode)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	out := []model.AuditEntry{}
	for rows.Next() {
		var (
			e                      model.AuditEntry
			action, variant, atTxt string
		)
		if err := rows.Scan(&e.ID, &e.Pair.MaterialID, &e.Pair.SupplierCode, &action, &variant, &e.Detail, &atTxt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = model.AuditAction(action)
		e.Variant = model.Variant(variant)
		if e.At, err = parseTime(atTxt); err != nil {
			return nil, fmt.Errorf("audit entry %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return out, nil
}

// FindRecord is LoadRecord returning nil, nil when the pair has no record.
func (s *Store) FindRecord(ctx context.Context, pair model.PairKey) (*model.DerivedRecord, error) {
	rec, err := s.LoadRecord(ctx, pair)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find record %s: %w", pair, err)
	}
	return rec, nil
}

// FindExternalSnapshot is LoadExternalSnapshot returning nil, nil when no
// snapshot was stored.
func (s *Store) FindExternalSnapshot(ctx context.Context, pair model.PairKey) (*model.ExternalSnapshot, error) {
	snap, err := s.LoadExternalSnapshot(ctx, pair)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find external snapshot %s: %w", pair, err)
	}
	return snap, nil
}
