package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/bluelines/internal/model"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var (
	testPair = model.PairKey{MaterialID: "M-100", SupplierCode: "S-1"}
	testTime = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
)

// createTestRecord creates a derived record with minimal required fields.
func createTestRecord(pair model.PairKey, variant model.Variant) *model.DerivedRecord {
	return &model.DerivedRecord{
		Pair:    pair,
		Variant: variant,
		Fields: model.FieldSet{
			"name":      model.String("Ethanol"),
			"countries": model.Strings("France", "Italy"),
			"flash":     model.Int(13),
			"vegan":     model.Bool(true),
			"notes":     model.Null{},
		},
		SyncState:       model.SyncPending,
		CalculatedAt:    testTime,
		RegistryVersion: 3,
		Fingerprint:     "fp-1",
	}
}
