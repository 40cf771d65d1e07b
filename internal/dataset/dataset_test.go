package dataset

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bluelines/internal/model"
	"github.com/roach88/bluelines/internal/store"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

const sample = `
materials:
  M-1:
    name: Ethanol
    grade: 96
suppliers:
  - pair: M-1/S-2
    attributes: {origin: Spain, allergen: "No"}
  - pair: M-1/S-1
    attributes: {origin: France, tags: [bio, eu]}
approvals:
  - pair: M-1/S-1
    status: APC
    ago: 30d
  - pair: M-1/S-1
    section: technical
    status: APR
    at: 2026-01-15T08:00:00Z
purchases:
  - pair: M-1/S-1
    ago: 2y
  - pair: M-1/S-2
    kind: sample_request
compositions:
  - pair: M-1/S-1
    origin: laboratory
    approved: true
external:
  - pair: M-1/S-1
    revision: ext-1
    fields: {NAME: Ethanol, CAS: 64-17-5}
`

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestApply(t *testing.T) {
	ds, err := Parse([]byte(sample))
	require.NoError(t, err)

	ctx := context.Background()
	st := openStore(t)
	sum, err := ds.Apply(ctx, st, Env{Now: testNow})
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Materials)
	assert.Equal(t, 2, sum.Suppliers)
	assert.Equal(t, 2, sum.Approvals)
	assert.Equal(t, 2, sum.Purchases)
	assert.Equal(t, 1, sum.Compositions)
	assert.Equal(t, []model.PairKey{
		{MaterialID: "M-1", SupplierCode: "S-1"},
		{MaterialID: "M-1", SupplierCode: "S-2"},
	}, sum.Pairs)

	attrs, err := st.LoadMaterial(ctx, "M-1")
	require.NoError(t, err)
	assert.Equal(t, model.Attributes{"name": model.String("Ethanol"), "grade": model.Int(96)}, attrs)

	pair := model.PairKey{MaterialID: "M-1", SupplierCode: "S-1"}
	hist, err := st.LoadHistory(ctx, pair)
	require.NoError(t, err)
	require.Len(t, hist.Approvals, 2)
	require.Len(t, hist.Purchases, 1)
	require.Len(t, hist.Compositions, 1)
	assert.Equal(t, testNow.AddDate(-2, 0, 0), hist.Purchases[0].At)
	assert.Equal(t, "purchase-M-1/S-1-0", hist.Purchases[0].ID)

	statuses := map[model.Section]model.ApprovalStatus{}
	for _, a := range hist.Approvals {
		statuses[a.Section] = a.Status
	}
	assert.Equal(t, model.StatusAPC, statuses[model.SectionRegulatory])
	assert.Equal(t, model.StatusAPR, statuses[model.SectionTechnical])

	sources, err := st.LoadSupplierSources(ctx, "M-1")
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, model.Strings("bio", "eu"), sources[0].Attributes["tags"])
}

func TestApplyIsIdempotent(t *testing.T) {
	ds, err := Parse([]byte(sample))
	require.NoError(t, err)
	ctx := context.Background()
	st := openStore(t)

	_, err = ds.Apply(ctx, st, Env{Now: testNow})
	require.NoError(t, err)
	_, err = ds.Apply(ctx, st, Env{Now: testNow.Add(time.Hour)})
	require.NoError(t, err)

	hist, err := st.LoadHistory(ctx, model.PairKey{MaterialID: "M-1", SupplierCode: "S-1"})
	require.NoError(t, err)
	assert.Len(t, hist.Approvals, 2)
	assert.Len(t, hist.Purchases, 1)

	// A different prefix is new history.
	_, err = ds.Apply(ctx, st, Env{Now: testNow, IDPrefix: "batch2-"})
	require.NoError(t, err)
	hist, err = st.LoadHistory(ctx, model.PairKey{MaterialID: "M-1", SupplierCode: "S-1"})
	require.NoError(t, err)
	assert.Len(t, hist.Approvals, 4)
}

func TestSnapshots(t *testing.T) {
	ds, err := Parse([]byte(sample))
	require.NoError(t, err)

	snaps, err := ds.Snapshots(testNow)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "ext-1", snaps[0].Revision)
	assert.Equal(t, model.String("64-17-5"), snaps[0].Fields["CAS"])
	assert.Equal(t, testNow, snaps[0].FetchedAt)
}

func TestApplyErrors(t *testing.T) {
	tests := map[string]string{
		"bad pair":         "suppliers:\n  - pair: M-1\n",
		"bad status":       "approvals:\n  - pair: M-1/S-1\n    status: OK\n",
		"bad ago":          "purchases:\n  - pair: M-1/S-1\n    ago: soon\n",
		"at and ago":       "purchases:\n  - pair: M-1/S-1\n    ago: 1y\n    at: 2026-01-01T00:00:00Z\n",
		"bad origin":       "compositions:\n  - pair: M-1/S-1\n    origin: vendor\n",
		"float attribute":  "materials:\n  M-1: {purity: 0.96}\n",
		"nested attribute": "materials:\n  M-1: {spec: {a: 1}}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			ds, err := Parse([]byte(doc))
			require.NoError(t, err)
			_, err = ds.Apply(context.Background(), openStore(t), Env{Now: testNow})
			assert.Error(t, err)
		})
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("supplier:\n  - pair: M-1/S-1\n"))
	assert.Error(t, err)

	ds, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, ds.Suppliers)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	ds, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, ds.Suppliers, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read dataset")
}
