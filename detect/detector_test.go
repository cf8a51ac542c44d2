package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/convert"
	"github.com/driftsync/driftsync/schema"
)

func newDetector(t *testing.T, cfg Config) *Detector {
	t.Helper()
	d, err := NewDetector(convert.NewEngine(), cfg)
	require.NoError(t, err)
	return d
}

func baseSnapshot() schema.Snapshot {
	return schema.Snapshot{
		"users": {
			Name: "users",
			Columns: []schema.Column{
				{Name: "id", Type: schema.TypeBigInt},
				{Name: "age", Type: schema.TypeInteger, Nullable: true},
				{Name: "email", Type: schema.TypeString},
			},
			PrimaryKeys: []string{"id"},
		},
	}
}

func TestNoDriftNoChanges(t *testing.T) {
	d := newDetector(t, Config{})
	changes := d.Detect("app", baseSnapshot(), baseSnapshot())
	assert.Empty(t, changes)
}

func TestAddNullableColumnIsSafe(t *testing.T) {
	d := newDetector(t, Config{})
	curr := baseSnapshot()
	tbl := curr["users"]
	tbl.Columns = append(tbl.Columns, schema.Column{
		Name: "phone", Type: schema.TypeString, Nullable: true,
	})
	curr["users"] = tbl

	changes := d.Detect("app", baseSnapshot(), curr)
	require.Len(t, changes, 1)
	assert.Equal(t, schema.AddColumn, changes[0].Type)
	assert.Equal(t, "phone", changes[0].ColumnName)
	assert.Equal(t, schema.Safe, changes[0].Safety)
	assert.False(t, changes[0].RequiresApproval)
}

func TestIntegerToStringIsDangerous(t *testing.T) {
	d := newDetector(t, Config{})
	curr := baseSnapshot()
	tbl := curr["users"]
	tbl.Columns[1].Type = schema.TypeString
	curr["users"] = tbl

	changes := d.Detect("app", baseSnapshot(), curr)
	require.Len(t, changes, 1)
	assert.Equal(t, schema.TypeChange, changes[0].Type)
	assert.Equal(t, "age", changes[0].ColumnName)
	assert.Equal(t, schema.Dangerous, changes[0].Safety)
	assert.True(t, changes[0].RequiresApproval)
	assert.Equal(t, schema.TypeInteger, changes[0].OldType)
	assert.Equal(t, schema.TypeString, changes[0].NewType)
}

func TestWideningTypeChangeInheritsReverseRisk(t *testing.T) {
	d := newDetector(t, Config{})
	curr := baseSnapshot()
	tbl := curr["users"]
	tbl.Columns[1].Type = schema.TypeBigInt
	curr["users"] = tbl

	changes := d.Detect("app", baseSnapshot(), curr)
	require.Len(t, changes, 1)
	assert.Equal(t, schema.Risky, changes[0].Safety)
	assert.False(t, changes[0].RequiresApproval)
}

func TestUnknownPairIsIncompatible(t *testing.T) {
	d := newDetector(t, Config{})
	curr := baseSnapshot()
	tbl := curr["users"]
	tbl.Columns[1].Type = schema.TypeBinary
	curr["users"] = tbl

	changes := d.Detect("app", baseSnapshot(), curr)
	require.Len(t, changes, 1)
	assert.Equal(t, schema.Incompatible, changes[0].Safety)
	assert.True(t, changes[0].RequiresApproval)
}

func TestTableAndColumnRemovals(t *testing.T) {
	d := newDetector(t, Config{})
	prev := baseSnapshot()
	prev["audit"] = schema.Table{Name: "audit", Columns: []schema.Column{{Name: "id", Type: schema.TypeBigInt}}}

	curr := baseSnapshot()
	tbl := curr["users"]
	tbl.Columns = tbl.Columns[:2] // drop email
	curr["users"] = tbl

	changes := d.Detect("app", prev, curr)
	require.Len(t, changes, 2)

	assert.Equal(t, schema.DropTable, changes[0].Type)
	assert.Equal(t, "audit", changes[0].TableName)
	assert.Equal(t, schema.Risky, changes[0].Safety)

	assert.Equal(t, schema.DropColumn, changes[1].Type)
	assert.Equal(t, "email", changes[1].ColumnName)
	assert.Equal(t, schema.Risky, changes[1].Safety)
}

func TestNoRemovalPolicyEscalatesToIncompatible(t *testing.T) {
	d := newDetector(t, Config{NoRemovalTables: []string{"users"}})
	curr := baseSnapshot()
	tbl := curr["users"]
	tbl.Columns = tbl.Columns[:2]
	curr["users"] = tbl

	changes := d.Detect("app", baseSnapshot(), curr)
	require.Len(t, changes, 1)
	assert.Equal(t, schema.Incompatible, changes[0].Safety)
	assert.True(t, changes[0].RequiresApproval)
}

func TestNullabilityChanges(t *testing.T) {
	d := newDetector(t, Config{})

	tightened := baseSnapshot()
	tbl := tightened["users"]
	tbl.Columns[1].Nullable = false
	tightened["users"] = tbl

	changes := d.Detect("app", baseSnapshot(), tightened)
	require.Len(t, changes, 1)
	assert.Equal(t, schema.NullabilityChange, changes[0].Type)
	assert.Equal(t, schema.Risky, changes[0].Safety)

	changes = d.Detect("app", tightened, baseSnapshot())
	require.Len(t, changes, 1)
	assert.Equal(t, schema.Safe, changes[0].Safety)
}

func TestExclusions(t *testing.T) {
	d := newDetector(t, Config{
		ExcludedTables:  []string{"tmp_*"},
		ExcludedColumns: []string{"users._internal"},
	})

	prev := baseSnapshot()
	curr := baseSnapshot()
	curr["tmp_staging"] = schema.Table{Name: "tmp_staging"}
	tbl := curr["users"]
	tbl.Columns = append(tbl.Columns, schema.Column{Name: "_internal", Type: schema.TypeJSON})
	curr["users"] = tbl

	changes := d.Detect("app", prev, curr)
	assert.Empty(t, changes)
}

func TestDeterministicOrdering(t *testing.T) {
	d := newDetector(t, Config{})
	prev := baseSnapshot()
	curr := schema.Snapshot{
		"users": {
			Name: "users",
			Columns: []schema.Column{
				{Name: "id", Type: schema.TypeBigInt},
				{Name: "age", Type: schema.TypeString, Nullable: true}, // type change
				{Name: "phone", Type: schema.TypeString, Nullable: true},
			},
		},
		"orders": {Name: "orders"},
	}

	first := d.Detect("app", prev, curr)
	second := d.Detect("app", prev, curr)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Type, second[i].Type)
		assert.Equal(t, first[i].TableName, second[i].TableName)
		assert.Equal(t, first[i].ColumnName, second[i].ColumnName)
	}

	// Additive changes order before destructive ones within a table.
	assert.Equal(t, "orders", first[0].TableName)
	assert.Equal(t, schema.AddTable, first[0].Type)
	assert.Equal(t, schema.AddColumn, first[1].Type)
	assert.Equal(t, schema.TypeChange, first[2].Type)
	assert.Equal(t, schema.DropColumn, first[3].Type)
}

func TestDetectAgainstLast(t *testing.T) {
	d := newDetector(t, Config{})

	// First observation reports everything as new.
	changes := d.DetectAgainstLast("app", baseSnapshot())
	require.Len(t, changes, 1)
	assert.Equal(t, schema.AddTable, changes[0].Type)

	// Second pass with identical structure is quiet.
	changes = d.DetectAgainstLast("app", baseSnapshot())
	assert.Empty(t, changes)
}

func TestStats(t *testing.T) {
	d := newDetector(t, Config{})
	curr := baseSnapshot()
	tbl := curr["users"]
	tbl.Columns = append(tbl.Columns, schema.Column{Name: "phone", Type: schema.TypeString, Nullable: true})
	curr["users"] = tbl

	d.Detect("app", baseSnapshot(), curr)
	d.Detect("app", baseSnapshot(), baseSnapshot())

	stats := d.Stats()
	assert.Equal(t, uint64(2), stats.Passes)
	assert.Equal(t, uint64(1), stats.ByType[schema.AddColumn])
	assert.Equal(t, uint64(1), stats.BySafety[schema.Safe])
}

func TestInvalidPattern(t *testing.T) {
	_, err := NewDetector(convert.NewEngine(), Config{ExcludedTables: []string{"user["}})
	assert.Error(t, err)
}
