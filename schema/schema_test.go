package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usersTable() Table {
	return Table{
		Name: "users",
		Columns: []Column{
			{Name: "id", Type: TypeBigInt, Nullable: false},
			{Name: "email", Type: TypeString, Nullable: false, MaxLength: 320},
			{Name: "created_at", Type: TypeTimestamp, Nullable: true},
		},
		PrimaryKeys: []string{"id"},
	}
}

func TestHashStableAcrossOrdering(t *testing.T) {
	a := usersTable()
	b := Table{Name: "orders", Columns: []Column{{Name: "id", Type: TypeBigInt}}}

	h1 := Hash([]Table{a, b})
	h2 := Hash([]Table{b, a})
	assert.Equal(t, h1, h2)
}

func TestHashChangesOnStructuralDrift(t *testing.T) {
	base := usersTable()

	added := base.Clone()
	added.Columns = append(added.Columns, Column{Name: "phone", Type: TypeString, Nullable: true})
	assert.NotEqual(t, base.Hash(), added.Hash())

	retyped := base.Clone()
	retyped.Columns[0].Type = TypeString
	assert.NotEqual(t, base.Hash(), retyped.Hash())

	renull := base.Clone()
	renull.Columns[1].Nullable = true
	assert.NotEqual(t, base.Hash(), renull.Hash())
}

func TestHashIgnoresColumnPointerIdentity(t *testing.T) {
	a := usersTable()
	b := usersTable()
	assert.Equal(t, a.Hash(), b.Hash())
	assert.True(t, a.Equal(b))
}

func TestCloneIsDeep(t *testing.T) {
	orig := usersTable()
	cl := orig.Clone()
	cl.Columns[0].Type = TypeString
	cl.PrimaryKeys[0] = "email"

	assert.Equal(t, TypeBigInt, orig.Columns[0].Type)
	assert.Equal(t, "id", orig.PrimaryKeys[0])
}

func TestColumnLookup(t *testing.T) {
	tbl := usersTable()
	col := tbl.Column("email")
	require.NotNil(t, col)
	assert.Equal(t, TypeString, col.Type)
	assert.Nil(t, tbl.Column("missing"))
}

func TestSafetyLevelOrdering(t *testing.T) {
	assert.Equal(t, Dangerous, Safe.Worse(Dangerous))
	assert.Equal(t, Dangerous, Dangerous.Worse(Risky))
	assert.Equal(t, Incompatible, Incompatible.Worse(Safe))
	assert.Equal(t, Safe, Safe.Worse(Safe))
}

func TestSafetyLevelRoundTrip(t *testing.T) {
	for _, lvl := range []SafetyLevel{Safe, Risky, Dangerous, Incompatible} {
		parsed, ok := ParseSafetyLevel(lvl.String())
		require.True(t, ok)
		assert.Equal(t, lvl, parsed)
	}
	_, ok := ParseSafetyLevel("EXTREME")
	assert.False(t, ok)
}

func TestColumnTypeValid(t *testing.T) {
	assert.True(t, TypeJSON.Valid())
	assert.True(t, TypeNull.Valid())
	assert.False(t, ColumnType("UUID").Valid())
}

func TestSnapshotTableNames(t *testing.T) {
	snap := Snapshot{
		"users":  usersTable(),
		"orders": {Name: "orders"},
	}
	assert.Equal(t, []string{"orders", "users"}, snap.TableNames())
}
