package migrate

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/connector/memory"
	"github.com/driftsync/driftsync/dserr"
	"github.com/driftsync/driftsync/meta"
	"github.com/driftsync/driftsync/schema"
)

func newEngine(t *testing.T, opts Options) (*Engine, *meta.SQLiteStore) {
	t.Helper()
	store, err := meta.NewSQLiteStore(filepath.Join(t.TempDir(), "meta.db"), "", 5000)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewEngine(store, opts), store
}

func addPhoneChange() schema.Change {
	return schema.Change{
		Type:       schema.AddColumn,
		SchemaName: "app",
		TableName:  "users",
		ColumnName: "phone",
		NewColumn:  &schema.Column{Name: "phone", Type: schema.TypeString, Nullable: true},
		Safety:     schema.Safe,
	}
}

func ageToStringChange() schema.Change {
	return schema.Change{
		Type:       schema.TypeChange,
		SchemaName: "app",
		TableName:  "users",
		ColumnName: "age",
		OldColumn:  &schema.Column{Name: "age", Type: schema.TypeInteger},
		NewColumn:  &schema.Column{Name: "age", Type: schema.TypeString},
		OldType:    schema.TypeInteger,
		NewType:    schema.TypeString,
		Safety:     schema.Dangerous,
	}
}

func TestApplySafeChange(t *testing.T) {
	e, _ := newEngine(t, Options{Strategy: Conservative})
	dest := memory.NewDestination()

	res, err := e.Apply(context.Background(), dest, addPhoneChange(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)

	applied := dest.AppliedDDL("app")
	require.Len(t, applied, 1)
	assert.Equal(t, `ALTER TABLE "users" ADD COLUMN IF NOT EXISTS "phone" VARCHAR(255)`, applied[0])
}

func TestApplyDangerousQueuesForApproval(t *testing.T) {
	e, store := newEngine(t, Options{Strategy: Conservative})
	dest := memory.NewDestination()

	res, err := e.Apply(context.Background(), dest, ageToStringChange(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingApproval, res.Status)
	require.NotEmpty(t, res.ChangeID)

	// Nothing touched the destination.
	assert.Empty(t, dest.AppliedDDL("app"))

	pending, err := store.GetPendingChange(res.ChangeID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, meta.ChangePending, pending.Status)
	assert.Equal(t, schema.Dangerous, pending.Safety)
	assert.Contains(t, pending.Forward[0], "VARCHAR(255)")
}

func TestApplyApprovedChange(t *testing.T) {
	e, store := newEngine(t, Options{Strategy: Conservative})
	dest := memory.NewDestination()
	ctx := context.Background()

	res, err := e.Apply(ctx, dest, ageToStringChange(), nil)
	require.NoError(t, err)

	// Not yet approved.
	_, err = e.ApplyApproved(ctx, dest, res.ChangeID)
	require.Error(t, err)

	require.NoError(t, store.SetPendingChangeStatus(res.ChangeID, meta.ChangeApproved))
	applied, err := e.ApplyApproved(ctx, dest, res.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, applied.Status)
	require.Len(t, dest.AppliedDDL("app"), 1)

	got, err := store.GetPendingChange(res.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, meta.ChangeApplied, got.Status)

	_, err = e.ApplyApproved(ctx, dest, "missing")
	require.Error(t, err)
}

func TestApplyRejectsIncompatible(t *testing.T) {
	e, _ := newEngine(t, Options{Strategy: Conservative})
	dest := memory.NewDestination()

	change := ageToStringChange()
	change.Safety = schema.Incompatible

	res, err := e.Apply(context.Background(), dest, change, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Empty(t, dest.AppliedDDL("app"))
}

func TestAggressiveFallsBackToStringStorage(t *testing.T) {
	e, _ := newEngine(t, Options{Strategy: Aggressive})
	dest := memory.NewDestination()

	change := schema.Change{
		Type:       schema.TypeChange,
		SchemaName: "app",
		TableName:  "events",
		ColumnName: "payload",
		OldColumn:  &schema.Column{Name: "payload", Type: schema.TypeBinary},
		NewColumn:  &schema.Column{Name: "payload", Type: schema.TypeJSON},
		OldType:    schema.TypeBinary,
		NewType:    schema.TypeJSON,
		Safety:     schema.Incompatible,
	}

	res, err := e.Apply(context.Background(), dest, change, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)

	applied := dest.AppliedDDL("app")
	require.Len(t, applied, 1)
	assert.Contains(t, applied[0], "TYPE VARCHAR(255)")
}

func TestApplyRejectsAboveLossThreshold(t *testing.T) {
	e, _ := newEngine(t, Options{Strategy: Aggressive, LossThresholdPct: 5})
	dest := memory.NewDestination()

	change := ageToStringChange()
	change.EstimatedLossPct = 12

	res, err := e.Apply(context.Background(), dest, change, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Contains(t, res.Note, "threshold")
}

func TestApplyAsOverridesEngineStrategy(t *testing.T) {
	e, _ := newEngine(t, Options{Strategy: Conservative})
	dest := memory.NewDestination()
	ctx := context.Background()

	// The same dangerous change that queues under the engine's default
	// strategy applies directly under a per-table AGGRESSIVE override.
	res, err := e.ApplyAs(ctx, dest, ageToStringChange(), nil, Aggressive)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	require.Len(t, dest.AppliedDDL("app"), 1)

	// An empty strategy means the engine's own.
	res, err = e.ApplyAs(ctx, dest, ageToStringChange(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingApproval, res.Status)
}

func TestApplyAsRejectionNotesOverrideStrategy(t *testing.T) {
	e, _ := newEngine(t, Options{Strategy: Permissive})
	dest := memory.NewDestination()

	res, err := e.ApplyAs(context.Background(), dest, ageToStringChange(), nil, Strict)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Contains(t, res.Note, "STRICT")
}

func TestDryRunPlansOnly(t *testing.T) {
	e, _ := newEngine(t, Options{Strategy: Conservative, DryRun: true})
	dest := memory.NewDestination()

	res, err := e.Apply(context.Background(), dest, addPhoneChange(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPlanned, res.Status)
	require.NotNil(t, res.Plan)
	assert.Len(t, res.Plan.Forward, 1)
	assert.Empty(t, dest.AppliedDDL("app"))
}

// flakyDest fails any statement containing failOn, passing the rest
// through to the embedded in-memory destination.
type flakyDest struct {
	*memory.Destination
	failOn string
}

func (f *flakyDest) ApplyDDL(ctx context.Context, schemaName string, statements []string) error {
	for _, s := range statements {
		if strings.Contains(s, f.failOn) {
			return dserr.Migration(nil, "forced failure")
		}
	}
	return f.Destination.ApplyDDL(ctx, schemaName, statements)
}

func TestFailureRollsBackInReverseOrder(t *testing.T) {
	e, store := newEngine(t, Options{Strategy: Conservative})
	dest := &flakyDest{Destination: memory.NewDestination(), failOn: "step3"}
	ctx := context.Background()

	pending, err := store.AddPendingChange(meta.PendingChange{
		SchemaName: "app",
		TableName:  "users",
		ChangeType: schema.TypeChange,
		Safety:     schema.Dangerous,
		Forward:    []string{"step1", "step2", "step3"},
		Rollback:   []string{"undo1", "undo2", "undo3"},
	})
	require.NoError(t, err)
	require.NoError(t, store.SetPendingChangeStatus(pending.ID, meta.ChangeApproved))

	res, err := e.ApplyApproved(ctx, dest, pending.ID)
	require.Error(t, err)
	assert.Equal(t, dserr.KindMigration, dserr.KindOf(err))
	assert.Equal(t, StatusRolledBack, res.Status)

	applied := dest.AppliedDDL("app")
	assert.Equal(t, []string{"step1", "step2", "undo2", "undo1"}, applied)

	// The change stays approved so the operator can retry.
	got, err := store.GetPendingChange(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ChangeApproved, got.Status)
}

func TestApplyFailureOnFirstStatement(t *testing.T) {
	e, _ := newEngine(t, Options{Strategy: Conservative})
	dest := memory.NewDestination()
	dest.FailDDL(dserr.Migration(nil, "destination offline"))

	res, err := e.Apply(context.Background(), dest, addPhoneChange(), nil)
	require.Error(t, err)
	assert.Equal(t, StatusRolledBack, res.Status)
	assert.Empty(t, dest.AppliedDDL("app"))
}

func TestApplyAsync(t *testing.T) {
	e, _ := newEngine(t, Options{Strategy: Conservative, MaxConcurrent: 2})
	dest := memory.NewDestination()

	f1 := e.ApplyAsync(context.Background(), dest, addPhoneChange(), nil)
	f2 := e.ApplyAsync(context.Background(), dest, ageToStringChange(), nil)

	r1, err := f1.Get()
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, r1.Status)

	r2, err := f2.Get()
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingApproval, r2.Status)
}
