package meta

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/schema"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "meta.db"), "", 5000)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testTable(cols ...schema.Column) schema.Table {
	if cols == nil {
		cols = []schema.Column{
			{Name: "id", Type: schema.TypeBigInt},
			{Name: "email", Type: schema.TypeString},
		}
	}
	return schema.Table{Name: "users", Columns: cols, PrimaryKeys: []string{"id"}}
}

func TestMarkerAbsentIsNil(t *testing.T) {
	s := newStore(t)
	m, err := s.GetMarker("app", "users", MarkerStream)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestMarkerUpsertAndMonotonicity(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.UpdateMarker(Marker{
		SchemaName: "app", TableName: "users", Kind: MarkerStream,
		Position: []byte("pos-10"), Seq: 10,
	}))

	m, err := s.GetMarker("app", "users", MarkerStream)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, uint64(10), m.Seq)
	assert.Equal(t, []byte("pos-10"), m.Position)

	// Higher sequence advances.
	require.NoError(t, s.UpdateMarker(Marker{
		SchemaName: "app", TableName: "users", Kind: MarkerStream,
		Position: []byte("pos-20"), Seq: 20,
	}))
	m, err = s.GetMarker("app", "users", MarkerStream)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), m.Seq)

	// Stale update is a silent no-op.
	require.NoError(t, s.UpdateMarker(Marker{
		SchemaName: "app", TableName: "users", Kind: MarkerStream,
		Position: []byte("pos-5"), Seq: 5,
	}))
	m, err = s.GetMarker("app", "users", MarkerStream)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), m.Seq)
	assert.Equal(t, []byte("pos-20"), m.Position)
}

func TestMarkerResetForcesResync(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.UpdateMarker(Marker{
		SchemaName: "app", TableName: "users", Kind: MarkerStream, Seq: 7,
	}))
	require.NoError(t, s.ResetMarker("app", "users", MarkerStream))

	m, err := s.GetMarker("app", "users", MarkerStream)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestMarkerKindsAreIndependent(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.UpdateMarker(Marker{
		SchemaName: "app", TableName: "users", Kind: MarkerStream, Seq: 5,
	}))
	require.NoError(t, s.UpdateMarker(Marker{
		SchemaName: "app", TableName: "users", Kind: MarkerFullLoad, Seq: 99,
	}))

	markers, err := s.ListMarkers("app")
	require.NoError(t, err)
	assert.Len(t, markers, 2)
}

func TestRegisterSchemaMonotonicVersions(t *testing.T) {
	s := newStore(t)

	v1, err := s.RegisterSchema("app", testTable(), schema.EvolutionInitial)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1.Version)

	// Identical content is a no-op returning the existing version.
	again, err := s.RegisterSchema("app", testTable(), schema.EvolutionMigration)
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Version)

	evolved := testTable()
	evolved.Columns = append(evolved.Columns, schema.Column{
		Name: "phone", Type: schema.TypeString, Nullable: true,
	})
	v2, err := s.RegisterSchema("app", evolved, schema.EvolutionMigration)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2.Version)
	assert.Equal(t, int64(1), v2.PrevVersion)
}

func TestSchemaVersionRoundTrip(t *testing.T) {
	s := newStore(t)
	_, err := s.RegisterSchema("app", testTable(), schema.EvolutionInitial)
	require.NoError(t, err)

	latest, err := s.GetLatestSchemaVersion("app", "users")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "users", latest.Table.Name)
	require.Len(t, latest.Table.Columns, 2)
	assert.Equal(t, schema.TypeBigInt, latest.Table.Columns[0].Type)
	assert.Equal(t, []string{"id"}, latest.Table.PrimaryKeys)

	specific, err := s.GetSchemaVersion("app", "users", 1)
	require.NoError(t, err)
	require.NotNil(t, specific)
	assert.Equal(t, latest.Hash, specific.Hash)

	missing, err := s.GetSchemaVersion("app", "users", 99)
	require.NoError(t, err)
	assert.Nil(t, missing)

	never, err := s.GetLatestSchemaVersion("app", "orders")
	require.NoError(t, err)
	assert.Nil(t, never)
}

func TestListSchemaVersionsNewestFirst(t *testing.T) {
	s := newStore(t)
	tbl := testTable()
	for i := 0; i < 3; i++ {
		_, err := s.RegisterSchema("app", tbl, schema.EvolutionMigration)
		require.NoError(t, err)
		tbl.Columns = append(tbl.Columns, schema.Column{
			Name: "extra_" + string(rune('a'+i)), Type: schema.TypeString, Nullable: true,
		})
	}

	versions, err := s.ListSchemaVersions("app", "users", 2)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, int64(3), versions[0].Version)
	assert.Equal(t, int64(2), versions[1].Version)
}

func TestListLatestSchemaVersions(t *testing.T) {
	s := newStore(t)

	_, err := s.RegisterSchema("app", testTable(), schema.EvolutionInitial)
	require.NoError(t, err)
	evolved := testTable()
	evolved.Columns = append(evolved.Columns, schema.Column{
		Name: "phone", Type: schema.TypeString, Nullable: true,
	})
	_, err = s.RegisterSchema("app", evolved, schema.EvolutionMigration)
	require.NoError(t, err)

	orders := schema.Table{
		Name:        "orders",
		Columns:     []schema.Column{{Name: "id", Type: schema.TypeBigInt}},
		PrimaryKeys: []string{"id"},
	}
	_, err = s.RegisterSchema("app", orders, schema.EvolutionInitial)
	require.NoError(t, err)

	latest, err := s.ListLatestSchemaVersions("app")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "orders", latest[0].TableName)
	assert.Equal(t, int64(1), latest[0].Version)
	assert.Equal(t, "users", latest[1].TableName)
	assert.Equal(t, int64(2), latest[1].Version)
}

func TestRunLifecycle(t *testing.T) {
	s := newStore(t)

	run, err := s.StartRun("app", ModeStream)
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, RunRunning, run.Status)

	require.NoError(t, s.AddRunStats(run.ID, RunStats{Processed: 100, Inserted: 90, Failed: 1}))
	require.NoError(t, s.AddRunStats(run.ID, RunStats{Processed: 50, Updated: 50}))
	require.NoError(t, s.TouchRun(run.ID))

	require.NoError(t, s.CompleteRun(run.ID, RunCompleted, RunStats{Tables: 2}, ""))

	got, err := s.GetRun(run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, RunCompleted, got.Status)
	assert.Equal(t, int64(150), got.Stats.Processed)
	assert.Equal(t, int64(90), got.Stats.Inserted)
	assert.Equal(t, int64(50), got.Stats.Updated)
	assert.Equal(t, int64(1), got.Stats.Failed)
	assert.Equal(t, int64(2), got.Stats.Tables)
	assert.False(t, got.CompletedAt.IsZero())
}

func TestRunStateMachineForwardOnly(t *testing.T) {
	s := newStore(t)
	run, err := s.StartRun("app", ModeBatch)
	require.NoError(t, err)

	require.NoError(t, s.CompleteRun(run.ID, RunFailed, RunStats{}, "boom"))

	// Terminal states are final.
	err = s.CompleteRun(run.ID, RunCompleted, RunStats{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot transition")

	err = s.CompleteRun("nope", RunCompleted, RunStats{}, "")
	require.Error(t, err)

	err = s.CompleteRun(run.ID, "paused", RunStats{}, "")
	require.Error(t, err)
}

func TestRecoverStuckRuns(t *testing.T) {
	s := newStore(t)

	stuck, err := s.StartRun("app", ModeStream)
	require.NoError(t, err)
	fresh, err := s.StartRun("app", ModeStream)
	require.NoError(t, err)

	// Age the first run's heartbeat directly.
	_, err = s.writeDB.Exec(
		`UPDATE `+syncRunsTable+` SET heartbeat_at = ? WHERE id = ?`,
		time.Now().Add(-time.Hour).UnixMilli(), stuck.ID)
	require.NoError(t, err)

	recovered, err := s.RecoverStuckRuns(30 * time.Minute)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, stuck.ID, recovered[0].ID)
	assert.Equal(t, RunFailed, recovered[0].Status)

	got, err := s.GetRun(stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, got.Status)
	assert.Contains(t, got.Note, "recovered")

	still, err := s.GetRun(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, RunRunning, still.Status)
}

func TestLogErrorCollapsesRepeats(t *testing.T) {
	s := newStore(t)

	rec := ErrorRecord{
		SchemaName: "app", TableName: "users", Kind: "constraint",
		Message: "NOT NULL constraint failed", MaxRetries: 3,
	}

	first, err := s.LogError(rec, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, first.RetryCount)
	assert.False(t, first.Exhausted())

	second, err := s.LogError(rec, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.RetryCount)

	third, err := s.LogError(rec, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, third.RetryCount)
	assert.True(t, third.Exhausted())

	// A different message is a different error.
	other := rec
	other.Message = "UNIQUE constraint failed"
	fresh, err := s.LogError(other, time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID)
	assert.Equal(t, 1, fresh.RetryCount)
}

func TestLogErrorWindowExpiry(t *testing.T) {
	s := newStore(t)
	rec := ErrorRecord{
		SchemaName: "app", TableName: "users", Kind: "connection",
		Message: "dial timeout", MaxRetries: 3,
	}

	first, err := s.LogError(rec, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	second, err := s.LogError(rec, time.Millisecond)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, second.RetryCount)
}

func TestResolveError(t *testing.T) {
	s := newStore(t)
	rec, err := s.LogError(ErrorRecord{
		SchemaName: "app", Kind: "validation", Message: "bad value", MaxRetries: 1,
	}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.ResolveError(rec.ID))
	assert.Error(t, s.ResolveError(rec.ID))

	// Resolved errors no longer absorb repeats.
	again, err := s.LogError(ErrorRecord{
		SchemaName: "app", Kind: "validation", Message: "bad value", MaxRetries: 1,
	}, time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, rec.ID, again.ID)
}

func TestDeadLetterLifecycle(t *testing.T) {
	s := newStore(t)

	payload := []byte(`{"id":42,"name":"x"}`)
	d, err := s.AddDeadLetter(DeadLetter{
		SchemaName: "app", TableName: "users", RecordKey: "id=42",
		LastError: "constraint violation", ErrorID: 7,
	}, payload)
	require.NoError(t, err)
	assert.Equal(t, 1, d.ErrorCount)
	assert.Equal(t, DLQPending, d.Status)

	stored, err := s.GetDeadLetterPayload(d.PayloadRef)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)

	// Same record again increments instead of duplicating.
	d2, err := s.AddDeadLetter(DeadLetter{
		SchemaName: "app", TableName: "users", RecordKey: "id=42",
		LastError: "still failing",
	}, []byte(`{"id":42,"name":"y"}`))
	require.NoError(t, err)
	assert.Equal(t, d.ID, d2.ID)
	assert.Equal(t, 2, d2.ErrorCount)

	letters, err := s.ListDeadLetters(DeadLetterFilter{SchemaName: "app"})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "still failing", letters[0].LastError)

	require.NoError(t, s.SetDeadLetterStatus(d.ID, DLQProcessing))
	require.NoError(t, s.SetDeadLetterStatus(d.ID, DLQResolved))

	// Terminal, and backwards moves are rejected.
	assert.Error(t, s.SetDeadLetterStatus(d.ID, DLQPending))
	assert.Error(t, s.SetDeadLetterStatus(999, DLQResolved))
}

func TestPendingChangeLifecycle(t *testing.T) {
	s := newStore(t)

	c, err := s.AddPendingChange(PendingChange{
		SchemaName: "app", TableName: "users",
		ChangeType: schema.TypeChange, Safety: schema.Dangerous, Column: "age",
		Forward:  []string{`ALTER TABLE "users" ALTER COLUMN "age" TYPE VARCHAR(255)`},
		Rollback: []string{`ALTER TABLE "users" ALTER COLUMN "age" TYPE INTEGER`},
	})
	require.NoError(t, err)
	require.NotEmpty(t, c.ID)

	got, err := s.GetPendingChange(c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, schema.Dangerous, got.Safety)
	assert.Len(t, got.Forward, 1)
	assert.Len(t, got.Rollback, 1)

	pending, err := s.ListPendingChanges("app", ChangePending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, s.SetPendingChangeStatus(c.ID, ChangeApproved))
	require.NoError(t, s.SetPendingChangeStatus(c.ID, ChangeApplied))
	assert.Error(t, s.SetPendingChangeStatus(c.ID, ChangePending))

	missing, err := s.GetPendingChange("absent")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCleanup(t *testing.T) {
	s := newStore(t)

	run, err := s.StartRun("app", ModeStream)
	require.NoError(t, err)
	require.NoError(t, s.CompleteRun(run.ID, RunCompleted, RunStats{}, ""))

	rec, err := s.LogError(ErrorRecord{
		SchemaName: "app", Kind: "validation", Message: "old", MaxRetries: 1,
	}, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.ResolveError(rec.ID))

	d, err := s.AddDeadLetter(DeadLetter{
		SchemaName: "app", TableName: "users", RecordKey: "id=1",
	}, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, s.SetDeadLetterStatus(d.ID, DLQDiscarded))

	tbl := testTable()
	for i := 0; i < 5; i++ {
		_, err := s.RegisterSchema("app", tbl, schema.EvolutionMigration)
		require.NoError(t, err)
		tbl.Columns = append(tbl.Columns, schema.Column{
			Name: "c" + string(rune('a'+i)), Type: schema.TypeString, Nullable: true,
		})
	}

	// A negative age puts the cutoff in the future, sweeping everything
	// terminal regardless of row age.
	counts, err := s.Cleanup(RetentionPolicy{
		RunAge: -time.Hour, ErrorAge: -time.Hour, SchemaVersionsKeep: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Runs)
	assert.Equal(t, int64(1), counts.Errors)
	assert.Equal(t, int64(1), counts.DeadLetters)
	assert.Equal(t, int64(3), counts.SchemaVersions)

	// Payload went with the dead letter.
	payload, err := s.GetDeadLetterPayload(d.PayloadRef)
	require.NoError(t, err)
	assert.Nil(t, payload)

	// Newest versions survive.
	versions, err := s.ListSchemaVersions("app", "users", 0)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, int64(5), versions[0].Version)
	assert.Equal(t, int64(4), versions[1].Version)

	// Open errors and running runs are never swept.
	_, err = s.StartRun("app", ModeStream)
	require.NoError(t, err)
	_, err = s.LogError(ErrorRecord{SchemaName: "app", Kind: "x", Message: "open", MaxRetries: 1}, time.Hour)
	require.NoError(t, err)
	counts, err = s.Cleanup(RetentionPolicy{RunAge: -time.Hour, ErrorAge: -time.Hour, SchemaVersionsKeep: 2})
	require.NoError(t, err)
	assert.Zero(t, counts.Runs)
	assert.Zero(t, counts.Errors)
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("app", "users", "constraint", "boom")
	b := Fingerprint("app", "users", "constraint", "boom")
	c := Fingerprint("app", "users", "constraint", "other")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestCleanupWorkerStartStop(t *testing.T) {
	s := newStore(t)
	w := NewCleanupWorker(s, RetentionPolicy{
		RunAge: time.Hour, ErrorAge: time.Hour, SchemaVersionsKeep: 10,
	}, 10*time.Millisecond)

	w.Start()
	w.Start() // idempotent
	time.Sleep(30 * time.Millisecond)
	w.Stop()
	w.Stop() // idempotent
}
