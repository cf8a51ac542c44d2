package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/cfg"
	"github.com/driftsync/driftsync/connector"
	"github.com/driftsync/driftsync/schema"
)

func insertChange(id int, values map[string]any) connector.Change {
	if values == nil {
		values = map[string]any{}
	}
	values["id"] = id
	return connector.Change{
		Op:     connector.OpInsert,
		Record: connector.Record{Key: map[string]any{"id": id}, Values: values},
	}
}

func TestRegistryResolvesMemoryKind(t *testing.T) {
	src, err := connector.NewSource(cfg.SourceConfiguration{Kind: "memory"})
	require.NoError(t, err)
	require.NotNil(t, src)

	dst, err := connector.NewDestination(cfg.DestinationConfiguration{Kind: "memory"})
	require.NoError(t, err)
	require.NotNil(t, dst)

	_, err = connector.NewSource(cfg.SourceConfiguration{Kind: "mongodb"})
	assert.Error(t, err)
}

func TestChangesResumeFromPosition(t *testing.T) {
	ctx := context.Background()
	src := NewSource()
	src.Append("app", "users", insertChange(1, nil), insertChange(2, nil), insertChange(3, nil))

	first, err := src.Changes(ctx, "app", "users", nil, 2)
	require.NoError(t, err)
	require.Len(t, first.Changes, 2)

	second, err := src.Changes(ctx, "app", "users", first.EndPosition, 10)
	require.NoError(t, err)
	require.Len(t, second.Changes, 1)
	assert.Equal(t, 3, second.Changes[0].Record.Key["id"])

	third, err := src.Changes(ctx, "app", "users", second.EndPosition, 10)
	require.NoError(t, err)
	assert.True(t, third.Empty())
}

func TestWriteBatchIdempotentUpsert(t *testing.T) {
	ctx := context.Background()
	dst := NewDestination()

	batch := connector.Batch{Changes: []connector.Change{
		insertChange(1, map[string]any{"name": "a"}),
		insertChange(2, map[string]any{"name": "b"}),
	}}

	res, err := dst.WriteBatch(ctx, "app", "users", batch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)

	// Redelivery converges instead of duplicating.
	res, err = dst.WriteBatch(ctx, "app", "users", batch)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 2, res.Updated)
	assert.Len(t, dst.Rows("app", "users"), 2)
}

func TestWriteBatchDelete(t *testing.T) {
	ctx := context.Background()
	dst := NewDestination()

	_, err := dst.WriteBatch(ctx, "app", "users", connector.Batch{
		Changes: []connector.Change{insertChange(1, nil)},
	})
	require.NoError(t, err)

	res, err := dst.WriteBatch(ctx, "app", "users", connector.Batch{
		Changes: []connector.Change{{
			Op:     connector.OpDelete,
			Record: connector.Record{Key: map[string]any{"id": 1}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Empty(t, dst.Rows("app", "users"))
}

func TestRejectHookFailsRecordNotBatch(t *testing.T) {
	ctx := context.Background()
	dst := NewDestination()
	dst.RejectHook = func(_, _ string, r connector.Record) error {
		if r.Key["id"] == 2 {
			return errors.New("check constraint failed")
		}
		return nil
	}

	res, err := dst.WriteBatch(ctx, "app", "users", connector.Batch{Changes: []connector.Change{
		insertChange(1, nil), insertChange(2, nil), insertChange(3, nil),
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, 2, res.Failed[0].Record.Key["id"])
}

func TestFullLoadPaging(t *testing.T) {
	ctx := context.Background()
	src := NewSource()
	rows := make([]connector.Record, 5)
	for i := range rows {
		rows[i] = connector.Record{Key: map[string]any{"id": i}}
	}
	src.SetRows("app", "users", rows)

	pager, err := src.FullLoad(ctx, "app", "users", 2)
	require.NoError(t, err)

	total := 0
	pages := 0
	for {
		batch, more, err := pager(ctx)
		require.NoError(t, err)
		if !more {
			break
		}
		pages++
		total += len(batch.Changes)
	}
	assert.Equal(t, 5, total)
	assert.Equal(t, 3, pages)
}

func TestSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	src := NewSource()
	src.SetSnapshot("app", schema.Snapshot{
		"users": {Name: "users", Columns: []schema.Column{{Name: "id", Type: schema.TypeBigInt}}},
	})

	snap, err := src.Snapshot(ctx, "app")
	require.NoError(t, err)
	tbl := snap["users"]
	tbl.Columns[0].Type = schema.TypeString
	snap["users"] = tbl

	again, err := src.Snapshot(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, schema.TypeBigInt, again["users"].Columns[0].Type)
}

func TestPositionRoundTrip(t *testing.T) {
	assert.Equal(t, uint64(0), DecodePosition(nil))
	assert.Equal(t, uint64(42), DecodePosition(EncodePosition(42)))
}

func TestKeyStringDeterministic(t *testing.T) {
	a := KeyString(map[string]any{"b": 2, "a": 1})
	b := KeyString(map[string]any{"a": 1, "b": 2})
	assert.Equal(t, a, b)
}
