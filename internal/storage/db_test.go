package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestKV(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Set(ctx, "alias", "alice"))
	require.NoError(t, db.Set(ctx, "alias", "bob"))
	v, err := db.Get(ctx, "alias")
	require.NoError(t, err)
	assert.Equal(t, "bob", v)

	require.NoError(t, db.Delete(ctx, "alias"))
	require.NoError(t, db.Delete(ctx, "alias"))
	_, err = db.Get(ctx, "alias")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedgerRecords(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, ok, err := db.GetRecord(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.PutRecord(ctx, "g1", []byte(`{"groupId":"g1"}`)))
	require.NoError(t, db.PutRecord(ctx, "g2", []byte(`{"groupId":"g2"}`)))
	require.NoError(t, db.PutRecord(ctx, "g1", []byte(`{"groupId":"g1","name":"x"}`)))

	rec, ok, err := db.GetRecord(ctx, "g1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"groupId":"g1","name":"x"}`, string(rec))

	all, err := db.ListRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestOpenMemory(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Set(ctx, "k", "v"))
	v, err := db.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}
