package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_PutGet(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "queue/index.jsonl", []byte("hello")))

	obj, err := store.Get(ctx, "queue/index.jsonl")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), obj.Data)
	assert.NotZero(t, obj.Generation)
}

func TestLocalStore_GetMissing(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestLocalStore_PutIfCreate(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.PutIf(ctx, "worker_locks/a.json", []byte("first"), 0))

	// A second create-if-absent must lose.
	err = store.PutIf(ctx, "worker_locks/a.json", []byte("second"), 0)
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	obj, err := store.Get(ctx, "worker_locks/a.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), obj.Data)
}

func TestLocalStore_PutIfReplace(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("v1")))
	obj, err := store.Get(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, store.PutIf(ctx, "k", []byte("v2"), obj.Generation))

	// The old generation is dead after a successful replace.
	err = store.PutIf(ctx, "k", []byte("v3"), obj.Generation)
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Data)
	assert.Greater(t, got.Generation, obj.Generation)
}

func TestLocalStore_PutIfReplaceMissing(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	err = store.PutIf(context.Background(), "ghost", []byte("x"), 12345)
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestLocalStore_List(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "queue/done/one", []byte("x")))
	require.NoError(t, store.Put(ctx, "queue/done/two", []byte("x")))
	require.NoError(t, store.Put(ctx, "results/output_abc.jsonl", []byte("x")))

	keys, err := store.List(ctx, "queue/done/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"queue/done/one", "queue/done/two"}, keys)
}

func TestLocalStore_Delete(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("v")))
	require.NoError(t, store.Delete(ctx, "k"))

	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotExist)
	assert.ErrorIs(t, store.Delete(ctx, "k"), ErrNotExist)
}

func TestParseWorkspace(t *testing.T) {
	bucket, prefix, isGCS := ParseWorkspace("gs://my-bucket/runs/july/")
	assert.True(t, isGCS)
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "runs/july", prefix)

	bucket, prefix, isGCS = ParseWorkspace("/tmp/workspace")
	assert.False(t, isGCS)
	assert.Empty(t, bucket)
	assert.Equal(t, "/tmp/workspace", prefix)
}
