package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkrelay/linkrelay/internal/store"
)

func TestMemoryKV_SetGet(t *testing.T) {
	kv := store.NewMemoryKV()
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k1", []byte("hello")))

	got, err := kv.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
	assert.Equal(t, 1, kv.Len())
}

func TestMemoryKV_GetMissing(t *testing.T) {
	kv := store.NewMemoryKV()

	_, err := kv.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryKV_Overwrite(t *testing.T) {
	kv := store.NewMemoryKV()
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k1", []byte("first")))
	require.NoError(t, kv.Set(ctx, "k1", []byte("second")))

	got, err := kv.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
	assert.Equal(t, 1, kv.Len())
}

func TestMemoryKV_Delete(t *testing.T) {
	kv := store.NewMemoryKV()
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k1", []byte("hello")))
	require.NoError(t, kv.Delete(ctx, "k1"))

	_, err := kv.Get(ctx, "k1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Deleting a missing key is not an error.
	assert.NoError(t, kv.Delete(ctx, "never-seen"))
}

func TestMemoryKV_ReturnsCopies(t *testing.T) {
	kv := store.NewMemoryKV()
	ctx := context.Background()

	original := []byte("immutable")
	require.NoError(t, kv.Set(ctx, "k1", original))
	original[0] = 'X'

	got, err := kv.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), got)

	got[0] = 'Y'
	again, err := kv.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), again)
}
