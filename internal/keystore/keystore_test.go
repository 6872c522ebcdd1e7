package keystore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Superhepper/parsec/internal/keystore"
	"github.com/Superhepper/parsec/internal/logging"
)

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, store keystore.Store) {
	t.Helper()
	ctx := context.Background()

	// Absent containers are reported distinctly.
	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, keystore.ErrNotFound)

	// Binary payloads survive the round trip.
	payload := []byte{0x00, 0x01, 0xfe, 0xff, 'k', 'e', 'y'}
	require.NoError(t, store.Put(ctx, "container-1", payload))
	got, err := store.Get(ctx, "container-1")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Put replaces.
	replacement := []byte("v2")
	require.NoError(t, store.Put(ctx, "container-1", replacement))
	got, err = store.Get(ctx, "container-1")
	require.NoError(t, err)
	assert.Equal(t, replacement, got)

	// Delete is idempotent.
	require.NoError(t, store.Delete(ctx, "container-1"))
	require.NoError(t, store.Delete(ctx, "container-1"))
	_, err = store.Get(ctx, "container-1")
	assert.ErrorIs(t, err, keystore.ErrNotFound)

	// Path separators are rejected.
	err = store.Put(ctx, "../escape", []byte("x"))
	assert.Error(t, err)

	assert.NoError(t, store.Check(ctx))
	assert.NoError(t, store.Close())
}

func TestMemoryStoreContract(t *testing.T) {
	t.Parallel()
	runStoreContract(t, keystore.NewMemory())
}

func TestFileStoreContract(t *testing.T) {
	t.Parallel()
	store, err := keystore.NewFile(t.TempDir())
	require.NoError(t, err)
	runStoreContract(t, store)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := keystore.NewFile(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "persist", []byte("blob")))
	require.NoError(t, store.Close())

	reopened, err := keystore.NewFile(dir)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, "persist")
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), got)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := keystore.NewMemory()

	payload := []byte("original")
	require.NoError(t, store.Put(ctx, "c", payload))
	payload[0] = 'X'

	got, err := store.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)

	got[0] = 'Y'
	again, err := store.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestOpenBackendSelection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log := logging.Discard()

	store, err := keystore.Open(ctx, keystore.Config{Backend: "memory"}, log)
	require.NoError(t, err)
	assert.IsType(t, &keystore.Memory{}, store)

	store, err = keystore.Open(ctx, keystore.Config{Backend: "file", Path: t.TempDir()}, log)
	require.NoError(t, err)
	assert.IsType(t, &keystore.File{}, store)

	_, err = keystore.Open(ctx, keystore.Config{Backend: "file"}, log)
	assert.ErrorContains(t, err, "requires a path")

	_, err = keystore.Open(ctx, keystore.Config{Backend: "s3"}, log)
	assert.ErrorContains(t, err, `unknown keystore backend "s3"`)
}
