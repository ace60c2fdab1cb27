package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/update-mirror/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "options"))
	require.NoError(t, err)
	return s
}

func TestStore_SetGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Set(ctx, "snapshot_plugins", []byte(`{"a":1}`)))
	got, err := s.Get(ctx, "snapshot_plugins")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"a":1}`), got)

	require.NoError(t, s.Set(ctx, "snapshot_plugins", []byte("x")))
	got, err = s.Get(ctx, "snapshot_plugins")
	require.NoError(t, err)
	require.Equal(t, []byte("x"), got)
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "last_success")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Set(ctx, "notice", []byte("n")))
	require.NoError(t, s.Delete(ctx, "notice"))
	require.NoError(t, s.Delete(ctx, "notice"))

	_, err := s.Get(ctx, "notice")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_Keys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Set(ctx, "snapshot_themes", []byte("1")))
	require.NoError(t, s.Set(ctx, "snapshot_core", []byte("2")))
	require.NoError(t, s.Set(ctx, "last_success", []byte("3")))

	// leftover temp files from an interrupted write are ignored
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), ".tmp-123"), []byte("partial"), 0o600))

	keys, err := s.Keys(ctx, "snapshot_")
	require.NoError(t, err)
	require.Equal(t, []string{"snapshot_core", "snapshot_themes"}, keys)

	all, err := s.Keys(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestStore_InvalidKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, key := range []string{"", ".", "..", "../escape", "a/b", `a\b`, ".tmp-x"} {
		t.Run(key, func(t *testing.T) {
			require.ErrorIs(t, s.Set(ctx, key, []byte("v")), ErrInvalidKey)
			_, err := s.Get(ctx, key)
			require.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

func TestStore_NoTempFilesAfterSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Set(ctx, "last_success", []byte("v")))

	entries, err := os.ReadDir(s.Root())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "last_success", entries[0].Name())
}
