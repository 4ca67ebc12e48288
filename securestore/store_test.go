package securestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories builds each local backend against a fresh state so the
// conformance suite runs identically over all of them.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"filesystem": func(t *testing.T) Store {
			s, err := NewFileSystemStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
	}
}

func TestStoreConformance(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			ctx := context.Background()

			t.Run("StoreAndRetrieve", func(t *testing.T) {
				require.NoError(t, store.Store(ctx, "entry-1", "value-1", false))

				got, err := store.Retrieve(ctx, "entry-1", false)
				require.NoError(t, err)
				assert.Equal(t, "value-1", got)
			})

			t.Run("SensitiveEntry", func(t *testing.T) {
				require.NoError(t, store.Store(ctx, "secret-1", "hidden", true))

				got, err := store.Retrieve(ctx, "secret-1", true)
				require.NoError(t, err)
				assert.Equal(t, "hidden", got)

				// Retrieval with the other classification still finds the
				// entry; callers are not required to remember the flag.
				got, err = store.Retrieve(ctx, "secret-1", false)
				require.NoError(t, err)
				assert.Equal(t, "hidden", got)
			})

			t.Run("Overwrite", func(t *testing.T) {
				require.NoError(t, store.Store(ctx, "entry-2", "first", false))
				require.NoError(t, store.Store(ctx, "entry-2", "second", false))

				got, err := store.Retrieve(ctx, "entry-2", false)
				require.NoError(t, err)
				assert.Equal(t, "second", got)
			})

			t.Run("ReclassifyDropsStaleCopy", func(t *testing.T) {
				require.NoError(t, store.Store(ctx, "entry-3", "plain", false))
				require.NoError(t, store.Store(ctx, "entry-3", "now sensitive", true))

				got, err := store.Retrieve(ctx, "entry-3", false)
				require.NoError(t, err)
				assert.Equal(t, "now sensitive", got)
			})

			t.Run("MissingKey", func(t *testing.T) {
				_, err := store.Retrieve(ctx, "never-stored", false)
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("Delete", func(t *testing.T) {
				require.NoError(t, store.Store(ctx, "entry-4", "doomed", false))
				require.NoError(t, store.Delete(ctx, "entry-4"))

				_, err := store.Retrieve(ctx, "entry-4", false)
				assert.ErrorIs(t, err, ErrNotFound)

				// Deleting a missing key is not an error.
				assert.NoError(t, store.Delete(ctx, "entry-4"))
			})

			t.Run("ListWithPrefix", func(t *testing.T) {
				for i := 0; i < 3; i++ {
					require.NoError(t, store.Store(ctx, fmt.Sprintf("encryption-key:key-%d", i), "k", true))
				}
				require.NoError(t, store.Store(ctx, "record:1", "r", false))

				keys, err := store.List(ctx, "encryption-key:")
				require.NoError(t, err)
				assert.Len(t, keys, 3)
				for _, k := range keys {
					assert.Contains(t, k, "encryption-key:")
				}

				all, err := store.List(ctx, "")
				require.NoError(t, err)
				assert.GreaterOrEqual(t, len(all), 4)
			})

			t.Run("AwkwardKeyNames", func(t *testing.T) {
				keys := []string{
					"archived-key:records:1699999999999",
					"kek:derivation-salt",
					"path/with/slashes",
					"spaces and ünicode",
				}
				for _, k := range keys {
					require.NoError(t, store.Store(ctx, k, "v:"+k, true))
					got, err := store.Retrieve(ctx, k, true)
					require.NoError(t, err)
					assert.Equal(t, "v:"+k, got)
				}
			})

			t.Run("Ping", func(t *testing.T) {
				assert.NoError(t, store.Ping(ctx))
			})
		})
	}
}

func TestMemoryStoreRejectsUseAfterClose(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "entry-1", "value-1", false))
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.Store(ctx, "entry-1", "value-2", false), ErrStoreClosed)

	_, err := store.Retrieve(ctx, "entry-1", false)
	assert.ErrorIs(t, err, ErrStoreClosed)

	assert.ErrorIs(t, store.Delete(ctx, "entry-1"), ErrStoreClosed)

	_, err = store.List(ctx, "")
	assert.ErrorIs(t, err, ErrStoreClosed)

	assert.ErrorIs(t, store.Ping(ctx), ErrStoreClosed)
}

func TestFileSystemStorePermissions(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileSystemStore(dir)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "secret", "material", true))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	checked := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, serr := os.Stat(filepath.Join(dir, entry.Name()))
		require.NoError(t, serr)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "entry %s", entry.Name())
		checked = true
	}
	assert.True(t, checked, "no entry files found")
}

func TestFileSystemStoreRejectsEmptyBasePath(t *testing.T) {
	_, err := NewFileSystemStore("")
	assert.Error(t, err)
}

func TestNewStoreFactory(t *testing.T) {
	s, err := NewStore(StoreConfig{
		Type:   StoreTypeFileSystem,
		Config: map[string]interface{}{"base_path": t.TempDir()},
	})
	require.NoError(t, err)
	assert.Equal(t, "filesystem", s.GetType())

	s, err = NewStore(StoreConfig{Type: StoreTypeMemory})
	require.NoError(t, err)
	assert.Equal(t, "memory", s.GetType())

	_, err = NewStore(StoreConfig{Type: "redis"})
	assert.Error(t, err)

	_, err = NewStore(StoreConfig{Type: StoreTypeFileSystem})
	assert.Error(t, err, "filesystem store requires base_path")
}
