package cache

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends 返回全部后端的构造器，保证两种实现语义一致。
func backends(t *testing.T) map[string]func(t *testing.T) Storage {
	t.Helper()
	return map[string]func(t *testing.T) Storage{
		"fs": newTestStorage,
		"leveldb": func(t *testing.T) Storage {
			storage, err := NewMemoryLevelStorage()
			require.NoError(t, err)
			t.Cleanup(func() { _ = storage.Close() })
			return storage
		},
	}
}

func TestStorageConformance(t *testing.T) {
	for name, build := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			storage := build(t)

			current, err := storage.Open(ctx, "app-cache-v1.0.4")
			require.NoError(t, err)
			stale, err := storage.Open(ctx, "app-cache-v1.0.3")
			require.NoError(t, err)

			shell := mustKey(t, "https://timer.local/index.html")
			font := mustKey(t, "https://fonts.googleapis.com/css2?family=Montserrat")
			require.NoError(t, current.PutAll(ctx, []Record{
				{Key: shell, Snapshot: &Snapshot{URL: shell.URL, Status: 200, Type: "basic", Body: []byte("shell")}},
				{Key: font, Snapshot: &Snapshot{URL: font.URL, Status: 200, Type: "cors", Body: []byte("@font-face{}")}},
			}))
			require.NoError(t, stale.Put(ctx, shell, &Snapshot{Status: 200, Body: []byte("old shell")}))

			names, err := storage.Names(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"app-cache-v1.0.3", "app-cache-v1.0.4"}, names)

			got, err := current.Match(ctx, shell)
			require.NoError(t, err)
			assert.Equal(t, "shell", string(got.Body))

			got, err = stale.Match(ctx, shell)
			require.NoError(t, err)
			assert.Equal(t, "old shell", string(got.Body), "generations must not share entries")

			keys, err := current.Keys(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []Key{shell, font}, keys)

			// 覆盖写入以最后一次为准
			require.NoError(t, current.Put(ctx, shell, &Snapshot{Status: 200, Body: []byte("shell v2")}))
			got, err = current.Match(ctx, shell)
			require.NoError(t, err)
			assert.Equal(t, "shell v2", string(got.Body))

			deleted, err := storage.Delete(ctx, "app-cache-v1.0.3")
			require.NoError(t, err)
			assert.True(t, deleted)
			assert.ErrorIs(t, stale.Put(ctx, shell, &Snapshot{Status: 200}), ErrGenerationGone)

			names, err = storage.Names(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"app-cache-v1.0.4"}, names)

			reopened, err := storage.Open(ctx, "app-cache-v1.0.4")
			require.NoError(t, err)
			got, err = reopened.Match(ctx, font)
			require.NoError(t, err)
			assert.Equal(t, "cors", got.Type)

			_, err = reopened.Match(ctx, mustKey(t, "https://timer.local/nope"))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestLevelStoragePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.ldb")

	storage, err := NewLevelStorage(path)
	require.NoError(t, err)
	gen, err := storage.Open(ctx, "v1")
	require.NoError(t, err)
	key := mustKey(t, "https://timer.local/")
	require.NoError(t, gen.Put(ctx, key, &Snapshot{
		Status: http.StatusOK,
		Header: http.Header{"Etag": []string{`"abc"`}},
		Body:   []byte("root"),
	}))
	require.NoError(t, storage.Close())

	storage, err = NewLevelStorage(path)
	require.NoError(t, err)
	defer storage.Close()
	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, names)

	gen, err = storage.Open(ctx, "v1")
	require.NoError(t, err)
	got, err := gen.Match(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "root", string(got.Body))
	assert.Equal(t, `"abc"`, got.Header.Get("Etag"))
}

func TestLevelStorageDeleteMissingGeneration(t *testing.T) {
	storage, err := NewMemoryLevelStorage()
	require.NoError(t, err)
	defer storage.Close()

	deleted, err := storage.Delete(context.Background(), "never-created")
	require.NoError(t, err)
	assert.False(t, deleted)
}
