package lifecycle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djtimer/shellcache/internal/cache"
	"github.com/djtimer/shellcache/internal/fetch"
)

const currentGeneration = "app-cache-v1.0.4"

func manifestURLs(t *testing.T, raw ...string) []*url.URL {
	t.Helper()
	result := make([]*url.URL, len(raw))
	for i, entry := range raw {
		u, err := url.Parse(entry)
		require.NoError(t, err)
		result[i] = u
	}
	return result
}

// staticNetwork 对每个 URL 返回 "body:<url>"，failing 中的 URL 返回网络错误。
func staticNetwork(calls *atomic.Int32, failing ...string) fetch.Network {
	return fetch.NetworkFunc(func(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
		calls.Add(1)
		for _, f := range failing {
			if req.URL.String() == f {
				return nil, fetch.ErrNetwork
			}
		}
		return fetch.NewResponse(req.URL.String(), http.StatusOK, http.Header{}, fetch.TypeBasic,
			io.NopCloser(strings.NewReader("body:"+req.URL.String()))), nil
	})
}

func newWorker(t *testing.T, storage cache.Storage, network fetch.Network, entries ...string) *Worker {
	t.Helper()
	worker, err := NewWorker(Options{
		Storage:    storage,
		Generation: currentGeneration,
		Manifest:   manifestURLs(t, entries...),
		Network:    network,
	})
	require.NoError(t, err)
	return worker
}

var threeEntries = []string{
	"https://timer.local/",
	"https://timer.local/index.html",
	"https://timer.local/icons/a.png",
}

func TestInstallAndActivateScenario(t *testing.T) {
	storage, err := cache.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	for _, old := range []string{"app-cache-v1.0.2", "app-cache-v1.0.3", "unrelated"} {
		_, err := storage.Open(ctx, old)
		require.NoError(t, err)
	}

	var calls atomic.Int32
	worker := newWorker(t, storage, staticNetwork(&calls), threeEntries...)

	gen, err := worker.Install(ctx)
	require.NoError(t, err)
	keys, err := gen.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 3)
	assert.Equal(t, StateInstalled, worker.Status().State)
	assert.True(t, worker.Status().SkipWaiting)
	assert.False(t, worker.Controlling())

	require.NoError(t, worker.Activate(ctx))
	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{currentGeneration}, names)
	assert.True(t, worker.Controlling())
	assert.Equal(t, StateActivated, worker.Status().State)
}

func TestInstallTwiceKeepsEntriesUnchanged(t *testing.T) {
	storage, err := cache.NewMemoryLevelStorage()
	require.NoError(t, err)
	defer storage.Close()
	ctx := context.Background()

	var calls atomic.Int32
	worker := newWorker(t, storage, staticNetwork(&calls), threeEntries...)
	gen, err := worker.Install(ctx)
	require.NoError(t, err)
	firstKeys, err := gen.Keys(ctx)
	require.NoError(t, err)
	first := map[cache.Key]string{}
	for _, key := range firstKeys {
		snap, err := gen.Match(ctx, key)
		require.NoError(t, err)
		first[key] = string(snap.Body)
	}

	gen, err = worker.Install(ctx)
	require.NoError(t, err)
	secondKeys, err := gen.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, firstKeys, secondKeys)
	for _, key := range secondKeys {
		snap, err := gen.Match(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, first[key], string(snap.Body))
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	storage, err := cache.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	var calls atomic.Int32
	worker := newWorker(t, storage, staticNetwork(&calls, "https://timer.local/icons/a.png"), threeEntries...)

	gen, err := worker.Install(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInstallFailed)
	assert.ErrorIs(t, err, fetch.ErrNetwork)
	require.NotNil(t, gen, "install failure must not prevent activation")

	keys, err := gen.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	status := worker.Status()
	assert.Equal(t, StateInstalled, status.State)
	assert.True(t, status.SkipWaiting)
	assert.NotEmpty(t, status.InstallError)

	require.NoError(t, worker.Activate(ctx))
	assert.True(t, worker.Controlling())
}

func TestInstallRejectsNonSuccessResponses(t *testing.T) {
	storage, err := cache.NewMemoryLevelStorage()
	require.NoError(t, err)
	defer storage.Close()

	network := fetch.NetworkFunc(func(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
		status := http.StatusOK
		if strings.HasSuffix(req.URL.Path, ".png") {
			status = http.StatusNotFound
		}
		return fetch.NewResponse(req.URL.String(), status, nil, fetch.TypeBasic, io.NopCloser(strings.NewReader("x"))), nil
	})
	worker := newWorker(t, storage, network, threeEntries...)

	gen, err := worker.Install(context.Background())
	assert.ErrorIs(t, err, ErrInstallFailed)
	keys, err := gen.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRunActivatesEvenWhenInstallFails(t *testing.T) {
	storage, err := cache.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	_, err = storage.Open(ctx, "app-cache-v1.0.3")
	require.NoError(t, err)

	var calls atomic.Int32
	worker := newWorker(t, storage, staticNetwork(&calls, threeEntries[0]), threeEntries...)
	gen, err := worker.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, currentGeneration, gen.Name())

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{currentGeneration}, names)
}

// flakyStorage 对指定代际的删除返回错误，其余行为委托给内层 Storage。
type flakyStorage struct {
	cache.Storage
	failOn string
}

func (s flakyStorage) Delete(ctx context.Context, name string) (bool, error) {
	if name == s.failOn {
		return false, errors.New("permission denied")
	}
	return s.Storage.Delete(ctx, name)
}

func TestActivateDeleteFailureDoesNotBlockSiblings(t *testing.T) {
	inner, err := cache.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	for _, old := range []string{"v1", "v2", "v3"} {
		_, err := inner.Open(ctx, old)
		require.NoError(t, err)
	}
	storage := flakyStorage{Storage: inner, failOn: "v2"}

	var calls atomic.Int32
	worker := newWorker(t, storage, staticNetwork(&calls), threeEntries...)
	_, err = worker.Install(ctx)
	require.NoError(t, err)

	err = worker.Activate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "v2")
	assert.True(t, worker.Controlling(), "delete failure must not block claiming clients")

	names, err := inner.Names(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{currentGeneration, "v2"}, names)
}

func TestActivateBeforeInstallFails(t *testing.T) {
	storage, err := cache.NewMemoryLevelStorage()
	require.NoError(t, err)
	defer storage.Close()

	var calls atomic.Int32
	worker := newWorker(t, storage, staticNetwork(&calls))
	assert.Error(t, worker.Activate(context.Background()))
	assert.False(t, worker.Controlling())
}

func TestStaleGenerations(t *testing.T) {
	assert.Equal(t, []string{"a-v1", "b"}, StaleGenerations("a-v2", []string{"a-v1", "a-v2", "b"}))
	assert.Empty(t, StaleGenerations("a-v2", []string{"a-v2"}))
	assert.Empty(t, StaleGenerations("a-v2", nil))
}
