package encore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goflare.io/encore/models"
	"goflare.io/encore/utils"
)

func TestGetContentCachesOnMiss(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	e := newTestEngine(t, fetcher)

	url := "https://charts.example.com/opener.pdf"

	first, err := e.GetContent(ctx, url, "song-1")
	require.NoError(t, err)
	require.False(t, first.FromCache)

	second, err := e.GetContent(ctx, url, "song-1")
	require.NoError(t, err)
	require.True(t, second.FromCache)
	require.Equal(t, first.Data, second.Data)
	require.Equal(t, first.MIMEType, second.MIMEType)

	require.Equal(t, 1, fetcher.count(url))
}

func TestGetContentWithoutSongIDSkipsCaching(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	e := newTestEngine(t, fetcher)

	url := "https://charts.example.com/anonymous.pdf"

	for i := 0; i < 2; i++ {
		content, err := e.GetContent(ctx, url, "")
		require.NoError(t, err)
		require.False(t, content.FromCache)
	}
	require.Equal(t, 2, fetcher.count(url))
}

func TestGetContentExpiredEntryReadsAsMiss(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	e := newTestEngine(t, fetcher, WithExpiry(30*time.Millisecond))

	url := "https://charts.example.com/stale.pdf"

	_, err := e.GetContent(ctx, url, "song-1")
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	content, err := e.GetContent(ctx, url, "song-1")
	require.NoError(t, err)
	require.False(t, content.FromCache)
	require.Equal(t, 2, fetcher.count(url))
}

func TestGetContentStoreFailureFallsBackToNetwork(t *testing.T) {
	ctx := context.Background()
	url := "https://charts.example.com/fragile.pdf"

	fetcher := newFakeFetcher()
	store := &failingStore{keys: []string{utils.CacheKey(url)}}
	e := newTestEngine(t, fetcher, WithStore(store))

	content, err := e.GetContent(ctx, url, "song-1")
	require.NoError(t, err)
	require.False(t, content.FromCache)
	require.NotEmpty(t, content.Data)
	require.Equal(t, 1, fetcher.count(url))
}

func TestGetContentBothSourcesFail(t *testing.T) {
	ctx := context.Background()
	url := "https://charts.example.com/gone.pdf"

	fetcher := newFakeFetcher()
	fetcher.err = errStoreOffline
	store := &failingStore{keys: []string{utils.CacheKey(url)}}
	e := newTestEngine(t, fetcher, WithStore(store))

	_, err := e.GetContent(ctx, url, "song-1")
	require.ErrorIs(t, err, ErrContentUnavailable)
}

func TestGetContentSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fetcher := newFakeFetcher()
	url := "https://charts.example.com/durable.pdf"

	first, err := New(ctx,
		WithCacheDir(dir),
		WithFetcher(fetcher),
		WithCleanupInterval(0))
	require.NoError(t, err)

	content, err := first.GetContent(ctx, url, "song-1")
	require.NoError(t, err)
	require.False(t, content.FromCache)
	require.NoError(t, first.Close())

	second, err := New(ctx,
		WithCacheDir(dir),
		WithFetcher(fetcher),
		WithCleanupInterval(0))
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	reloaded, err := second.GetContent(ctx, url, "song-1")
	require.NoError(t, err)
	require.True(t, reloaded.FromCache)
	require.Equal(t, content.Data, reloaded.Data)
	require.Equal(t, 1, fetcher.count(url))

	stats, err := second.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(len(content.Data)), stats.TotalSize)
	require.Equal(t, 1, stats.EntryCount)
}

// Walks a small setlist the way a performance does: preload around the
// opener, flip through every song, then reclaim space and read the stats.
func TestPerformanceFlow(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	e := newTestEngine(t, fetcher)
	songs := setlist(3)

	err := e.PreloadForPerformance(ctx, songs, 0, models.PreloadOptions{IsPlaying: true})
	require.NoError(t, err)

	for i, song := range songs {
		content, err := e.GetContent(ctx, song.FileURL, song.ID)
		require.NoError(t, err)
		require.Equal(t, "application/pdf", content.MIMEType)
		require.NotEmpty(t, content.Data)
		if i > 0 {
			// Songs 1 and 2 were warmed by the preload pass.
			require.True(t, content.FromCache, "song %d should come from cache", i)
		}
		require.Equal(t, 1, fetcher.count(song.FileURL))
	}

	result, err := e.Optimize(ctx)
	require.NoError(t, err)
	require.Zero(t, result.RemovedEntries)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.EntryCount)
	require.Len(t, stats.SongAccessCounts, 3)
	require.Greater(t, stats.PreloadSuccessRate, 0.0)
}
