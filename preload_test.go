package encore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"goflare.io/encore/models"
	"goflare.io/encore/utils"
)

func setlist(n int) []models.Song {
	songs := make([]models.Song, n)
	for i := range songs {
		songs[i] = models.Song{
			ID:      fmt.Sprintf("song-%d", i),
			Title:   fmt.Sprintf("Song %d", i),
			FileURL: fmt.Sprintf("https://charts.example.com/song-%d.pdf", i),
		}
	}
	return songs
}

func TestPreloadTargetsOrdering(t *testing.T) {
	targets := PreloadTargets(10, 5, true)
	require.Equal(t, []models.PreloadTarget{
		{SongIndex: 6, Priority: 1, Reason: ReasonNextSong},
		{SongIndex: 4, Priority: 2, Reason: ReasonPreviousSong},
		{SongIndex: 7, Priority: 3, Reason: ReasonLookahead},
	}, targets)
}

func TestPreloadTargetsBoundaries(t *testing.T) {
	first := PreloadTargets(10, 0, true)
	require.Equal(t, []models.PreloadTarget{
		{SongIndex: 1, Priority: 1, Reason: ReasonNextSong},
		{SongIndex: 2, Priority: 3, Reason: ReasonLookahead},
	}, first)

	last := PreloadTargets(10, 9, true)
	require.Equal(t, []models.PreloadTarget{
		{SongIndex: 8, Priority: 2, Reason: ReasonPreviousSong},
	}, last)
}

func TestPreloadTargetsPausedSkipsLookahead(t *testing.T) {
	targets := PreloadTargets(10, 5, false)
	require.Len(t, targets, 2)
	for _, target := range targets {
		require.NotEqual(t, ReasonLookahead, target.Reason)
	}
}

func TestPreloadWarmsNeighbors(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	e := newTestEngine(t, fetcher)
	songs := setlist(3)

	err := e.PreloadForPerformance(ctx, songs, 0, models.PreloadOptions{IsPlaying: true})
	require.NoError(t, err)

	// Next song: priority 1 -> high, distance 1 -> score 9.
	next, err := e.store.Get(ctx, utils.CacheKey(songs[1].FileURL))
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, models.PriorityHigh, next.Priority)
	require.InDelta(t, 9.0, next.PreloadScore, 1e-9)
	require.Equal(t, "song-1", next.SongID)

	// Lookahead: priority 3 -> low, distance 2 with the last-song boost.
	ahead, err := e.store.Get(ctx, utils.CacheKey(songs[2].FileURL))
	require.NoError(t, err)
	require.NotNil(t, ahead)
	require.Equal(t, models.PriorityLow, ahead.Priority)
	require.InDelta(t, 9.6, ahead.PreloadScore, 1e-9)

	// The current song itself is never a preload target.
	current, err := e.store.Get(ctx, utils.CacheKey(songs[0].FileURL))
	require.NoError(t, err)
	require.Nil(t, current)
}

func TestPreloadSkipsMarkedSongs(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	e := newTestEngine(t, fetcher)
	songs := setlist(3)

	for i := 0; i < 2; i++ {
		err := e.PreloadForPerformance(ctx, songs, 0, models.PreloadOptions{IsPlaying: true})
		require.NoError(t, err)
	}

	require.Equal(t, 1, fetcher.count(songs[1].FileURL))
	require.Equal(t, 1, fetcher.count(songs[2].FileURL))
}

func TestPreloadSecondPassAbortsFirst(t *testing.T) {
	ctx := context.Background()
	songs := setlist(10)

	fetcher := newFakeFetcher()
	fetcher.blockOn = map[string]struct{}{
		songs[1].FileURL: {},
		songs[2].FileURL: {},
	}
	fetcher.started = make(chan string, 2)
	e := newTestEngine(t, fetcher)

	firstErr := make(chan error, 1)
	go func() {
		firstErr <- e.PreloadForPerformance(ctx, songs, 0, models.PreloadOptions{IsPlaying: true})
	}()

	// Both of the first pass's fetches are in flight before the second
	// pass starts.
	<-fetcher.started
	<-fetcher.started

	err := e.PreloadForPerformance(ctx, songs, 5, models.PreloadOptions{IsPlaying: true})
	require.NoError(t, err)
	require.ErrorIs(t, <-firstErr, context.Canceled)

	// Only the second pass's targets landed in the cache.
	for _, index := range []int{6, 4, 7} {
		entry, err := e.store.Get(ctx, utils.CacheKey(songs[index].FileURL))
		require.NoError(t, err)
		require.NotNil(t, entry, "song %d should be cached", index)
	}
	for _, index := range []int{1, 2} {
		entry, err := e.store.Get(ctx, utils.CacheKey(songs[index].FileURL))
		require.NoError(t, err)
		require.Nil(t, entry, "aborted preload must not cache song %d", index)
	}
}

func TestCleanupPreloadMarkersWindow(t *testing.T) {
	e := newTestEngine(t, newFakeFetcher())

	for i := 0; i < 8; i++ {
		e.markPreloaded(i)
	}
	e.cleanupPreloadMarkers(0)

	for i := 0; i <= 3; i++ {
		require.True(t, e.markedPreloaded(i), "index %d is inside the window", i)
	}
	for i := 4; i < 8; i++ {
		require.False(t, e.markedPreloaded(i), "index %d drifted outside the window", i)
	}
}
