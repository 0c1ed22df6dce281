package encore

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"goflare.io/encore/models"
	"goflare.io/encore/utils"
)

// Preload target reasons, in urgency order.
const (
	ReasonNextSong     = "next_song"
	ReasonPreviousSong = "previous_song"
	ReasonLookahead    = "lookahead"
)

// PreloadTargets computes which songs around currentIndex need warming:
// the next song (priority 1), the previous song (priority 2), and the
// song after next while the transport is playing (priority 3), sorted
// most-urgent first.
func PreloadTargets(songCount, currentIndex int, isPlaying bool) []models.PreloadTarget {
	targets := make([]models.PreloadTarget, 0, 3)

	if currentIndex+1 < songCount {
		targets = append(targets, models.PreloadTarget{
			SongIndex: currentIndex + 1, Priority: 1, Reason: ReasonNextSong,
		})
	}
	if currentIndex-1 >= 0 {
		targets = append(targets, models.PreloadTarget{
			SongIndex: currentIndex - 1, Priority: 2, Reason: ReasonPreviousSong,
		})
	}
	if isPlaying && currentIndex+2 < songCount {
		targets = append(targets, models.PreloadTarget{
			SongIndex: currentIndex + 2, Priority: 3, Reason: ReasonLookahead,
		})
	}

	sort.Slice(targets, func(i, j int) bool {
		return targets[i].Priority < targets[j].Priority
	})
	return targets
}

// PreloadForPerformance warms the cache for the songs around currentIndex.
// Only one pass may be active: starting a new one aborts the previous pass,
// and an aborted pass never writes partial results. Returns the pass
// context's error when aborted, nil otherwise; individual target failures
// are logged and skipped.
func (e *Engine) PreloadForPerformance(ctx context.Context, songs []models.Song, currentIndex int, opts models.PreloadOptions) error {
	if e.isClosed() {
		return ErrClosed
	}

	ctx, span := e.tracer.Start(ctx, "encore.PreloadForPerformance",
		trace.WithAttributes(
			attribute.Int("song_count", len(songs)),
			attribute.Int("current_index", currentIndex),
			attribute.Bool("is_playing", opts.IsPlaying)))
	defer span.End()

	pctx := e.beginPreloadPass(ctx)

	targets := PreloadTargets(len(songs), currentIndex, opts.IsPlaying)
	concurrency := e.cfg.PreloadConfig.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	for start := 0; start < len(targets); start += concurrency {
		if pctx.Err() != nil {
			return pctx.Err()
		}

		end := start + concurrency
		if end > len(targets) {
			end = len(targets)
		}

		g, gctx := errgroup.WithContext(pctx)
		for _, target := range targets[start:end] {
			target := target
			g.Go(func() error {
				e.preloadTarget(gctx, songs[target.SongIndex], target, currentIndex, len(songs))
				return nil
			})
		}
		_ = g.Wait()

		// Throttle between batches so the foreground fetch for the
		// displayed song is never starved.
		if end < len(targets) {
			select {
			case <-pctx.Done():
				return pctx.Err()
			case <-time.After(e.cfg.PreloadConfig.BatchDelay):
			}
		}
	}

	e.cleanupPreloadMarkers(currentIndex)
	return pctx.Err()
}

// preloadTarget fetches and caches one target. Abort is checked before any
// work starts and again between fetch completion and the cache write, so a
// superseded pass cannot land stale bytes.
func (e *Engine) preloadTarget(ctx context.Context, song models.Song, target models.PreloadTarget, currentIndex, songCount int) {
	if ctx.Err() != nil || song.FileURL == "" {
		return
	}
	if e.markedPreloaded(target.SongIndex) {
		return
	}

	key := utils.CacheKey(song.FileURL)
	if entry, err := e.store.Get(ctx, key); err == nil && entry != nil &&
		!entry.ExpiredAt(time.Now(), e.cfg.Expiry) {
		e.markPreloaded(target.SongIndex)
		return
	}

	res, err := e.fetcher.Fetch(ctx, song.FileURL)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			e.logger.Debug("preload aborted", zap.Int("song_index", target.SongIndex))
			return
		}
		e.logger.Warn("preload fetch failed",
			zap.Int("song_index", target.SongIndex),
			zap.String("reason", target.Reason),
			zap.Error(err))
		e.metrics.RecordPreload(false)
		return
	}

	if ctx.Err() != nil {
		// Abort raced the response; discard it rather than cache it.
		e.logger.Debug("preload aborted after fetch", zap.Int("song_index", target.SongIndex))
		return
	}

	score := e.preloadScore(target.SongIndex, currentIndex, songCount)
	entry := models.NewEntry(song.FileURL, res.Data, res.MIMEType, song.ID, priorityFor(target.Priority), score)
	if err := e.writeEntry(ctx, key, entry); err != nil {
		e.logger.Warn("failed to cache preloaded content",
			zap.Int("song_index", target.SongIndex), zap.Error(err))
		e.metrics.RecordPreload(false)
		return
	}

	e.markPreloaded(target.SongIndex)
	e.metrics.RecordPreload(true)
}

// preloadScore estimates how soon the song will be needed: proximity to the
// current index, boosted for the first and last songs of the setlist.
func (e *Engine) preloadScore(songIndex, currentIndex, songCount int) float64 {
	distance := songIndex - currentIndex
	if distance < 0 {
		distance = -distance
	}

	score := e.cfg.PreloadConfig.MaxScore - float64(distance)
	if score < 0 {
		score = 0
	}
	if songIndex == 0 || songIndex == songCount-1 {
		score *= e.cfg.PreloadConfig.EdgeBoost
	}
	return score
}

func priorityFor(priority int) models.Priority {
	switch priority {
	case 1:
		return models.PriorityHigh
	case 2:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

// beginPreloadPass aborts any pass still in flight and registers the new
// one as the sole active pass.
func (e *Engine) beginPreloadPass(ctx context.Context) context.Context {
	e.preloadMu.Lock()
	defer e.preloadMu.Unlock()

	if e.preloadCancel != nil {
		e.preloadCancel()
	}
	pctx, cancel := context.WithCancel(ctx)
	e.preloadCancel = cancel
	return pctx
}

func (e *Engine) markPreloaded(songIndex int) {
	e.preloadMu.Lock()
	e.preloaded[songIndex] = struct{}{}
	e.preloadMu.Unlock()
}

func (e *Engine) markedPreloaded(songIndex int) bool {
	e.preloadMu.Lock()
	defer e.preloadMu.Unlock()
	_, ok := e.preloaded[songIndex]
	return ok
}

// cleanupPreloadMarkers drops markers for songs that drifted outside the
// preload window, so bookkeeping stays bounded over a long setlist.
func (e *Engine) cleanupPreloadMarkers(currentIndex int) {
	window := e.cfg.PreloadConfig.Window

	e.preloadMu.Lock()
	for index := range e.preloaded {
		distance := index - currentIndex
		if distance < 0 {
			distance = -distance
		}
		if distance > window {
			delete(e.preloaded, index)
		}
	}
	e.preloadMu.Unlock()
}
