package encore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"goflare.io/encore/models"
	"goflare.io/encore/utils"
)

// Optimize reclaims space once the cache has grown past its ceiling,
// deleting the lowest-scored entries until the total drops to the reserve
// target. A no-op while the total is under the ceiling. Aggregate metadata
// is updated once after the pass, not per deletion.
func (e *Engine) Optimize(ctx context.Context) (models.OptimizeResult, error) {
	var result models.OptimizeResult
	if e.isClosed() {
		return result, ErrClosed
	}

	ctx, span := e.tracer.Start(ctx, "encore.Optimize")
	defer span.End()

	e.metaMu.Lock()
	total := e.meta.TotalSize
	e.metaMu.Unlock()

	if total < e.cfg.MaxCacheSize {
		return result, nil
	}

	entries, err := e.store.Entries(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to scan cache entries: %w", err)
	}

	now := time.Now()
	sort.SliceStable(entries, func(i, j int) bool {
		return optimizationScore(entries[i], now) < optimizationScore(entries[j], now)
	})

	for _, entry := range entries {
		if total <= e.cfg.ReserveSize {
			break
		}

		size, removed, err := e.store.Remove(ctx, utils.CacheKey(entry.URL))
		if err != nil {
			e.logger.Warn("failed to evict entry", zap.String("url", entry.URL), zap.Error(err))
			continue
		}
		if !removed {
			continue
		}

		total -= size
		result.FreedSpace += size
		result.RemovedEntries++
		e.metrics.Evictions.Inc()
	}

	e.metaMu.Lock()
	e.meta.TotalSize -= result.FreedSpace
	e.meta.EntryCount -= result.RemovedEntries
	e.meta.LastCleanup = now
	e.metaMu.Unlock()
	e.commitMetadata(ctx)

	span.SetAttributes(
		attribute.Int64("freed_space", result.FreedSpace),
		attribute.Int("removed_entries", result.RemovedEntries))
	e.logger.Info("cache optimized",
		zap.Int64("freed_space", result.FreedSpace),
		zap.Int("removed_entries", result.RemovedEntries))

	return result, nil
}

// optimizationScore ranks an entry for eviction; lower scores go first.
// Age is hours since last access, the priority penalty is 0/10/20 for
// high/medium/low, size counts in megabytes, and the preload score
// subtracts to protect soon-needed content.
func optimizationScore(entry *models.Entry, now time.Time) float64 {
	ageHours := utils.HoursSince(entry.AccessTime, now)
	sizeMB := float64(entry.Size) / (1024 * 1024)
	return ageHours + entry.Priority.EvictionPenalty() + sizeMB - entry.PreloadScore
}

// optimizeLoop runs periodic optimization passes until the engine closes.
func (e *Engine) optimizeLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			if _, err := e.Optimize(ctx); err != nil {
				e.logger.Warn("periodic optimization failed", zap.Error(err))
			}
		}
	}
}
