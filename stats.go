package encore

import (
	"context"
	"fmt"

	"goflare.io/encore/models"
)

// Stats reports the cache's aggregate state: totals maintained
// incrementally on every mutation, the moving averages, and per-song entry
// counts derived by a bulk scan. The scan is reporting-only and touches the
// in-memory index, never blob bytes.
func (e *Engine) Stats(ctx context.Context) (*models.CacheStats, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}

	entries, err := e.store.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan cache entries: %w", err)
	}

	counts := make(map[string]int64)
	for _, entry := range entries {
		if entry.SongID != "" {
			counts[entry.SongID]++
		}
	}

	perf := e.metrics.Snapshot()

	e.metaMu.Lock()
	meta := *e.meta
	e.metaMu.Unlock()

	return &models.CacheStats{
		TotalSize:          meta.TotalSize,
		EntryCount:         meta.EntryCount,
		LastCleanup:        meta.LastCleanup,
		HitRate:            perf.HitRate,
		AvgLoadTimeMs:      perf.AvgLoadTimeMs,
		PreloadSuccessRate: perf.PreloadSuccessRate,
		SongAccessCounts:   counts,
	}, nil
}
