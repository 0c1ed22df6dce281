package encore

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"goflare.io/encore/models"
	"goflare.io/encore/utils"
)

// GetContent is the single entry point consumers call to get content by
// URL: cache first, network on miss, opportunistic caching when songID is
// supplied. A storage-layer failure falls back to network; only when cache
// and network both fail does the caller see an error. Elapsed milliseconds
// feed the load-time moving average on every call.
func (e *Engine) GetContent(ctx context.Context, url, songID string) (*models.Content, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}

	start := time.Now()
	defer func() {
		e.metrics.ObserveLoadTime(float64(time.Since(start)) / float64(time.Millisecond))
	}()

	ctx, span := e.tracer.Start(ctx, "encore.GetContent",
		trace.WithAttributes(attribute.String("url", url), attribute.String("song_id", songID)))
	defer span.End()

	key := utils.CacheKey(url)
	v, err, _ := e.sf.Do(key, func() (any, error) {
		return e.getContent(ctx, key, url, songID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Content), nil
}

func (e *Engine) getContent(ctx context.Context, key, url, songID string) (*models.Content, error) {
	if e.mightContain(key) {
		entry, err := e.store.Get(ctx, key)
		switch {
		case err != nil:
			e.logger.Warn("cache lookup failed, falling back to network",
				zap.String("url", url), zap.Error(err))
		case entry != nil && entry.ExpiredAt(time.Now(), e.cfg.Expiry):
			// Lazy invalidation: expired entries read as misses.
			e.dropEntry(ctx, key)
		case entry != nil:
			entry.Touch()
			if _, _, err := e.store.Set(ctx, key, entry); err != nil {
				e.logger.Warn("failed to persist touched entry",
					zap.String("url", url), zap.Error(err))
			}
			e.metrics.RecordHit()
			return &models.Content{Data: entry.Data, MIMEType: entry.MIMEType, FromCache: true}, nil
		}
	}

	e.metrics.RecordMiss()

	res, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		e.logger.Warn("network fetch failed", zap.String("url", url), zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrContentUnavailable, url)
	}

	if songID != "" {
		entry := models.NewEntry(url, res.Data, res.MIMEType, songID, models.PriorityMedium, 0)
		if err := e.writeEntry(ctx, key, entry); err != nil {
			e.logger.Warn("failed to cache fetched content",
				zap.String("url", url), zap.Error(err))
		}
	}

	return &models.Content{Data: res.Data, MIMEType: res.MIMEType, FromCache: false}, nil
}
