package encore

import (
	"bytes"
	"context"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"
)

// The bloom filter sits in front of the blob store so definite misses skip
// the disk entirely. It over-approximates: false positives just cost one
// store lookup, and rebuilding from Keys() after startup rules out false
// negatives.

func (e *Engine) mightContain(key string) bool {
	e.filterMu.RLock()
	defer e.filterMu.RUnlock()
	return e.filter.Test([]byte(key))
}

func (e *Engine) addToFilter(key string) {
	e.filterMu.Lock()
	e.filter.Add([]byte(key))
	e.filterMu.Unlock()
}

func (e *Engine) loadBloomFilter(ctx context.Context) {
	data, err := e.store.LoadState(ctx, e.cfg.BloomConfig.StateKey)
	if err != nil || data == nil {
		if err != nil {
			e.logger.Warn("failed to load bloom filter state", zap.Error(err))
		}
		e.rebuildBloomFilter(ctx)
		return
	}

	e.filterMu.Lock()
	_, err = e.filter.ReadFrom(bytes.NewReader(data))
	e.filterMu.Unlock()
	if err != nil {
		e.logger.Warn("failed to deserialize bloom filter, rebuilding", zap.Error(err))
		e.rebuildBloomFilter(ctx)
	}
}

func (e *Engine) saveBloomFilter(ctx context.Context) {
	var buf bytes.Buffer
	e.filterMu.RLock()
	_, err := e.filter.WriteTo(&buf)
	e.filterMu.RUnlock()
	if err != nil {
		e.logger.Error("failed to serialize bloom filter", zap.Error(err))
		return
	}

	if err := e.store.SaveState(ctx, e.cfg.BloomConfig.StateKey, buf.Bytes()); err != nil {
		e.logger.Error("failed to persist bloom filter", zap.Error(err))
	}
}

func (e *Engine) rebuildBloomFilter(ctx context.Context) {
	keys, err := e.store.Keys(ctx)
	if err != nil {
		e.logger.Error("failed to scan keys for bloom rebuild", zap.Error(err))
		return
	}

	filter := bloom.NewWithEstimates(
		e.cfg.BloomConfig.ExpectedItems,
		e.cfg.BloomConfig.FalsePositiveRate)
	for _, key := range keys {
		filter.Add([]byte(key))
	}

	e.filterMu.Lock()
	e.filter = filter
	e.filterMu.Unlock()

	e.saveBloomFilter(ctx)
}
