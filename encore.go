// Package encore is an offline performance-content cache and preloading
// engine: a durable blob store with a priority-scored preload scheduler,
// score-ranked eviction under a size budget, and network-to-cache fallback,
// built so a musician can flip between setlist songs with no visible
// latency and no dependency on network availability.
package encore

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"goflare.io/encore/config"
	"goflare.io/encore/models"
	"goflare.io/encore/pkg/serialization"
)

const (
	metadataStateKey = "stats"
	emaAlpha         = 0.1
)

type options struct {
	cfg     *config.Config
	store   Store
	fetcher Fetcher
}

// Option configures the engine at construction time.
type Option func(*options) error

// WithLogger sets a custom logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) error {
		o.cfg.Logger = logger
		return nil
	}
}

// WithCacheDir sets the root directory of the durable store.
func WithCacheDir(dir string) Option {
	return func(o *options) error {
		o.cfg.CacheDir = dir
		return nil
	}
}

// WithMaxCacheSize sets the hard size ceiling in bytes.
func WithMaxCacheSize(size int64) Option {
	return func(o *options) error {
		o.cfg.MaxCacheSize = size
		return nil
	}
}

// WithReserveSize sets the lower target an optimization pass shrinks to.
func WithReserveSize(size int64) Option {
	return func(o *options) error {
		o.cfg.ReserveSize = size
		return nil
	}
}

// WithExpiry sets how long an entry stays fresh after creation.
func WithExpiry(expiry time.Duration) Option {
	return func(o *options) error {
		o.cfg.Expiry = expiry
		return nil
	}
}

// WithCleanupInterval sets the cadence of background optimization passes;
// zero disables them.
func WithCleanupInterval(interval time.Duration) Option {
	return func(o *options) error {
		o.cfg.CleanupInterval = interval
		return nil
	}
}

// WithProxyBaseURL sets the same-origin proxy endpoint assets are fetched
// through.
func WithProxyBaseURL(url string) Option {
	return func(o *options) error {
		o.cfg.ProxyBaseURL = url
		return nil
	}
}

// WithPreloadConcurrency bounds how many preload fetches overlap.
func WithPreloadConcurrency(n int) Option {
	return func(o *options) error {
		o.cfg.PreloadConfig.Concurrency = n
		return nil
	}
}

// WithSerializer selects the codec for the store index and state records.
func WithSerializer(serializer string) Option {
	return func(o *options) error {
		switch serializer {
		case serialization.JSONType:
			o.cfg.Serialization.Type = serialization.JSONType
			o.cfg.Serialization.Encoder = serialization.JSONEncoder
			o.cfg.Serialization.Decoder = serialization.JSONDecoder
		case serialization.GobType:
			o.cfg.Serialization.Type = serialization.GobType
			o.cfg.Serialization.Encoder = serialization.GobEncoder
			o.cfg.Serialization.Decoder = serialization.GobDecoder
		default:
			return fmt.Errorf("unsupported serialization type: %s", serializer)
		}
		return nil
	}
}

// WithStore injects a custom blob store, e.g. an isolated one in tests.
func WithStore(store Store) Option {
	return func(o *options) error {
		o.store = store
		return nil
	}
}

// WithFetcher injects a custom network fetch adapter.
func WithFetcher(fetcher Fetcher) Option {
	return func(o *options) error {
		o.fetcher = fetcher
		return nil
	}
}

// Engine is the cache engine. Construct with New, release with Close; each
// instance owns one store directory and is independent of any other.
type Engine struct {
	cfg     *config.Config
	logger  *zap.Logger
	tracer  trace.Tracer
	store   Store
	fetcher Fetcher
	metrics *models.Metrics
	sf      *singleflight.Group

	metaMu sync.Mutex
	meta   *models.Metadata

	filterMu sync.RWMutex
	filter   *bloom.BloomFilter

	preloadMu     sync.Mutex
	preloadCancel context.CancelFunc
	preloaded     map[int]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// New builds an engine from the default configuration and the given
// options, restores persisted state, and starts the background maintenance
// loops.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	cfg := config.NewConfig()
	o := &options{cfg: cfg}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	store := o.store
	if store == nil {
		var err error
		store, err = NewFileStore(cfg.CacheDir, cfg.MaxMemorySize, cfg.Serialization, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open blob store: %w", err)
		}
	}

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = NewProxyFetcher(cfg)
	}

	e := &Engine{
		cfg:     cfg,
		logger:  cfg.Logger,
		tracer:  otel.Tracer("encore"),
		store:   store,
		fetcher: fetcher,
		metrics: models.NewMetrics(emaAlpha),
		sf:      &singleflight.Group{},
		meta:    &models.Metadata{},
		filter: bloom.NewWithEstimates(
			cfg.BloomConfig.ExpectedItems,
			cfg.BloomConfig.FalsePositiveRate),
		preloaded: make(map[int]struct{}),
		done:      make(chan struct{}),
	}

	if err := e.restoreState(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	if cfg.CleanupInterval > 0 {
		go e.optimizeLoop(ctx)
	}
	if cfg.BloomConfig.RebuildInterval > 0 {
		go e.rebuildLoop(ctx)
	}

	return e, nil
}

// Close aborts any preload in flight, stops the maintenance loops, flushes
// metadata and the bloom filter, and closes the store.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)

		e.preloadMu.Lock()
		if e.preloadCancel != nil {
			e.preloadCancel()
		}
		e.preloadMu.Unlock()

		ctx := context.Background()
		e.commitMetadata(ctx)
		e.saveBloomFilter(ctx)
		err = e.store.Close()
	})
	return err
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// restoreState reloads persisted performance metrics, recomputes the size
// aggregates from the store index so a crash can't leave them skewed, and
// primes the bloom filter.
func (e *Engine) restoreState(ctx context.Context) error {
	if data, err := e.store.LoadState(ctx, metadataStateKey); err != nil {
		e.logger.Warn("failed to load cache metadata", zap.Error(err))
	} else if data != nil {
		var meta models.Metadata
		if err := e.cfg.Serialization.Decoder(bytes.NewReader(data)).Decode(&meta); err != nil {
			e.logger.Warn("discarding unreadable cache metadata", zap.Error(err))
		} else {
			e.meta.LastCleanup = meta.LastCleanup
			e.metrics.Restore(meta.Performance)
		}
	}

	entries, err := e.store.Entries(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan store at startup: %w", err)
	}
	var total int64
	for _, entry := range entries {
		total += entry.Size
	}
	e.metaMu.Lock()
	e.meta.TotalSize = total
	e.meta.EntryCount = len(entries)
	e.metaMu.Unlock()

	e.loadBloomFilter(ctx)
	return nil
}

// writeEntry stores an entry and reconciles the aggregate metadata against
// whatever size the key previously held, so overwriting the same key twice
// stays idempotent.
func (e *Engine) writeEntry(ctx context.Context, key string, entry *models.Entry) error {
	prevSize, replaced, err := e.store.Set(ctx, key, entry)
	if err != nil {
		return err
	}
	e.addToFilter(key)

	e.metaMu.Lock()
	e.meta.TotalSize += entry.Size - prevSize
	if !replaced {
		e.meta.EntryCount++
	}
	e.metaMu.Unlock()

	e.commitMetadata(ctx)
	return nil
}

// dropEntry removes an entry and subtracts its prior size from the
// aggregates.
func (e *Engine) dropEntry(ctx context.Context, key string) {
	size, removed, err := e.store.Remove(ctx, key)
	if err != nil {
		e.logger.Warn("failed to remove cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	if !removed {
		return
	}

	e.metaMu.Lock()
	e.meta.TotalSize -= size
	e.meta.EntryCount--
	e.metaMu.Unlock()

	e.commitMetadata(ctx)
}

func (e *Engine) commitMetadata(ctx context.Context) {
	e.metaMu.Lock()
	meta := *e.meta
	e.metaMu.Unlock()
	meta.Performance = e.metrics.Snapshot()

	var buf bytes.Buffer
	if err := e.cfg.Serialization.Encoder(&buf).Encode(&meta); err != nil {
		e.logger.Error("failed to encode cache metadata", zap.Error(err))
		return
	}
	if err := e.store.SaveState(ctx, metadataStateKey, buf.Bytes()); err != nil {
		e.logger.Error("failed to persist cache metadata", zap.Error(err))
	}
}

// rebuildLoop refreshes the bloom filter from the store's key set until the
// engine closes, bounding drift from evictions.
func (e *Engine) rebuildLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.BloomConfig.RebuildInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.rebuildBloomFilter(ctx)
		}
	}
}
