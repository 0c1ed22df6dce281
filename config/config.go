package config

import (
	"io"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/encore/pkg/serialization"
)

// Config carries every tunable of the cache engine. Defaults come from
// NewConfig; the engine's functional options mutate a Config before the
// engine is built.
type Config struct {
	// CacheDir is the root of the durable store: blobs and index live under
	// content/, singleton state records under meta/.
	CacheDir string

	// MaxCacheSize is the hard ceiling in bytes. An optimization pass is a
	// no-op while the total stays below it.
	MaxCacheSize int64

	// ReserveSize is the lower target an optimization pass shrinks the
	// cache down to, so eviction doesn't immediately re-trigger.
	ReserveSize int64

	// MaxMemorySize bounds the in-memory hot layer in bytes.
	MaxMemorySize int64

	// Expiry is how long an entry stays fresh after creation. Older entries
	// read as misses.
	Expiry time.Duration

	// CleanupInterval is how often the background optimization pass runs.
	// Zero disables it; Optimize can still be called explicitly.
	CleanupInterval time.Duration

	// ProxyBaseURL is the same-origin proxy endpoint the fetch adapter
	// routes every remote asset request through.
	ProxyBaseURL string

	// FetchTimeout bounds one proxy round trip.
	FetchTimeout time.Duration

	PreloadConfig PreloadConfig
	BreakerConfig gobreaker.Settings
	BloomConfig   BloomConfig
	Serialization SerializationConfig
	Logger        *zap.Logger
}

// PreloadConfig tunes the preload scheduler.
type PreloadConfig struct {
	// Concurrency is how many preload fetches may overlap within a batch.
	Concurrency int

	// BatchDelay throttles between batches so the foreground fetch for the
	// displayed song is never starved.
	BatchDelay time.Duration

	// Window is how far (in setlist positions) a song may drift from the
	// current index before its preloaded marker is dropped.
	Window int

	// MaxScore is the proximity score of a song directly adjacent to the
	// current one; the score decays by one per position of distance.
	MaxScore float64

	// EdgeBoost multiplies the score of the first and last songs of the
	// setlist.
	EdgeBoost float64
}

// BloomConfig tunes the negative-lookup filter in front of the store.
type BloomConfig struct {
	ExpectedItems     uint
	FalsePositiveRate float64
	RebuildInterval   time.Duration
	StateKey          string
}

// SerializationConfig selects the codec for the store index and persisted
// state records.
type SerializationConfig struct {
	Type    string
	Encoder func(io.Writer) serialization.Encoder
	Decoder func(io.Reader) serialization.Decoder
}

// NewConfig returns the default engine configuration.
func NewConfig() *Config {
	return &Config{
		CacheDir:        "encore-cache",
		MaxCacheSize:    100 * 1024 * 1024,
		ReserveSize:     80 * 1024 * 1024,
		MaxMemorySize:   32 * 1024 * 1024,
		Expiry:          24 * time.Hour,
		CleanupInterval: 10 * time.Minute,
		FetchTimeout:    30 * time.Second,
		PreloadConfig: PreloadConfig{
			Concurrency: 3,
			BatchDelay:  100 * time.Millisecond,
			Window:      3,
			MaxScore:    10,
			EdgeBoost:   1.2,
		},
		BreakerConfig: gobreaker.Settings{Name: "proxy-fetch"},
		BloomConfig: BloomConfig{
			ExpectedItems:     1000,
			FalsePositiveRate: 0.01,
			RebuildInterval:   1 * time.Hour,
			StateKey:          "bloom",
		},
		Serialization: SerializationConfig{
			Type:    serialization.JSONType,
			Encoder: serialization.JSONEncoder,
			Decoder: serialization.JSONDecoder,
		},
		Logger: zap.NewNop(),
	}
}
