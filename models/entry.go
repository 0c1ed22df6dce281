package models

import (
	"time"
)

// Priority classifies how valuable an entry is to keep cached.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// EvictionPenalty is the additive weight this priority contributes to the
// optimization score.
func (p Priority) EvictionPenalty() float64 {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 10
	default:
		return 20
	}
}

// Entry is one cached binary asset tied to one song. Data is stored as a
// separate blob file; everything else lives in the store index.
type Entry struct {
	URL          string    `json:"url"`
	Data         []byte    `json:"-"`
	MIMEType     string    `json:"mime_type"`
	Size         int64     `json:"size"`
	Priority     Priority  `json:"priority"`
	AccessTime   time.Time `json:"access_time"`
	CreateTime   time.Time `json:"create_time"`
	SongID       string    `json:"song_id"`
	PreloadScore float64   `json:"preload_score"`
	Checksum     string    `json:"checksum"`
}

// NewEntry creates an Entry for freshly fetched bytes. Size is derived from
// the data and both timestamps start at now.
func NewEntry(url string, data []byte, mimeType, songID string, priority Priority, preloadScore float64) *Entry {
	now := time.Now()
	return &Entry{
		URL:          url,
		Data:         data,
		MIMEType:     mimeType,
		Size:         int64(len(data)),
		Priority:     priority,
		AccessTime:   now,
		CreateTime:   now,
		SongID:       songID,
		PreloadScore: preloadScore,
	}
}

// ExpiredAt reports whether the entry is logically expired at the given
// instant. Expired entries must be treated as misses even while physically
// present.
func (e *Entry) ExpiredAt(now time.Time, expiry time.Duration) bool {
	return now.Sub(e.CreateTime) > expiry
}

// Touch updates the access time, keeping AccessTime >= CreateTime.
func (e *Entry) Touch() {
	e.AccessTime = time.Now()
}

// Song is the narrow shape of a setlist record the engine consumes. All
// other fields belong to the data layer.
type Song struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	FileURL string `json:"file_url"`
}

// Content is what the retrieval facade hands back to callers.
type Content struct {
	Data      []byte
	MIMEType  string
	FromCache bool
}

// FetchResult is the network fetch adapter's successful response.
type FetchResult struct {
	Data     []byte
	MIMEType string
}

// PreloadTarget is one song the scheduler decided to warm, recomputed on
// every scheduling pass and never persisted.
type PreloadTarget struct {
	SongIndex int
	Priority  int
	Reason    string
}

// PreloadOptions tunes a single scheduling pass.
type PreloadOptions struct {
	IsPlaying bool
}

// OptimizeResult reports what an eviction pass reclaimed.
type OptimizeResult struct {
	FreedSpace     int64 `json:"freed_space"`
	RemovedEntries int   `json:"removed_entries"`
}

// PerformanceMetrics are the exponential moving averages kept by the stats
// aggregator.
type PerformanceMetrics struct {
	HitRate            float64 `json:"hit_rate"`
	AvgLoadTimeMs      float64 `json:"avg_load_time_ms"`
	PreloadSuccessRate float64 `json:"preload_success_rate"`
}

// Metadata is the singleton aggregate record for the whole cache. TotalSize
// and EntryCount are maintained incrementally by the engine on every entry
// mutation; the store itself never touches them.
type Metadata struct {
	TotalSize   int64              `json:"total_size"`
	EntryCount  int                `json:"entry_count"`
	LastCleanup time.Time          `json:"last_cleanup"`
	Performance PerformanceMetrics `json:"performance_metrics"`
}

// CacheStats is the reporting view returned by Engine.Stats.
type CacheStats struct {
	TotalSize          int64            `json:"total_size"`
	EntryCount         int              `json:"entry_count"`
	LastCleanup        time.Time        `json:"last_cleanup"`
	HitRate            float64          `json:"hit_rate"`
	AvgLoadTimeMs      float64          `json:"avg_load_time_ms"`
	PreloadSuccessRate float64          `json:"preload_success_rate"`
	SongAccessCounts   map[string]int64 `json:"song_access_counts"`
}
