package models

import (
	"sync"

	"go.uber.org/atomic"
)

// Metrics stores cache statistics. Hits, misses and evictions are monotonic
// counters; the rates are exponential moving averages updated on every
// sample with new = old*(1-alpha) + sample*alpha.
type Metrics struct {
	Hits      *atomic.Int64
	Misses    *atomic.Int64
	Evictions *atomic.Int64
	Preloads  *atomic.Int64

	mu                 sync.Mutex
	alpha              float64
	hitRate            float64
	avgLoadTimeMs      float64
	preloadSuccessRate float64
}

// NewMetrics creates Metrics with the given EMA smoothing factor.
func NewMetrics(alpha float64) *Metrics {
	return &Metrics{
		Hits:      atomic.NewInt64(0),
		Misses:    atomic.NewInt64(0),
		Evictions: atomic.NewInt64(0),
		Preloads:  atomic.NewInt64(0),
		alpha:     alpha,
	}
}

func ema(old, sample, alpha float64) float64 {
	return old*(1-alpha) + sample*alpha
}

// RecordHit folds a cache hit into the hit-rate EMA.
func (m *Metrics) RecordHit() {
	m.Hits.Inc()
	m.mu.Lock()
	m.hitRate = ema(m.hitRate, 1, m.alpha)
	m.mu.Unlock()
}

// RecordMiss folds a cache miss into the hit-rate EMA.
func (m *Metrics) RecordMiss() {
	m.Misses.Inc()
	m.mu.Lock()
	m.hitRate = ema(m.hitRate, 0, m.alpha)
	m.mu.Unlock()
}

// ObserveLoadTime folds one retrieval's elapsed milliseconds into the
// load-time EMA, regardless of hit or miss outcome.
func (m *Metrics) ObserveLoadTime(ms float64) {
	m.mu.Lock()
	m.avgLoadTimeMs = ema(m.avgLoadTimeMs, ms, m.alpha)
	m.mu.Unlock()
}

// RecordPreload folds one preload target's outcome into the success EMA.
func (m *Metrics) RecordPreload(ok bool) {
	m.Preloads.Inc()
	sample := 0.0
	if ok {
		sample = 1.0
	}
	m.mu.Lock()
	m.preloadSuccessRate = ema(m.preloadSuccessRate, sample, m.alpha)
	m.mu.Unlock()
}

// Snapshot returns the current EMA values.
func (m *Metrics) Snapshot() PerformanceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return PerformanceMetrics{
		HitRate:            m.hitRate,
		AvgLoadTimeMs:      m.avgLoadTimeMs,
		PreloadSuccessRate: m.preloadSuccessRate,
	}
}

// Restore seeds the EMAs from persisted values, used when an engine starts
// over an existing cache directory.
func (m *Metrics) Restore(p PerformanceMetrics) {
	m.mu.Lock()
	m.hitRate = p.HitRate
	m.avgLoadTimeMs = p.AvgLoadTimeMs
	m.preloadSuccessRate = p.PreloadSuccessRate
	m.mu.Unlock()
}
