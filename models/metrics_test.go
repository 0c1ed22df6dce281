package models

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsHitRateEMA(t *testing.T) {
	m := NewMetrics(0.1)

	m.RecordMiss()
	assert.InDelta(t, 0.0, m.Snapshot().HitRate, 1e-9)

	m.RecordHit()
	assert.InDelta(t, 0.1, m.Snapshot().HitRate, 1e-9)

	m.RecordHit()
	assert.InDelta(t, 0.19, m.Snapshot().HitRate, 1e-9)

	assert.Equal(t, int64(2), m.Hits.Load())
	assert.Equal(t, int64(1), m.Misses.Load())
}

func TestMetricsRatesStayBounded(t *testing.T) {
	m := NewMetrics(0.1)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		if rng.Intn(2) == 0 {
			m.RecordHit()
		} else {
			m.RecordMiss()
		}
		m.RecordPreload(rng.Intn(2) == 0)

		snap := m.Snapshot()
		assert.GreaterOrEqual(t, snap.HitRate, 0.0)
		assert.LessOrEqual(t, snap.HitRate, 1.0)
		assert.GreaterOrEqual(t, snap.PreloadSuccessRate, 0.0)
		assert.LessOrEqual(t, snap.PreloadSuccessRate, 1.0)
	}
}

func TestMetricsLoadTimeEMA(t *testing.T) {
	m := NewMetrics(0.1)

	m.ObserveLoadTime(100)
	assert.InDelta(t, 10.0, m.Snapshot().AvgLoadTimeMs, 1e-9)

	m.ObserveLoadTime(100)
	assert.InDelta(t, 19.0, m.Snapshot().AvgLoadTimeMs, 1e-9)
}

func TestMetricsRestore(t *testing.T) {
	m := NewMetrics(0.1)
	m.Restore(PerformanceMetrics{HitRate: 0.75, AvgLoadTimeMs: 42, PreloadSuccessRate: 0.5})

	snap := m.Snapshot()
	assert.InDelta(t, 0.75, snap.HitRate, 1e-9)
	assert.InDelta(t, 42.0, snap.AvgLoadTimeMs, 1e-9)
	assert.InDelta(t, 0.5, snap.PreloadSuccessRate, 1e-9)

	// Restored values keep moving with new samples.
	m.RecordHit()
	assert.InDelta(t, 0.775, m.Snapshot().HitRate, 1e-9)
}
