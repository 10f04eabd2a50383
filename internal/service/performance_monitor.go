package service

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// PerformanceMonitor tracks overview latency, split by whether the cached
// read-model answered or a full valuation ran
type PerformanceMonitor struct {
	mu         sync.RWMutex
	cached     []time.Duration
	computed   []time.Duration
	hits       int64
	misses     int64
	slow       int64
	slowAfter  time.Duration
	maxSamples int
}

// NewPerformanceMonitor keeps the last maxSamples timings per kind; requests
// slower than slowAfter are counted as slow
func NewPerformanceMonitor(slowAfter time.Duration, maxSamples int) *PerformanceMonitor {
	if slowAfter <= 0 {
		slowAfter = 500 * time.Millisecond
	}
	if maxSamples <= 0 {
		maxSamples = 1000
	}
	return &PerformanceMonitor{slowAfter: slowAfter, maxSamples: maxSamples}
}

// Record adds one overview timing
func (pm *PerformanceMonitor) Record(duration time.Duration, cached bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if cached {
		pm.hits++
		pm.cached = appendBounded(pm.cached, duration, pm.maxSamples)
	} else {
		pm.misses++
		pm.computed = appendBounded(pm.computed, duration, pm.maxSamples)
	}
	if duration > pm.slowAfter {
		pm.slow++
	}
}

func appendBounded(samples []time.Duration, d time.Duration, limit int) []time.Duration {
	samples = append(samples, d)
	if len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}
	return samples
}

// PerformanceStats summarizes recorded overview timings
type PerformanceStats struct {
	Requests      int64   `json:"requests"`
	CacheHits     int64   `json:"cacheHits"`
	CacheMisses   int64   `json:"cacheMisses"`
	Slow          int64   `json:"slow"`
	CacheHitRate  float64 `json:"cacheHitRate"` // percent
	AvgCachedMs   float64 `json:"avgCachedMs"`
	AvgComputedMs float64 `json:"avgComputedMs"`
	P95ComputedMs float64 `json:"p95ComputedMs"`
	P99ComputedMs float64 `json:"p99ComputedMs"`
}

// GetStats returns current statistics
func (pm *PerformanceMonitor) GetStats() *PerformanceStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	stats := &PerformanceStats{
		Requests:    pm.hits + pm.misses,
		CacheHits:   pm.hits,
		CacheMisses: pm.misses,
		Slow:        pm.slow,
	}
	if stats.Requests > 0 {
		stats.CacheHitRate = float64(pm.hits) / float64(stats.Requests) * 100
	}
	stats.AvgCachedMs = meanMs(pm.cached)
	stats.AvgComputedMs = meanMs(pm.computed)

	if len(pm.computed) > 0 {
		sorted := make([]time.Duration, len(pm.computed))
		copy(sorted, pm.computed)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		stats.P95ComputedMs = ms(sorted[percentileIndex(len(sorted), 0.95)])
		stats.P99ComputedMs = ms(sorted[percentileIndex(len(sorted), 0.99)])
	}
	return stats
}

// Check lists the ways recent timings miss the slow threshold
func (pm *PerformanceMonitor) Check() []string {
	stats := pm.GetStats()
	limit := ms(pm.slowAfter)

	var issues []string
	if stats.AvgCachedMs > limit {
		issues = append(issues, fmt.Sprintf("average cached overview %.2fms exceeds %.0fms", stats.AvgCachedMs, limit))
	}
	if stats.P95ComputedMs > limit {
		issues = append(issues, fmt.Sprintf("p95 computed overview %.2fms exceeds %.0fms", stats.P95ComputedMs, limit))
	}
	return issues
}

// Reset drops every sample
func (pm *PerformanceMonitor) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.cached, pm.computed = nil, nil
	pm.hits, pm.misses, pm.slow = 0, 0, 0
}

func percentileIndex(n int, p float64) int {
	i := int(float64(n) * p)
	if i >= n {
		i = n - 1
	}
	return i
}

func meanMs(samples []time.Duration) float64 {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return ms(total) / float64(len(samples))
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
