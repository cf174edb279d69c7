package gateway

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Metrics holds runtime metrics for observability
type Metrics struct {
	StartTime        time.Time
	RequestsTotal    atomic.Uint64
	CacheHitsShort   atomic.Uint64
	CacheHitsLong    atomic.Uint64
	CacheMisses      atomic.Uint64
	UpstreamCalls    atomic.Uint64
	UpstreamFailures atomic.Uint64
	RateLimitHits    atomic.Uint64
	AccountsVerified atomic.Uint64
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		StartTime: time.Now(),
	}
}

// MetricsSnapshot represents a point-in-time view of metrics
type MetricsSnapshot struct {
	// System info
	UptimeSeconds int64  `json:"uptime_seconds"`
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"goroutines"`
	MemAllocMB    uint64 `json:"mem_alloc_mb"`
	MemSysMB      uint64 `json:"mem_sys_mb"`

	// Application metrics
	RequestsTotal    uint64 `json:"requests_total"`
	CacheHitsShort   uint64 `json:"cache_hits_short"`
	CacheHitsLong    uint64 `json:"cache_hits_long"`
	CacheMisses      uint64 `json:"cache_misses"`
	UpstreamCalls    uint64 `json:"upstream_calls"`
	UpstreamFailures uint64 `json:"upstream_failures"`
	RateLimitHits    uint64 `json:"rate_limit_hits"`
	AccountsVerified uint64 `json:"accounts_verified"`
}

// Snapshot creates a snapshot of current metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return MetricsSnapshot{
		UptimeSeconds:    int64(time.Since(m.StartTime).Seconds()),
		GoVersion:        runtime.Version(),
		NumGoroutines:    runtime.NumGoroutine(),
		MemAllocMB:       mem.Alloc / 1024 / 1024,
		MemSysMB:         mem.Sys / 1024 / 1024,
		RequestsTotal:    m.RequestsTotal.Load(),
		CacheHitsShort:   m.CacheHitsShort.Load(),
		CacheHitsLong:    m.CacheHitsLong.Load(),
		CacheMisses:      m.CacheMisses.Load(),
		UpstreamCalls:    m.UpstreamCalls.Load(),
		UpstreamFailures: m.UpstreamFailures.Load(),
		RateLimitHits:    m.RateLimitHits.Load(),
		AccountsVerified: m.AccountsVerified.Load(),
	}
}
