// Package telemetry collects and reports process and discovery metrics.
package telemetry

import (
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// Metrics holds a snapshot of agent telemetry.
type Metrics struct {
	Timestamp time.Time `json:"timestamp"`

	// Process
	CPUCount    int     `json:"cpu_count"`
	GoRoutines  int     `json:"goroutines"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	SysMemMB    float64 `json:"sys_mem_mb"`
	UptimeSec   float64 `json:"uptime_sec"`

	// Discovery
	PeersTotal   int    `json:"peers_total"`
	PeersHealthy int    `json:"peers_healthy"`
	State        string `json:"state"`
}

// StatsSource provides discovery statistics. discovery.Engine satisfies
// this via its GetStats method.
type StatsSource interface {
	GetStats() map[string]any
}

// Reporter collects metrics and keeps a bounded history of the snapshots.
type Reporter struct {
	mu      sync.RWMutex
	source  StatsSource
	latest  *Metrics
	history []Metrics
	maxHist int
	started time.Time
	logger  *slog.Logger
}

// NewReporter creates a new telemetry reporter over source. source may be
// nil, in which case only process metrics are collected.
func NewReporter(source StatsSource) *Reporter {
	return &Reporter{
		source:  source,
		history: make([]Metrics, 0, 60),
		maxHist: 60,
		started: time.Now(),
		logger:  slog.Default().With("component", "telemetry"),
	}
}

// Collect gathers current metrics and records them in history.
func (r *Reporter) Collect() Metrics {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m := Metrics{
		Timestamp:   time.Now(),
		CPUCount:    runtime.NumCPU(),
		GoRoutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(memStats.HeapAlloc) / 1024 / 1024,
		SysMemMB:    float64(memStats.Sys) / 1024 / 1024,
		UptimeSec:   time.Since(r.started).Seconds(),
	}

	if r.source != nil {
		stats := r.source.GetStats()
		if v, ok := stats["peers_total"].(int); ok {
			m.PeersTotal = v
		}
		if v, ok := stats["peers_healthy"].(int); ok {
			m.PeersHealthy = v
		}
		if v, ok := stats["state"].(string); ok {
			m.State = v
		}
	}

	r.mu.Lock()
	r.latest = &m
	if len(r.history) >= r.maxHist {
		r.history = r.history[1:]
	}
	r.history = append(r.history, m)
	r.mu.Unlock()

	return m
}

// Latest returns the last collected metrics, or nil if Collect has never
// been called.
func (r *Reporter) Latest() *Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == nil {
		return nil
	}
	m := *r.latest
	return &m
}

// History returns a copy of the collected metrics history.
func (r *Reporter) History() []Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Metrics, len(r.history))
	copy(result, r.history)
	return result
}
