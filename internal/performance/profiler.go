package performance

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Timed operation names used by the chunk pipeline
const (
	OpChunkLookup     = "chunk_lookup"
	OpChunkGeneration = "chunk_generation"
	OpChunkStore      = "chunk_store"
	OpAnchorFanout    = "anchor_fanout"
	OpKNNSearch       = "knn_search"
)

// Counter names
const (
	CounterCacheHit      = "cache_hit"
	CounterCacheMiss     = "cache_miss"
	CounterCoalesced     = "cache_coalesced"
	CounterFallbackPool  = "anchor_fallback"
	CounterFrontierChunk = "anchor_frontier"
)

// Profiler tracks timings and counters for the chunk pipeline.
// A nil *Profiler is valid and records nothing.
type Profiler struct {
	mu        sync.RWMutex
	metrics   map[string]*Metric
	counters  map[string]*int64
	enabled   atomic.Bool
	startTime time.Time
}

// Metric tracks statistics for a specific operation
type Metric struct {
	Name      string
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
	LastTime  time.Duration
	LastCall  time.Time
	mu        sync.Mutex
}

// Operation represents a single timed operation
type Operation struct {
	profiler *Profiler
	name     string
	start    time.Time
}

// NewProfiler creates a new performance profiler
func NewProfiler(enabled bool) *Profiler {
	p := &Profiler{
		metrics:   make(map[string]*Metric),
		counters:  make(map[string]*int64),
		startTime: time.Now(),
	}
	p.enabled.Store(enabled)
	return p
}

// Start begins timing an operation
func (p *Profiler) Start(name string) *Operation {
	if p == nil || !p.enabled.Load() {
		return nil
	}
	return &Operation{
		profiler: p,
		name:     name,
		start:    time.Now(),
	}
}

// End completes timing an operation and records the metric
func (o *Operation) End() {
	if o == nil || !o.profiler.enabled.Load() {
		return
	}
	o.profiler.record(o.name, time.Since(o.start))
}

// Record directly records a duration for an operation
func (p *Profiler) Record(name string, duration time.Duration) {
	if p == nil || !p.enabled.Load() {
		return
	}
	p.record(name, duration)
}

func (p *Profiler) record(name string, duration time.Duration) {
	p.mu.Lock()
	metric, exists := p.metrics[name]
	if !exists {
		metric = &Metric{
			Name:    name,
			MinTime: duration,
			MaxTime: duration,
		}
		p.metrics[name] = metric
	}
	p.mu.Unlock()

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Count++
	metric.TotalTime += duration
	metric.LastTime = duration
	metric.LastCall = time.Now()

	if duration < metric.MinTime {
		metric.MinTime = duration
	}
	if duration > metric.MaxTime {
		metric.MaxTime = duration
	}
}

// Incr adds one to a named counter. Counters are kept even when timing is disabled.
func (p *Profiler) Incr(name string) {
	p.Add(name, 1)
}

// Add adds delta to a named counter
func (p *Profiler) Add(name string, delta int64) {
	if p == nil {
		return
	}
	p.mu.RLock()
	c, ok := p.counters[name]
	p.mu.RUnlock()
	if !ok {
		p.mu.Lock()
		if c, ok = p.counters[name]; !ok {
			c = new(int64)
			p.counters[name] = c
		}
		p.mu.Unlock()
	}
	atomic.AddInt64(c, delta)
}

// Counter returns the current value of a named counter
func (p *Profiler) Counter(name string) int64 {
	if p == nil {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.counters[name]; ok {
		return atomic.LoadInt64(c)
	}
	return 0
}

// GetMetric returns a snapshot of a specific operation, or nil
func (p *Profiler) GetMetric(name string) *Metric {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	metric, ok := p.metrics[name]
	p.mu.RUnlock()
	if !ok {
		return nil
	}
	return metric.snapshot()
}

// GetMetrics returns snapshots of all metrics
func (p *Profiler) GetMetrics() map[string]*Metric {
	result := make(map[string]*Metric)
	if p == nil {
		return result
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for name, metric := range p.metrics {
		result[name] = metric.snapshot()
	}
	return result
}

func (m *Metric) snapshot() *Metric {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Metric{
		Name:      m.Name,
		Count:     m.Count,
		TotalTime: m.TotalTime,
		MinTime:   m.MinTime,
		MaxTime:   m.MaxTime,
		LastTime:  m.LastTime,
		LastCall:  m.LastCall,
	}
}

// AverageTime returns the average time for a metric
func (m *Metric) AverageTime() time.Duration {
	if m.Count == 0 {
		return 0
	}
	return m.TotalTime / time.Duration(m.Count)
}

// Reset clears all metrics and counters
func (p *Profiler) Reset() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = make(map[string]*Metric)
	p.counters = make(map[string]*int64)
	p.startTime = time.Now()
}

// Report generates a human-readable performance report, sorted by operation name
func (p *Profiler) Report() string {
	metrics := p.GetMetrics()
	if len(metrics) == 0 {
		return "No performance metrics recorded"
	}

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "\n=== Performance Report (since %s) ===\n", p.started().Format(time.RFC3339))
	fmt.Fprintf(&b, "%-30s %10s %10s %10s %10s %10s\n", "Operation", "Count", "Avg", "Min", "Max", "Last")
	b.WriteString(strings.Repeat("-", 86) + "\n")
	for _, name := range names {
		m := metrics[name]
		fmt.Fprintf(&b, "%-30s %10d %10s %10s %10s %10s\n",
			name,
			m.Count,
			m.AverageTime().Round(time.Microsecond),
			m.MinTime.Round(time.Microsecond),
			m.MaxTime.Round(time.Microsecond),
			m.LastTime.Round(time.Microsecond),
		)
	}
	fmt.Fprintf(&b, "\nTotal runtime: %s\n", time.Since(p.started()).Round(time.Second))
	return b.String()
}

// LogReport writes one structured entry per metric
func (p *Profiler) LogReport(logger logrus.FieldLogger) {
	for name, m := range p.GetMetrics() {
		logger.WithFields(logrus.Fields{
			"operation": name,
			"count":     m.Count,
			"avg_ms":    float64(m.AverageTime().Microseconds()) / 1000,
			"max_ms":    float64(m.MaxTime.Microseconds()) / 1000,
		}).Info("Performance metric")
	}
}

// MetricJSON is the exported form of a Metric. Durations are milliseconds.
type MetricJSON struct {
	Name      string    `json:"name"`
	Count     int64     `json:"count"`
	TotalTime float64   `json:"total_time_ms"`
	AvgTime   float64   `json:"avg_time_ms"`
	MinTime   float64   `json:"min_time_ms"`
	MaxTime   float64   `json:"max_time_ms"`
	LastTime  float64   `json:"last_time_ms"`
	LastCall  time.Time `json:"last_call"`
}

// ReportJSON is the document served by the stats endpoint
type ReportJSON struct {
	StartTime time.Time              `json:"start_time"`
	Runtime   float64                `json:"runtime_ms"`
	Metrics   map[string]*MetricJSON `json:"metrics"`
	Counters  map[string]int64       `json:"counters"`
}

// Snapshot builds the JSON report structure
func (p *Profiler) Snapshot() ReportJSON {
	report := ReportJSON{
		StartTime: p.started(),
		Runtime:   millis(time.Since(p.started())),
		Metrics:   make(map[string]*MetricJSON),
		Counters:  make(map[string]int64),
	}
	for name, m := range p.GetMetrics() {
		report.Metrics[name] = &MetricJSON{
			Name:      m.Name,
			Count:     m.Count,
			TotalTime: millis(m.TotalTime),
			AvgTime:   millis(m.AverageTime()),
			MinTime:   millis(m.MinTime),
			MaxTime:   millis(m.MaxTime),
			LastTime:  millis(m.LastTime),
			LastCall:  m.LastCall,
		}
	}
	if p != nil {
		p.mu.RLock()
		for name, c := range p.counters {
			report.Counters[name] = atomic.LoadInt64(c)
		}
		p.mu.RUnlock()
	}
	return report
}

// JSONReport generates a JSON performance report
func (p *Profiler) JSONReport() ([]byte, error) {
	return json.MarshalIndent(p.Snapshot(), "", "  ")
}

func (p *Profiler) started() time.Time {
	if p == nil {
		return time.Time{}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.startTime
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Enable enables timing
func (p *Profiler) Enable() {
	p.enabled.Store(true)
}

// Disable disables timing
func (p *Profiler) Disable() {
	p.enabled.Store(false)
}

// IsEnabled returns whether timing is enabled
func (p *Profiler) IsEnabled() bool {
	return p != nil && p.enabled.Load()
}
