// Package profiler - Runtime statistics for the classification pipeline.
package profiler

import (
	"context"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Operation and counter names recorded by the pipeline.
const (
	OpQueueWait = "queue_wait"
	OpInference = "inference"
	OpDecode    = "decode"

	CountCompleted = "completed"
	CountFailed    = "failed"
	CountCancelled = "cancelled"
	CountRejected  = "rejected"
)

// MetricsCollector defines the interface for collecting gauge values on every sample.
type MetricsCollector interface {
	CollectMetrics() map[string]float64
}

// CollectorFunc adapts a function to MetricsCollector.
type CollectorFunc func() map[string]float64

// CollectMetrics calls f.
func (f CollectorFunc) CollectMetrics() map[string]float64 {
	return f()
}

// RuntimeProfiler tracks operation timings, counters and sampled gauges, and logs a
// summary periodically.
type RuntimeProfiler struct {
	reportInterval time.Duration
	sampleInterval time.Duration
	maxSamples     int
	logger         *zap.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	start   time.Time
	running bool

	memStats   runtime.MemStats
	goroutines int

	metrics    map[string]*MetricTracker
	counters   map[string]int64
	operations map[string]*TimeTracker
	collectors []MetricsCollector
}

// MetricTracker tracks statistics for a sampled gauge over a sliding window.
type MetricTracker struct {
	values []float64
	sum    float64
	min    float64
	max    float64
	count  int64
}

// TimeTracker tracks operation timing statistics over a sliding window.
type TimeTracker struct {
	durations []time.Duration
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// ProfilingOptions configures the runtime profiler.
type ProfilingOptions struct {
	// ReportInterval specifies how often to log a report. Zero disables reporting.
	ReportInterval time.Duration
	// SampleInterval specifies how often collectors are sampled (default: 1s).
	SampleInterval time.Duration
	// MaxSamples bounds the sliding window of every tracker (default: 600).
	MaxSamples int
	// Logger receives the reports.
	Logger *zap.Logger
}

// NewRuntimeProfiler creates a new runtime profiler with the specified options.
//
// Arguments:
// - opts: Configuration options for the profiler
//
// Returns:
// - A configured RuntimeProfiler instance
func NewRuntimeProfiler(opts ProfilingOptions) *RuntimeProfiler {
	if opts.SampleInterval == 0 {
		opts.SampleInterval = time.Second
	}
	if opts.MaxSamples == 0 {
		opts.MaxSamples = 600
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &RuntimeProfiler{
		reportInterval: opts.ReportInterval,
		sampleInterval: opts.SampleInterval,
		maxSamples:     opts.MaxSamples,
		logger:         opts.Logger.Named("profiler"),
		start:          time.Now(),
		metrics:        make(map[string]*MetricTracker),
		counters:       make(map[string]int64),
		operations:     make(map[string]*TimeTracker),
	}
}

// Start begins sampling and, when a report interval is set, periodic reporting. Calling it
// on a running profiler does nothing.
func (rp *RuntimeProfiler) Start() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.running {
		return
	}
	rp.running = true
	rp.start = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	rp.cancel = cancel

	rp.wg.Add(1)
	go rp.loop(ctx, rp.sampleInterval, rp.sample)

	if rp.reportInterval > 0 {
		rp.wg.Add(1)
		go rp.loop(ctx, rp.reportInterval, rp.Report)
	}
}

// Stop stops the background goroutines and waits for them to exit.
func (rp *RuntimeProfiler) Stop() {
	rp.mu.Lock()
	if !rp.running {
		rp.mu.Unlock()
		return
	}
	rp.running = false
	cancel := rp.cancel
	rp.mu.Unlock()

	cancel()
	rp.wg.Wait()
}

func (rp *RuntimeProfiler) loop(ctx context.Context, every time.Duration, fn func()) {
	defer rp.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// AddMetricsCollector registers a collector sampled on every sample tick.
//
// Arguments:
// - collector: An implementation of MetricsCollector interface
func (rp *RuntimeProfiler) AddMetricsCollector(collector MetricsCollector) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.collectors = append(rp.collectors, collector)
}

// RecordMetric records a gauge value.
func (rp *RuntimeProfiler) RecordMetric(name string, value float64) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.recordMetric(name, value)
}

func (rp *RuntimeProfiler) recordMetric(name string, value float64) {
	tracker, exists := rp.metrics[name]
	if !exists {
		tracker = &MetricTracker{min: value, max: value}
		rp.metrics[name] = tracker
	}

	tracker.values = append(tracker.values, value)
	tracker.sum += value
	if len(tracker.values) > rp.maxSamples {
		tracker.sum -= tracker.values[0]
		tracker.values = tracker.values[1:]
	}
	tracker.count++
	tracker.min = min(tracker.min, value)
	tracker.max = max(tracker.max, value)
}

// Count increments a counter by one.
func (rp *RuntimeProfiler) Count(name string) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.counters[name]++
}

// StartOperation begins timing an operation.
//
// Arguments:
// - name: The name of the operation to track
//
// Returns:
// - A function to call when the operation completes
func (rp *RuntimeProfiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		rp.RecordOperation(name, time.Since(start))
	}
}

// RecordOperation records the duration of a completed operation.
func (rp *RuntimeProfiler) RecordOperation(name string, duration time.Duration) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	tracker, exists := rp.operations[name]
	if !exists {
		tracker = &TimeTracker{minTime: duration, maxTime: duration}
		rp.operations[name] = tracker
	}

	tracker.durations = append(tracker.durations, duration)
	tracker.totalTime += duration
	if len(tracker.durations) > rp.maxSamples {
		tracker.totalTime -= tracker.durations[0]
		tracker.durations = tracker.durations[1:]
	}
	tracker.count++
	tracker.minTime = min(tracker.minTime, duration)
	tracker.maxTime = max(tracker.maxTime, duration)
}

func (rp *RuntimeProfiler) sample() {
	rp.mu.RLock()
	collectors := append([]MetricsCollector(nil), rp.collectors...)
	rp.mu.RUnlock()

	// Collectors may take their own locks, so they run outside ours.
	values := make([]map[string]float64, 0, len(collectors))
	for _, c := range collectors {
		values = append(values, c.CollectMetrics())
	}

	rp.mu.Lock()
	defer rp.mu.Unlock()

	runtime.ReadMemStats(&rp.memStats)
	rp.goroutines = runtime.NumGoroutine()
	for _, metrics := range values {
		for name, value := range metrics {
			rp.recordMetric(name, value)
		}
	}
}

// OperationStats summarizes a TimeTracker window.
type OperationStats struct {
	Count int64         `json:"count"`
	Avg   time.Duration `json:"avg"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
}

// MetricStats summarizes a MetricTracker window.
type MetricStats struct {
	Samples int64   `json:"samples"`
	Avg     float64 `json:"avg"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// Snapshot is a point-in-time copy of the profiler state.
type Snapshot struct {
	Uptime     time.Duration             `json:"uptime"`
	Goroutines int                       `json:"goroutines"`
	HeapAlloc  uint64                    `json:"heap_alloc"`
	Counters   map[string]int64          `json:"counters"`
	Operations map[string]OperationStats `json:"operations"`
	Metrics    map[string]MetricStats    `json:"metrics"`
}

// Snapshot returns the current statistics.
func (rp *RuntimeProfiler) Snapshot() Snapshot {
	rp.mu.RLock()
	defer rp.mu.RUnlock()

	s := Snapshot{
		Uptime:     time.Since(rp.start),
		Goroutines: rp.goroutines,
		HeapAlloc:  rp.memStats.HeapAlloc,
		Counters:   make(map[string]int64, len(rp.counters)),
		Operations: make(map[string]OperationStats, len(rp.operations)),
		Metrics:    make(map[string]MetricStats, len(rp.metrics)),
	}
	for name, n := range rp.counters {
		s.Counters[name] = n
	}
	for name, t := range rp.operations {
		stats := OperationStats{Count: t.count, Min: t.minTime, Max: t.maxTime}
		if len(t.durations) > 0 {
			stats.Avg = t.totalTime / time.Duration(len(t.durations))
		}
		s.Operations[name] = stats
	}
	for name, m := range rp.metrics {
		stats := MetricStats{Samples: m.count, Min: m.min, Max: m.max}
		if len(m.values) > 0 {
			stats.Avg = m.sum / float64(len(m.values))
		}
		s.Metrics[name] = stats
	}
	return s
}

// Report logs the current statistics.
func (rp *RuntimeProfiler) Report() {
	s := rp.Snapshot()

	fields := []zap.Field{
		zap.Duration("uptime", s.Uptime.Truncate(time.Millisecond)),
		zap.Int("goroutines", s.Goroutines),
		zap.String("heap_alloc", formatBytes(s.HeapAlloc)),
	}
	for _, name := range sortedKeys(s.Counters) {
		fields = append(fields, zap.Int64(name, s.Counters[name]))
	}
	for _, name := range sortedKeys(s.Operations) {
		op := s.Operations[name]
		fields = append(fields, zap.Dict(name,
			zap.Int64("count", op.Count),
			zap.Duration("avg", op.Avg.Truncate(time.Microsecond)),
			zap.Duration("min", op.Min.Truncate(time.Microsecond)),
			zap.Duration("max", op.Max.Truncate(time.Microsecond)),
		))
	}
	for _, name := range sortedKeys(s.Metrics) {
		m := s.Metrics[name]
		fields = append(fields, zap.Dict(name,
			zap.Float64("avg", m.Avg),
			zap.Float64("min", m.Min),
			zap.Float64("max", m.Max),
		))
	}

	rp.logger.Info("runtime report", fields...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatBytes formats byte counts in human-readable format.
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return strconv.FormatUint(bytes, 10) + " B"
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return strconv.FormatFloat(float64(bytes)/float64(div), 'f', 1, 64) + " " + string("KMGTPE"[exp]) + "B"
}
