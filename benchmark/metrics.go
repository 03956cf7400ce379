// Package benchmark - Measures classifier latency and throughput on camera sized frames.
package benchmark

import (
	"sort"
	"time"
)

// PerformanceMetrics captures detailed performance data
type PerformanceMetrics struct {
	Scenario           Scenario      `json:"scenario"`
	Timestamp          time.Time     `json:"timestamp"`
	TotalDuration      time.Duration `json:"total_duration"`
	PreprocessDuration time.Duration `json:"preprocess_duration"`
	QueueWait          time.Duration `json:"queue_wait"`
	InferenceDuration  time.Duration `json:"inference_duration"`
	Latency            Percentiles   `json:"latency"`
	FramesPerSecond    float64       `json:"frames_per_second"`
	MemoryStats        MemoryMetrics `json:"memory_stats"`
	CPUStats           CPUMetrics    `json:"cpu_stats"`
	Completed          int           `json:"completed"`
	Rejected           int           `json:"rejected"`
	ErrorRate          float64       `json:"error_rate"`
	UsedAccelerator    bool          `json:"used_accelerator"`
}

// Percentiles of the end to end request latency.
type Percentiles struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
	Max time.Duration `json:"max"`
}

// MemoryMetrics captures memory usage statistics
type MemoryMetrics struct {
	AllocBytes      uint64 `json:"alloc_bytes"`
	TotalAllocBytes uint64 `json:"total_alloc_bytes"`
	SysBytes        uint64 `json:"sys_bytes"`
	NumGC           uint32 `json:"num_gc"`
	HeapAllocBytes  uint64 `json:"heap_alloc_bytes"`
	HeapSysBytes    uint64 `json:"heap_sys_bytes"`
}

// CPUMetrics captures CPU usage statistics
type CPUMetrics struct {
	NumCPU int `json:"num_cpu"`
}

// percentiles sorts samples in place.
func percentiles(samples []time.Duration) Percentiles {
	if len(samples) == 0 {
		return Percentiles{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	at := func(q float64) time.Duration {
		idx := int(q*float64(len(samples))+0.5) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		return samples[idx]
	}
	return Percentiles{
		P50: at(0.50),
		P95: at(0.95),
		P99: at(0.99),
		Max: samples[len(samples)-1],
	}
}

func average(total time.Duration, n int) time.Duration {
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}
