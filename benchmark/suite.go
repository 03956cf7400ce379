package benchmark

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/nfnt/resize"
	"github.com/nvr-ai/go-signs/dispatcher"
	"github.com/nvr-ai/go-signs/util"
	"go.uber.org/zap"
)

// Target is the classifier under test. *classifier.Classifier implements it.
type Target interface {
	SubmitImage(img image.Image) (*dispatcher.Pending, error)
	UsedAccelerator() bool
}

// NewSuiteArgs represents the arguments for creating a new benchmark suite.
type NewSuiteArgs struct {
	// Target receives the frames.
	Target Target
	// OutputPath is the directory SaveResults writes to.
	OutputPath string
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Suite manages and executes benchmark scenarios
type Suite struct {
	target    Target
	outputDir string
	logger    *zap.Logger

	mu        sync.RWMutex
	scenarios []Scenario
	corpus    []image.Image
	results   []PerformanceMetrics
}

// NewSuite creates a new benchmark suite.
//
// Arguments:
//   - args: The arguments for creating a new benchmark suite.
//
// Returns:
//   - *Suite: The benchmark suite.
//   - error: An error if no target is given.
func NewSuite(args NewSuiteArgs) (*Suite, error) {
	if args.Target == nil {
		return nil, errors.New("benchmark: target is required")
	}
	logger := args.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Suite{
		target:    args.Target,
		outputDir: args.OutputPath,
		logger:    logger.Named("benchmark"),
	}, nil
}

// AddScenario adds a test scenario to the benchmark suite
func (bs *Suite) AddScenario(scenarios ...Scenario) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.scenarios = append(bs.scenarios, scenarios...)
}

// LoadCorpus decodes the frames of an image file or a directory of frames. Without a corpus,
// scenarios run on a synthetic frame.
func (bs *Suite) LoadCorpus(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat image path: %w", err)
	}

	var files []util.ImageFile
	if info.IsDir() {
		if files, err = util.LoadDirectoryImageFiles(path); err != nil {
			return err
		}
	} else {
		file, err := util.LoadImageFile(path)
		if err != nil {
			return err
		}
		files = []util.ImageFile{file}
	}

	corpus := make([]image.Image, 0, len(files))
	for _, f := range files {
		img, err := f.Decode()
		if err != nil {
			bs.logger.Warn("skipping frame", zap.String("path", f.Path), zap.Error(err))
			continue
		}
		corpus = append(corpus, img)
	}
	if len(corpus) == 0 {
		return fmt.Errorf("no valid images found in %s", path)
	}

	bs.mu.Lock()
	bs.corpus = corpus
	bs.mu.Unlock()
	return nil
}

// frames returns the corpus scaled to the scenario resolution.
func (bs *Suite) frames(r Resolution) []image.Image {
	bs.mu.RLock()
	corpus := bs.corpus
	bs.mu.RUnlock()

	if len(corpus) == 0 {
		return []image.Image{synthetic(r.Width, r.Height)}
	}
	frames := make([]image.Image, len(corpus))
	for i, img := range corpus {
		b := img.Bounds()
		if b.Dx() == r.Width && b.Dy() == r.Height {
			frames[i] = img
			continue
		}
		frames[i] = resize.Resize(uint(r.Width), uint(r.Height), img, resize.Bilinear)
	}
	return frames
}

func synthetic(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x + y), A: 255})
		}
	}
	return img
}

type sample struct {
	preprocess time.Duration
	outcome    dispatcher.Outcome
}

// RunScenario executes a single benchmark scenario
//
// Arguments:
//   - ctx: Stops the scenario early.
//   - scenario: The scenario.
//
// Returns:
//   - *PerformanceMetrics: The measurements.
//   - error: An error if the scenario is invalid or ctx ended.
func (bs *Suite) RunScenario(ctx context.Context, scenario Scenario) (*PerformanceMetrics, error) {
	if scenario.Iterations < 1 {
		return nil, fmt.Errorf("scenario %s: iterations must be at least 1", scenario.Name)
	}
	if scenario.Resolution.Width < 1 || scenario.Resolution.Height < 1 {
		return nil, fmt.Errorf("scenario %s: invalid resolution", scenario.Name)
	}
	if scenario.Burst < 1 {
		scenario.Burst = 1
	}
	frames := bs.frames(scenario.Resolution)

	// Warmup runs
	for i := 0; i < scenario.WarmupRuns; i++ {
		if _, _, err := bs.burst(ctx, frames, i, 1); err != nil {
			return nil, err
		}
	}

	// Capture initial memory stats
	var startMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&startMem)

	var (
		samples  []sample
		rejected int
	)
	startTime := time.Now()
	for i := 0; i < scenario.Iterations; i += scenario.Burst {
		n := min(scenario.Burst, scenario.Iterations-i)
		got, dropped, err := bs.burst(ctx, frames, i, n)
		if err != nil {
			return nil, err
		}
		samples = append(samples, got...)
		rejected += dropped
	}
	totalDuration := time.Since(startTime)

	// Capture final memory stats
	var endMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&endMem)

	metrics := &PerformanceMetrics{
		Scenario:        scenario,
		Timestamp:       startTime,
		TotalDuration:   totalDuration,
		Rejected:        rejected,
		UsedAccelerator: bs.target.UsedAccelerator(),
		MemoryStats: MemoryMetrics{
			AllocBytes:      endMem.Alloc,
			TotalAllocBytes: endMem.TotalAlloc - startMem.TotalAlloc,
			SysBytes:        endMem.Sys,
			NumGC:           endMem.NumGC - startMem.NumGC,
			HeapAllocBytes:  endMem.HeapAlloc,
			HeapSysBytes:    endMem.HeapSys,
		},
		CPUStats: CPUMetrics{NumCPU: runtime.NumCPU()},
	}

	var (
		latencies                  []time.Duration
		preprocess, wait, inferred time.Duration
		failed                     int
	)
	for _, s := range samples {
		preprocess += s.preprocess
		if s.outcome.State != dispatcher.StateCompleted {
			failed++
			continue
		}
		metrics.Completed++
		wait += s.outcome.QueueWait
		inferred += s.outcome.Elapsed
		latencies = append(latencies, s.preprocess+s.outcome.QueueWait+s.outcome.Elapsed)
	}
	metrics.PreprocessDuration = average(preprocess, len(samples))
	metrics.QueueWait = average(wait, metrics.Completed)
	metrics.InferenceDuration = average(inferred, metrics.Completed)
	metrics.Latency = percentiles(latencies)
	metrics.ErrorRate = float64(failed+rejected) / float64(scenario.Iterations)
	if totalDuration > 0 {
		metrics.FramesPerSecond = float64(metrics.Completed) / totalDuration.Seconds()
	}
	return metrics, nil
}

// burst submits n frames starting at frame offset and waits for all accepted requests.
func (bs *Suite) burst(ctx context.Context, frames []image.Image, offset, n int) ([]sample, int, error) {
	samples := make([]sample, 0, n)
	pending := make([]*dispatcher.Pending, 0, n)
	rejected := 0

	for i := 0; i < n; i++ {
		start := time.Now()
		p, err := bs.target.SubmitImage(frames[(offset+i)%len(frames)])
		elapsed := time.Since(start)
		switch {
		case errors.Is(err, dispatcher.ErrQueueFull):
			rejected++
			continue
		case err != nil:
			return nil, 0, err
		}
		samples = append(samples, sample{preprocess: elapsed})
		pending = append(pending, p)
	}

	for i, p := range pending {
		o, err := p.Wait(ctx)
		if err != nil {
			return nil, 0, err
		}
		samples[i].outcome = o
	}
	return samples, rejected, nil
}

// RunAllScenarios executes all configured benchmark scenarios. A failing scenario is logged
// and skipped.
func (bs *Suite) RunAllScenarios(ctx context.Context) error {
	bs.mu.RLock()
	scenarios := append([]Scenario(nil), bs.scenarios...)
	bs.mu.RUnlock()

	for _, scenario := range scenarios {
		metrics, err := bs.RunScenario(ctx, scenario)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			bs.logger.Error("scenario failed", zap.String("scenario", scenario.Name), zap.Error(err))
			continue
		}

		bs.mu.Lock()
		bs.results = append(bs.results, *metrics)
		bs.mu.Unlock()

		bs.logger.Info("scenario completed",
			zap.String("scenario", scenario.Name),
			zap.Float64("fps", metrics.FramesPerSecond),
			zap.Duration("p95", metrics.Latency.P95),
			zap.Float64("error_rate", metrics.ErrorRate),
		)
	}
	return nil
}

// SaveResults persists benchmark results as JSON and a CSV summary.
//
// Returns:
//   - string: The JSON results file.
//   - error: An error if the files cannot be written.
func (bs *Suite) SaveResults() (string, error) {
	results := bs.GetResults()

	if err := os.MkdirAll(bs.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	resultsFile := filepath.Join(bs.outputDir, fmt.Sprintf("benchmark_results_%s.json", timestamp))

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := os.WriteFile(resultsFile, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write results file: %w", err)
	}

	summaryFile := filepath.Join(bs.outputDir, fmt.Sprintf("benchmark_summary_%s.csv", timestamp))
	if err := saveSummaryCSV(summaryFile, results); err != nil {
		return "", fmt.Errorf("failed to save summary CSV: %w", err)
	}

	bs.logger.Info("results saved", zap.String("results", resultsFile), zap.String("summary", summaryFile))
	return resultsFile, nil
}

func saveSummaryCSV(filename string, results []PerformanceMetrics) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write([]string{
		"scenario", "resolution", "burst", "fps", "p50_ms", "p95_ms", "p99_ms",
		"preprocess_ms", "inference_ms", "completed", "rejected", "error_rate", "accelerated",
	}); err != nil {
		return err
	}
	ms := func(d time.Duration) string {
		return strconv.FormatFloat(float64(d.Nanoseconds())/1e6, 'f', 3, 64)
	}
	for _, r := range results {
		if err := w.Write([]string{
			r.Scenario.Name,
			r.Scenario.Resolution.Name,
			strconv.Itoa(r.Scenario.Burst),
			strconv.FormatFloat(r.FramesPerSecond, 'f', 2, 64),
			ms(r.Latency.P50),
			ms(r.Latency.P95),
			ms(r.Latency.P99),
			ms(r.PreprocessDuration),
			ms(r.InferenceDuration),
			strconv.Itoa(r.Completed),
			strconv.Itoa(r.Rejected),
			strconv.FormatFloat(r.ErrorRate, 'f', 4, 64),
			strconv.FormatBool(r.UsedAccelerator),
		}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// GetResults returns all benchmark results
func (bs *Suite) GetResults() []PerformanceMetrics {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	results := make([]PerformanceMetrics, len(bs.results))
	copy(results, bs.results)
	return results
}
