package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/nvr-ai/go-signs/benchmark"
	"github.com/nvr-ai/go-signs/classifier"
	"github.com/nvr-ai/go-signs/config"
	"github.com/nvr-ai/go-signs/logging"
	"go.uber.org/zap"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to the classifier configuration file")
		outputDir   = flag.String("output", "./benchmark_results", "Output directory for results")
		testImages  = flag.String("images", "", "Path to test images directory or file (synthetic frames when empty)")
		iterations  = flag.Int("iterations", 100, "Iterations per scenario")
		quick       = flag.Bool("quick", false, "Run quick benchmark scenarios")
		resolutions = flag.Bool("resolutions", false, "Compare different camera resolutions")
		bursts      = flag.Bool("bursts", false, "Compare different request burst sizes")
		timeout     = flag.Duration("timeout", 30*time.Minute, "Benchmark timeout duration")
	)
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = *loaded
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c, err := classifier.NewBuilder().WithConfig(&cfg).WithLogger(logger).Build(ctx)
	if err != nil {
		logger.Fatal("failed to start classifier", zap.Error(err))
	}
	defer func() { _ = c.Shutdown(context.Background()) }()

	suite, err := benchmark.NewSuite(benchmark.NewSuiteArgs{
		Target:     c,
		OutputPath: *outputDir,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("failed to create suite", zap.Error(err))
	}
	if *testImages != "" {
		if err := suite.LoadCorpus(*testImages); err != nil {
			logger.Fatal("failed to load test images", zap.Error(err))
		}
	}

	if *resolutions {
		suite.AddScenario(benchmark.ResolutionScenarios(*iterations)...)
	}
	if *bursts {
		suite.AddScenario(benchmark.BurstScenarios(*iterations, 1, cfg.Dispatcher.QueueSize/2, cfg.Dispatcher.QueueSize*2)...)
	}
	// If no specific scenarios requested, use quick by default
	if *quick || (!*resolutions && !*bursts) {
		suite.AddScenario(benchmark.QuickScenarios()...)
	}

	fmt.Println("Starting benchmark execution...")
	start := time.Now()
	if err := suite.RunAllScenarios(ctx); err != nil {
		logger.Fatal("benchmark execution failed", zap.Error(err))
	}
	if _, err := suite.SaveResults(); err != nil {
		logger.Fatal("failed to save results", zap.Error(err))
	}
	fmt.Printf("Benchmark completed in %v\n", time.Since(start))

	results := suite.GetResults()
	fmt.Printf("\n=== BENCHMARK RESULTS SUMMARY ===\n")
	fmt.Printf("Total scenarios: %d (accelerated=%t)\n", len(results), c.UsedAccelerator())
	for _, result := range results {
		fmt.Printf("  %s: %.2f FPS, p95 %v, %d rejected\n",
			result.Scenario.Name, result.FramesPerSecond, result.Latency.P95, result.Rejected)
	}
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", filepath.Base(os.Args[0]))
		fmt.Fprintf(os.Stderr, "Benchmark tool for sign classification latency.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -config ./classifier.yaml -images ./frames -quick\n", filepath.Base(os.Args[0]))
		fmt.Fprintf(os.Stderr, "  %s -config ./classifier.yaml -resolutions -bursts\n", filepath.Base(os.Args[0]))
	}
}
