package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/nvr-ai/go-signs/classifier"
	"github.com/nvr-ai/go-signs/config"
	"github.com/nvr-ai/go-signs/dispatcher"
	"github.com/nvr-ai/go-signs/logging"
	"github.com/nvr-ai/go-signs/profiler"
	"github.com/nvr-ai/go-signs/util"
	"go.uber.org/zap"
)

const (
	// DefaultTopK is the number of predictions printed per image.
	DefaultTopK = 3
	// DefaultTimeout bounds the wait for a single image.
	DefaultTimeout = 10 * time.Second
)

func main() {
	var (
		configPath  string
		inputPath   string
		modelPath   string
		bundlePath  string
		accelerator string
		topK        int
		timeout     time.Duration
	)
	flag.StringVar(&configPath, "config", "", "Path to a YAML configuration file")
	flag.StringVar(&inputPath, "input", "", "Image file or directory of frames (.jpg, .jpeg, .png, .webp)")
	flag.StringVar(&modelPath, "model", "", "Model asset path (overrides model.asset_path)")
	flag.StringVar(&bundlePath, "bundle", "", "Asset bundle zip (overrides model.bundle_path)")
	flag.StringVar(&accelerator, "accelerator", "", "Execution provider: cpu, cuda, coreml, openvino")
	flag.IntVar(&topK, "top", DefaultTopK, "Number of predictions to print per image")
	flag.DurationVar(&timeout, "timeout", DefaultTimeout, "Maximum wait per image")
	flag.Parse()

	if inputPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			log.Fatal(err)
		}
		cfg = *loaded
	}
	if modelPath != "" {
		cfg.Model.AssetPath = modelPath
	}
	if bundlePath != "" {
		cfg.Model.BundlePath = bundlePath
	}
	if accelerator != "" {
		cfg.Accelerator.Backend = accelerator
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c, err := classifier.NewBuilder().WithConfig(&cfg).WithLogger(logger).Build(ctx)
	if err != nil {
		logger.Fatal("failed to start classifier", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := c.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", zap.Error(err))
		}
	}()

	files, err := inputFiles(inputPath)
	if err != nil {
		logger.Error("failed to read input", zap.String("path", inputPath), zap.Error(err))
		return
	}

	for _, file := range files {
		if ctx.Err() != nil {
			return
		}
		if err := classifyFile(ctx, c, file, topK, timeout); err != nil {
			logger.Warn("classification failed", zap.String("path", file.Path), zap.Error(err))
		}
	}

	stats := c.Stats()
	fmt.Printf("classified %d images (accelerated=%t, failed=%d)\n",
		stats.Counters[profiler.CountCompleted], c.UsedAccelerator(), stats.Counters[profiler.CountFailed])
}

func inputFiles(path string) ([]util.ImageFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return util.LoadDirectoryImageFiles(path)
	}
	file, err := util.LoadImageFile(path)
	if err != nil {
		return nil, err
	}
	return []util.ImageFile{file}, nil
}

func classifyFile(ctx context.Context, c *classifier.Classifier, file util.ImageFile, topK int, timeout time.Duration) error {
	img, err := file.Decode()
	if err != nil {
		return err
	}

	pending, err := c.SubmitImage(img)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	outcome, err := pending.Wait(waitCtx)
	if err != nil {
		c.Cancel(pending.ID)
		return err
	}
	if outcome.State != dispatcher.StateCompleted {
		return outcome.Err
	}

	fmt.Printf("%s (%s)\n", file.Path, outcome.Elapsed)
	for _, p := range outcome.Result.TopK(topK) {
		fmt.Printf("  %s\n", p)
	}
	return nil
}
