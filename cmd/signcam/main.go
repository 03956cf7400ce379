package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"
	"time"

	"github.com/nvr-ai/go-signs/classifier"
	"github.com/nvr-ai/go-signs/config"
	"github.com/nvr-ai/go-signs/dispatcher"
	"github.com/nvr-ai/go-signs/logging"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

func main() {
	var (
		configPath string
		deviceID   int
		minConf    float64
	)
	flag.StringVar(&configPath, "config", "", "Path to a YAML configuration file")
	flag.IntVar(&deviceID, "device", 0, "Video capture device ID")
	flag.Float64Var(&minConf, "min-confidence", 0.5, "Hide predictions below this confidence")
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			log.Fatal(err)
		}
		cfg = *loaded
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	c, err := classifier.NewBuilder().WithConfig(&cfg).WithLogger(logger).Build(context.Background())
	if err != nil {
		logger.Fatal("failed to start classifier", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	}()

	// open webcam
	webcam, err := gocv.OpenVideoCapture(deviceID)
	if err != nil {
		logger.Error("failed to open capture device", zap.Int("device", deviceID), zap.Error(err))
		return
	}
	defer webcam.Close()

	window := gocv.NewWindow("Signs")
	defer window.Close()

	img := gocv.NewMat()
	defer img.Close()

	green := color.RGBA{0, 255, 0, 0}

	var (
		pending *dispatcher.Pending
		caption string
	)

	// FPS tracking variables
	fps := 0.0
	frameCount := 0
	lastTime := time.Now()

	logger.Info("start reading camera device", zap.Int("device", deviceID))
	for {
		if ok := webcam.Read(&img); !ok {
			logger.Warn("cannot read device", zap.Int("device", deviceID))
			return
		}
		if img.Empty() {
			continue
		}

		frameCount++
		if elapsed := time.Since(lastTime).Seconds(); elapsed >= 1.0 {
			fps = float64(frameCount) / elapsed
			frameCount = 0
			lastTime = time.Now()
		}

		// Only one frame is in flight; frames arriving meanwhile are shown without a new
		// prediction.
		if pending != nil {
			if outcome, done := pending.Poll(); done {
				caption = describe(outcome, float32(minConf))
				pending = nil
			}
		}
		if pending == nil {
			pending = submit(c, img, logger)
		}

		gocv.PutText(&img, caption, image.Pt(10, 30), gocv.FontHersheyPlain, 2, green, 2)
		gocv.PutText(&img, fmt.Sprintf("FPS: %.1f", fps), image.Pt(10, img.Rows()-10),
			gocv.FontHersheyPlain, 1.2, green, 1)

		window.IMShow(img)
		if window.WaitKey(1) == 27 {
			return
		}
	}
}

func submit(c *classifier.Classifier, frame gocv.Mat, logger *zap.Logger) *dispatcher.Pending {
	// ToImage reads the BGR channel order of captured frames.
	img, err := frame.ToImage()
	if err != nil {
		logger.Warn("frame conversion failed", zap.Error(err))
		return nil
	}
	p, err := c.SubmitImage(img)
	if err != nil {
		logger.Debug("frame dropped", zap.Error(err))
		return nil
	}
	return p
}

func describe(o dispatcher.Outcome, minConf float32) string {
	if o.State != dispatcher.StateCompleted {
		return ""
	}
	top, ok := o.Result.Top()
	if !ok || top.Confidence < minConf {
		return "..."
	}
	return fmt.Sprintf("%s %.0f%%", top.Label, top.Confidence*100)
}
