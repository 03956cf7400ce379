package classifier

import (
	"context"

	"github.com/nvr-ai/go-signs/assets"
	"github.com/nvr-ai/go-signs/config"
	"github.com/nvr-ai/go-signs/dispatcher"
	"github.com/nvr-ai/go-signs/inference"
	"github.com/nvr-ai/go-signs/inference/backend"
	"github.com/nvr-ai/go-signs/logging"
	"github.com/nvr-ai/go-signs/preprocess"
	"github.com/nvr-ai/go-signs/profiler"
	"github.com/nvr-ai/go-signs/store"
	"github.com/nvr-ai/go-signs/tensors"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Builder assembles a Classifier. The first error recorded by a With method is returned by
// Build.
type Builder struct {
	cfg        config.Config
	runtime    backend.Runtime
	source     assets.Source
	logger     *zap.Logger
	onComplete func(dispatcher.Outcome)
	err        error
}

// NewBuilder returns a builder seeded with config.Default.
func NewBuilder() *Builder {
	return &Builder{cfg: config.Default()}
}

// WithConfig replaces the configuration.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	if b.err != nil {
		return b
	}
	if cfg == nil {
		b.err = errors.New("classifier: config must not be nil")
		return b
	}
	if err := cfg.Validate(); err != nil {
		b.err = errors.Wrap(err, "classifier: invalid config")
		return b
	}
	b.cfg = *cfg
	return b
}

// WithConfigFile loads the configuration from a YAML file.
func (b *Builder) WithConfigFile(path string) *Builder {
	if b.err != nil {
		return b
	}
	cfg, err := config.Load(path)
	if err != nil {
		b.err = err
		return b
	}
	b.cfg = *cfg
	return b
}

// WithRuntime sets the inference runtime. The classifier does not close a runtime it was
// given. Without one, Build opens onnxruntime.
func (b *Builder) WithRuntime(rt backend.Runtime) *Builder {
	if b.err != nil {
		return b
	}
	if rt == nil {
		b.err = errors.New("classifier: runtime must not be nil")
		return b
	}
	b.runtime = rt
	return b
}

// WithSource sets the asset source. The classifier does not close a source it was given.
// Without one, Build opens model.bundle_path, or model.asset_root as a directory.
func (b *Builder) WithSource(src assets.Source) *Builder {
	if b.err != nil {
		return b
	}
	if src == nil {
		b.err = errors.New("classifier: asset source must not be nil")
		return b
	}
	b.source = src
	return b
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithOnComplete registers a callback for every finished request. See dispatcher.Options.
func (b *Builder) WithOnComplete(fn func(dispatcher.Outcome)) *Builder {
	b.onComplete = fn
	return b
}

// Build loads the model and starts the worker.
//
// Nothing is started when the model fails to load: the error is the store's *LoadError and
// no pool, profiler or worker exists.
//
// Arguments:
//   - ctx: Cancels the model load.
//
// Returns:
//   - *Classifier: The running classifier.
//   - error: The first builder error, a *store.LoadError or a construction error.
func (b *Builder) Build(ctx context.Context) (_ *Classifier, err error) {
	if b.err != nil {
		return nil, b.err
	}
	cfg := b.cfg
	logger := logging.OrNop(b.logger)

	c := &Classifier{cfg: cfg, logger: logger.Named("classifier"), released: make(chan struct{})}
	defer func() {
		if err != nil {
			err = multierr.Append(err, c.closeOwned())
		}
	}()

	c.source = b.source
	if c.source == nil {
		if c.source, err = openSource(cfg.Model); err != nil {
			return nil, err
		}
		c.ownsSource = true
	}

	c.runtime = b.runtime
	if c.runtime == nil {
		if c.runtime, err = backend.NewORT(cfg.Accelerator, logger); err != nil {
			return nil, errors.Wrap(err, "classifier: failed to open onnxruntime")
		}
		c.ownsRuntime = true
	}

	c.store, err = store.New(store.Args{
		Runtime:     c.runtime,
		Source:      c.source,
		Model:       cfg.Model,
		Accelerator: cfg.Accelerator,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	c.handle, err = c.store.Load(ctx, cfg.Model.AssetPath)
	if err != nil {
		return nil, err
	}

	c.pool, err = tensors.NewModelPool(
		c.handle.InputShape(), c.handle.OutputShape(), cfg.Pool.InputBuffers, cfg.Pool.OutputBuffers,
	)
	if err != nil {
		return nil, errors.Wrap(err, "classifier: failed to allocate buffers")
	}

	c.profiler = profiler.NewRuntimeProfiler(profiler.ProfilingOptions{
		ReportInterval: cfg.Profiling.ReportInterval,
		Logger:         logger,
	})

	c.engine, err = inference.NewEngine(inference.EngineArgs{
		Pool:     c.pool,
		Profiler: c.profiler,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	c.preprocessor, err = preprocess.ForInput(c.handle.InputShape(), c.handle.Metadata().Image)
	if err != nil {
		c.logger.Info("image input disabled", zap.Error(err))
		c.preprocessor, err = nil, nil
	}

	handle, engine := c.handle, c.engine
	c.dispatcher, err = dispatcher.New(
		dispatcher.PredictorFunc(func(ctx context.Context, features []float32) (*inference.Result, error) {
			return engine.Predict(ctx, handle, features)
		}),
		dispatcher.Options{
			QueueSize:  cfg.Dispatcher.QueueSize,
			OnComplete: b.onComplete,
			Profiler:   c.profiler,
			Logger:     logger,
		},
	)
	if err != nil {
		return nil, err
	}

	pool, d := c.pool, c.dispatcher
	c.profiler.AddMetricsCollector(profiler.CollectorFunc(func() map[string]float64 {
		return map[string]float64{
			"pool_borrowed": float64(pool.Borrowed()),
			"queue_depth":   float64(d.Len()),
		}
	}))

	c.profiler.Start()
	c.dispatcher.Start()

	c.logger.Info("classifier ready",
		zap.String("model", c.handle.Path()),
		zap.Stringer("input", c.handle.InputShape()),
		zap.Stringer("output", c.handle.OutputShape()),
		zap.Int("labels", c.handle.Labels().Len()),
		zap.String("provider", string(c.handle.Provider())),
		zap.Bool("accelerated", c.handle.Accelerated()),
	)
	return c, nil
}

func openSource(model config.ModelConfig) (assets.Source, error) {
	if model.BundlePath != "" {
		src, err := assets.OpenBundle(model.BundlePath)
		if err != nil {
			return nil, errors.Wrapf(err, "classifier: failed to open bundle %s", model.BundlePath)
		}
		return src, nil
	}
	return assets.NewDirSource(model.AssetRoot), nil
}
